package relay

// Capability describes what a module can process and what resources it requires.
type Capability struct {
	Name             string
	Description      string
	Interest         InterestSet
	RequiredServices []string
	Metadata         map[string]string
}

// InterestSet describes event selection criteria for capability negotiation.
type InterestSet struct {
	Kinds          []EventKind
	Sources        []string
	RequireContent bool
}

// Matches reports whether an event satisfies the declared interest set.
func (i InterestSet) Matches(event *Event) bool {
	if event == nil {
		return false
	}
	if len(i.Kinds) > 0 && !containsKind(i.Kinds, event.Kind) {
		return false
	}
	if len(i.Sources) > 0 && !containsString(i.Sources, event.Source) {
		return false
	}
	if i.RequireContent && (event.Message == nil || event.Message.Content == nil) {
		return false
	}

	return true
}

// Allows reports whether this interest set can safely satisfy another filter.
func (i InterestSet) Allows(filter InterestSet) bool {
	if len(i.Kinds) > 0 && !allKindsIncluded(filter.Kinds, i.Kinds) {
		return false
	}
	if len(i.Sources) > 0 && !allStringsIncluded(filter.Sources, i.Sources) {
		return false
	}
	if i.RequireContent && !filter.RequireContent {
		return false
	}

	return true
}

func containsKind(kinds []EventKind, target EventKind) bool {
	for _, candidate := range kinds {
		if candidate == target {
			return true
		}
	}

	return false
}

func containsString(values []string, target string) bool {
	for _, candidate := range values {
		if candidate == target {
			return true
		}
	}

	return false
}

// allKindsIncluded reports whether subset is fully contained in allowed.
// An empty subset means "every kind" and is only covered by an unrestricted set.
func allKindsIncluded(subset, allowed []EventKind) bool {
	if len(subset) == 0 {
		return false
	}
	for _, item := range subset {
		if !containsKind(allowed, item) {
			return false
		}
	}

	return true
}

func allStringsIncluded(subset, allowed []string) bool {
	if len(subset) == 0 {
		return false
	}
	for _, item := range subset {
		if !containsString(allowed, item) {
			return false
		}
	}

	return true
}
