package relay

// ServiceSanitizer is the canonical service registry key for payload normalization.
const ServiceSanitizer = "relay.sanitizer"

// Sanitizer rewrites arbitrary payloads into a tree that encodes as JSON.
//
// Sanitize never fails: when a payload cannot be normalized it is returned unchanged.
type Sanitizer interface {
	Sanitize(value any) any
}
