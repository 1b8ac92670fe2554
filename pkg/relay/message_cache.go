package relay

// ServiceMessageCache is the canonical service registry key for the volatile message cache.
const ServiceMessageCache = "relay.message_cache"

// MessageCache recovers message content from a key for a short period after the
// message was seen.
//
// The cache is advisory: a miss is an expected outcome and callers must not depend
// on hits for correctness. Implementations must be concurrency-safe.
type MessageCache interface {
	// Save remembers msg under its key id. Messages without an id are ignored.
	Save(msg *Message)
	// Get returns the content saved for key.ID, or false when nothing usable is cached.
	Get(key MessageKey) (content any, found bool)
}
