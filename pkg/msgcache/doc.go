// Package msgcache provides a volatile, process-local message store that keeps
// recently seen messages for a fixed time so that content can be recovered later
// from a key alone.
//
// Entries expire a fixed TTL after their latest save and reads never extend that.
// When the store is full the oldest insertion is evicted first. Every failure
// degrades to a miss or a no-op plus a log record; callers must treat the store as
// advisory.
package msgcache
