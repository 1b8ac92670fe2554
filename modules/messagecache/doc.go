// Package messagecache provides a kernel module that remembers every created
// and sent message for a short time and shares the cache with other modules
// as the relay.message_cache service.
package messagecache
