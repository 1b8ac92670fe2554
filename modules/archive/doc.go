// Package archive provides a kernel module that writes every message event as
// one JSON line. Payloads pass through the sanitizer service first, and
// key-only updates recover their content from the message cache when it is
// registered.
package archive
