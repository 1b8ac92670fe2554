package relay

import (
	"fmt"
	"time"
)

// EventKind identifies a neutral message pipeline event type.
type EventKind string

const (
	// EventKindMessageCreated is emitted when an inbound message arrives.
	EventKindMessageCreated EventKind = "message.created"
	// EventKindMessageSent is emitted when an outbound message was sent by this account.
	EventKindMessageSent EventKind = "message.sent"
	// EventKindMessageUpdated is emitted for key-only updates such as receipts and edits.
	EventKindMessageUpdated EventKind = "message.updated"
)

// Event is the neutral envelope that drivers publish and modules consume.
//
// Message and Update are optional payload branches selected by Kind.
type Event struct {
	// ID is a stable identifier for this event instance.
	ID string `json:"id"`
	// Kind selects which payload branch is expected.
	Kind EventKind `json:"kind"`
	// OccurredAt is the source timestamp for the event.
	OccurredAt time.Time `json:"occurredAt"`
	// Source identifies the driver instance that produced the event.
	Source string `json:"source,omitempty"`
	// Message carries the full message for created and sent events.
	Message *Message `json:"message,omitempty"`
	// Update carries the key-only payload for updated events.
	Update *MessageUpdate `json:"update,omitempty"`
	// Metadata stores optional driver-provided key/value context.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MessageKey references one message without its content.
type MessageKey struct {
	// RemoteJID identifies the chat the message belongs to.
	RemoteJID string `json:"remoteJid,omitempty"`
	// FromMe reports whether the message was sent by this account.
	FromMe bool `json:"fromMe"`
	// ID is the message identifier. It is the only field used for cache lookups.
	ID string `json:"id,omitempty"`
	// Participant identifies the group member who sent the message.
	Participant string `json:"participant,omitempty"`
}

// Message is a full message: its key plus an opaque nested content payload.
type Message struct {
	// Key references this message.
	Key MessageKey `json:"key"`
	// Content is the opaque message payload.
	Content any `json:"message,omitempty"`
	// Timestamp is the source timestamp in unix seconds.
	Timestamp int64 `json:"messageTimestamp,omitempty"`
	// PushName is the sender display name when known.
	PushName string `json:"pushName,omitempty"`
}

// MessageUpdate is a key-only change notification for an earlier message.
type MessageUpdate struct {
	// Key references the updated message.
	Key MessageKey `json:"key"`
	// Status is the delivery status reported by the source, such as "read".
	Status string `json:"status,omitempty"`
}

// Validate checks protocol invariants for the selected event kind.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}

	switch e.Kind {
	case EventKindMessageCreated, EventKindMessageSent:
		if e.Message == nil {
			return fmt.Errorf("%w: %s missing message payload", ErrInvalidEvent, e.Kind)
		}
		if e.Message.Key.ID == "" {
			return fmt.Errorf("%w: %s missing message key id", ErrInvalidEvent, e.Kind)
		}
	case EventKindMessageUpdated:
		if e.Update == nil {
			return fmt.Errorf("%w: %s missing update payload", ErrInvalidEvent, e.Kind)
		}
		if e.Update.Key.ID == "" {
			return fmt.Errorf("%w: %s missing update key id", ErrInvalidEvent, e.Kind)
		}
	case "":
		return fmt.Errorf("%w: missing kind", ErrInvalidEvent)
	default:
		return fmt.Errorf("%w: unsupported kind %s", ErrInvalidEvent, e.Kind)
	}

	return nil
}

// MessageKey returns the key referenced by whichever payload branch the event carries.
func (e *Event) MessageKey() (MessageKey, bool) {
	if e == nil {
		return MessageKey{}, false
	}
	if e.Message != nil {
		return e.Message.Key, true
	}
	if e.Update != nil {
		return e.Update.Key, true
	}

	return MessageKey{}, false
}
