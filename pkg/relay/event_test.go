package relay

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEventValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		event   *Event
		wantErr bool
	}{
		{
			name:    "nil event",
			event:   nil,
			wantErr: true,
		},
		{
			name:    "missing kind",
			event:   &Event{ID: "e1"},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			event:   &Event{ID: "e1", Kind: "presence.updated"},
			wantErr: true,
		},
		{
			name:    "created without message",
			event:   &Event{ID: "e1", Kind: EventKindMessageCreated},
			wantErr: true,
		},
		{
			name:    "sent without key id",
			event:   &Event{ID: "e1", Kind: EventKindMessageSent, Message: &Message{}},
			wantErr: true,
		},
		{
			name:    "updated without update",
			event:   &Event{ID: "e1", Kind: EventKindMessageUpdated, Message: &Message{Key: MessageKey{ID: "m1"}}},
			wantErr: true,
		},
		{
			name:  "valid created",
			event: &Event{ID: "e1", Kind: EventKindMessageCreated, Message: &Message{Key: MessageKey{ID: "m1"}}},
		},
		{
			name:  "valid updated",
			event: &Event{ID: "e1", Kind: EventKindMessageUpdated, Update: &MessageUpdate{Key: MessageKey{ID: "m1"}, Status: "read"}},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := testCase.event.Validate()
			if testCase.wantErr {
				if !errors.Is(err, ErrInvalidEvent) {
					t.Fatalf("Validate() error = %v, want ErrInvalidEvent", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
		})
	}
}

func TestEventMessageKey(t *testing.T) {
	t.Parallel()

	created := &Event{Kind: EventKindMessageCreated, Message: &Message{Key: MessageKey{ID: "m1", RemoteJID: "chat"}}}
	if key, ok := created.MessageKey(); !ok || key.ID != "m1" || key.RemoteJID != "chat" {
		t.Fatalf("created MessageKey() = %+v, %v", key, ok)
	}

	updated := &Event{Kind: EventKindMessageUpdated, Update: &MessageUpdate{Key: MessageKey{ID: "m2"}}}
	if key, ok := updated.MessageKey(); !ok || key.ID != "m2" {
		t.Fatalf("updated MessageKey() = %+v, %v", key, ok)
	}

	var empty *Event
	if _, ok := empty.MessageKey(); ok {
		t.Fatal("nil event reported a key")
	}
}

// TestMessageJSONFieldNames verifies the wire names used by stored message text.
func TestMessageJSONFieldNames(t *testing.T) {
	t.Parallel()

	message := Message{
		Key:       MessageKey{RemoteJID: "123@s.whatsapp.net", FromMe: true, ID: "ABC"},
		Content:   map[string]any{"conversation": "hello"},
		Timestamp: 1700000000,
		PushName:  "alice",
	}

	encoded, err := json.Marshal(message)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	want := map[string]any{
		"key": map[string]any{
			"remoteJid": "123@s.whatsapp.net",
			"fromMe":    true,
			"id":        "ABC",
		},
		"message":          map[string]any{"conversation": "hello"},
		"messageTimestamp": float64(1700000000),
		"pushName":         "alice",
	}
	if diff := cmp.Diff(want, decoded); diff != "" {
		t.Fatalf("encoded message mismatch (-want +got):\n%s", diff)
	}
}
