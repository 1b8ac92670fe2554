package msgcache

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"msgrelay/pkg/relay"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1000, 0).UTC()}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, clock *manualClock, options ...Option) *Store {
	t.Helper()

	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithCheckPeriod(0),
		withClock(clock.Now),
	}
	store := New(append(base, options...)...)
	t.Cleanup(store.Close)

	return store
}

func textMessage(id string, text string) *relay.Message {
	return &relay.Message{
		Key:     relay.MessageKey{RemoteJID: "123@s.whatsapp.net", ID: id},
		Content: map[string]any{"conversation": text},
	}
}

// TestStoreRoundTrip verifies that saved content comes back deep-equal.
func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, newManualClock())

	content := map[string]any{
		"extendedTextMessage": map[string]any{
			"text":     "hello",
			"mentions": []any{"a", "b"},
			"count":    float64(3),
			"pinned":   true,
			"quoted":   nil,
		},
	}
	store.Save(&relay.Message{Key: relay.MessageKey{ID: "m1"}, Content: content})

	got, found := store.Get(relay.MessageKey{ID: "m1"})
	if !found {
		t.Fatal("expected cache hit")
	}
	if diff := cmp.Diff(any(content), got); diff != "" {
		t.Fatalf("content mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreGetUsesOnlyKeyID(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, newManualClock())
	store.Save(textMessage("m1", "hi"))

	got, found := store.Get(relay.MessageKey{ID: "m1", RemoteJID: "other@g.us", FromMe: true})
	if !found {
		t.Fatal("expected cache hit")
	}
	if diff := cmp.Diff(any(map[string]any{"conversation": "hi"}), got); diff != "" {
		t.Fatalf("content mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreMisses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		message *relay.Message
		lookup  relay.MessageKey
	}{
		{
			name:    "empty lookup id",
			message: textMessage("m1", "hi"),
			lookup:  relay.MessageKey{},
		},
		{
			name:    "unknown id",
			message: textMessage("m1", "hi"),
			lookup:  relay.MessageKey{ID: "m2"},
		},
		{
			name:    "saved without content",
			message: &relay.Message{Key: relay.MessageKey{ID: "m1"}},
			lookup:  relay.MessageKey{ID: "m1"},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			store := newTestStore(t, newManualClock())
			store.Save(testCase.message)

			if got, found := store.Get(testCase.lookup); found {
				t.Fatalf("Get() = %v, want miss", got)
			}
		})
	}
}

func TestStoreSaveWithoutIDIsNoop(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, newManualClock())
	store.Save(textMessage("m1", "hi"))

	store.Save(nil)
	store.Save(&relay.Message{Content: map[string]any{"conversation": "no id"}})

	if got := store.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
}

func TestStoreTTLExpiry(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	store := newTestStore(t, clock, WithTTL(60*time.Second))
	store.Save(textMessage("m1", "hi"))

	clock.Advance(59 * time.Second)
	if _, found := store.Get(relay.MessageKey{ID: "m1"}); !found {
		t.Fatal("expected hit before ttl")
	}

	clock.Advance(time.Second + time.Millisecond)
	if _, found := store.Get(relay.MessageKey{ID: "m1"}); found {
		t.Fatal("expected miss after ttl")
	}
	if got := store.Len(); got != 0 {
		t.Fatalf("Len() after expired read = %d, want 0", got)
	}
}

func TestStoreReadDoesNotRenewTTL(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	store := newTestStore(t, clock, WithTTL(10*time.Second))
	store.Save(textMessage("m1", "hi"))

	for range 3 {
		clock.Advance(4 * time.Second)
		store.Get(relay.MessageKey{ID: "m1"})
	}

	if _, found := store.Get(relay.MessageKey{ID: "m1"}); found {
		t.Fatal("reads must not extend ttl")
	}
}

func TestStoreResaveRefreshesEntry(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	store := newTestStore(t, clock, WithTTL(10*time.Second))
	store.Save(textMessage("m1", "first"))

	clock.Advance(8 * time.Second)
	store.Save(textMessage("m1", "second"))
	clock.Advance(8 * time.Second)

	got, found := store.Get(relay.MessageKey{ID: "m1"})
	if !found {
		t.Fatal("expected hit after re-save")
	}
	if diff := cmp.Diff(any(map[string]any{"conversation": "second"}), got); diff != "" {
		t.Fatalf("content mismatch (-want +got):\n%s", diff)
	}
	if got := store.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
}

func TestStoreCapacityEvictsOldestInsertion(t *testing.T) {
	t.Parallel()

	const capacity = 3

	store := newTestStore(t, newManualClock(), WithMaxEntries(capacity))
	for i := range capacity + 1 {
		store.Save(textMessage(fmt.Sprintf("m%d", i), "hi"))
	}

	if got := store.Len(); got != capacity {
		t.Fatalf("Len() = %d, want %d", got, capacity)
	}
	if _, found := store.Get(relay.MessageKey{ID: "m0"}); found {
		t.Fatal("earliest insertion should have been evicted")
	}
	for i := 1; i <= capacity; i++ {
		if _, found := store.Get(relay.MessageKey{ID: fmt.Sprintf("m%d", i)}); !found {
			t.Fatalf("m%d should be resident", i)
		}
	}
}

func TestStoreReadsDoNotAffectEvictionOrder(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, newManualClock(), WithMaxEntries(2))
	store.Save(textMessage("m1", "a"))
	store.Save(textMessage("m2", "b"))

	store.Get(relay.MessageKey{ID: "m1"})
	store.Save(textMessage("m3", "c"))

	if _, found := store.Get(relay.MessageKey{ID: "m1"}); found {
		t.Fatal("m1 was inserted first and must be evicted despite the read")
	}
	if _, found := store.Get(relay.MessageKey{ID: "m2"}); !found {
		t.Fatal("m2 should be resident")
	}
}

func TestStoreResaveCountsAsNewestInsertion(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, newManualClock(), WithMaxEntries(2))
	store.Save(textMessage("m1", "a"))
	store.Save(textMessage("m2", "b"))
	store.Save(textMessage("m1", "a2"))
	store.Save(textMessage("m3", "c"))

	if _, found := store.Get(relay.MessageKey{ID: "m2"}); found {
		t.Fatal("m2 is the oldest insertion and should be evicted")
	}
	if _, found := store.Get(relay.MessageKey{ID: "m1"}); !found {
		t.Fatal("re-saved m1 should be resident")
	}
}

func TestStoreEncodeFailureIsLoggedAndSkipped(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, newManualClock())
	store.Save(&relay.Message{
		Key:     relay.MessageKey{ID: "m1"},
		Content: map[string]any{"callback": func() {}},
	})

	if got := store.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}
	if _, found := store.Get(relay.MessageKey{ID: "m1"}); found {
		t.Fatal("unencodable message must not be cached")
	}
}

func TestStoreCorruptTextIsMiss(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, newManualClock())
	store.Save(textMessage("m1", "hi"))

	store.mu.Lock()
	store.index["m1"].Value.(*entry).text = `{"key":{"id":"m1"},"message":`
	store.mu.Unlock()

	if _, found := store.Get(relay.MessageKey{ID: "m1"}); found {
		t.Fatal("corrupt stored text must be reported as a miss")
	}
}

func TestStoreGetInto(t *testing.T) {
	t.Parallel()

	type textContent struct {
		Conversation string `json:"conversation"`
	}

	store := newTestStore(t, newManualClock())
	store.Save(textMessage("m1", "hi"))

	var got textContent
	if !store.GetInto(relay.MessageKey{ID: "m1"}, &got) {
		t.Fatal("expected cache hit")
	}
	if got.Conversation != "hi" {
		t.Fatalf("Conversation = %q, want hi", got.Conversation)
	}

	var wrongShape []string
	if store.GetInto(relay.MessageKey{ID: "m1"}, &wrongShape) {
		t.Fatal("decode into mismatched type should be a miss")
	}
}

func TestStoreDelete(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, newManualClock())
	store.Save(textMessage("m1", "hi"))

	if !store.Delete("m1") {
		t.Fatal("Delete() = false, want true")
	}
	if store.Delete("m1") {
		t.Fatal("second Delete() = true, want false")
	}
	if _, found := store.Get(relay.MessageKey{ID: "m1"}); found {
		t.Fatal("deleted entry returned")
	}
}

func TestStoreSweepRemovesExpired(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	store := newTestStore(t, clock, WithTTL(10*time.Second))
	store.Save(textMessage("old", "a"))
	clock.Advance(6 * time.Second)
	store.Save(textMessage("new", "b"))
	clock.Advance(5 * time.Second)

	if removed := store.sweep(); removed != 1 {
		t.Fatalf("sweep() removed %d, want 1", removed)
	}
	if got := store.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
	if _, found := store.Get(relay.MessageKey{ID: "new"}); !found {
		t.Fatal("unexpired entry should survive the sweep")
	}
}

func TestStoreBackgroundSweeper(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	store := newTestStore(t, clock, WithTTL(time.Second), WithCheckPeriod(10*time.Millisecond))
	store.Save(textMessage("m1", "hi"))

	clock.Advance(2 * time.Second)
	eventually(t, time.Second, func() bool {
		return store.Len() == 0
	})
}

func TestStoreCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	store := New(WithCheckPeriod(time.Millisecond))
	store.Close()
	store.Close()

	unswept := New(WithCheckPeriod(0))
	unswept.Close()
}

func TestStoreConcurrentAccess(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, newManualClock(), WithMaxEntries(50))

	var wg sync.WaitGroup
	for worker := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				id := fmt.Sprintf("w%d-%d", worker, i%60)
				store.Save(textMessage(id, "x"))
				store.Get(relay.MessageKey{ID: id})
			}
		}()
	}
	wg.Wait()

	if got := store.Len(); got > 50 {
		t.Fatalf("Len() = %d, want <= 50", got)
	}
}

func eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("condition not met before timeout")
}
