package msgcache

import (
	"container/list"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"msgrelay/pkg/relay"
)

const (
	defaultTTL         = 60 * time.Second
	defaultMaxEntries  = 5000
	defaultCheckPeriod = 300 * time.Second

	contentPath = "message"
)

// Option mutates store configuration.
type Option func(*Store)

// WithLogger injects the logger used for encode and decode diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(store *Store) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// WithTTL sets how long an entry stays retrievable after it was saved.
func WithTTL(ttl time.Duration) Option {
	return func(store *Store) {
		if ttl > 0 {
			store.ttl = ttl
		}
	}
}

// WithMaxEntries sets the resident entry bound.
func WithMaxEntries(maxEntries int) Option {
	return func(store *Store) {
		if maxEntries > 0 {
			store.maxEntries = maxEntries
		}
	}
}

// WithCheckPeriod sets the background sweep interval. Zero disables the sweeper;
// expired entries are then removed only when read.
func WithCheckPeriod(period time.Duration) Option {
	return func(store *Store) {
		if period >= 0 {
			store.checkPeriod = period
		}
	}
}

func withClock(clock func() time.Time) Option {
	return func(store *Store) {
		if clock != nil {
			store.clock = clock
		}
	}
}

// Store is a TTL and capacity bounded message cache keyed by message id.
//
// Store is safe for concurrent use. Close must be called to stop the sweeper.
type Store struct {
	logger      *slog.Logger
	ttl         time.Duration
	maxEntries  int
	checkPeriod time.Duration
	clock       func() time.Time

	mu    sync.Mutex
	order *list.List
	index map[string]*list.Element

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type entry struct {
	id        string
	text      string
	expiresAt time.Time
}

// New creates a store and starts its sweeper when a check period is configured.
func New(options ...Option) *Store {
	store := &Store{
		logger:      slog.Default(),
		ttl:         defaultTTL,
		maxEntries:  defaultMaxEntries,
		checkPeriod: defaultCheckPeriod,
		clock:       time.Now,
		order:       list.New(),
		index:       make(map[string]*list.Element),
	}
	for _, option := range options {
		option(store)
	}

	if store.checkPeriod > 0 {
		store.stop = make(chan struct{})
		store.done = make(chan struct{})
		go store.sweepLoop(store.checkPeriod)
	}

	return store
}

// Save stores msg under msg.Key.ID, replacing any previous entry for that id.
//
// A nil message or a message without an id is ignored. Encode failures are
// logged and the store is left unchanged.
func (s *Store) Save(msg *relay.Message) {
	if msg == nil || msg.Key.ID == "" {
		return
	}

	text, err := encodeMessage(msg)
	if err != nil {
		s.logger.Error("message cache save failed",
			"message_id", msg.Key.ID,
			"error", err,
		)
		return
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if element, exists := s.index[msg.Key.ID]; exists {
		cached := element.Value.(*entry)
		cached.text = text
		cached.expiresAt = now.Add(s.ttl)
		s.order.MoveToFront(element)
		return
	}

	s.index[msg.Key.ID] = s.order.PushFront(&entry{
		id:        msg.Key.ID,
		text:      text,
		expiresAt: now.Add(s.ttl),
	})
	s.trimToCapacityLocked()
}

// Get returns the content saved for key.ID.
//
// It reports false when the id is empty, nothing is cached, the entry expired,
// the saved message carried no content, or the stored text cannot be decoded.
func (s *Store) Get(key relay.MessageKey) (any, bool) {
	raw, found := s.lookupContent(key.ID)
	if !found {
		return nil, false
	}

	var content any
	if err := decodeContent(raw, &content); err != nil {
		s.logger.Error("message cache get failed",
			"message_id", key.ID,
			"error", err,
		)
		return nil, false
	}

	return content, true
}

// GetInto decodes the content saved for key.ID into out.
func (s *Store) GetInto(key relay.MessageKey, out any) bool {
	raw, found := s.lookupContent(key.ID)
	if !found {
		return false
	}

	if err := decodeContent(raw, out); err != nil {
		s.logger.Error("message cache get failed",
			"message_id", key.ID,
			"error", err,
		)
		return false
	}

	return true
}

// Delete removes the entry for id and reports whether one was resident.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[id]; !exists {
		return false
	}
	s.deleteLocked(id)

	return true
}

// Len returns the number of resident entries, including expired ones not yet swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.index)
}

// Close stops the background sweeper and waits for it to exit. It is safe to call
// more than once.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if s.stop == nil {
			return
		}
		close(s.stop)
		<-s.done
	})
}

func (s *Store) lookupContent(id string) (string, bool) {
	if id == "" {
		return "", false
	}

	now := s.now()

	s.mu.Lock()
	text, found := s.textLocked(id, now)
	s.mu.Unlock()
	if !found {
		return "", false
	}

	raw, found, err := extractContent(text)
	if err != nil {
		s.logger.Error("message cache get failed",
			"message_id", id,
			"error", err,
		)
		return "", false
	}

	return raw, found
}

func (s *Store) textLocked(id string, now time.Time) (string, bool) {
	element, exists := s.index[id]
	if !exists {
		return "", false
	}

	cached := element.Value.(*entry)
	if isExpired(cached, now) {
		s.deleteLocked(id)
		return "", false
	}

	return cached.text, true
}

func (s *Store) trimToCapacityLocked() {
	for len(s.index) > s.maxEntries {
		back := s.order.Back()
		if back == nil {
			break
		}
		s.deleteLocked(back.Value.(*entry).id)
	}
}

func (s *Store) deleteLocked(id string) {
	if element, exists := s.index[id]; exists {
		s.order.Remove(element)
		delete(s.index, id)
	}
}

func (s *Store) now() time.Time {
	return s.clock()
}

func isExpired(cached *entry, now time.Time) bool {
	return !now.Before(cached.expiresAt)
}

func encodeMessage(msg *relay.Message) (string, error) {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEncode, err)
	}

	return string(encoded), nil
}

// extractContent returns the raw JSON of the content field. A missing or null
// content is reported as not found without an error.
func extractContent(text string) (string, bool, error) {
	if !gjson.Valid(text) {
		return "", false, fmt.Errorf("%w: stored text is not valid json", ErrDecode)
	}

	content := gjson.Get(text, contentPath)
	if !content.Exists() || content.Type == gjson.Null {
		return "", false, nil
	}

	return content.Raw, true, nil
}

func decodeContent(raw string, out any) error {
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}

	return nil
}
