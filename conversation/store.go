// Package conversation keeps the bounded per-client chat history relayed to the
// completion API.
package conversation

import (
	"slices"
	"sync"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	// DefaultMaxHistory is the number of most recent messages kept per client.
	DefaultMaxHistory = 12
)

// Message is a single role-tagged turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type history struct {
	messages []Message
	lastSeen time.Time
}

// Checkpoint records the state of a conversation before an append so the
// append can be undone with Rollback.
type Checkpoint struct {
	key      string
	before   []Message
	appended Message
	after    []Message
}

// Messages returns the trimmed history as it was right after the append.
func (cp Checkpoint) Messages() []Message {
	return slices.Clone(cp.after)
}

// Store holds one conversation per client key. All methods are safe for
// concurrent use.
type Store struct {
	mu         sync.Mutex
	histories  map[string]*history
	maxHistory int
	timeFunc   func() time.Time // for testing
}

// NewStore creates a Store keeping at most maxHistory messages per key.
// A non-positive maxHistory falls back to DefaultMaxHistory.
func NewStore(maxHistory int) *Store {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Store{
		histories:  make(map[string]*history),
		maxHistory: maxHistory,
		timeFunc:   time.Now,
	}
}

// AppendAndTrim appends msg to the conversation for key and drops the oldest
// messages beyond the configured maximum.
func (s *Store) AppendAndTrim(key string, msg Message) Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.histories[key]
	if !ok {
		h = &history{}
		s.histories[key] = h
	}
	cp := Checkpoint{
		key:      key,
		before:   slices.Clone(h.messages),
		appended: msg,
	}

	h.messages = append(h.messages, msg)
	if over := len(h.messages) - s.maxHistory; over > 0 {
		h.messages = slices.Clone(h.messages[over:])
	}
	h.lastSeen = s.timeFunc()
	cp.after = slices.Clone(h.messages)
	return cp
}

// Rollback undoes the append recorded by cp. When the conversation is still
// exactly as that append left it, the previous history is restored including
// any message the trim evicted. Otherwise only the appended message is removed.
func (s *Store) Rollback(cp Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.histories[cp.key]
	if !ok {
		return
	}

	n := len(h.messages)
	if slices.Equal(h.messages, cp.after) {
		if len(cp.before) == 0 {
			delete(s.histories, cp.key)
			return
		}
		h.messages = slices.Clone(cp.before)
		return
	}

	for i := n - 1; i >= 0; i-- {
		if h.messages[i] == cp.appended {
			h.messages = slices.Delete(h.messages, i, i+1)
			break
		}
	}
	if len(h.messages) == 0 {
		delete(s.histories, cp.key)
	}
}

// Get returns a copy of the conversation for key, or an empty slice.
func (s *Store) Get(key string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.histories[key]
	if !ok {
		return []Message{}
	}
	return slices.Clone(h.messages)
}

// Clear removes the conversation for key.
func (s *Store) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.histories, key)
}

// MaxHistory returns the number of messages kept per key.
func (s *Store) MaxHistory() int {
	return s.maxHistory
}

// Len returns the number of conversations currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.histories)
}

// Sweep removes conversations that have not been appended to for longer than
// idle and returns how many were removed. A non-positive idle removes nothing.
func (s *Store) Sweep(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.timeFunc().Add(-idle)
	removed := 0
	for key, h := range s.histories {
		if h.lastSeen.Before(cutoff) {
			delete(s.histories, key)
			removed++
		}
	}
	return removed
}
