// Package memory provides a volatile Store implementation keeping sessions,
// messages and artifacts in process local maps. It is safe for concurrent
// access and best suited for tests, examples and single-process runs. Every
// returned value is a copy to prevent external mutation of internal state.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/flowmesh/core"
)

var (
	_ core.Store          = (*Store)(nil)
	_ core.MessageWatcher = (*Store)(nil)
	_ core.MessagePurger  = (*Store)(nil)
	_ core.ArtifactStore  = (*Store)(nil)
)

// Store is the in-memory backend.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*core.Session
	messages  map[string]core.SessionMessage
	msgOrder  []string
	artifacts map[string]map[string][]byte // sessionID -> name -> data

	watchMu  sync.Mutex
	watchers []chan struct{}
}

// New constructs an empty in‑memory store.
func New() *Store {
	return &Store{
		sessions:  make(map[string]*core.Session),
		messages:  make(map[string]core.SessionMessage),
		artifacts: make(map[string]map[string][]byte),
	}
}

// WriteSession stores a clone of the provided session snapshot.
func (s *Store) WriteSession(_ context.Context, sess *core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// ReadSession returns a clone of the session or core.ErrNotFound.
func (s *Store) ReadSession(_ context.Context, id string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, core.ErrNotFound)
	}
	return sess.Clone(), nil
}

// ListSessions returns clones of all sessions ordered by creation time.
func (s *Store) ListSessions(_ context.Context) ([]*core.Session, error) {
	s.mu.RLock()
	out := make([]*core.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out, nil
}

// WriteMessage stores the message and nudges watchers.
func (s *Store) WriteMessage(_ context.Context, m core.SessionMessage) error {
	s.mu.Lock()
	if _, exists := s.messages[m.ID]; !exists {
		s.msgOrder = append(s.msgOrder, m.ID)
	}
	s.messages[m.ID] = m.Clone()
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Store) collect(keep func(m core.SessionMessage) bool) []core.SessionMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.SessionMessage, 0)
	for _, id := range s.msgOrder {
		if m := s.messages[id]; keep(m) {
			out = append(out, m.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// ReadPendingMessages returns pending messages ordered by timestamp.
func (s *Store) ReadPendingMessages(_ context.Context) ([]core.SessionMessage, error) {
	return s.collect(func(m core.SessionMessage) bool { return m.Status == core.MessagePending }), nil
}

// ListMessages returns messages from or to sessionID (all when empty).
func (s *Store) ListMessages(_ context.Context, sessionID string) ([]core.SessionMessage, error) {
	return s.collect(func(m core.SessionMessage) bool {
		return sessionID == "" || m.From == sessionID || m.To == sessionID
	}), nil
}

// MarkProcessed flips a message to processed; repeated calls are no-ops.
func (s *Store) MarkProcessed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message %s: %w", id, core.ErrNotFound)
	}
	if m.Status == core.MessageProcessed {
		return nil
	}
	m.Status = core.MessageProcessed
	m.ProcessedAt = &at
	s.messages[id] = m
	return nil
}

// PurgeMessages deletes processed messages older than cutoff.
func (s *Store) PurgeMessages(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.msgOrder[:0]
	n := 0
	for _, id := range s.msgOrder {
		m := s.messages[id]
		if m.Status == core.MessageProcessed && m.Timestamp.Before(cutoff) {
			delete(s.messages, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	s.msgOrder = kept
	return n, nil
}

// Clear removes everything.
func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*core.Session)
	s.messages = make(map[string]core.SessionMessage)
	s.msgOrder = nil
	s.artifacts = make(map[string]map[string][]byte)
	return nil
}

// WatchMessages returns a channel nudged after every WriteMessage.
func (s *Store) WatchMessages(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	s.watchMu.Lock()
	s.watchers = append(s.watchers, ch)
	s.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (s *Store) notify() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, w := range s.watchers {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

// SaveArtifact stores (or overwrites) the artifact bytes. The input slice is copied.
func (s *Store) SaveArtifact(_ context.Context, sessionID, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.artifacts[sessionID]; !exists {
		s.artifacts[sessionID] = make(map[string][]byte)
	}
	s.artifacts[sessionID][name] = append([]byte(nil), data...)
	return nil
}

// GetArtifact returns a copy of the stored artifact bytes or core.ErrNotFound.
func (s *Store) GetArtifact(_ context.Context, sessionID, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.artifacts[sessionID][name]
	if !ok {
		return nil, fmt.Errorf("artifact %s/%s: %w", sessionID, name, core.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// ListArtifacts returns the sorted artifact names stored for the session.
func (s *Store) ListArtifacts(_ context.Context, sessionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.artifacts[sessionID]))
	for name := range s.artifacts[sessionID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteArtifact removes the artifact if present or returns core.ErrNotFound.
func (s *Store) DeleteArtifact(_ context.Context, sessionID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[sessionID][name]; !ok {
		return fmt.Errorf("artifact %s/%s: %w", sessionID, name, core.ErrNotFound)
	}
	delete(s.artifacts[sessionID], name)
	return nil
}
