// Package registry holds the in-process map of sessions and enforces the
// hierarchy rules: only managers are roots, supervisors sit under managers
// and workers under supervisors. Sessions are stored in a flat id map; tree
// views are derived on demand. All accessors return deep copies, so callers
// mutate sessions only through Update and the helpers built on it.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/flowmesh/core"
)

var (
	// ErrInvalidParent is returned when a session's parent is missing or of the wrong type.
	ErrInvalidParent = errors.New("invalid parent session")
	// ErrDuplicateSession is returned when a session id is already registered.
	ErrDuplicateSession = errors.New("duplicate session")
)

// Registry is a concurrency-safe session map.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*core.Session
	order    []string
	now      func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]*core.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func expectedParent(t core.SessionType) core.SessionType {
	switch t {
	case core.SessionTypeSupervisor:
		return core.SessionTypeManager
	case core.SessionTypeWorker:
		return core.SessionTypeSupervisor
	}
	return ""
}

// Create validates s against the hierarchy rules, registers a copy and
// appends it to its parent's ChildIDs. The registered copy is returned.
func (r *Registry) Create(s *core.Session) (*core.Session, error) {
	if s == nil {
		return nil, fmt.Errorf("session is nil")
	}
	switch {
	case s.Type == core.SessionTypeManager && s.ParentID != "":
		return nil, fmt.Errorf("%w: manager session %s cannot have a parent", ErrInvalidParent, s.ID)
	case s.Type != core.SessionTypeManager && s.ParentID == "":
		return nil, fmt.Errorf("%w: %s session %s requires a parent", ErrInvalidParent, s.Type, s.ID)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, s.ID)
	}

	var parent *core.Session
	if s.ParentID != "" {
		p, ok := r.sessions[s.ParentID]
		if !ok {
			return nil, fmt.Errorf("%w: parent %s of %s session %s does not exist", ErrInvalidParent, s.ParentID, s.Type, s.ID)
		}
		if want := expectedParent(s.Type); p.Type != want {
			return nil, fmt.Errorf("%w: %s session %s requires a %s parent, got %s", ErrInvalidParent, s.Type, s.ID, want, p.Type)
		}
		parent = p
	}

	c := s.Clone()
	if c.ChildIDs == nil {
		c.ChildIDs = []string{}
	}
	if c.Messages == nil {
		c.Messages = []core.Message{}
	}
	r.sessions[c.ID] = c
	r.order = append(r.order, c.ID)
	if parent != nil && !slices.Contains(parent.ChildIDs, c.ID) {
		parent.ChildIDs = append(parent.ChildIDs, c.ID)
		parent.Updated = r.now()
	}
	return c.Clone(), nil
}

// Load replaces the registry content with sessions restored from a store.
// Sessions are inserted in creation order; the hierarchy is checked afterwards.
func (r *Registry) Load(sessions []*core.Session) error {
	sorted := make([]*core.Session, 0, len(sessions))
	for _, s := range sessions {
		sorted = append(sorted, s.Clone())
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Created.Before(sorted[j].Created) })

	r.mu.Lock()
	r.sessions = make(map[string]*core.Session, len(sorted))
	r.order = r.order[:0]
	for _, s := range sorted {
		r.sessions[s.ID] = s
		r.order = append(r.order, s.ID)
	}
	r.mu.Unlock()

	return r.CheckInvariants()
}

// Get returns a copy of the session or core.ErrNotFound.
func (r *Registry) Get(id string) (*core.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, core.ErrNotFound)
	}
	return s.Clone(), nil
}

// Exists reports whether id is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns copies of every session in creation order.
func (r *Registry) All() []*core.Session {
	return r.Filter(func(*core.Session) bool { return true })
}

// Filter returns copies of the sessions matching keep, in creation order.
func (r *Registry) Filter(keep func(s *core.Session) bool) []*core.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*core.Session, 0, len(r.order))
	for _, id := range r.order {
		if s := r.sessions[id]; keep(s) {
			out = append(out, s.Clone())
		}
	}
	return out
}

// Roots returns every manager session.
func (r *Registry) Roots() []*core.Session {
	return r.Filter(func(s *core.Session) bool { return s.ParentID == "" })
}

// Active returns every session with status active.
func (r *Registry) Active() []*core.Session {
	return r.Filter(func(s *core.Session) bool { return s.Status == core.StatusActive })
}

// Children returns the children of id in creation order.
func (r *Registry) Children(id string) ([]*core.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, core.ErrNotFound)
	}
	out := make([]*core.Session, 0, len(p.ChildIDs))
	for _, cid := range p.ChildIDs {
		if c, ok := r.sessions[cid]; ok {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

// Update applies fn to the stored session under the write lock and bumps
// Updated. If fn returns an error the session is left unchanged.
func (r *Registry) Update(id string, fn func(s *core.Session) error) (*core.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, core.ErrNotFound)
	}
	work := s.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	work.ID, work.Type, work.ParentID = s.ID, s.Type, s.ParentID
	work.ChildIDs = s.ChildIDs
	work.Updated = r.now()
	r.sessions[id] = work
	return work.Clone(), nil
}

// Clear removes every session.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]*core.Session)
	r.order = nil
}

// CheckInvariants verifies the structural rules over the whole registry.
func (r *Registry) CheckInvariants() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, id := range r.order {
		s := r.sessions[id]
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		seen := make(map[string]struct{}, len(s.ChildIDs))
		for _, cid := range s.ChildIDs {
			if _, dup := seen[cid]; dup {
				errs = append(errs, fmt.Errorf("session %s lists child %s more than once", s.ID, cid))
			}
			seen[cid] = struct{}{}
			c, ok := r.sessions[cid]
			if !ok {
				errs = append(errs, fmt.Errorf("session %s lists unknown child %s", s.ID, cid))
				continue
			}
			if c.ParentID != s.ID {
				errs = append(errs, fmt.Errorf("child %s of %s points to parent %q", cid, s.ID, c.ParentID))
			}
		}
		if s.ParentID == "" {
			continue
		}
		p, ok := r.sessions[s.ParentID]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: parent %s of %s is not registered", ErrInvalidParent, s.ParentID, s.ID))
			continue
		}
		if p.Type != expectedParent(s.Type) {
			errs = append(errs, fmt.Errorf("%w: %s %s sits under %s %s", ErrInvalidParent, s.Type, s.ID, p.Type, p.ID))
		}
		if n := count(p.ChildIDs, s.ID); n != 1 {
			errs = append(errs, fmt.Errorf("parent %s lists child %s %d times", p.ID, s.ID, n))
		}
	}
	return errors.Join(errs...)
}

func count(ids []string, id string) int {
	n := 0
	for _, v := range ids {
		if v == id {
			n++
		}
	}
	return n
}
