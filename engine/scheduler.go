package engine

import (
	"slices"
	"sync"
)

// scheduler tracks execution slots and the FIFO of ready sessions waiting
// for one. Queued is bookkeeping only; it is not a session status.
type scheduler struct {
	mu     sync.Mutex
	max    int
	slots  map[string]struct{}
	queue  []string
	queued map[string]struct{}
}

func newScheduler(limit int) *scheduler {
	return &scheduler{
		max:    limit,
		slots:  make(map[string]struct{}),
		queued: make(map[string]struct{}),
	}
}

func (s *scheduler) setMax(limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.max = limit
}

// acquire takes a slot for id. When none is free the id is queued;
// newlyQueued reports whether it was not queued before.
func (s *scheduler) acquire(id string) (ok, newlyQueued bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.slots[id]; held {
		return true, false
	}
	if len(s.slots) < s.max {
		s.slots[id] = struct{}{}
		s.dequeueLocked(id)
		return true, false
	}
	if _, q := s.queued[id]; q {
		return false, false
	}
	s.queued[id] = struct{}{}
	s.queue = append(s.queue, id)
	return false, true
}

// force takes a slot regardless of capacity.
func (s *scheduler) force(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[id] = struct{}{}
	s.dequeueLocked(id)
}

// release frees the slot of id, if held. Repeated calls are no-ops.
func (s *scheduler) release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.slots[id]; !held {
		return false
	}
	delete(s.slots, id)
	return true
}

func (s *scheduler) dequeue(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dequeueLocked(id)
}

func (s *scheduler) dequeueLocked(id string) {
	if _, q := s.queued[id]; !q {
		return
	}
	delete(s.queued, id)
	if i := slices.Index(s.queue, id); i >= 0 {
		s.queue = slices.Delete(s.queue, i, i+1)
	}
}

func (s *scheduler) isQueued(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, q := s.queued[id]
	return q
}

// queuedIDs returns the queue in FIFO order.
func (s *scheduler) queuedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.queue)
}

func (s *scheduler) running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

func (s *scheduler) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = make(map[string]struct{})
	s.queued = make(map[string]struct{})
	s.queue = nil
}
