package tasks

import (
	"sync"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

func (s Status) Done() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Result is what a poller sees for a task id.
type Result struct {
	ID        string    `json:"task_id"`
	Kind      string    `json:"kind"`
	Status    Status    `json:"status"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps task results in memory. Finished results expire after ttl.
type Store struct {
	mu      sync.RWMutex
	ttl     time.Duration
	results map[string]*Result
	now     func() time.Time
}

func NewStore(ttl time.Duration) *Store {
	return &Store{ttl: ttl, results: map[string]*Result{}, now: time.Now}
}

func (s *Store) Put(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.UpdatedAt = s.now()
	s.results[r.ID] = &r
	s.sweepLocked()
}

// Update applies fn to the stored result. It reports false for unknown ids.
func (s *Store) Update(id string, fn func(*Result)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return false
	}
	fn(r)
	r.UpdatedAt = s.now()
	return true
}

func (s *Store) Get(id string) (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	if !ok || s.expired(r) {
		return Result{}, false
	}
	return *r, true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

func (s *Store) expired(r *Result) bool {
	return s.ttl > 0 && r.Status.Done() && s.now().Sub(r.UpdatedAt) > s.ttl
}

func (s *Store) sweepLocked() {
	for id, r := range s.results {
		if s.expired(r) {
			delete(s.results, id)
		}
	}
}
