// Package progress tracks upload pipeline progress per session so clients can
// poll or stream percentage updates while a registration runs.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/assetvault/go-assetvault/service/persist"
)

const (
	// Failed is the terminal value published when a pipeline aborts.
	Failed = -1
	// Complete is the terminal value published when a pipeline finishes.
	Complete = 100

	// retainFor keeps terminal sessions queryable so a client that polls just
	// after completion still sees the final value.
	retainFor = time.Minute
)

// ErrSessionNotFound is returned for unknown or already collected sessions.
type ErrSessionNotFound struct {
	ID persist.DBID
}

func (e ErrSessionNotFound) Error() string {
	return fmt.Sprintf("no progress session %s", e.ID)
}

type session struct {
	mu          sync.Mutex
	current     int
	terminal    bool
	subscribers map[int]chan int
	nextSub     int
}

// Tracker owns every live progress session.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[persist.DBID]*session
	retain   time.Duration
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return newTracker(retainFor)
}

func newTracker(retain time.Duration) *Tracker {
	return &Tracker{sessions: map[persist.DBID]*session{}, retain: retain}
}

// Start opens a new session at zero percent and returns its ID.
func (t *Tracker) Start() persist.DBID {
	id := persist.GenerateID()
	t.mu.Lock()
	t.sessions[id] = &session{subscribers: map[int]chan int{}}
	t.mu.Unlock()
	return id
}

// Publish records pct for the session and notifies subscribers. Writes are
// last-write-wins; a slow subscriber sees only the newest value. Publishing
// Complete or Failed makes the session terminal: later writes are ignored and
// the session is collected after the retention window.
func (t *Tracker) Publish(id persist.DBID, pct int) {
	t.mu.RLock()
	s, ok := t.sessions[id]
	t.mu.RUnlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.current = pct
	if pct == Complete || pct == Failed {
		s.terminal = true
	}
	for _, ch := range s.subscribers {
		// Drain the stale value so the buffered send below cannot block.
		select {
		case <-ch:
		default:
		}
		ch <- pct
	}
	terminal := s.terminal
	s.mu.Unlock()

	if terminal {
		time.AfterFunc(t.retain, func() { t.collect(id) })
	}
}

// Get returns the session's current percentage.
func (t *Tracker) Get(id persist.DBID) (int, error) {
	t.mu.RLock()
	s, ok := t.sessions[id]
	t.mu.RUnlock()
	if !ok {
		return 0, ErrSessionNotFound{ID: id}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

// Subscribe returns a channel of progress values for the session. The current
// value is delivered synchronously before Subscribe returns, so a subscriber
// joining after completion still observes the terminal value. The returned
// cancel func releases the subscription.
func (t *Tracker) Subscribe(id persist.DBID) (<-chan int, func(), error) {
	t.mu.RLock()
	s, ok := t.sessions[id]
	t.mu.RUnlock()
	if !ok {
		return nil, nil, ErrSessionNotFound{ID: id}
	}

	ch := make(chan int, 1)
	s.mu.Lock()
	subID := s.nextSub
	s.nextSub++
	s.subscribers[subID] = ch
	ch <- s.current
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subscribers, subID)
		s.mu.Unlock()
	}
	return ch, cancel, nil
}

func (t *Tracker) collect(id persist.DBID) {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if ok {
		delete(t.sessions, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = map[int]chan int{}
	s.mu.Unlock()
}
