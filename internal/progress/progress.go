// Package progress tracks a running batch and fans its events out to any
// number of observers (terminal renderer, SSE streams, the run store).
//
// Publishing never blocks a worker: each subscriber owns an unbounded queue
// drained by its own goroutine, so a slow reader only delays itself.
package progress

import (
	"sync"
	"time"

	"github.com/fpang/catalog-autotag/internal/failure"
)

// EventType identifies what changed.
type EventType string

const (
	EventSnapshot  EventType = "snapshot"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventSkipped   EventType = "skipped"
	EventCancelled EventType = "cancelled"
	EventDone      EventType = "done"
)

// Snapshot is a consistent view of the counters. Completed+Failed never
// exceeds Total and never decreases; Skipped items are included in Failed.
type Snapshot struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Skipped   int     `json:"skipped"`
	InFlight  int     `json:"inFlight"`
	Percent   float64 `json:"percent"`
	Cancelled bool    `json:"cancelled"`
	Done      bool    `json:"done"`
}

// Finished returns the number of items in a terminal state.
func (s Snapshot) Finished() int {
	return s.Completed + s.Failed
}

// Event is one progress notification.
type Event struct {
	Seq      int            `json:"seq"`
	Type     EventType      `json:"type"`
	ItemID   string         `json:"itemId,omitempty"`
	Error    *failure.Error `json:"error,omitempty"`
	Snapshot Snapshot       `json:"snapshot"`
	At       time.Time      `json:"at"`
}

// Aggregator owns the counters of one batch.
type Aggregator struct {
	mu        sync.Mutex
	snap      Snapshot
	seq       int
	history   []Event
	subs      map[*Subscription]struct{}
	closed    bool
	startedAt time.Time
}

// New returns an aggregator for a batch of total items.
func New(total int) *Aggregator {
	return &Aggregator{
		snap:      Snapshot{Total: total},
		subs:      make(map[*Subscription]struct{}),
		startedAt: time.Now(),
	}
}

// Snapshot returns the current counters.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

// Elapsed returns the time since the aggregator was created.
func (a *Aggregator) Elapsed() time.Duration {
	return time.Since(a.startedAt)
}

// Started marks itemID as picked up by a worker.
func (a *Aggregator) Started(itemID string) {
	a.update(EventStarted, itemID, nil, func(s *Snapshot) bool {
		s.InFlight++
		return true
	})
}

// Completed marks itemID as successfully tagged.
func (a *Aggregator) Completed(itemID string) {
	a.update(EventCompleted, itemID, nil, func(s *Snapshot) bool {
		if s.Finished() >= s.Total {
			return false
		}
		s.Completed++
		if s.InFlight > 0 {
			s.InFlight--
		}
		return true
	})
}

// Failed marks itemID as failed with err.
func (a *Aggregator) Failed(itemID string, err *failure.Error) {
	a.update(EventFailed, itemID, err, func(s *Snapshot) bool {
		if s.Finished() >= s.Total {
			return false
		}
		s.Failed++
		if s.InFlight > 0 {
			s.InFlight--
		}
		return true
	})
}

// Skipped marks itemID as never started because the batch was cancelled.
// It counts as failed.
func (a *Aggregator) Skipped(itemID string, err *failure.Error) {
	a.update(EventSkipped, itemID, err, func(s *Snapshot) bool {
		if s.Finished() >= s.Total {
			return false
		}
		s.Failed++
		s.Skipped++
		return true
	})
}

// MarkCancelled records that cancellation was requested.
func (a *Aggregator) MarkCancelled() {
	a.update(EventCancelled, "", nil, func(s *Snapshot) bool {
		if s.Cancelled {
			return false
		}
		s.Cancelled = true
		return true
	})
}

// Close publishes the final event and closes every subscription once it has
// drained. Further updates are ignored.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.snap.Done = true
	a.snap.InFlight = 0
	a.snap.Percent = percent(a.snap)
	a.publishLocked(EventDone, "", nil)
	a.closed = true
	for sub := range a.subs {
		sub.finish()
	}
	a.subs = nil
}

func (a *Aggregator) update(t EventType, itemID string, err *failure.Error, apply func(*Snapshot) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || !apply(&a.snap) {
		return
	}
	a.snap.Percent = percent(a.snap)
	a.publishLocked(t, itemID, err)
}

func (a *Aggregator) publishLocked(t EventType, itemID string, err *failure.Error) {
	a.seq++
	e := Event{
		Seq:      a.seq,
		Type:     t,
		ItemID:   itemID,
		Error:    err,
		Snapshot: a.snap,
		At:       time.Now().UTC(),
	}
	if t != EventStarted {
		a.history = append(a.history, e)
	}
	for sub := range a.subs {
		sub.push(e)
	}
}

func percent(s Snapshot) float64 {
	if s.Total == 0 {
		if s.Done {
			return 100
		}
		return 0
	}
	return float64(s.Finished()) * 100 / float64(s.Total)
}

// History returns every terminal item event, cancellation and the final
// event, in order.
func (a *Aggregator) History() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Event(nil), a.history...)
}

// Subscribe returns a subscription whose channel first yields a snapshot of
// the current state and then every subsequent event. The channel is closed
// after the final event, or immediately after the snapshot if the batch has
// already finished.
func (a *Aggregator) Subscribe() *Subscription {
	sub := newSubscription()
	a.mu.Lock()
	defer a.mu.Unlock()
	sub.push(Event{Seq: a.seq, Type: EventSnapshot, Snapshot: a.snap, At: time.Now().UTC()})
	if a.closed {
		sub.finish()
		return sub
	}
	a.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe stops delivery to sub and closes its channel.
func (a *Aggregator) Unsubscribe(sub *Subscription) {
	a.mu.Lock()
	if a.subs != nil {
		delete(a.subs, sub)
	}
	a.mu.Unlock()
	sub.stop()
}

// Subscription delivers events on C.
type Subscription struct {
	C <-chan Event

	ch       chan Event
	mu       sync.Mutex
	queue    []Event
	closing  bool
	notify   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newSubscription() *Subscription {
	ch := make(chan Event)
	s := &Subscription{
		C:      ch,
		ch:     ch,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *Subscription) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closing := s.closing
		s.mu.Unlock()

		for _, e := range batch {
			select {
			case s.ch <- e:
			case <-s.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closing {
			return
		}
		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}
