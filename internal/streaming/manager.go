// Package streaming fans orchestration progress out to in-process
// subscribers. Each run keeps a fixed-capacity ring of recent events so a
// late or reconnecting subscriber can replay what it missed.
package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one progress update of a run.
type Event struct {
	RunID     string         `json:"run_id"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Final     bool           `json:"final,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Seq       uint64         `json:"seq"`
}

// Marshal returns the event as JSON for SSE payloads and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

const defaultHistory = 256

// Manager is an in-memory per-run pub/sub with bounded replay history.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// Option configures a Manager.
type Option func(*Manager)

// WithHistory sets the per-run replay ring capacity.
func WithHistory(capacity int) Option {
	return func(m *Manager) {
		if capacity > 0 {
			m.capacity = capacity
		}
	}
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    defaultHistory,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers a buffered channel for a run's events. The caller must
// drain it and call Unsubscribe when done.
func (m *Manager) Subscribe(runID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[runID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *Manager) Unsubscribe(runID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.subscribers[runID]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(m.subscribers, runID)
	}
}

// Publish assigns the event's sequence number, appends it to the run's
// history, and delivers it to every subscriber. Delivery never blocks; a
// slow subscriber misses the event and recovers it via ReplaySince.
func (m *Manager) Publish(runID string, evt Event) Event {
	m.mu.Lock()
	rg := m.history[runID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[runID] = rg
	}
	evt.RunID = runID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	subs := m.subscribers[runID]
	m.mu.Unlock()

	for ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
	return evt
}

// ReplaySince returns the run's buffered events with Seq > since, oldest
// first. Events older than the ring capacity are gone.
func (m *Manager) ReplaySince(runID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[runID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// CloseRun drops the run's history and closes all of its subscribers.
// Called after the terminal event has been published.
func (m *Manager) CloseRun(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, runID)
	for ch := range m.subscribers[runID] {
		close(ch)
	}
	delete(m.subscribers, runID)
}

// ring is a fixed-capacity event buffer. nextSeq survives wraparound so
// sequence numbers stay monotonic for the life of the run.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
