package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/taskwise/coworker/internal/conversation"
)

// Event types published by the orchestrator.
const (
	EventTurn    = "turn"    // a turn was appended to the conversation
	EventFinding = "finding" // a research finding was produced
	EventReset   = "reset"   // the conversation was reset
)

// Event is a minimal streaming event, delivered over WebSocket per task.
type Event struct {
	TaskID    string             `json:"task_id"`
	Type      string             `json:"type"`
	Turn      *conversation.Turn `json:"turn,omitempty"`
	FindingID string             `json:"finding_id,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Seq       uint64             `json:"seq"`
}

// subscriber pairs a delivery channel with a closed flag so that publishers
// holding a snapshot never send on a channel Unsubscribe already closed.
type subscriber struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

func (s *subscriber) send(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- evt:
	default:
		// Drop if subscriber is slow
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Manager provides in-memory pub/sub for per-task conversation events.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]*subscriber
	// per-task ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	capacity int
}

var (
	defaultMgr      *Manager
	once            sync.Once
	defaultCapacity = 256
)

// Get returns the global streaming manager, initializing it lazily.
func Get() *Manager {
	once.Do(func() {
		defaultMgr = &Manager{
			subscribers: make(map[string]map[chan Event]*subscriber),
			history:     make(map[string]*ring),
			capacity:    defaultCapacity,
		}
	})
	return defaultMgr
}

// Configure sets default capacity for new/empty managers and rings.
// Safe to call anytime; updates existing manager's capacity for future rings.
func Configure(capacity int) {
	if capacity <= 0 {
		return
	}
	defaultCapacity = capacity
	if defaultMgr != nil {
		defaultMgr.mu.Lock()
		defaultMgr.capacity = capacity
		defaultMgr.mu.Unlock()
	}
}

// Subscribe adds a subscriber channel for a taskID; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(taskID string, buffer int) chan Event {
	sub := &subscriber{ch: make(chan Event, buffer)}
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[taskID]
	if subs == nil {
		subs = make(map[chan Event]*subscriber)
		m.subscribers[taskID] = subs
	}
	subs[sub.ch] = sub
	return sub.ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(taskID string, ch chan Event) {
	m.mu.Lock()
	subs, ok := m.subscribers[taskID]
	var sub *subscriber
	if ok {
		sub = subs[ch]
		delete(subs, ch)
		if len(subs) == 0 {
			delete(m.subscribers, taskID)
		}
	}
	m.mu.Unlock()
	if sub != nil {
		sub.close()
	}
}

// Publish sends an event to all subscribers of taskID (non-blocking).
func (m *Manager) Publish(taskID string, evt Event) {
	evt.TaskID = taskID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	// update history with seq assignment
	rg := m.history[taskID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[taskID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	// Snapshot the subscribers while still holding the lock; the map itself
	// may be mutated by Subscribe/Unsubscribe as soon as we release it.
	var targets []*subscriber
	if subs := m.subscribers[taskID]; len(subs) > 0 {
		targets = make([]*subscriber, 0, len(subs))
		for _, sub := range subs {
			targets = append(targets, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range targets {
		sub.send(evt)
	}
}

// PublishTurn is the common case: one appended turn.
func (m *Manager) PublishTurn(taskID string, turn conversation.Turn) {
	t := turn
	m.Publish(taskID, Event{Type: EventTurn, Turn: &t})
}

// Marshal returns JSON for event payloads in WebSocket frames or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(taskID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[taskID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// ring is a fixed-capacity ring buffer of events
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
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.start + i) % len(r.buf)
		ev := r.buf[idx]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
