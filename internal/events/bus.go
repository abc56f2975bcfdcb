package events

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types published during an execution's lifecycle.
const (
	TypeExecutionStarted   = "execution.started"
	TypeExecutionCompleted = "execution.completed"
	TypeExecutionFailed    = "execution.failed"
	TypeExecutionRejected  = "execution.rejected"
	TypeAgentStarted       = "agent.started"
	TypeAgentCompleted     = "agent.completed"
	TypeAgentFailed        = "agent.failed"
	TypeToolInvoked        = "tool.invoked"
	TypeWorkflowPaused     = "workflow.paused"
	TypeWorkflowResumed    = "workflow.resumed"
)

// Event is one observable step of an execution, dispatchable to SSE or
// log sinks.
type Event struct {
	ExecutionID string                 `json:"execution_id"`
	Type        string                 `json:"type"`
	AgentID     string                 `json:"agent_id,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Seq         uint64                 `json:"seq"`
}

// Marshal returns the event as JSON for SSE frames or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Bus is an in-process pub/sub hub keyed by execution ID. Each execution
// keeps a fixed-capacity history ring so late subscribers can replay
// what they missed.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
	logger      *zap.Logger
}

const defaultRingCapacity = 256

func NewBus(ringCapacity int, logger *zap.Logger) *Bus {
	if ringCapacity <= 0 {
		ringCapacity = defaultRingCapacity
	}
	return &Bus{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    ringCapacity,
		logger:      logger,
	}
}

// Subscribe registers a channel for one execution's events. The caller
// must drain it and call Unsubscribe when done.
func (b *Bus) Subscribe(executionID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[executionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		b.subscribers[executionID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes the subscriber channel.
func (b *Bus) Unsubscribe(executionID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subscribers[executionID]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, executionID)
	}
}

// Publish assigns a sequence number, records the event in the execution's
// history ring, and fans it out without blocking. Slow subscribers lose
// events; they can recover via ReplaySince.
func (b *Bus) Publish(executionID string, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	evt.ExecutionID = executionID

	b.mu.Lock()
	rg := b.history[executionID]
	if rg == nil {
		rg = newRing(b.capacity)
		b.history[executionID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	subs := b.subscribers[executionID]
	targets := make([]chan Event, 0, len(subs))
	for ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
			b.logger.Debug("Dropping event for slow subscriber",
				zap.String("execution_id", executionID),
				zap.String("type", evt.Type),
				zap.Uint64("seq", evt.Seq))
		}
	}
}

// ReplaySince returns retained events with Seq > since, oldest first.
// Events older than the ring capacity are gone.
func (b *Bus) ReplaySince(executionID string, since uint64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rg := b.history[executionID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the history ring for a finished execution.
func (b *Bus) Forget(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.history, executionID)
}

// ring is a fixed-capacity buffer of events ordered by sequence.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

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
