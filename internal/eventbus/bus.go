// Package eventbus provides in-process pub/sub and request/response
// messaging between agent slots, plus the stream of orchestrator events
// that ultimately reach the SSE surface.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devflow/orchestrator/internal/orchestrator"
)

// Handler receives events published for a workflow. Handlers are invoked in
// registration order; a panic or error in one handler must not block
// delivery to the others.
type Handler func(orchestrator.Event)

// Subscription is returned by Subscribe and can be used to stop receiving
// events for that workflow.
type Subscription interface {
	Unsubscribe()
}

// Bus is the contract described in spec §4.2: publish/subscribe delivery
// plus a correlated request/response channel for inter-agent calls.
type Bus interface {
	// Publish delivers event to every subscriber of event.WorkflowID, in
	// FIFO order relative to other events published for the same workflow.
	Publish(ctx context.Context, event orchestrator.Event)

	// Subscribe registers handler for every event published under
	// workflowID until the returned Subscription is unsubscribed.
	Subscribe(workflowID string, handler Handler) Subscription

	// Request sends req to its Target and blocks until a matching
	// InterAgentResponse arrives or timeout elapses, whichever is first. A
	// synthetic timeout response is returned rather than an error so
	// callers always get exactly one response per request, per the
	// invariant in spec §8.4.
	Request(ctx context.Context, req orchestrator.InterAgentRequest) orchestrator.InterAgentResponse

	// Respond answers a pending Request by RequestID. Responding to an
	// unknown or already-answered RequestID is a no-op.
	Respond(requestID string, resp orchestrator.InterAgentResponse)
}

type workflowQueue struct {
	mu   sync.Mutex
	subs []*subscription
}

type subscription struct {
	bus        *InProcessBus
	workflowID string
	handler    Handler
	id         uint64
}

func (s *subscription) Unsubscribe() {
	s.bus.unsubscribe(s.workflowID, s.id)
}

// InProcessBus is the default single-process Bus implementation: an
// in-memory, mutex-guarded fan-out of events per workflow id, and a pending
// map of request/response correlations guarded by timers.
//
// Event ordering: Publish dispatches synchronously on the caller's goroutine,
// so events that are published one after another for a workflow reach every
// subscriber in that order; concurrent Publish calls for the same workflow
// are not ordered against each other, and there is no ordering across
// workflow ids.
type InProcessBus struct {
	mu     sync.Mutex
	queues map[string]*workflowQueue
	nextID uint64

	globalMu sync.Mutex
	global   []Handler

	pendingMu sync.Mutex
	pending   map[string]chan orchestrator.InterAgentResponse
}

// NewInProcessBus constructs an empty bus ready for use.
func NewInProcessBus() *InProcessBus {
	return &InProcessBus{
		queues:  make(map[string]*workflowQueue),
		pending: make(map[string]chan orchestrator.InterAgentResponse),
	}
}

func (b *InProcessBus) queueFor(workflowID string) *workflowQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[workflowID]
	if !ok {
		q = &workflowQueue{}
		b.queues[workflowID] = q
	}
	return q
}

// Publish delivers event synchronously to each current subscriber of
// event.WorkflowID, in registration order. A subscriber that panics is
// recovered so the remaining subscribers still receive the event.
func (b *InProcessBus) Publish(ctx context.Context, event orchestrator.Event) {
	q := b.queueFor(event.WorkflowID)
	q.mu.Lock()
	handlers := make([]*subscription, len(q.subs))
	copy(handlers, q.subs)
	q.mu.Unlock()

	for _, sub := range handlers {
		dispatchSafely(sub.handler, event)
	}

	b.globalMu.Lock()
	global := make([]Handler, len(b.global))
	copy(global, b.global)
	b.globalMu.Unlock()

	for _, handler := range global {
		dispatchSafely(handler, event)
	}
}

// SubscribeAll registers handler against every workflow's event stream,
// regardless of workflow id, for cross-cutting concerns like tracing that
// care about every workflow rather than one in particular.
func (b *InProcessBus) SubscribeAll(handler Handler) {
	b.globalMu.Lock()
	b.global = append(b.global, handler)
	b.globalMu.Unlock()
}

func dispatchSafely(h Handler, event orchestrator.Event) {
	defer func() {
		_ = recover()
	}()
	h(event)
}

// Subscribe registers handler for workflowID's event stream.
func (b *InProcessBus) Subscribe(workflowID string, handler Handler) Subscription {
	q := b.queueFor(workflowID)
	id := atomic.AddUint64(&b.nextID, 1)
	sub := &subscription{bus: b, workflowID: workflowID, handler: handler, id: id}

	q.mu.Lock()
	q.subs = append(q.subs, sub)
	q.mu.Unlock()

	return sub
}

func (b *InProcessBus) unsubscribe(workflowID string, id uint64) {
	q := b.queueFor(workflowID)
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, s := range q.subs {
		if s.id == id {
			q.subs = append(q.subs[:i], q.subs[i+1:]...)
			return
		}
	}
}

// Request implements the correlated request/response contract. It
// registers a one-shot channel keyed by req.RequestID, then waits for
// Respond, ctx cancellation, or req.Timeout, whichever comes first.
func (b *InProcessBus) Request(ctx context.Context, req orchestrator.InterAgentRequest) orchestrator.InterAgentResponse {
	ch := make(chan orchestrator.InterAgentResponse, 1)

	b.pendingMu.Lock()
	b.pending[req.RequestID] = ch
	b.pendingMu.Unlock()

	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, req.RequestID)
		b.pendingMu.Unlock()
	}()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp
	case <-timer.C:
		return orchestrator.InterAgentResponse{
			RequestID:        req.RequestID,
			Status:           orchestrator.InterAgentTimeout,
			Error:            fmt.Sprintf("no response within %s", timeout),
			ProcessingTimeMS: time.Since(start).Milliseconds(),
		}
	case <-ctx.Done():
		return orchestrator.InterAgentResponse{
			RequestID:        req.RequestID,
			Status:           orchestrator.InterAgentTimeout,
			Error:            ctx.Err().Error(),
			ProcessingTimeMS: time.Since(start).Milliseconds(),
		}
	}
}

// Respond delivers resp to the goroutine blocked in Request for
// resp.RequestID, if any is still waiting.
func (b *InProcessBus) Respond(requestID string, resp orchestrator.InterAgentResponse) {
	b.pendingMu.Lock()
	ch, ok := b.pending[requestID]
	b.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}
