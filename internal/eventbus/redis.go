package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/devflow/orchestrator/internal/orchestrator"
)

// RedisRelay mirrors events published on a local Bus onto Redis pub/sub
// channels, and forwards events received from Redis back into the local
// Bus, so multiple orchestrator processes can share one workflow's event
// stream. Per-workflow ordering is preserved because each workflow gets
// its own channel and Redis pub/sub preserves publish order per channel.
type RedisRelay struct {
	rdb    *redis.Client
	local  Bus
	prefix string

	mu     sync.Mutex
	cancel map[string]context.CancelFunc
}

// NewRedisRelay wires rdb to local: events Published on local are mirrored
// to Redis, and a Relay call starts forwarding the reverse direction for a
// given workflow id.
func NewRedisRelay(rdb *redis.Client, local Bus) *RedisRelay {
	return &RedisRelay{
		rdb:    rdb,
		local:  local,
		prefix: "orchestrator:events:",
		cancel: make(map[string]context.CancelFunc),
	}
}

func (r *RedisRelay) channelFor(workflowID string) string {
	return r.prefix + workflowID
}

// Publish mirrors event to the local bus and to Redis.
func (r *RedisRelay) Publish(ctx context.Context, event orchestrator.Event) {
	r.local.Publish(ctx, event)

	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = r.rdb.Publish(ctx, r.channelFor(event.WorkflowID), payload).Err()
}

// Relay starts a background subscriber that forwards Redis-originated
// events for workflowID into the local bus, so subscribers attached to
// this process see events published by any process. Call the returned
// stop function to end the relay for that workflow.
func (r *RedisRelay) Relay(ctx context.Context, workflowID string) (stop func(), err error) {
	sub := r.rdb.Subscribe(ctx, r.channelFor(workflowID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", workflowID, err)
	}

	relayCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel[workflowID] = cancel
	r.mu.Unlock()

	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-relayCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event orchestrator.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				r.local.Publish(relayCtx, event)
			}
		}
	}()

	return func() {
		cancel()
		r.mu.Lock()
		delete(r.cancel, workflowID)
		r.mu.Unlock()
	}, nil
}

// Subscribe delegates to the local bus; subscribers never talk to Redis
// directly.
func (r *RedisRelay) Subscribe(workflowID string, handler Handler) Subscription {
	return r.local.Subscribe(workflowID, handler)
}

// Request delegates to the local bus. Cross-process inter-agent requests
// are out of scope for the relay; callers needing cross-process
// request/response should route through a workflow-local agent instead.
func (r *RedisRelay) Request(ctx context.Context, req orchestrator.InterAgentRequest) orchestrator.InterAgentResponse {
	return r.local.Request(ctx, req)
}

// Respond delegates to the local bus.
func (r *RedisRelay) Respond(requestID string, resp orchestrator.InterAgentResponse) {
	r.local.Respond(requestID, resp)
}
