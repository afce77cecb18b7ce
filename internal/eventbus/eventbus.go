// Package eventbus implements the typed, channel-keyed pub/sub §4.1
// step 7 and §6 describe: topic names (telemetry, evolution_trigger,
// evolution_plan, mutation_ready, mutation_applied, mutation_failed,
// mutation_rollback, feed), JSON payloads, in-publish-order delivery to
// every subscriber. Fan-out to every Subscribe caller goes through a
// hand-rolled per-topic registry of subscriber channels (see
// LocalTransport); channerics.Convert decodes each subscription.
package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	channerics "github.com/niceyeti/channerics/channels"
)

// Topic names, exactly as spec.md §6's channel table lists them.
const (
	TopicTelemetry         = "telemetry"
	TopicEvolutionTrigger  = "evolution_trigger"
	TopicEvolutionPlan     = "evolution_plan"
	TopicMutationReady     = "mutation_ready"
	TopicMutationApplied   = "mutation_applied"
	TopicMutationFailed    = "mutation_failed"
	TopicMutationRollback  = "mutation_rollback"
	TopicFeed              = "feed"
)

// Transport is the delivery mechanism a Bus publishes through: either
// the in-process LocalTransport or the cross-process RedisTransport
// (§1's "in-process/external bus duality").
type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
}

// Bus fans out typed, JSON-encoded events per topic. Callers publish
// Go values; Subscribe callers receive the same Go type back via a
// per-call channel, decoupling topic plumbing from payload shape.
type Bus struct {
	transport Transport

	mu   sync.Mutex
	subs map[string][]chan []byte
}

// New constructs a Bus over the given Transport.
func New(transport Transport) *Bus {
	return &Bus{transport: transport, subs: make(map[string][]chan []byte)}
}

// Publish marshals payload to JSON and delivers it to every current
// subscriber of topic, in publish order, via the configured Transport.
func (b *Bus) Publish(ctx context.Context, topic string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.transport.Publish(ctx, topic, raw)
}

// Subscribe returns a channel of decoded JSON payloads for topic. The
// returned channel closes when ctx is cancelled. The element type is the
// type parameter T; each raw payload is JSON-decoded into a T through
// channerics.Convert.
func Subscribe[T any](ctx context.Context, b *Bus, topic string) (<-chan T, error) {
	raw, err := b.transport.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	decode := func(data []byte) T {
		var v T
		_ = json.Unmarshal(data, &v)
		return v
	}
	return channerics.Convert(ctx.Done(), raw, decode), nil
}

// LocalTransport is the default, pure-channel transport: each topic
// keeps a registry of live subscriber channels and Publish fans a
// payload out to all of them in the order Publish was called, the same
// "one input, many outputs, publish order preserved" guarantee
// root_view.go's fanIn/batchify gives its views. channerics.Broadcast
// itself takes a fixed fan-out count at construction time (see
// fastview/view_builder.go: `Broadcast(done, ch, len(builderFns))`),
// which doesn't fit a topic whose subscriber count changes at runtime,
// so the registry below is hand-rolled; channerics.NewTicker is used
// elsewhere for tick pacing and the watcher's periodic trigger.
type LocalTransport struct {
	mu     sync.Mutex
	topics map[string][]chan []byte
	done   <-chan struct{}
}

// NewLocalTransport constructs a LocalTransport. done should be the
// process's top-level shutdown signal; Publish stops blocking once it
// closes.
func NewLocalTransport(done <-chan struct{}) *LocalTransport {
	return &LocalTransport{topics: make(map[string][]chan []byte), done: done}
}

func (t *LocalTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	t.mu.Lock()
	subs := append([]chan []byte(nil), t.topics[topic]...)
	t.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- payload:
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return nil
		}
	}
	return nil
}

func (t *LocalTransport) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	ch := make(chan []byte, 16)

	t.mu.Lock()
	t.topics[topic] = append(t.topics[topic], ch)
	t.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-t.done:
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		subs := t.topics[topic]
		for i, c := range subs {
			if c == ch {
				t.topics[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}()

	return ch, nil
}
