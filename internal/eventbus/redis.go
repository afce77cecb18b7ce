package eventbus

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisTransport backs cross-process delivery via PUBLISH/SUBSCRIBE,
// the "external message bus" §1 and §6 refer to. Ordering within one
// topic is preserved by Redis pub/sub itself; RedisTransport adds
// nothing on top beyond channel plumbing.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport wraps an already-constructed redis.Client.
func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.client.Publish(ctx, topic, payload).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	pubsub := t.client.Subscribe(ctx, topic)
	out := make(chan []byte, 16)

	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
