package redis

import (
	"context"

	"github.com/alanyoungcy/karbit/internal/domain"
	"github.com/alanyoungcy/karbit/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// ChannelExchangeRate carries every published batch of snapshots.
const ChannelExchangeRate = "exchange_rate"

const subscriberBuffer = 128

// SignalBus implements domain.SignalBus using Redis Pub/Sub. Channel names
// are not prefixed so external consumers can subscribe by the bare name.
type SignalBus struct {
	c *Client
}

func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{c: c}
}

// Publish sends payload to channel. Having no subscribers is not an error.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return wrapErr("publish "+channel, err)
	}
	return nil
}

// Subscribe returns payloads published to channel until ctx is cancelled,
// then closes the returned channel. Snapshots supersede each other, so when
// the consumer falls behind the oldest buffered payload is dropped rather
// than stalling the Redis connection.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := sb.c.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, wrapErr("subscribe "+channel, err)
	}

	out := make(chan []byte, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()
		relay(ctx, pubsub.Channel(redis.WithChannelSize(subscriberBuffer)), out, channel)
	}()
	return out, nil
}

func relay(ctx context.Context, in <-chan *redis.Message, out chan []byte, channel string) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if n := offer(out, []byte(msg.Payload)); n > 0 {
				metrics.BusMessagesDropped.WithLabelValues(channel).Add(float64(n))
			}
		}
	}
}

// offer enqueues payload, evicting the oldest entries while out is full. It
// must be the only sender on out. It returns how many entries were evicted.
func offer(out chan []byte, payload []byte) int {
	dropped := 0
	for {
		select {
		case out <- payload:
			return dropped
		default:
		}
		select {
		case <-out:
			dropped++
		default:
		}
	}
}

var _ domain.SignalBus = (*SignalBus)(nil)
