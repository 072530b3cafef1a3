package broker

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// reconnectBackoff is the fixed delay between reconnect attempts after a
// subscription connection drops, per the component design's "connection
// loss triggers a reconnect with a fixed backoff."
const reconnectBackoff = 5 * time.Second

// subscribePatterns is the fixed set of channel patterns every instance
// subscribes to on startup.
var subscribePatterns = []string{"private:*", "group:*", "system", "notifications"}

// RedisBroker implements Handler over go-redis's pub/sub.
type RedisBroker struct {
	log zerolog.Logger

	mu     sync.Mutex
	client *redis.Client
	ready  bool
}

// NewRedisBroker returns an unconnected RedisBroker; call Init to connect.
func NewRedisBroker(log zerolog.Logger) *RedisBroker {
	return &RedisBroker{log: log.With().Str("component", "broker").Logger()}
}

func (b *RedisBroker) Init(ctx context.Context, url string) error {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return err
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.client = client
	b.ready = true
	b.mu.Unlock()
	return nil
}

func (b *RedisBroker) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

func (b *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return nil
	}
	payload, err := marshal(env)
	if err != nil {
		return err
	}
	return client.Publish(ctx, channelName(env), payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	out := make(chan Envelope)
	go b.subscribeLoop(ctx, out)
	return out, nil
}

// subscribeLoop owns the reconnect-with-backoff behaviour: each iteration
// opens a fresh PSubscribe and drains it until the connection drops or ctx
// is cancelled, then waits reconnectBackoff before retrying.
func (b *RedisBroker) subscribeLoop(ctx context.Context, out chan<- Envelope) {
	defer close(out)
	for {
		if ctx.Err() != nil {
			return
		}
		b.mu.Lock()
		client := b.client
		b.mu.Unlock()
		if client == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectBackoff):
				continue
			}
		}

		pubsub := client.PSubscribe(ctx, subscribePatterns...)
		ch := pubsub.Channel()
		b.log.Info().Msg("subscribed to broker channel patterns")

	drain:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break drain
				}
				env, err := unmarshal([]byte(msg.Payload))
				if err != nil {
					b.log.Warn().Err(err).Msg("dropping malformed broker message")
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					pubsub.Close()
					return
				}
			}
		}
		pubsub.Close()
		b.log.Warn().Dur("backoff", reconnectBackoff).Msg("broker subscription lost, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (b *RedisBroker) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = false
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}
