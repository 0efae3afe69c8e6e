package fanout

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient creates a Redis client.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RedisUpstream opens channel feeds as Redis pub/sub subscriptions, so
// several server processes share the same live stream.
type RedisUpstream struct {
	client *redis.Client
	buffer int
}

// RedisPublisher publishes messages with Redis PUBLISH.
type RedisPublisher struct {
	client *redis.Client
}

var (
	_ Upstream  = (*RedisUpstream)(nil)
	_ Publisher = (*RedisPublisher)(nil)
)

// NewRedisUpstream creates an upstream over client.
func NewRedisUpstream(client *redis.Client, buffer int) *RedisUpstream {
	if buffer <= 0 {
		buffer = 256
	}
	return &RedisUpstream{client: client, buffer: buffer}
}

// NewRedisPublisher creates a publisher over client.
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish sends payload to channel.
func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

// Subscribe opens a pub/sub subscription and waits for the confirmation.
func (u *RedisUpstream) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := u.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	sub := &redisSub{ps: ps, ch: make(chan []byte, u.buffer), done: make(chan struct{})}
	go sub.forward(ps.Channel())
	return sub, nil
}

func (s *redisSub) forward(in <-chan *redis.Message) {
	defer close(s.ch)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.ch <- []byte(msg.Payload):
			case <-s.done:
				return
			default:
			}
		}
	}
}

func (s *redisSub) Messages() <-chan []byte { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
