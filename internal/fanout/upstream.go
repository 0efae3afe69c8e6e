package fanout

import (
	"context"
	"sync"
)

// Subscription is an open upstream feed of one channel.
type Subscription interface {
	// Messages is closed after Close.
	Messages() <-chan []byte
	Close() error
}

// Upstream opens feeds by channel name.
type Upstream interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Publisher pushes encoded messages to a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Broker is an in-process Upstream and Publisher. Publish never blocks; a
// subscriber with a full buffer misses the message.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[*brokerSub]struct{}
	buffer int
}

var (
	_ Upstream  = (*Broker)(nil)
	_ Publisher = (*Broker)(nil)
)

// NewBroker creates a broker with per-subscription buffers of size buffer.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 256
	}
	return &Broker{subs: make(map[string]map[*brokerSub]struct{}), buffer: buffer}
}

type brokerSub struct {
	broker  *Broker
	channel string
	ch      chan []byte
	once    sync.Once
}

func (s *brokerSub) Messages() <-chan []byte { return s.ch }

func (s *brokerSub) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		if set, ok := s.broker.subs[s.channel]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.broker.subs, s.channel)
			}
		}
		close(s.ch)
		s.broker.mu.Unlock()
	})
	return nil
}

// Subscribe opens a feed of channel.
func (b *Broker) Subscribe(_ context.Context, channel string) (Subscription, error) {
	sub := &brokerSub{broker: b, channel: channel, ch: make(chan []byte, b.buffer)}
	b.mu.Lock()
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*brokerSub]struct{})
		b.subs[channel] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Publish delivers payload to every open feed of channel.
func (b *Broker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[channel] {
		select {
		case sub.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribers returns the number of open feeds of channel.
func (b *Broker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}
