package fanout

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"amm-analytics/internal/observability"
)

// Sink is one subscriber connection.
type Sink interface {
	ID() string
	// Send queues payload without blocking. It returns false when the
	// subscriber cannot keep up.
	Send(payload []byte) bool
}

// SnapshotProvider returns the point-in-time message a joining subscriber
// receives before live ticks. A nil payload means nothing to send.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, ch Channel) ([]byte, error)
}

type member struct {
	sink  Sink
	ready bool // set once the snapshot has been queued
}

type channelState struct {
	sub     Subscription
	members map[string]*member
	opened  chan struct{} // closed once the upstream Subscribe returned
}

// Hub reference-counts subscribers per channel. The upstream feed of a
// channel is open exactly while at least one subscriber is joined.
type Hub struct {
	upstream  Upstream
	snapshots SnapshotProvider
	log       *zap.Logger

	mu       sync.Mutex
	channels map[string]*channelState
	joined   map[string]map[string]struct{} // sink id -> channel names
}

// NewHub creates a hub. snapshots may be nil.
func NewHub(upstream Upstream, snapshots SnapshotProvider, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		upstream:  upstream,
		snapshots: snapshots,
		log:       log.Named("fanout"),
		channels:  make(map[string]*channelState),
		joined:    make(map[string]map[string]struct{}),
	}
}

// Join subscribes sink to the channel named name. The sink receives a
// subscribed ack, then the snapshot, then live ticks. Joining twice is a no-op.
func (h *Hub) Join(ctx context.Context, sink Sink, name string) error {
	ch, err := ParseChannel(name)
	if err != nil {
		return err
	}
	key := ch.String()

	st, err := h.acquire(ctx, key)
	if err != nil {
		return err
	}
	if _, exists := st.members[sink.ID()]; exists {
		h.mu.Unlock()
		return nil
	}
	m := &member{sink: sink}
	st.members[sink.ID()] = m
	if h.joined[sink.ID()] == nil {
		h.joined[sink.ID()] = make(map[string]struct{})
	}
	h.joined[sink.ID()][key] = struct{}{}
	h.updateGauges()
	h.mu.Unlock()

	var snapshot []byte
	if h.snapshots != nil {
		payload, err := h.snapshots.Snapshot(ctx, ch)
		if err != nil {
			h.log.Warn("snapshot", zap.String("channel", key), zap.Error(err))
		}
		snapshot = payload
	}

	// Queued under the lock so no live tick can overtake them.
	ack, _ := encode(TypeSubscribed, key, nil)
	h.mu.Lock()
	sink.Send(ack)
	if snapshot != nil {
		sink.Send(snapshot)
	}
	m.ready = true
	h.mu.Unlock()
	return nil
}

// acquire returns the open state of key with h.mu held. The upstream feed is
// opened outside the lock; concurrent joiners of the same channel wait for
// it while other channels proceed.
func (h *Hub) acquire(ctx context.Context, key string) (*channelState, error) {
	h.mu.Lock()
	for {
		st, ok := h.channels[key]
		if !ok {
			st = &channelState{members: make(map[string]*member), opened: make(chan struct{})}
			h.channels[key] = st
			h.mu.Unlock()

			sub, err := h.upstream.Subscribe(ctx, key)

			h.mu.Lock()
			st.sub = sub
			close(st.opened)
			if err != nil {
				delete(h.channels, key)
				h.mu.Unlock()
				return nil, fmt.Errorf("open upstream %s: %w", key, err)
			}
			go h.forward(key, st)
			h.log.Debug("upstream opened", zap.String("channel", key))
			return st, nil
		}

		select {
		case <-st.opened:
			return st, nil
		default:
		}

		h.mu.Unlock()
		select {
		case <-st.opened:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		// The state may have failed or been replaced meanwhile.
		h.mu.Lock()
	}
}

// Leave unsubscribes sink from name. The upstream feed closes with the last
// subscriber.
func (h *Hub) Leave(sink Sink, name string) error {
	ch, err := ParseChannel(name)
	if err != nil {
		return err
	}
	key := ch.String()

	h.mu.Lock()
	removed := h.leaveLocked(sink.ID(), key)
	h.updateGauges()
	h.mu.Unlock()

	if removed {
		ack, _ := encode(TypeUnsubscribed, key, nil)
		sink.Send(ack)
	}
	return nil
}

// LeaveAll removes sink from every channel, on disconnect.
func (h *Hub) LeaveAll(sinkID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.joined[sinkID] {
		h.leaveLocked(sinkID, key)
	}
	delete(h.joined, sinkID)
	h.updateGauges()
}

func (h *Hub) leaveLocked(sinkID, key string) bool {
	st, ok := h.channels[key]
	if !ok {
		return false
	}
	if _, ok := st.members[sinkID]; !ok {
		return false
	}
	delete(st.members, sinkID)
	if set := h.joined[sinkID]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(h.joined, sinkID)
		}
	}

	if len(st.members) == 0 {
		delete(h.channels, key)
		if err := st.sub.Close(); err != nil {
			h.log.Warn("close upstream", zap.String("channel", key), zap.Error(err))
		}
		h.log.Debug("upstream closed", zap.String("channel", key))
	}
	return true
}

// forward copies upstream messages to the ready members of a channel until
// the subscription is closed.
func (h *Hub) forward(key string, st *channelState) {
	for payload := range st.sub.Messages() {
		h.mu.Lock()
		sinks := make([]Sink, 0, len(st.members))
		for _, m := range st.members {
			if m.ready {
				sinks = append(sinks, m.sink)
			}
		}
		h.mu.Unlock()

		for _, s := range sinks {
			if !s.Send(payload) {
				observability.RecordFanoutDropped()
				h.log.Debug("subscriber too slow", zap.String("channel", key), zap.String("client", s.ID()))
			}
		}
	}
}

// Channels returns the names of channels with an open upstream feed.
func (h *Hub) Channels() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.channels))
	for key, st := range h.channels {
		if st.sub != nil {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// Subscribers returns the number of members of name.
func (h *Hub) Subscribers(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.channels[name]; ok {
		return len(st.members)
	}
	return 0
}

func (h *Hub) updateGauges() {
	observability.UpdateFanout(len(h.joined), len(h.channels))
}
