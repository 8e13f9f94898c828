// SPDX-License-Identifier: MIT

package coord

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ManuGH/durachan/internal/log"
	"github.com/ManuGH/durachan/internal/metrics"
)

// subscriber multiplexes every topic a RedisStore listens on over a single
// Redis connection. The connection is opened by the first Subscribe and
// lives until the store is closed.
type subscriber struct {
	client    *redis.Client
	logger    zerolog.Logger
	opTimeout time.Duration

	mu     sync.Mutex
	ps     *redis.PubSub
	done   chan struct{} // closed when dispatch returns
	topics map[string]*topicSubs
	stale  map[string]int // subscribe acks still owed to abandoned topics
	closed bool
}

type topicSubs struct {
	ready   chan struct{}
	acked   bool
	members map[*redisSubscription]struct{}
}

func newSubscriber(client *redis.Client, opTimeout time.Duration, logger zerolog.Logger) *subscriber {
	return &subscriber{
		client:    client,
		logger:    logger,
		opTimeout: opTimeout,
		topics:    make(map[string]*topicSubs),
		stale:     make(map[string]int),
	}
}

// subscribe registers a local subscriber and returns once Redis has
// confirmed the topic on the shared connection.
func (m *subscriber) subscribe(ctx context.Context, topic string) (*redisSubscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, redis.ErrClosed
	}
	if m.ps == nil {
		m.ps = m.client.Subscribe(context.Background())
		m.done = make(chan struct{})
		in := m.ps.ChannelWithSubscriptions(redis.WithChannelSize(sharedChannelSize))
		go m.dispatch(in, m.done)
	}
	ts, ok := m.topics[topic]
	if !ok {
		ts = &topicSubs{ready: make(chan struct{}), members: make(map[*redisSubscription]struct{})}
		if err := m.ps.Subscribe(ctx, topic); err != nil {
			m.unsubscribeLocked(topic)
			m.mu.Unlock()
			return nil, err
		}
		m.topics[topic] = ts
	}
	sub := &redisSubscription{owner: m, topic: topic, ch: make(chan string, subscriptionBufferSize)}
	ts.members[sub] = struct{}{}
	done := m.done
	m.mu.Unlock()

	select {
	case <-ts.ready:
		return sub, nil
	case <-ctx.Done():
		_ = sub.Close()
		return nil, ctx.Err()
	case <-done:
		_ = sub.Close()
		return nil, redis.ErrClosed
	}
}

// dispatch routes everything read from the shared connection.
func (m *subscriber) dispatch(in <-chan interface{}, done chan struct{}) {
	defer close(done)
	for raw := range in {
		switch msg := raw.(type) {
		case *redis.Subscription:
			if msg.Kind == "subscribe" {
				m.ack(msg.Channel)
			}
		case *redis.Message:
			m.deliver(msg.Channel, msg.Payload)
		}
	}
	m.shutAll()
}

func (m *subscriber) ack(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := m.stale[topic]; n > 0 {
		if n == 1 {
			delete(m.stale, topic)
		} else {
			m.stale[topic] = n - 1
		}
		return
	}
	// Reconnects resubscribe every topic; only the first ack counts.
	if ts := m.topics[topic]; ts != nil && !ts.acked {
		ts.acked = true
		close(ts.ready)
	}
}

func (m *subscriber) deliver(topic, payload string) {
	m.mu.Lock()
	ts := m.topics[topic]
	if ts == nil {
		m.mu.Unlock()
		return
	}
	subs := make([]*redisSubscription, 0, len(ts.members))
	for sub := range ts.members {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		if sub.deliver(payload) {
			continue
		}
		metrics.IncPubSubDrop("buffer_full")
		if count := dropCount.Add(1); count%dropLogEvery == 1 {
			m.logger.Warn().
				Str(log.FieldTopic, topic).
				Uint64("dropped", count).
				Msg("redis store dropped message for slow subscriber")
		}
	}
}

func (m *subscriber) remove(target *redisSubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.topics[target.topic]
	if ts == nil {
		return
	}
	delete(ts.members, target)
	if len(ts.members) > 0 {
		return
	}
	delete(m.topics, target.topic)
	if !ts.acked {
		m.stale[target.topic]++
	}
	m.unsubscribeLocked(target.topic)
}

// unsubscribeLocked runs under mu so it reaches Redis before any later
// subscribe for the same topic.
func (m *subscriber) unsubscribeLocked(topic string) {
	if m.closed || m.ps == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
	defer cancel()
	if err := m.ps.Unsubscribe(ctx, topic); err != nil {
		metrics.IncStoreError("unsubscribe")
		m.logger.Debug().Err(err).Str(log.FieldTopic, topic).Msg("unsubscribe failed")
	}
}

func (m *subscriber) shutAll() {
	m.mu.Lock()
	var all []*redisSubscription
	for _, ts := range m.topics {
		for sub := range ts.members {
			all = append(all, sub)
		}
	}
	m.topics = make(map[string]*topicSubs)
	m.mu.Unlock()

	for _, sub := range all {
		sub.shut()
	}
}

func (m *subscriber) subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts := m.topics[topic]; ts != nil {
		return len(ts.members)
	}
	return 0
}

// close tears down the shared connection and ends every subscription.
func (m *subscriber) close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ps, done := m.ps, m.done
	m.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}

type redisSubscription struct {
	owner  *subscriber
	topic  string
	mu     sync.Mutex
	ch     chan string
	closed bool
}

func (s *redisSubscription) deliver(msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *redisSubscription) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *redisSubscription) C() <-chan string {
	return s.ch
}

func (s *redisSubscription) Close() error {
	s.owner.remove(s)
	s.shut()
	return nil
}
