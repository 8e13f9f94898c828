// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package coord

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/durachan/internal/log"
	"github.com/ManuGH/durachan/internal/metrics"
)

// MemoryStore is an in-process Store used for unit tests and single-node
// development. Like Redis pub/sub it never blocks publishers: a subscriber
// whose buffer is full loses the message.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	values map[string]memValue
	subs   map[string][]*memSub
	closed bool
}

type memValue struct {
	val     string
	expires time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces the clock used for key expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

const (
	memSubBuffer = 256
	dropLogEvery = 100
)

var dropCount atomic.Uint64

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:    time.Now,
		values: make(map[string]memValue),
		subs:   make(map[string][]*memSub),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookup returns the live entry for key, evicting it if expired. Caller holds mu.
func (s *MemoryStore) lookup(key string) (memValue, bool) {
	v, ok := s.values[key]
	if !ok {
		return memValue{}, false
	}
	if !v.expires.IsZero() && !s.now().Before(v.expires) {
		delete(s.values, key)
		return memValue{}, false
	}
	return v, true
}

func (s *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	if s.closed {
		return fmt.Errorf("%w: %w", ErrStore, ErrClosed)
	}
	return nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return 0, err
	}

	v, _ := s.lookup(key)
	var n int64
	if v.val != "" {
		parsed, err := strconv.ParseInt(v.val, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: incr %s: value is not an integer", ErrStore, key)
		}
		n = parsed
	}
	n++
	v.val = strconv.FormatInt(n, 10)
	s.values[key] = v
	return n, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return "", false, err
	}
	v, ok := s.lookup(key)
	return v.val, ok, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return err
	}
	s.values[key] = memValue{val: value, expires: s.deadline(ttl)}
	return nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return false, err
	}
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.values[key] = memValue{val: value, expires: s.deadline(ttl)}
	return true, nil
}

func (s *MemoryStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return false, err
	}
	v, ok := s.lookup(key)
	if !ok || v.val != expected {
		return false, nil
	}
	delete(s.values, key)
	return true, nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return err
	}
	v, ok := s.lookup(key)
	if !ok {
		return nil
	}
	if ttl <= 0 {
		delete(s.values, key)
		return nil
	}
	v.expires = s.deadline(ttl)
	s.values[key] = v
	return nil
}

func (s *MemoryStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return err
	}
	delete(s.values, key)
	return nil
}

func (s *MemoryStore) Publish(ctx context.Context, topic, message string) error {
	s.mu.Lock()
	if err := s.begin(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	subs := append([]*memSub(nil), s.subs[topic]...)
	s.mu.Unlock()

	for _, sub := range subs {
		if !sub.deliver(message) {
			metrics.IncPubSubDrop("buffer_full")
			count := dropCount.Add(1)
			if count%dropLogEvery == 1 {
				logger := log.WithComponent("coord")
				logger.Warn().
					Str(log.FieldTopic, topic).
					Uint64("dropped", count).
					Msg("memory store dropped message for slow subscriber")
			}
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	sub := &memSub{store: s, topic: topic, ch: make(chan string, memSubBuffer)}
	s.subs[topic] = append(s.subs[topic], sub)
	return sub, nil
}

// Subscribers reports how many live subscriptions exist for topic.
func (s *MemoryStore) Subscribers(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[topic])
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begin(ctx)
}

// Close terminates every open subscription.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var all []*memSub
	for _, lst := range s.subs {
		all = append(all, lst...)
	}
	s.subs = make(map[string][]*memSub)
	s.mu.Unlock()

	for _, sub := range all {
		sub.shut()
	}
	return nil
}

func (s *MemoryStore) remove(target *memSub) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lst := s.subs[target.topic]
	out := lst[:0]
	for _, c := range lst {
		if c != target {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		delete(s.subs, target.topic)
	} else {
		s.subs[target.topic] = out
	}
}

type memSub struct {
	store  *MemoryStore
	topic  string
	mu     sync.Mutex
	ch     chan string
	closed bool
}

func (s *memSub) deliver(msg string) bool {
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

func (s *memSub) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *memSub) C() <-chan string {
	return s.ch
}

func (s *memSub) Close() error {
	s.store.remove(s)
	s.shut()
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
