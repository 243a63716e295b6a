package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// subBuffer is the per-subscription delivery queue depth. Publishes to a
// full queue are dropped, matching the best-effort contract.
const subBuffer = 64

// Memory is an in-process Broker. It backs single-process deployments
// (memory:// URLs) and tests; semantics match the Redis backend, including
// TTL expiry and at-least-once pub/sub delivery to current subscribers.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	subs    map[string]map[*memSub]struct{}
	closed  bool

	// now is replaceable in tests to exercise TTL expiry.
	now func() time.Time
}

type memEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

type memSub struct {
	queue chan []byte
	done  chan struct{}
}

// NewMemory creates an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memEntry),
		subs:    make(map[string]map[*memSub]struct{}),
		now:     time.Now,
	}
}

// SetClock replaces the broker's time source. Tests only.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(key, value, ttl)
	return nil
}

func (m *Memory) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.load(key); ok {
		return false, nil
	}
	m.store(key, value, ttl)
	return true, nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.load(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if raw, ok := m.load(key); ok {
		v, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("key %q holds a non-integer value", key)
		}
		current = v
	}
	current += delta
	m.store(key, []byte(strconv.FormatInt(current, 10)), ttl)
	return current, nil
}

func (m *Memory) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var old []byte
	if value, ok := m.load(key); ok {
		old = value
	}
	next, err := fn(old)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	m.store(key, next, ttl)
	return nil
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sub := range m.subs[channel] {
		msg := make([]byte, len(payload))
		copy(msg, payload)
		select {
		case sub.queue <- msg:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string, h Handler) (func(), error) {
	sub := &memSub{
		queue: make(chan []byte, subBuffer),
		done:  make(chan struct{}),
	}

	m.mu.Lock()
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memSub]struct{})
	}
	m.subs[channel][sub] = struct{}{}
	m.mu.Unlock()

	go func() {
		defer close(sub.done)
		for payload := range sub.queue {
			h(payload)
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[channel], sub)
			if len(m.subs[channel]) == 0 {
				delete(m.subs, channel)
			}
			m.mu.Unlock()
			close(sub.queue)
			<-sub.done
		})
	}
	return cancel, nil
}

func (m *Memory) Ping(ctx context.Context) Health {
	return Health{Status: StatusHealthy}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for channel, subs := range m.subs {
		for sub := range subs {
			close(sub.queue)
		}
		delete(m.subs, channel)
	}
	return nil
}

// load returns the live value for key, expiring it lazily. Callers hold mu.
func (m *Memory) load(key string) ([]byte, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !entry.expires.IsZero() && !m.now().Before(entry.expires) {
		delete(m.entries, key)
		return nil, false
	}
	return entry.value, true
}

// store writes key. Callers hold mu.
func (m *Memory) store(key string, value []byte, ttl time.Duration) {
	entry := memEntry{value: make([]byte, len(value))}
	copy(entry.value, value)
	if ttl > 0 {
		entry.expires = m.now().Add(ttl)
	}
	m.entries[key] = entry
}
