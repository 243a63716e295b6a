// Package broker abstracts the shared key-value/pub-sub store that
// coordinates relay processes. Two backends exist: Redis for multi-process
// deployments and an in-memory store for single-process use and tests.
package broker

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get for absent keys.
	ErrNotFound = errors.New("broker: key not found")
	// ErrUnavailable is returned by all operations while the broker is
	// unreachable and the retry budget is exhausted.
	ErrUnavailable = errors.New("broker: unavailable")
)

// Status reports broker reachability as seen by the health probe.
type Status string

const (
	StatusHealthy Status = "healthy"
	StatusDown    Status = "down"
)

// Health is the result of a Ping probe. Ping never fails; unreachable
// brokers report StatusDown instead.
type Health struct {
	Status    Status `json:"status"`
	LatencyMS int64  `json:"latencyMs,omitempty"`
}

// Handler is invoked for every payload published to a subscribed channel.
// Each subscription runs its handler on a dedicated goroutine, so a slow
// handler cannot block deliveries on other channels.
type Handler func(payload []byte)

// UpdateFunc transforms the current value of a key inside a conditional
// write. old is nil when the key is absent. Returning (nil, nil) leaves the
// key untouched; returning an error aborts the update and surfaces the
// error unchanged to the caller.
type UpdateFunc func(old []byte) ([]byte, error)

// Broker is the adapter contract shared by all backends. Every call is
// bounded: it either completes within the backend's operation timeout or
// fails with ErrUnavailable.
type Broker interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether this
	// caller won. Concurrent creators race safely: exactly one wins.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete is idempotent; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Incr atomically adjusts a counter, refreshing its TTL, and returns
	// the new value. Used for distributed subscriber counts.
	Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// Update applies fn to key under a compare-and-set loop so concurrent
	// writers for the same key serialize.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
	// Publish broadcasts payload to all current subscribers of channel
	// across all processes. Best effort: no delivery guarantee for
	// subscribers that join after the call returns.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers h for every payload published to channel from
	// registration onward. The returned cancel function stops delivery and
	// waits for the delivery goroutine to drain.
	Subscribe(ctx context.Context, channel string, h Handler) (cancel func(), err error)
	// Ping probes the backend without failing.
	Ping(ctx context.Context) Health
	Close() error
}

// Connect builds a broker from a URL. redis:// and rediss:// URLs connect
// to Redis; memory:// returns a process-local broker.
func Connect(url string, opTimeout time.Duration, maxRetries uint) (Broker, error) {
	if strings.HasPrefix(url, "memory://") {
		return NewMemory(), nil
	}
	return NewRedis(url, opTimeout, maxRetries)
}
