package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// casAttempts bounds the optimistic retry loop in Update when concurrent
// writers keep invalidating the watched key.
const casAttempts = 8

// reconnectPause is the wait between exhausted retry budgets while the
// adapter stays down.
const reconnectPause = 5 * time.Second

// Redis is the Redis-backed broker. After repeated connection failures it
// transitions to a down state in which every operation fails fast with
// ErrUnavailable; a background probe with bounded backoff re-opens it.
type Redis struct {
	client    *redis.Client
	opTimeout time.Duration
	// maxRetries is the reconnect budget per probe round.
	maxRetries uint

	down   atomic.Bool
	closed chan struct{}
	once   sync.Once
}

// NewRedis connects to the Redis instance named by url (redis:// form).
// The initial connection is verified with a ping.
func NewRedis(url string, opTimeout time.Duration, maxRetries uint) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid broker URL: %w", err)
	}

	b := &Redis{
		client:     redis.NewClient(opt),
		opTimeout:  opTimeout,
		maxRetries: maxRetries,
		closed:     make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := b.client.Ping(ctx).Err(); err != nil {
		b.client.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	log.Info().Str("component", "broker").Msg("connected to redis")
	return b, nil
}

func (b *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.do(ctx, func(ctx context.Context) error {
		return b.client.Set(ctx, key, value, ttl).Err()
	})
}

func (b *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var won bool
	err := b.do(ctx, func(ctx context.Context) error {
		res, err := b.client.SetNX(ctx, key, value, ttl).Result()
		won = res
		return err
	})
	return won, err
}

func (b *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.do(ctx, func(ctx context.Context) error {
		res, err := b.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		value = res
		return err
	})
	return value, err
}

func (b *Redis) Delete(ctx context.Context, key string) error {
	return b.do(ctx, func(ctx context.Context) error {
		return b.client.Del(ctx, key).Err()
	})
}

func (b *Redis) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	var value int64
	err := b.do(ctx, func(ctx context.Context) error {
		pipe := b.client.TxPipeline()
		incr := pipe.IncrBy(ctx, key, delta)
		pipe.Expire(ctx, key, ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		value = incr.Val()
		return nil
	})
	return value, err
}

func (b *Redis) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	return b.do(ctx, func(ctx context.Context) error {
		for attempt := 0; attempt < casAttempts; attempt++ {
			err := b.client.Watch(ctx, func(tx *redis.Tx) error {
				old, err := tx.Get(ctx, key).Bytes()
				if errors.Is(err, redis.Nil) {
					old = nil
				} else if err != nil {
					return err
				}

				next, err := fn(old)
				if err != nil {
					return err
				}
				if next == nil {
					return nil
				}

				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, next, ttl)
					return nil
				})
				return err
			}, key)

			if errors.Is(err, redis.TxFailedErr) {
				continue
			}
			return err
		}
		return fmt.Errorf("update of %q kept losing races after %d attempts", key, casAttempts)
	})
}

func (b *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.do(ctx, func(ctx context.Context) error {
		return b.client.Publish(ctx, channel, payload).Err()
	})
}

func (b *Redis) Subscribe(ctx context.Context, channel string, h Handler) (func(), error) {
	if b.down.Load() {
		return nil, ErrUnavailable
	}

	sub := b.client.Subscribe(ctx, channel)

	// Confirm the subscription is live before returning so publishes after
	// this call are guaranteed to reach the handler.
	rctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()
	if _, err := sub.Receive(rctx); err != nil {
		_ = sub.Close()
		if connectionError(err) {
			b.markDown(err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range sub.Channel() {
			h([]byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = sub.Close()
			<-done
		})
	}, nil
}

// Ping reports broker health without failing. A successful probe also
// clears the down state.
func (b *Redis) Ping(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	start := time.Now()
	if err := b.client.Ping(ctx).Err(); err != nil {
		return Health{Status: StatusDown}
	}
	b.down.Store(false)
	return Health{Status: StatusHealthy, LatencyMS: time.Since(start).Milliseconds()}
}

func (b *Redis) Close() error {
	b.once.Do(func() { close(b.closed) })
	return b.client.Close()
}

// do wraps an operation with the down-state check, the per-operation
// timeout, and connection failure accounting.
func (b *Redis) do(ctx context.Context, op func(ctx context.Context) error) error {
	if b.down.Load() {
		return ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()

	err := op(ctx)
	if connectionError(err) {
		b.markDown(err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// markDown flips the adapter to its down state and starts the reconnect
// probe. Only the first caller starts the goroutine.
func (b *Redis) markDown(cause error) {
	if !b.down.CompareAndSwap(false, true) {
		return
	}
	log.Warn().Str("component", "broker").Err(cause).Msg("redis connection lost, failing fast until reconnect")
	go b.reconnect()
}

func (b *Redis) reconnect() {
	for {
		_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
			select {
			case <-b.closed:
				return struct{}{}, backoff.Permanent(errors.New("broker closed"))
			default:
			}

			ctx, cancel := context.WithTimeout(context.Background(), b.opTimeout)
			defer cancel()
			return struct{}{}, b.client.Ping(ctx).Err()
		},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxTries(b.maxRetries),
		)

		if err == nil {
			b.down.Store(false)
			log.Info().Str("component", "broker").Msg("redis reconnected")
			return
		}

		select {
		case <-b.closed:
			return
		case <-time.After(reconnectPause):
			log.Warn().Str("component", "broker").Uint("budget", b.maxRetries).Msg("redis reconnect budget exhausted, retrying")
		}
	}
}

// connectionError distinguishes reachability failures (which flip the
// adapter down) from data errors such as ErrNotFound or caller-supplied
// UpdateFunc errors, which pass through unchanged.
func connectionError(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
