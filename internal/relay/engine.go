package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkovacs/passage/internal/broker"
)

// EngineConfig carries the policy values the engine enforces.
type EngineConfig struct {
	// SessionTTL is the sliding expiry window for session records and the
	// retention of subscriber counters.
	SessionTTL time.Duration
	// MaxMessageSize bounds the encrypted payload of a publish, in bytes.
	MaxMessageSize int64
	// DispatchQueueSize bounds the per-topic delivery queue. Zero picks a
	// default.
	DispatchQueueSize int
}

const defaultDispatchQueueSize = 256

// Engine binds client connections to topics and fans published messages
// out to every subscriber of the topic across all relay processes sharing
// the broker. Dependencies are passed in at construction; the engine
// resolves nothing on its own.
type Engine struct {
	broker   broker.Broker
	sessions *SessionStore
	registry *Registry
	cfg      EngineConfig

	// processID stamps published envelopes so the origin process can
	// exclude the publisher during local fan-out.
	processID string
	dedup     *Dedup
	now       func() time.Time

	mu     sync.Mutex
	topics map[string]*topicSub
	closed bool
}

// topicSub is this process's single broker subscription for one topic,
// shared by all local subscribers through a reference count. Delivered
// envelopes pass through a bounded queue drained by one dispatch goroutine
// so a slow consumer cannot stall the broker's delivery path.
type topicSub struct {
	refs   int
	cancel func()
	queue  chan envelope
	done   chan struct{}
}

// NewEngine wires an engine from its collaborators.
func NewEngine(b broker.Broker, sessions *SessionStore, registry *Registry, cfg EngineConfig) *Engine {
	if cfg.DispatchQueueSize <= 0 {
		cfg.DispatchQueueSize = defaultDispatchQueueSize
	}
	return &Engine{
		broker:    b,
		sessions:  sessions,
		registry:  registry,
		cfg:       cfg,
		processID: uuid.NewString(),
		dedup:     NewDedup(),
		now:       time.Now,
		topics:    make(map[string]*topicSub),
	}
}

func channelFor(topic string) string { return "relay:" + topic }
func subsKey(topic string) string    { return "subs:" + topic }

// Register makes a connection known to the engine. The transport calls it
// once per accepted connection, before any frames are handled.
func (e *Engine) Register(conn Conn) {
	e.registry.Add(conn)
}

// HandleFrame processes one inbound control frame. Errors are reported to
// the originating connection as error frames; they never propagate to
// other connections.
func (e *Engine) HandleFrame(ctx context.Context, conn Conn, frame InboundFrame) {
	e.registry.Touch(conn.ID())

	switch frame.Op {
	case OpSubscribe:
		e.handleSubscribe(ctx, conn, frame.Topic)
	case OpUnsubscribe:
		e.handleUnsubscribe(ctx, conn, frame.Topic)
	case OpPublish:
		e.handlePublish(ctx, conn, frame)
	case OpPing:
		e.send(conn, PongFrame())
	default:
		e.send(conn, ErrorFrame("", fmt.Errorf("unknown op %q", frame.Op)))
	}
}

func (e *Engine) handleSubscribe(ctx context.Context, conn Conn, topic string) {
	if topic == "" {
		e.send(conn, ErrorFrame(topic, fmt.Errorf("subscribe requires a topic")))
		return
	}

	if !e.registry.Subscribe(conn.ID(), topic) {
		// Already subscribed: idempotent, re-ack with the current state.
		sess, err := e.sessions.Get(ctx, topic)
		if errors.Is(err, ErrSessionExpired) {
			// Expired under a live subscription; recreate as if new.
			sess, _, err = e.sessions.CreateOrGet(ctx, topic, conn.Owner())
		}
		if err != nil {
			e.send(conn, ErrorFrame(topic, err))
			return
		}
		e.send(conn, AckFrame(topic, sess.State, ""))
		return
	}

	if err := e.retainTopic(ctx, topic); err != nil {
		e.registry.Unsubscribe(conn.ID(), topic)
		e.send(conn, ErrorFrame(topic, err))
		return
	}

	sess, _, err := e.sessions.CreateOrGet(ctx, topic, conn.Owner())
	if err != nil {
		e.registry.Unsubscribe(conn.ID(), topic)
		e.releaseTopic(topic)
		e.send(conn, ErrorFrame(topic, err))
		return
	}

	// The increment must pair with the decrement on disconnect; a failed
	// increment fails the whole subscribe so the counter never drifts.
	count, err := e.broker.Incr(ctx, subsKey(topic), 1, e.cfg.SessionTTL)
	if err != nil {
		e.registry.Unsubscribe(conn.ID(), topic)
		e.releaseTopic(topic)
		e.send(conn, ErrorFrame(topic, err))
		return
	}

	// Second distinct subscriber activates a pending session; any new
	// subscriber revives a disconnected one.
	if sess.State == StateDisconnected || (sess.State == StatePending && count >= 2) {
		if activated, err := e.sessions.Activate(ctx, topic); err == nil {
			sess = activated
		}
	}

	log.Debug().Str("conn", conn.ID()).Str("topic", topic).Msg("subscribed")
	e.send(conn, AckFrame(topic, sess.State, ""))
}

func (e *Engine) handleUnsubscribe(ctx context.Context, conn Conn, topic string) {
	if topic == "" {
		e.send(conn, ErrorFrame(topic, fmt.Errorf("unsubscribe requires a topic")))
		return
	}

	if e.registry.Unsubscribe(conn.ID(), topic) {
		e.releaseTopic(topic)
		e.dropSubscriber(ctx, topic)
		log.Debug().Str("conn", conn.ID()).Str("topic", topic).Msg("unsubscribed")
	}
	// Unsubscribing while not subscribed is a no-op, acked all the same.
	e.send(conn, Frame{Op: OpAck, Topic: topic})
}

func (e *Engine) handlePublish(ctx context.Context, conn Conn, frame InboundFrame) {
	msg := frame.Message
	if msg == nil {
		e.send(conn, ErrorFrame(frame.Topic, fmt.Errorf("%w: publish requires a message", ErrInvalidMessage)))
		return
	}

	topic := frame.Topic
	if topic == "" {
		topic = msg.Topic
	}
	if topic == "" {
		e.send(conn, ErrorFrame("", fmt.Errorf("%w: publish requires a topic", ErrInvalidMessage)))
		return
	}
	if msg.Topic != "" && msg.Topic != topic {
		e.send(conn, ErrorFrame(topic, fmt.Errorf("%w: frame topic %q does not match message topic %q", ErrInvalidMessage, topic, msg.Topic)))
		return
	}
	msg.Topic = topic

	// Only participants may publish. Rejected publishes cause zero broker
	// writes.
	if !e.registry.IsSubscribed(conn.ID(), topic) {
		e.send(conn, ErrorFrame(topic, ErrNotSubscribed))
		return
	}

	if err := msg.Validate(e.cfg.MaxMessageSize); err != nil {
		e.send(conn, ErrorFrame(topic, err))
		return
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = e.now().Unix()
	}

	sess, err := e.sessions.Touch(ctx, topic)
	if errors.Is(err, ErrSessionExpired) {
		// The record aged out under us. Start fresh rather than failing.
		sess, _, err = e.sessions.CreateOrGet(ctx, topic, conn.Owner())
	}
	if err != nil {
		e.send(conn, ErrorFrame(topic, err))
		return
	}

	env := envelope{ProcessID: e.processID, ConnID: conn.ID(), Message: *msg}
	raw, err := json.Marshal(env)
	if err != nil {
		e.send(conn, ErrorFrame(topic, err))
		return
	}
	if err := e.broker.Publish(ctx, channelFor(topic), raw); err != nil {
		e.send(conn, ErrorFrame(topic, err))
		return
	}

	// First successful publish activates a pending session.
	if sess.State == StatePending || sess.State == StateDisconnected {
		if activated, err := e.sessions.Activate(ctx, topic); err == nil {
			sess = activated
		}
	}

	// Success is independent of whether any subscriber currently exists:
	// fan-out is best effort, not guaranteed delivery.
	e.send(conn, AckFrame(topic, sess.State, msg.ID))
}

// Disconnect releases everything a connection held: registry entry, local
// topic reference counts and the distributed subscriber counts. Safe for
// both orderly closes and abrupt drops.
func (e *Engine) Disconnect(ctx context.Context, conn Conn) {
	topics := e.registry.Remove(conn.ID())
	for _, topic := range topics {
		e.releaseTopic(topic)
		e.dropSubscriber(ctx, topic)
	}
	if len(topics) > 0 {
		log.Debug().Str("conn", conn.ID()).Int("topics", len(topics)).Msg("connection cleaned up")
	}
}

// DisconnectIdle closes every connection whose last inbound frame is older
// than maxIdle. It backs up the transport's read deadline: a connection
// whose reader stalled without the socket erroring still gets reaped here.
// Returns the number of connections closed.
func (e *Engine) DisconnectIdle(ctx context.Context, maxIdle time.Duration) int {
	idle := e.registry.Idle(e.now().Add(-maxIdle))
	for _, conn := range idle {
		e.Disconnect(ctx, conn)
		_ = conn.Close()
	}
	if len(idle) > 0 {
		log.Debug().Int("connections", len(idle)).Msg("idle connections reaped")
	}
	return len(idle)
}

// Shutdown drains the engine: every local connection gets a best-effort
// going-away frame, then all broker subscriptions are cancelled and the
// distributed counts released.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	for _, conn := range e.registry.AllConns() {
		_ = conn.Send(ByeFrame())
		e.Disconnect(ctx, conn)
		_ = conn.Close()
	}
}

// retainTopic takes a local reference on the topic's broker subscription,
// creating it when this is the first local subscriber. Exactly one broker
// subscription exists per process per topic regardless of how many local
// connections share it.
func (e *Engine) retainTopic(ctx context.Context, topic string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("engine is shut down")
	}
	if sub, ok := e.topics[topic]; ok {
		sub.refs++
		return nil
	}

	sub := &topicSub{
		refs:  1,
		queue: make(chan envelope, e.cfg.DispatchQueueSize),
		done:  make(chan struct{}),
	}

	cancel, err := e.broker.Subscribe(ctx, channelFor(topic), func(payload []byte) {
		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			log.Warn().Str("topic", topic).Err(err).Msg("dropping malformed broker envelope")
			return
		}
		select {
		case sub.queue <- env:
		default:
			log.Warn().Str("topic", topic).Msg("dispatch queue full, dropping message")
		}
	})
	if err != nil {
		return err
	}

	sub.cancel = cancel
	e.topics[topic] = sub
	go e.dispatch(topic, sub)
	return nil
}

// releaseTopic drops one local reference and cancels the process's broker
// subscription when the count reaches zero. The session itself is not
// destroyed.
func (e *Engine) releaseTopic(topic string) {
	e.mu.Lock()
	sub, ok := e.topics[topic]
	if !ok {
		e.mu.Unlock()
		return
	}
	sub.refs--
	if sub.refs > 0 {
		e.mu.Unlock()
		return
	}
	delete(e.topics, topic)
	e.mu.Unlock()

	sub.cancel()
	close(sub.queue)
	<-sub.done
}

// dropSubscriber decrements the distributed subscriber count and marks the
// session disconnected when the topic has no subscribers on any process.
func (e *Engine) dropSubscriber(ctx context.Context, topic string) {
	count, err := e.broker.Incr(ctx, subsKey(topic), -1, e.cfg.SessionTTL)
	if err != nil {
		log.Warn().Str("topic", topic).Err(err).Msg("subscriber count decrement failed")
		return
	}
	if count <= 0 {
		if _, err := e.sessions.MarkDisconnected(ctx, topic); err != nil && !errors.Is(err, ErrSessionExpired) {
			log.Warn().Str("topic", topic).Err(err).Msg("disconnect transition failed")
		}
	}
}

// dispatch drains one topic's delivery queue, fanning each envelope out to
// the local subscribers.
func (e *Engine) dispatch(topic string, sub *topicSub) {
	defer close(sub.done)
	for env := range sub.queue {
		e.deliver(topic, env)
	}
}

// deliver fans one envelope out to the local subscribers of its topic.
// Duplicates from broker redelivery are dropped, the original publisher is
// excluded, and a failed send to one connection never affects the rest.
func (e *Engine) deliver(topic string, env envelope) {
	ttl := time.Duration(env.Message.TTL) * time.Second
	if e.dedup.Seen(env.Message.ID, ttl) {
		return
	}
	if env.Message.Timestamp+env.Message.TTL <= e.now().Unix() {
		log.Debug().Str("topic", topic).Str("message", env.Message.ID).Msg("message expired in transit")
		return
	}

	for _, conn := range e.registry.TopicConns(topic) {
		if env.ProcessID == e.processID && env.ConnID == conn.ID() {
			continue
		}
		if err := conn.Send(EventFrame(env.Message)); err != nil {
			log.Debug().Str("conn", conn.ID()).Str("topic", topic).Err(err).Msg("delivery failed")
		}
	}
}

func (e *Engine) send(conn Conn, frame Frame) {
	if err := conn.Send(frame); err != nil {
		log.Debug().Str("conn", conn.ID()).Str("op", frame.Op).Err(err).Msg("send failed")
	}
}
