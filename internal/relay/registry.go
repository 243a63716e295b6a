package relay

import (
	"sync"
	"time"
)

// Conn is the transport-facing side of a client connection. Implementations
// must tolerate concurrent Send calls and must not block the caller: a full
// outbound buffer is an error, not a stall.
type Conn interface {
	ID() string
	// Owner is the registered application the connection authenticated as,
	// or empty when topic gating is disabled.
	Owner() string
	Send(frame Frame) error
	Close() error
}

// Registry is the process-local connection registry: connection id to
// handle plus a reverse index from topic to local subscriber ids. It is an
// owned object passed into the engine, never a package singleton, and its
// state is never shared across processes.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*connEntry
	topics map[string]map[string]struct{}
}

type connEntry struct {
	conn     Conn
	topics   map[string]struct{}
	lastSeen time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*connEntry),
		topics: make(map[string]map[string]struct{}),
	}
}

// Add registers a connection with no subscriptions.
func (r *Registry) Add(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = &connEntry{
		conn:     conn,
		topics:   make(map[string]struct{}),
		lastSeen: time.Now(),
	}
}

// Remove drops a connection and returns the topics it was subscribed to so
// the engine can release per-topic resources.
func (r *Registry) Remove(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[id]
	if !ok {
		return nil
	}
	delete(r.conns, id)

	topics := make([]string, 0, len(entry.topics))
	for topic := range entry.topics {
		topics = append(topics, topic)
		r.dropTopicEntry(topic, id)
	}
	return topics
}

// Subscribe records the connection as a local subscriber of topic and
// reports whether the subscription is new for this connection.
func (r *Registry) Subscribe(id, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[id]
	if !ok {
		return false
	}
	if _, exists := entry.topics[topic]; exists {
		return false
	}
	entry.topics[topic] = struct{}{}

	if r.topics[topic] == nil {
		r.topics[topic] = make(map[string]struct{})
	}
	r.topics[topic][id] = struct{}{}
	return true
}

// Unsubscribe removes the subscription and reports whether it existed.
func (r *Registry) Unsubscribe(id, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[id]
	if !ok {
		return false
	}
	if _, exists := entry.topics[topic]; !exists {
		return false
	}
	delete(entry.topics, topic)
	r.dropTopicEntry(topic, id)
	return true
}

// IsSubscribed reports whether the connection currently subscribes to topic.
func (r *Registry) IsSubscribed(id, topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.conns[id]
	if !ok {
		return false
	}
	_, exists := entry.topics[topic]
	return exists
}

// TopicConns returns a snapshot of the local connections subscribed to
// topic. The copy keeps fan-out independent of registry mutation.
func (r *Registry) TopicConns(topic string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.topics[topic]
	conns := make([]Conn, 0, len(ids))
	for id := range ids {
		if entry, ok := r.conns[id]; ok {
			conns = append(conns, entry.conn)
		}
	}
	return conns
}

// AllConns returns a snapshot of every registered connection.
func (r *Registry) AllConns() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.conns))
	for _, entry := range r.conns {
		conns = append(conns, entry.conn)
	}
	return conns
}

// Touch refreshes the connection's last-seen time.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.conns[id]; ok {
		entry.lastSeen = time.Now()
	}
}

// Idle returns a snapshot of the connections whose last-seen time is
// before cutoff.
func (r *Registry) Idle(cutoff time.Time) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []Conn
	for _, entry := range r.conns {
		if entry.lastSeen.Before(cutoff) {
			conns = append(conns, entry.conn)
		}
	}
	return conns
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// dropTopicEntry removes id from the reverse index. Callers hold mu.
func (r *Registry) dropTopicEntry(topic, id string) {
	ids, ok := r.topics[topic]
	if !ok {
		return
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(r.topics, topic)
	}
}
