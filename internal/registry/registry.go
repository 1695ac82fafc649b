// Package registry tracks live client connections and their topic
// subscriptions. All operations are serialized through a single lock so the
// connection table and the topic index never disagree.
package registry

//go:generate go run go.uber.org/mock/mockgen -source=registry.go -destination=../mocks/mock_sink.go -package=mocks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"
)

var (
	ErrDuplicateConnection = errors.New("duplicate connection")
	ErrUnknownConnection   = errors.New("unknown connection")
)

// Sink is the delivery side of a connection. Deliver hands a payload
// published to topic to the connection; Disconnect tears the connection
// down, for example after a delivery timed out.
type Sink interface {
	Deliver(ctx context.Context, topic string, payload []byte) error
	Disconnect(cause error)
}

type set map[string]struct{}

// Connection is a registered client connection.
type Connection struct {
	ID string

	sink   Sink
	topics set
	closed atomic.Bool
}

// Deliver forwards payload to the connection's sink. Delivering to a
// connection that has been unregistered is a no-op.
func (c *Connection) Deliver(ctx context.Context, topic string, payload []byte) error {
	if c.Closed() {
		return nil
	}
	return c.sink.Deliver(ctx, topic, payload)
}

// Disconnect asks the sink to close the underlying connection.
func (c *Connection) Disconnect(cause error) {
	c.sink.Disconnect(cause)
}

// Closed reports whether the connection has been unregistered.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// Registry owns every Connection and the topic -> connection index.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	topics      map[string]set
}

func New() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		topics:      make(map[string]set),
	}
}

// Register adds a new open connection with the given id.
func (r *Registry) Register(id string, sink Sink) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connections[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateConnection, id)
	}

	conn := &Connection{ID: id, sink: sink, topics: make(set)}
	r.connections[id] = conn
	return conn, nil
}

// Unregister removes a connection together with all of its subscriptions
// and marks it closed.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}

	for topic := range conn.topics {
		r.removeFromTopic(topic, id)
	}
	conn.topics = make(set)
	conn.closed.Store(true)
	delete(r.connections, id)
	return nil
}

// Subscribe adds topic to the connection's subscriptions. Subscribing twice
// to the same topic is a no-op.
func (r *Registry) Subscribe(id, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}

	conn.topics[topic] = struct{}{}
	if _, ok := r.topics[topic]; !ok {
		r.topics[topic] = make(set)
	}
	r.topics[topic][id] = struct{}{}
	return nil
}

// Unsubscribe removes topic from the connection's subscriptions.
func (r *Registry) Unsubscribe(id, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}

	delete(conn.topics, topic)
	r.removeFromTopic(topic, id)
	return nil
}

// SubscribersOf returns a snapshot of the connections subscribed to topic.
// The returned slice holds each connection once.
func (r *Registry) SubscribersOf(topic string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.topics[topic]
	if !ok {
		return nil
	}

	subscribers := make([]*Connection, 0, len(members))
	for id := range members {
		if conn, exists := r.connections[id]; exists {
			subscribers = append(subscribers, conn)
		}
	}
	return subscribers
}

// Get returns the connection registered under id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[id]
	return conn, ok
}

// TopicsOf returns the sorted topics the connection is subscribed to.
func (r *Registry) TopicsOf(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}

	topics := lo.Keys(conn.topics)
	sort.Strings(topics)
	return topics, nil
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// Topics returns the sorted names of topics with at least one subscriber.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := lo.Keys(r.topics)
	sort.Strings(topics)
	return topics
}

// removeFromTopic must be called with r.mu held. Empty topics are dropped so
// the index does not grow with abandoned names.
func (r *Registry) removeFromTopic(topic, id string) {
	members, ok := r.topics[topic]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.topics, topic)
	}
}
