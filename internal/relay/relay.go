// Package relay routes inbound application messages to their destination
// topic and fans the result out to every subscribed connection.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/greetrelay/internal/registry"
)

var (
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrDeliveryTimeout = errors.New("delivery timeout")
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	ErrInvalidPayload  = errors.New("invalid payload")
)

// DefaultDeliveryTimeout bounds how long a single recipient may hold up a
// broadcast.
const DefaultDeliveryTimeout = 2 * time.Second

// Subscribers resolves a topic to the connections subscribed to it.
type Subscribers interface {
	SubscribersOf(topic string) []*registry.Connection
}

// Inbound is a client message addressed to an application endpoint.
type Inbound struct {
	Endpoint string
	Payload  []byte
}

// Outbound is a message bound for every subscriber of Topic.
type Outbound struct {
	Topic   string
	Payload []byte
}

// Result describes what happened to one relayed message.
type Result struct {
	Outbound

	// Delivered counts recipients that accepted the message.
	Delivered int
	// Dropped counts recipients that failed or timed out.
	Dropped int
	// Skipped counts recipients that closed before delivery.
	Skipped int
}

// Relay transforms inbound messages and publishes them to subscribers.
type Relay struct {
	routes          map[string]Route
	subscribers     Subscribers
	deliveryTimeout time.Duration
	logger          zerolog.Logger
}

// New creates a Relay over the given route table.
func New(subscribers Subscribers, deliveryTimeout time.Duration, logger zerolog.Logger, routes ...Route) *Relay {
	if deliveryTimeout <= 0 {
		deliveryTimeout = DefaultDeliveryTimeout
	}

	table := make(map[string]Route, len(routes))
	for _, route := range routes {
		table[route.Endpoint] = route
	}

	return &Relay{
		routes:          table,
		subscribers:     subscribers,
		deliveryTimeout: deliveryTimeout,
		logger:          logger,
	}
}

// Handle transforms msg using the route bound to its endpoint and delivers the
// result to the route's topic. A message that fails its transform is dropped
// and nothing is delivered.
func (r *Relay) Handle(ctx context.Context, msg Inbound) (Result, error) {
	route, ok := r.routes[msg.Endpoint]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownEndpoint, msg.Endpoint)
	}

	payload, err := route.Transform(msg.Payload)
	if err != nil {
		return Result{}, err
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	return r.Publish(ctx, Outbound{Topic: route.Topic, Payload: payload}), nil
}

// Publish delivers out to every current subscriber of its topic in parallel.
// Each recipient gets its own delivery timeout; one that exceeds it is
// disconnected. Failures never stop delivery to the other recipients.
func (r *Relay) Publish(ctx context.Context, out Outbound) Result {
	subscribers := r.subscribers.SubscribersOf(out.Topic)

	var wg sync.WaitGroup
	var delivered, dropped, skipped atomic.Int64

	for _, conn := range subscribers {
		wg.Add(1)
		go func(conn *registry.Connection) {
			defer wg.Done()

			if conn.Closed() {
				skipped.Add(1)
				return
			}
			if err := r.deliver(ctx, conn, out); err != nil {
				dropped.Add(1)
				return
			}
			delivered.Add(1)
		}(conn)
	}
	wg.Wait()

	result := Result{
		Outbound:  out,
		Delivered: int(delivered.Load()),
		Dropped:   int(dropped.Load()),
		Skipped:   int(skipped.Load()),
	}

	r.logger.Debug().
		Str("topic", out.Topic).
		Int("subscribers", len(subscribers)).
		Int("delivered", result.Delivered).
		Int("dropped", result.Dropped).
		Msg("message relayed")

	return result
}

func (r *Relay) deliver(ctx context.Context, conn *registry.Connection, out Outbound) error {
	deliverCtx, cancel := context.WithTimeout(ctx, r.deliveryTimeout)
	defer cancel()

	err := conn.Deliver(deliverCtx, out.Topic, out.Payload)
	if err == nil {
		return nil
	}

	// The caller gave up; the recipient is not at fault.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: connection %s did not accept message within %s", ErrDeliveryTimeout, conn.ID, r.deliveryTimeout)
		r.logger.Warn().Err(err).Str("connection", conn.ID).Msg("disconnecting slow subscriber")
		conn.Disconnect(err)
		return err
	}

	r.logger.Warn().Err(err).Str("connection", conn.ID).Str("topic", out.Topic).Msg("delivery failed")
	return err
}
