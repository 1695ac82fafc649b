package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/greetrelay/internal/relay"
	"github.com/Tyrowin/greetrelay/internal/stomp"
)

var (
	ErrHandshakeFailure = errors.New("handshake failure")

	errClientDisconnect = errors.New("client disconnected")
	errHubShutdown      = errors.New("server shutting down")
	errProtocol         = errors.New("protocol error")
	errRateLimited      = errors.New("rate limit exceeded")
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// outgoing is a frame queued for the write pump. When closeAfter is set the
// session is closed with that cause once the frame has been written.
type outgoing struct {
	data       []byte
	closeAfter error
}

// Session is one client connection. A read pump parses inbound frames and a
// write pump drains the bounded send queue; the session moves
// CONNECTING -> OPEN -> CLOSED and never leaves CLOSED.
type Session struct {
	id     string
	conn   *websocket.Conn
	addr   string
	hub    *Hub
	cfg    Config
	logger zerolog.Logger

	send      chan outgoing
	done      chan struct{}
	closeOnce sync.Once
	state     atomic.Int32

	limiter *rateLimiter

	mu            sync.Mutex
	subscriptions map[string]string // subscription id -> topic
}

func newSession(hub *Hub, conn *websocket.Conn, addr string) *Session {
	id := uuid.NewString()
	return &Session{
		id:            id,
		conn:          conn,
		addr:          addr,
		hub:           hub,
		cfg:           hub.cfg,
		logger:        hub.logger.With().Str("session", id).Str("addr", addr).Logger(),
		send:          make(chan outgoing, hub.cfg.SendBufferSize),
		done:          make(chan struct{}),
		limiter:       newRateLimiter(hub.cfg.RateLimit),
		subscriptions: make(map[string]string),
	}
}

// ID returns the session identifier, which is also its registry id.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session reaches CLOSED.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// run drives the session until it closes. It must be called at most once.
func (s *Session) run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { s.Close(errHubShutdown) })
	defer stop()

	if err := s.handshake(); err != nil {
		s.logger.Warn().Err(err).Msg("handshake failed")
		s.Close(err)
		return
	}

	s.logger.Info().Int("connections", s.hub.registry.Len()).Msg("session opened")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump()
	}()

	s.readPump(ctx)
	wg.Wait()
}

// handshake waits for CONNECT, registers the session and answers CONNECTED.
// On failure the session is never registered.
func (s *Session) handshake() error {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}

	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}

	frame, err := stomp.Parse(raw)
	if err != nil {
		return s.rejectHandshake(err.Error())
	}
	if frame.Command != stomp.CommandConnect && frame.Command != stomp.CommandStomp {
		return s.rejectHandshake(fmt.Sprintf("expected CONNECT, got %q", frame.Command))
	}
	if !acceptsVersion(frame.Get(stomp.HeaderAcceptVersion)) {
		return s.rejectHandshake("unsupported protocol version, server speaks " + stomp.Version)
	}

	if _, err := s.hub.registry.Register(s.id, s); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		// Closed while registering, e.g. by a hub shutdown.
		_ = s.hub.registry.Unregister(s.id)
		return fmt.Errorf("%w: session closed during handshake", ErrHandshakeFailure)
	}

	connected := stomp.NewFrame(stomp.CommandConnected, nil,
		stomp.HeaderVersion, stomp.Version,
		stomp.HeaderHeartBeat, "0,0",
		stomp.HeaderSession, s.id,
		stomp.HeaderServer, "greetrelay",
	)
	if err := s.writeFrame(stomp.Encode(connected)); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}
	return nil
}

// rejectHandshake writes a best-effort ERROR frame before the socket closes.
func (s *Session) rejectHandshake(reason string) error {
	_ = s.writeFrame(stomp.Encode(stomp.NewFrame(stomp.CommandError, nil, stomp.HeaderMessage, reason)))
	return fmt.Errorf("%w: %s", ErrHandshakeFailure, reason)
}

// acceptsVersion treats a missing accept-version header as acceptable; the
// frames we emit are readable by 1.0 clients apart from header escaping.
func acceptsVersion(header string) bool {
	if header == "" {
		return true
	}
	return slices.Contains(strings.Split(header, ","), stomp.Version)
}

// Deliver queues a MESSAGE frame for topic. It returns nil without sending
// if the session is closed, and ctx.Err() if the queue stays full until ctx
// ends.
func (s *Session) Deliver(ctx context.Context, topic string, payload []byte) error {
	subscriptionID, ok := s.subscriptionFor(topic)
	if !ok {
		return nil
	}

	frame := stomp.NewFrame(stomp.CommandMessage, payload,
		stomp.HeaderDestination, topic,
		stomp.HeaderSubscription, subscriptionID,
		stomp.HeaderMessageID, uuid.NewString(),
		stomp.HeaderContentType, "application/json",
	)
	msg := outgoing{data: stomp.Encode(frame)}

	select {
	case <-s.done:
		return nil
	default:
	}

	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the session; the relay calls it for subscribers that
// cannot keep up.
func (s *Session) Disconnect(cause error) {
	s.Close(cause)
}

// Close moves the session to CLOSED, removes it and its subscriptions from
// the registry and closes the socket. Only the first call has any effect.
func (s *Session) Close(cause error) {
	s.closeOnce.Do(func() {
		prev := State(s.state.Swap(int32(StateClosed)))
		close(s.done)

		if prev == StateOpen {
			if err := s.hub.registry.Unregister(s.id); err != nil {
				s.logger.Debug().Err(err).Msg("unregister on close")
			}
			s.logger.Info().Err(cause).Int("connections", s.hub.registry.Len()).Msg("session closed")
		}

		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(closeCode(cause), closeReason(cause))
		if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !isExpectedCloseError(err) {
			s.logger.Debug().Err(err).Msg("error writing close message")
		}
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Debug().Err(err).Msg("error closing connection")
		}
	})
}

func closeCode(cause error) int {
	switch {
	case cause == nil, errors.Is(cause, errClientDisconnect):
		return websocket.CloseNormalClosure
	case errors.Is(cause, errHubShutdown):
		return websocket.CloseGoingAway
	case errors.Is(cause, relay.ErrDeliveryTimeout):
		return websocket.CloseTryAgainLater
	case errors.Is(cause, websocket.ErrReadLimit):
		return websocket.CloseMessageTooBig
	default:
		return websocket.ClosePolicyViolation
	}
}

// closeReason keeps the reason inside the 123 byte limit of a close frame.
func closeReason(cause error) string {
	if cause == nil {
		return ""
	}
	reason := cause.Error()
	if len(reason) > 120 {
		reason = reason[:120]
	}
	return reason
}

func (s *Session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	s.extendReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.Close(s.classifyReadError(err))
			return
		}
		s.extendReadDeadline()

		frame, err := stomp.Parse(raw)
		if err != nil {
			s.fail(err)
			return
		}

		if !s.dispatch(ctx, frame) {
			return
		}
	}
}

func (s *Session) extendReadDeadline() {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
		s.logger.Debug().Err(err).Msg("error setting read deadline")
	}
}

// classifyReadError logs the read failure at a level matching how expected
// it is and returns the close cause.
func (s *Session) classifyReadError(err error) error {
	select {
	case <-s.done:
		return err
	default:
	}

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger.Warn().Int64("limit", s.cfg.MaxMessageSize).Msg("message exceeded maximum size")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		s.logger.Debug().Err(err).Msg("client closed connection")
		return errClientDisconnect
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		s.logger.Debug().Err(err).Msg("connection closed")
	case isTimeout(err):
		s.logger.Info().Dur("idle_timeout", s.cfg.IdleTimeout).Msg("idle timeout")
	default:
		s.logger.Warn().Err(err).Msg("read error")
	}
	return err
}

// dispatch handles one frame and reports whether reading should continue.
func (s *Session) dispatch(ctx context.Context, frame stomp.Frame) bool {
	switch frame.Command {
	case "":
		return true
	case stomp.CommandSubscribe:
		return s.reply(frame, s.subscribe(frame))
	case stomp.CommandUnsubscribe:
		return s.reply(frame, s.unsubscribe(frame))
	case stomp.CommandSend:
		return s.reply(frame, s.handleSend(ctx, frame))
	case stomp.CommandDisconnect:
		s.disconnect(frame)
		return false
	case stomp.CommandConnect, stomp.CommandStomp:
		s.fail(fmt.Errorf("%w: already connected", errProtocol))
		return false
	default:
		s.fail(fmt.Errorf("%w: unsupported command %q", errProtocol, frame.Command))
		return false
	}
}

// reply sends a RECEIPT on success, or an ERROR frame to this client only.
// Protocol errors end the session; application errors do not.
func (s *Session) reply(frame stomp.Frame, err error) bool {
	receipt := frame.Get(stomp.HeaderReceipt)

	if err == nil {
		if receipt != "" {
			s.enqueue(outgoing{data: stomp.Encode(stomp.NewFrame(stomp.CommandReceipt, nil, stomp.HeaderReceiptID, receipt))})
		}
		return true
	}

	if errors.Is(err, errProtocol) {
		s.fail(err, stomp.HeaderReceiptID, receipt)
		return false
	}

	s.logger.Debug().Err(err).Str("command", frame.Command).Msg("rejected frame")
	kv := []string{stomp.HeaderMessage, err.Error()}
	if receipt != "" {
		kv = append(kv, stomp.HeaderReceiptID, receipt)
	}
	s.enqueue(outgoing{data: stomp.Encode(stomp.NewFrame(stomp.CommandError, nil, kv...))})
	return true
}

func (s *Session) subscribe(frame stomp.Frame) error {
	id, destination := frame.Get(stomp.HeaderID), frame.Get(stomp.HeaderDestination)
	if id == "" || destination == "" {
		return fmt.Errorf("%w: SUBSCRIBE requires id and destination", errProtocol)
	}
	if !strings.HasPrefix(destination, s.cfg.BrokerPrefix) {
		return fmt.Errorf("cannot subscribe to %q: only %s* destinations are broadcast", destination, s.cfg.BrokerPrefix)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[id]; exists {
		return fmt.Errorf("subscription id %q already in use", id)
	}
	if err := s.hub.registry.Subscribe(s.id, destination); err != nil {
		return err
	}
	s.subscriptions[id] = destination

	s.logger.Debug().Str("subscription", id).Str("topic", destination).Msg("subscribed")
	return nil
}

func (s *Session) unsubscribe(frame stomp.Frame) error {
	id := frame.Get(stomp.HeaderID)
	if id == "" {
		return fmt.Errorf("%w: UNSUBSCRIBE requires id", errProtocol)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	topic, exists := s.subscriptions[id]
	if !exists {
		return fmt.Errorf("unknown subscription id %q", id)
	}
	delete(s.subscriptions, id)

	// The registry holds one entry per topic; keep it while another
	// subscription id still points at the same topic.
	for _, other := range s.subscriptions {
		if other == topic {
			return nil
		}
	}
	return s.hub.registry.Unsubscribe(s.id, topic)
}

// subscriptionFor picks the subscription id a MESSAGE for topic is sent
// under. With several ids on one topic the smallest wins, so the client sees
// each message once.
func (s *Session) subscriptionFor(topic string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		chosen string
		found  bool
	)
	for id, t := range s.subscriptions {
		if t == topic && (!found || id < chosen) {
			chosen, found = id, true
		}
	}
	return chosen, found
}

func (s *Session) handleSend(ctx context.Context, frame stomp.Frame) error {
	destination := frame.Get(stomp.HeaderDestination)
	if destination == "" {
		return fmt.Errorf("%w: SEND requires destination", errProtocol)
	}

	if !s.limiter.allow() {
		s.logger.Warn().
			Int("burst", s.cfg.RateLimit.Burst).
			Dur("interval", s.cfg.RateLimit.RefillInterval).
			Msg("rate limit exceeded; discarding message")
		return errRateLimited
	}

	endpoint := destination
	if s.cfg.AppPrefix != "" {
		endpoint = strings.TrimPrefix(destination, s.cfg.AppPrefix)
	}

	result, err := s.hub.relay.Handle(ctx, relay.Inbound{Endpoint: endpoint, Payload: frame.Body})
	if err != nil {
		return err
	}

	s.logger.Debug().
		Str("endpoint", endpoint).
		Str("topic", result.Topic).
		Int("delivered", result.Delivered).
		Msg("message relayed")
	return nil
}

func (s *Session) disconnect(frame stomp.Frame) {
	receipt := frame.Get(stomp.HeaderReceipt)
	if receipt == "" {
		s.Close(errClientDisconnect)
		return
	}

	data := stomp.Encode(stomp.NewFrame(stomp.CommandReceipt, nil, stomp.HeaderReceiptID, receipt))
	if !s.enqueue(outgoing{data: data, closeAfter: errClientDisconnect}) {
		s.Close(errClientDisconnect)
	}
}

// fail reports err to the client in an ERROR frame and closes the session
// once it has been written.
func (s *Session) fail(err error, kv ...string) {
	s.logger.Warn().Err(err).Msg("closing session after error")

	headers := []string{stomp.HeaderMessage, err.Error()}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			headers = append(headers, kv[i], kv[i+1])
		}
	}

	data := stomp.Encode(stomp.NewFrame(stomp.CommandError, nil, headers...))
	if !s.enqueue(outgoing{data: data, closeAfter: err}) {
		s.Close(err)
	}
}

// enqueue adds a frame for this client without blocking. A client whose
// queue is full is not waited for.
func (s *Session) enqueue(msg outgoing) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.send <- msg:
		return true
	default:
		s.logger.Warn().Msg("send queue full; dropping frame")
		return false
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			if err := s.writeFrame(msg.data); err != nil {
				if !isExpectedCloseError(err) {
					s.logger.Warn().Err(err).Msg("error writing frame")
				}
				s.Close(err)
				return
			}
			if msg.closeAfter != nil {
				s.Close(msg.closeAfter)
				return
			}
		case <-ticker.C:
			if err := s.writePing(); err != nil {
				s.logger.Debug().Err(err).Msg("error writing ping")
				s.Close(err)
				return
			}
		}
	}
}

// writeFrame must only be called from the handshake or the write pump.
func (s *Session) writeFrame(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) writePing() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe")
}

func isTimeout(err error) bool {
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}
