package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/greetrelay/internal/relay"
	"github.com/Tyrowin/greetrelay/internal/stomp"
	"github.com/Tyrowin/greetrelay/internal/testhelpers"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{testhelpers.DefaultOrigin}
	cfg.MaxNameLength = 32
	cfg.HandshakeTimeout = time.Second
	cfg.DeliveryTimeout = 200 * time.Millisecond
	cfg.WriteTimeout = time.Second
	cfg.IdleTimeout = 5 * time.Second
	cfg.RateLimit = RateLimitConfig{Burst: 100, RefillInterval: time.Second}
	return cfg
}

// startTestServer runs a hub behind an httptest server and returns the hub
// and the WebSocket URL. Both are shut down during test cleanup.
func startTestServer(t *testing.T, customize func(*Config)) (*Hub, *httptest.Server, string) {
	t.Helper()
	cfg := testConfig()
	if customize != nil {
		customize(&cfg)
	}
	require.NoError(t, cfg.Validate())

	hub := NewHub(cfg, zerolog.Nop())
	srv := httptest.NewServer(SetupRoutes(hub))
	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
		srv.Close()
	})
	return hub, srv, testhelpers.WebSocketURL(t, srv, "/ws")
}

func waitForConnections(t *testing.T, hub *Hub, n int) {
	t.Helper()
	testhelpers.Eventually(t, 2*time.Second, func() bool {
		return hub.Registry().Len() == n
	}, "registry did not reach expected connection count")
}

// TestHandshake verifies CONNECTED is returned and the session is
// registered only after the handshake.
func TestHandshake(t *testing.T) {
	hub, _, wsURL := startTestServer(t, nil)

	client := testhelpers.NewClient(t, wsURL)
	require.Equal(t, "v12.stomp", client.Conn.Subprotocol())

	// Upgraded but not yet connected: nothing registered.
	require.Zero(t, hub.Registry().Len())

	client.Send(stomp.NewFrame(stomp.CommandConnect, nil, stomp.HeaderAcceptVersion, "1.1,1.2"))
	connected := client.Read()
	require.Equal(t, stomp.CommandConnected, connected.Command)
	require.Equal(t, stomp.Version, connected.Get(stomp.HeaderVersion))
	require.Equal(t, "0,0", connected.Get(stomp.HeaderHeartBeat))

	sessionID := connected.Get(stomp.HeaderSession)
	require.NotEmpty(t, sessionID)
	_, ok := hub.Registry().Get(sessionID)
	require.True(t, ok)
}

func TestHandshake_Failures(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{name: "first frame is not CONNECT", frame: stomp.Encode(stomp.NewFrame(stomp.CommandSend, []byte(`{}`), stomp.HeaderDestination, "/app/hello"))},
		{name: "unsupported version", frame: stomp.Encode(stomp.NewFrame(stomp.CommandConnect, nil, stomp.HeaderAcceptVersion, "1.0,1.1"))},
		{name: "malformed frame", frame: []byte("CONNECT")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub, _, wsURL := startTestServer(t, nil)
			client := testhelpers.NewClient(t, wsURL)

			require.NoError(t, client.SendRaw(tt.frame))
			reply := client.Read()
			require.Equal(t, stomp.CommandError, reply.Command)
			require.NotEmpty(t, reply.Get(stomp.HeaderMessage))

			client.ExpectClosed(2 * time.Second)
			require.Zero(t, hub.Registry().Len(), "failed handshake must leave no connection record")
		})
	}
}

func TestHandshake_Timeout(t *testing.T) {
	hub, _, wsURL := startTestServer(t, func(cfg *Config) {
		cfg.HandshakeTimeout = 100 * time.Millisecond
	})

	client := testhelpers.NewClient(t, wsURL)
	client.ExpectClosed(2 * time.Second)
	require.Zero(t, hub.Registry().Len())
}

// TestGreetingIsEscaped covers the basic scenario: a subscriber receives the
// escaped greeting for a name containing markup.
func TestGreetingIsEscaped(t *testing.T) {
	_, _, wsURL := startTestServer(t, nil)

	subscriber := testhelpers.Connect(t, wsURL)
	subscriber.Subscribe("sub-0", relay.GreetingsTopic)

	sender := testhelpers.Connect(t, wsURL)
	sender.Hello("/app/hello", "<script>")

	msg := subscriber.Read()
	require.Equal(t, stomp.CommandMessage, msg.Command)
	require.Equal(t, relay.GreetingsTopic, msg.Get(stomp.HeaderDestination))
	require.Equal(t, "sub-0", msg.Get(stomp.HeaderSubscription))
	require.NotEmpty(t, msg.Get(stomp.HeaderMessageID))
	require.Equal(t, "application/json", msg.Get(stomp.HeaderContentType))

	var greeting relay.Greeting
	require.NoError(t, json.Unmarshal(msg.Body, &greeting))
	require.Equal(t, "Hello, &lt;script&gt;", greeting.Content)
}

func TestGreetingReachesSenderAndAllSubscribers(t *testing.T) {
	_, _, wsURL := startTestServer(t, nil)

	clients := make([]*testhelpers.Client, 3)
	for i := range clients {
		clients[i] = testhelpers.Connect(t, wsURL)
		clients[i].Subscribe("greetings", relay.GreetingsTopic)
	}
	bystander := testhelpers.Connect(t, wsURL)
	bystander.Subscribe("other", "/topic/other")

	// Both the prefixed and the bare endpoint route to /hello.
	clients[0].Hello("/app/hello", "Ada")
	for _, c := range clients {
		require.Equal(t, "Hello, Ada", c.ExpectGreeting())
	}

	clients[1].Hello("/hello", "Grace")
	for _, c := range clients {
		require.Equal(t, "Hello, Grace", c.ExpectGreeting())
	}

	bystander.ExpectNoFrame(200 * time.Millisecond)
}

func TestPayloadTooLarge(t *testing.T) {
	_, _, wsURL := startTestServer(t, nil)

	subscriber := testhelpers.Connect(t, wsURL)
	subscriber.Subscribe("sub-0", relay.GreetingsTopic)

	sender := testhelpers.Connect(t, wsURL)
	sender.Hello("/app/hello", strings.Repeat("x", 33), stomp.HeaderReceipt, "r-1")

	reply := sender.Read()
	require.Equal(t, stomp.CommandError, reply.Command)
	require.Contains(t, reply.Get(stomp.HeaderMessage), relay.ErrPayloadTooLarge.Error())
	require.Equal(t, "r-1", reply.Get(stomp.HeaderReceiptID))

	// The error is not fatal to the sender.
	sender.Hello("/app/hello", "ok", stomp.HeaderReceipt, "r-2")
	sender.ExpectReceipt("r-2")

	require.Equal(t, "Hello, ok", subscriber.ExpectGreeting(), "the oversized message is never delivered")
	subscriber.ExpectNoFrame(200 * time.Millisecond)
}

func TestApplicationErrorsStayWithTheSender(t *testing.T) {
	tests := []struct {
		name    string
		frame   stomp.Frame
		message string
	}{
		{
			name:    "unknown endpoint",
			frame:   stomp.NewFrame(stomp.CommandSend, []byte(`{"name":"x"}`), stomp.HeaderDestination, "/app/goodbye"),
			message: relay.ErrUnknownEndpoint.Error(),
		},
		{
			name:    "invalid payload",
			frame:   stomp.NewFrame(stomp.CommandSend, []byte(`not json`), stomp.HeaderDestination, "/app/hello"),
			message: relay.ErrInvalidPayload.Error(),
		},
		{
			name:    "publishing straight to a topic",
			frame:   stomp.NewFrame(stomp.CommandSend, []byte(`{"content":"<b>"}`), stomp.HeaderDestination, relay.GreetingsTopic),
			message: relay.ErrUnknownEndpoint.Error(),
		},
		{
			name:    "subscribing outside the broker prefix",
			frame:   stomp.NewFrame(stomp.CommandSubscribe, nil, stomp.HeaderID, "s", stomp.HeaderDestination, "/app/hello"),
			message: "cannot subscribe",
		},
		{
			name:    "unsubscribing an unknown id",
			frame:   stomp.NewFrame(stomp.CommandUnsubscribe, nil, stomp.HeaderID, "nope"),
			message: "unknown subscription",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, wsURL := startTestServer(t, nil)

			observer := testhelpers.Connect(t, wsURL)
			observer.Subscribe("sub-0", relay.GreetingsTopic)

			sender := testhelpers.Connect(t, wsURL)
			sender.Send(tt.frame)

			reply := sender.Read()
			require.Equal(t, stomp.CommandError, reply.Command)
			require.Contains(t, reply.Get(stomp.HeaderMessage), tt.message)

			// The session survives and keeps working.
			sender.Subscribe("sub-1", relay.GreetingsTopic)

			observer.ExpectNoFrame(200 * time.Millisecond)
		})
	}
}

func TestProtocolErrorsCloseTheSession(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "malformed frame", raw: []byte("SEND\ndestination:/app/hello\n\nno terminator")},
		{name: "unsupported command", raw: stomp.Encode(stomp.NewFrame("ACK", nil, stomp.HeaderID, "1"))},
		{name: "second CONNECT", raw: stomp.Encode(stomp.NewFrame(stomp.CommandConnect, nil))},
		{name: "SUBSCRIBE without id", raw: stomp.Encode(stomp.NewFrame(stomp.CommandSubscribe, nil, stomp.HeaderDestination, relay.GreetingsTopic))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub, _, wsURL := startTestServer(t, nil)

			client := testhelpers.Connect(t, wsURL)
			waitForConnections(t, hub, 1)

			require.NoError(t, client.SendRaw(tt.raw))
			reply := client.Read()
			require.Equal(t, stomp.CommandError, reply.Command)

			client.ExpectClosed(2 * time.Second)
			waitForConnections(t, hub, 0)
		})
	}
}

func TestSubscribeTwiceToOneTopicDeliversOnce(t *testing.T) {
	hub, _, wsURL := startTestServer(t, nil)

	client := testhelpers.Connect(t, wsURL)
	client.Subscribe("b", relay.GreetingsTopic)
	client.Subscribe("a", relay.GreetingsTopic)
	require.Len(t, hub.Registry().SubscribersOf(relay.GreetingsTopic), 1)

	client.Hello("/app/hello", "Ada")
	msg := client.Read()
	require.Equal(t, stomp.CommandMessage, msg.Command)
	require.Equal(t, "a", msg.Get(stomp.HeaderSubscription))

	// Dropping one of the two ids keeps the topic subscribed.
	client.Send(stomp.NewFrame(stomp.CommandUnsubscribe, nil, stomp.HeaderID, "a", stomp.HeaderReceipt, "u-a"))
	client.ExpectReceipt("u-a")
	require.Len(t, hub.Registry().SubscribersOf(relay.GreetingsTopic), 1)

	client.Hello("/app/hello", "Grace")
	msg = client.Read()
	require.Equal(t, "b", msg.Get(stomp.HeaderSubscription))

	client.Send(stomp.NewFrame(stomp.CommandUnsubscribe, nil, stomp.HeaderID, "b", stomp.HeaderReceipt, "u-b"))
	client.ExpectReceipt("u-b")
	require.Empty(t, hub.Registry().SubscribersOf(relay.GreetingsTopic))

	client.Hello("/app/hello", "Linus")
	client.ExpectNoFrame(200 * time.Millisecond)
}

// TestDisconnectRemovesSubscriptions covers the scenario where a subscriber
// leaves: later messages reach nobody and raise no error.
func TestDisconnectRemovesSubscriptions(t *testing.T) {
	hub, _, wsURL := startTestServer(t, nil)

	leaving := testhelpers.Connect(t, wsURL)
	leaving.Subscribe("sub-0", relay.GreetingsTopic)
	waitForConnections(t, hub, 1)

	leaving.Send(stomp.NewFrame(stomp.CommandDisconnect, nil, stomp.HeaderReceipt, "bye"))
	leaving.ExpectReceipt("bye")
	leaving.ExpectClosed(2 * time.Second)
	waitForConnections(t, hub, 0)
	require.Empty(t, hub.Registry().SubscribersOf(relay.GreetingsTopic))
	require.Empty(t, hub.Registry().Topics())

	sender := testhelpers.Connect(t, wsURL)
	sender.Hello("/app/hello", "anyone?", stomp.HeaderReceipt, "r-1")
	sender.ExpectReceipt("r-1")
}

func TestTransportCloseUnregisters(t *testing.T) {
	hub, _, wsURL := startTestServer(t, nil)

	client := testhelpers.Connect(t, wsURL)
	client.Subscribe("sub-0", relay.GreetingsTopic)
	waitForConnections(t, hub, 1)

	client.Close()
	waitForConnections(t, hub, 0)
	require.Empty(t, hub.Registry().Topics())
}

func TestIdleTimeoutClosesSession(t *testing.T) {
	hub, _, wsURL := startTestServer(t, func(cfg *Config) {
		cfg.IdleTimeout = 150 * time.Millisecond
	})

	// The gorilla client answers pings only while reading, so a client that
	// never reads looks idle to the server.
	testhelpers.Connect(t, wsURL)
	waitForConnections(t, hub, 1)

	waitForConnections(t, hub, 0)
}

func TestRateLimit(t *testing.T) {
	_, _, wsURL := startTestServer(t, func(cfg *Config) {
		cfg.RateLimit = RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	})

	client := testhelpers.Connect(t, wsURL)
	for i := range 2 {
		receipt := fmt.Sprintf("r-%d", i)
		client.Hello("/app/hello", "Ada", stomp.HeaderReceipt, receipt)
		client.ExpectReceipt(receipt)
	}

	client.Hello("/app/hello", "Ada", stomp.HeaderReceipt, "r-2")
	reply := client.Read()
	require.Equal(t, stomp.CommandError, reply.Command)
	require.Contains(t, reply.Get(stomp.HeaderMessage), "rate limit")
}

func TestMessageSizeLimitClosesSession(t *testing.T) {
	hub, _, wsURL := startTestServer(t, func(cfg *Config) {
		cfg.MaxMessageSize = 128
	})

	client := testhelpers.Connect(t, wsURL)
	waitForConnections(t, hub, 1)

	client.Hello("/app/hello", strings.Repeat("x", 256))
	err := client.ExpectClosed(2 * time.Second)
	require.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "got %v", err)
	waitForConnections(t, hub, 0)
}

func TestOriginRejected(t *testing.T) {
	_, _, wsURL := startTestServer(t, nil)

	_, resp, err := testhelpers.Dial(wsURL, "http://evil.example")
	require.Error(t, err)
	require.NotNil(t, resp)
	testhelpers.AssertStatusCode(t, resp, http.StatusForbidden)
}

func TestServeWS_MethodNotAllowed(t *testing.T) {
	_, srv, _ := startTestServer(t, nil)

	resp, err := http.Post(srv.URL+"/ws", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	testhelpers.AssertStatusCode(t, resp, http.StatusMethodNotAllowed)
}

func TestServeWS_PlainGET(t *testing.T) {
	_, srv, _ := startTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	testhelpers.AssertStatusCode(t, resp, http.StatusBadRequest)
}

func TestShutdownClosesSessions(t *testing.T) {
	hub, _, wsURL := startTestServer(t, nil)

	clients := []*testhelpers.Client{
		testhelpers.Connect(t, wsURL),
		testhelpers.Connect(t, wsURL),
	}
	clients[0].Subscribe("sub-0", relay.GreetingsTopic)
	waitForConnections(t, hub, 2)

	require.NoError(t, hub.Shutdown(2*time.Second))
	require.Zero(t, hub.Registry().Len())

	for _, c := range clients {
		err := c.ExpectClosed(2 * time.Second)
		require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	}

	// Connections arriving after shutdown are turned away.
	late := testhelpers.NewClient(t, wsURL)
	late.ExpectClosed(2 * time.Second)
	require.Zero(t, hub.Registry().Len())
}

func TestConcurrentClients(t *testing.T) {
	hub, _, wsURL := startTestServer(t, nil)

	const numClients = 10
	clients := make([]*testhelpers.Client, numClients)
	for i := range clients {
		clients[i] = testhelpers.Connect(t, wsURL)
		clients[i].Subscribe("sub-0", relay.GreetingsTopic)
	}
	waitForConnections(t, hub, numClients)

	errs := make(chan error, numClients)
	for i, c := range clients {
		go func() {
			body, _ := json.Marshal(relay.HelloMessage{Name: fmt.Sprintf("client-%d", i)})
			errs <- c.SendRaw(stomp.Encode(stomp.NewFrame(stomp.CommandSend, body, stomp.HeaderDestination, "/app/hello")))
		}()
	}
	for range numClients {
		require.NoError(t, <-errs)
	}

	want := make(map[string]bool, numClients)
	for i := range numClients {
		want[fmt.Sprintf("Hello, client-%d", i)] = true
	}
	for i, c := range clients {
		got := make(map[string]bool, numClients)
		for range numClients {
			got[c.ExpectGreeting()] = true
		}
		require.Equal(t, want, got, "client %d", i)
	}
}
