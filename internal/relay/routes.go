package relay

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Tyrowin/greetrelay/internal/sanitize"
)

const (
	HelloEndpoint  = "/hello"
	GreetingsTopic = "/topic/greetings"
)

// HelloMessage is the payload accepted on the hello endpoint.
type HelloMessage struct {
	Name string `json:"name"`
}

// Greeting is the payload published to the greetings topic.
type Greeting struct {
	Content string `json:"content"`
}

// Greet builds the greeting for an untrusted name. The name is escaped here
// and nowhere else.
func Greet(name string) Greeting {
	return Greeting{Content: "Hello, " + sanitize.Escape(name)}
}

// TransformFunc turns an inbound payload into the payload published to a
// route's topic.
type TransformFunc func(payload []byte) ([]byte, error)

// Route statically binds an application endpoint to a destination topic.
type Route struct {
	Endpoint  string
	Topic     string
	Transform TransformFunc
}

// GreetingRoute maps /hello to /topic/greetings. Names longer than
// maxNameLength bytes are rejected with ErrPayloadTooLarge; a non-positive
// limit disables the check.
func GreetingRoute(maxNameLength int) Route {
	return Route{
		Endpoint: HelloEndpoint,
		Topic:    GreetingsTopic,
		Transform: func(payload []byte) ([]byte, error) {
			var msg HelloMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
			}
			if maxNameLength > 0 && len(msg.Name) > maxNameLength {
				return nil, fmt.Errorf("%w: name is %d bytes, limit is %d", ErrPayloadTooLarge, len(msg.Name), maxNameLength)
			}
			return encodeJSON(Greet(msg.Name))
		},
	}
}

// DefaultRoutes returns the application's route table.
func DefaultRoutes(maxNameLength int) []Route {
	return []Route{GreetingRoute(maxNameLength)}
}

// encodeJSON marshals v without the < style escaping of encoding/json;
// the content is already entity-encoded.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
