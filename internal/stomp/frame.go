// Package stomp implements the subset of STOMP 1.2 framing spoken over the
// relay's WebSocket connections: one frame per WebSocket text message.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Client and server commands.
const (
	CommandConnect     = "CONNECT"
	CommandStomp       = "STOMP"
	CommandSend        = "SEND"
	CommandSubscribe   = "SUBSCRIBE"
	CommandUnsubscribe = "UNSUBSCRIBE"
	CommandDisconnect  = "DISCONNECT"

	CommandConnected = "CONNECTED"
	CommandMessage   = "MESSAGE"
	CommandReceipt   = "RECEIPT"
	CommandError     = "ERROR"
)

// Well-known headers.
const (
	HeaderAcceptVersion = "accept-version"
	HeaderVersion       = "version"
	HeaderHeartBeat     = "heart-beat"
	HeaderSession       = "session"
	HeaderServer        = "server"
	HeaderDestination   = "destination"
	HeaderID            = "id"
	HeaderSubscription  = "subscription"
	HeaderMessageID     = "message-id"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderContentType   = "content-type"
	HeaderContentLength = "content-length"
	HeaderMessage       = "message"
)

// Version is the only protocol version negotiated.
const Version = "1.2"

var ErrMalformedFrame = errors.New("malformed frame")

// Header holds frame headers. When a header repeats on the wire only the
// first value is kept.
type Header map[string]string

// Frame is a single STOMP frame.
type Frame struct {
	Command string
	Header  Header
	Body    []byte
}

// NewFrame builds a frame from alternating header keys and values.
func NewFrame(command string, body []byte, kv ...string) Frame {
	header := make(Header, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		header[kv[i]] = kv[i+1]
	}
	return Frame{Command: command, Header: header, Body: body}
}

// Get returns the value of a header or the empty string.
func (f Frame) Get(key string) string {
	if f.Header == nil {
		return ""
	}
	return f.Header[key]
}

// IsHeartbeat reports whether the frame is an empty keep-alive.
func (f Frame) IsHeartbeat() bool {
	return f.Command == ""
}

// escapesHeaders reports whether header values of the command use the
// backslash escapes. CONNECT and CONNECTED are exempt for 1.0 compatibility.
func escapesHeaders(command string) bool {
	return command != CommandConnect && command != CommandConnected
}

var (
	headerEscaper = strings.NewReplacer(`\`, `\\`, "\r", `\r`, "\n", `\n`, ":", `\c`)
)

// Encode serializes the frame. A content-length header is added whenever
// the frame has a body.
func Encode(f Frame) []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')

	keys := make([]string, 0, len(f.Header))
	for k := range f.Header {
		if k == HeaderContentLength {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	escape := escapesHeaders(f.Command)
	for _, k := range keys {
		v := f.Header[k]
		if escape {
			k, v = headerEscaper.Replace(k), headerEscaper.Replace(v)
		}
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		buf.WriteString(HeaderContentLength)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}

	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// Parse decodes a single frame. Input consisting only of end-of-line bytes
// is a heart-beat and yields a Frame with an empty Command.
func Parse(data []byte) (Frame, error) {
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return Frame{}, nil
	}

	command, rest, ok := cutLine(data)
	if !ok || command == "" {
		return Frame{}, fmt.Errorf("%w: missing command line", ErrMalformedFrame)
	}

	frame := Frame{Command: command, Header: make(Header)}
	escape := escapesHeaders(command)

	for {
		var line string
		line, rest, ok = cutLine(rest)
		if !ok {
			return Frame{}, fmt.Errorf("%w: unterminated headers", ErrMalformedFrame)
		}
		if line == "" {
			break
		}

		key, value, found := strings.Cut(line, ":")
		if !found {
			return Frame{}, fmt.Errorf("%w: header line %q has no colon", ErrMalformedFrame, line)
		}
		if escape {
			var err error
			if key, err = unescape(key); err != nil {
				return Frame{}, err
			}
			if value, err = unescape(value); err != nil {
				return Frame{}, err
			}
		}
		if _, seen := frame.Header[key]; !seen {
			frame.Header[key] = value
		}
	}

	body, err := readBody(rest, frame.Header[HeaderContentLength])
	if err != nil {
		return Frame{}, err
	}
	frame.Body = body
	return frame, nil
}

func readBody(rest []byte, contentLength string) ([]byte, error) {
	if contentLength != "" {
		n, err := strconv.Atoi(contentLength)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad content-length %q", ErrMalformedFrame, contentLength)
		}
		if len(rest) < n+1 || rest[n] != 0 {
			return nil, fmt.Errorf("%w: body shorter than content-length %d", ErrMalformedFrame, n)
		}
		return rest[:n], nil
	}

	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return nil, fmt.Errorf("%w: missing NUL terminator", ErrMalformedFrame)
	}
	return rest[:end], nil
}

// cutLine splits off one line terminated by LF or CRLF.
func cutLine(data []byte) (string, []byte, bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return "", data, false
	}
	line := data[:i]
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return string(line), data[i+1:], true
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 == len(s) {
			return "", fmt.Errorf("%w: dangling escape in %q", ErrMalformedFrame, s)
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		default:
			return "", fmt.Errorf("%w: undefined escape \\%c", ErrMalformedFrame, s[i])
		}
	}
	return b.String(), nil
}
