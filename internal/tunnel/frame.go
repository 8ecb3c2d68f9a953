package tunnel

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Protocol identifies which public surface a tunnel exposes.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolTCP  Protocol = "tcp"
)

// ParseProtocol validates a protocol string from the wire or CLI.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(s) {
	case ProtocolHTTP:
		return ProtocolHTTP, nil
	case ProtocolTCP:
		return ProtocolTCP, nil
	default:
		return "", fmt.Errorf("unknown protocol %q (want %q or %q)", s, ProtocolHTTP, ProtocolTCP)
	}
}

// FrameType is the discriminant of a Frame.
type FrameType string

const (
	FrameTypeRegister     FrameType = "register"
	FrameTypeRegistered   FrameType = "registered"
	FrameTypeError        FrameType = "error"
	FrameTypeHTTPRequest  FrameType = "http_request"
	FrameTypeHTTPResponse FrameType = "http_response"
	FrameTypeTCPData      FrameType = "tcp_data"
	FrameTypeTCPResponse  FrameType = "tcp_response"
)

// Header is an ordered, case-insensitively-keyed multi-value header map.
// Preserving multiple values per name (instead of folding to
// last-value-wins) keeps Set-Cookie and friends intact across the tunnel;
// see SPEC_FULL.md "Header folding".
type Header map[string][]string

// NewHeaderFromNet canonicalizes a net/http.Header into a Header, preserving
// value order and multiplicity.
func NewHeaderFromNet(h http.Header) Header {
	out := make(Header, len(h))
	for k, v := range h {
		out[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	return out
}

// ToNet converts back to a net/http.Header for use with net/http APIs.
func (h Header) ToNet() http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	return out
}

// Get returns the first value for name, or "" if absent.
func (h Header) Get(name string) string {
	v := h[http.CanonicalHeaderKey(name)]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// RegisterPayload is the client->server Register frame body.
type RegisterPayload struct {
	LocalPort  int      `json:"local_port"`
	PublicPort int      `json:"public_port"`
	Protocol   Protocol `json:"protocol"`
}

// RegisteredPayload is the server->client acknowledgement of a successful Register.
type RegisteredPayload struct {
	SessionID  string   `json:"session_id"`
	LocalPort  int      `json:"local_port"`
	PublicPort int      `json:"public_port"`
	Protocol   Protocol `json:"protocol"`
	PublicURL  string   `json:"public_url"`
}

// ErrorPayload carries a fatal-to-the-operation error message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// HTTPRequestPayload is a server->client HttpRequest frame.
type HTTPRequestPayload struct {
	RequestID    string `json:"request_id"`
	Method       string `json:"method"`
	PathAndQuery string `json:"path_and_query"`
	Headers      Header `json:"headers"`
	Body         []byte `json:"body,omitempty"`
}

// HTTPResponsePayload is a client->server HttpResponse frame.
type HTTPResponsePayload struct {
	RequestID string `json:"request_id"`
	Status    int    `json:"status"`
	Headers   Header `json:"headers"`
	Body      []byte `json:"body,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TCPDataPayload is a server->client TcpData frame.
type TCPDataPayload struct {
	RequestID string `json:"request_id"`
	SocketID  string `json:"socket_id"`
	Data      []byte `json:"data"`
}

// TCPResponsePayload is a client->server TcpResponse frame.
type TCPResponsePayload struct {
	RequestID string `json:"request_id"`
	SocketID  string `json:"socket_id"`
	Data      []byte `json:"data"`
}

// Frame is the discriminated record carried on the Control Channel. Exactly
// one payload field is set, selected by Type.
type Frame struct {
	Type FrameType `json:"type"`

	Register     *RegisterPayload     `json:"register,omitempty"`
	Registered   *RegisteredPayload   `json:"registered,omitempty"`
	Error        *ErrorPayload        `json:"error,omitempty"`
	HTTPRequest  *HTTPRequestPayload  `json:"http_request,omitempty"`
	HTTPResponse *HTTPResponsePayload `json:"http_response,omitempty"`
	TCPData      *TCPDataPayload      `json:"tcp_data,omitempty"`
	TCPResponse  *TCPResponsePayload  `json:"tcp_response,omitempty"`
}

// EncodeFrame marshals a Frame to its wire form for a single WebSocket text message.
func EncodeFrame(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame unmarshals a single WebSocket message into a Frame.
func DecodeFrame(b []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(b, f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func newErrorFrame(format string, args ...interface{}) *Frame {
	return &Frame{
		Type:  FrameTypeError,
		Error: &ErrorPayload{Message: fmt.Sprintf(format, args...)},
	}
}
