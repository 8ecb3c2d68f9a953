package tunnel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Server        string // host:port of the server's control-plane listener
	LocalPort     int
	PublicPort    int
	Protocol      Protocol
	Debug         bool
	Backoff       time.Duration // fixed reconnect back-off, default 5s per §4.8
	MaxRetryCount int           // <0 means unlimited; zero value also defaults to unlimited, see NewClient
}

// Client maintains the control channel to a Server and relays tunneled
// traffic to the local origin (C8 supervision/reconnect + C6 wiring).
type Client struct {
	ShutdownHelper

	config  ClientConfig
	dialURL string
}

// NewClient validates config and prepares a Client ready to Run.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Backoff <= 0 {
		config.Backoff = 5 * time.Second
	}
	if config.MaxRetryCount == 0 {
		config.MaxRetryCount = -1
	}
	if _, err := ParseProtocol(string(config.Protocol)); err != nil {
		return nil, err
	}

	logLevel := LogLevelInfo
	if config.Debug {
		logLevel = LogLevelDebug
	}
	logger := NewLogger("client", logLevel)

	server := config.Server
	if !strings.HasPrefix(server, "http") {
		server = "http://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", config.Server, err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/connect"

	c := &Client{config: config, dialURL: u.String()}
	c.InitShutdownHelper(logger, c)
	return c, nil
}

// Run dials, registers, and relays traffic until the context is cancelled
// or shutdown is otherwise triggered. It blocks.
func (c *Client) Run(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.ShutdownOnContext(ctx)
	go c.connectionLoop(subCtx)
	return c.WaitShutdown()
}

// HandleOnceShutdown satisfies OnceShutdownHandler; the connection loop
// checks IsStartedShutdown before each connection attempt and exits on its own.
func (c *Client) HandleOnceShutdown(completionErr error) error {
	return completionErr
}

func (c *Client) connectionLoop(ctx context.Context) {
	b := &backoff.Backoff{Max: c.config.Backoff, Min: c.config.Backoff}
	attempt := 0
	for !c.IsStartedShutdown() {
		channel, err := c.dialAndRegister(ctx)
		if err != nil {
			attempt++
			if c.config.MaxRetryCount >= 0 && attempt > c.config.MaxRetryCount {
				c.Shutdown(err)
				return
			}
			d := b.Duration()
			c.WLogf("connection failed: %s; retrying in %s", err, d)
			select {
			case <-ctx.Done():
				c.Shutdown(ctx.Err())
				return
			case <-time.After(d):
			}
			continue
		}
		b.Reset()
		attempt = 0
		c.ILogf("tunnel registered, relaying traffic")
		c.relay(channel)
		c.ILogf("disconnected; will reconnect")
	}
}

// dialAndRegister opens the WebSocket control channel and replays
// registration with the client's configured parameters. It blocks until
// the server answers Registered or Error (or the dial itself fails).
func (c *Client) dialAndRegister(ctx context.Context) (*Channel, error) {
	d := websocket.Dialer{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 30 * time.Second,
	}
	wsConn, _, err := d.DialContext(ctx, c.dialURL, http.Header{})
	if err != nil {
		return nil, err
	}

	channel := NewChannel(c.Logger, wsConn)

	err = channel.Send(&Frame{
		Type: FrameTypeRegister,
		Register: &RegisterPayload{
			LocalPort:  c.config.LocalPort,
			PublicPort: c.config.PublicPort,
			Protocol:   c.config.Protocol,
		},
	})
	if err != nil {
		channel.Close(err)
		return nil, err
	}

	select {
	case f, ok := <-channel.Receive():
		if !ok {
			channel.Close(nil)
			return nil, fmt.Errorf("control channel closed before registration reply")
		}
		switch f.Type {
		case FrameTypeRegistered:
			c.ILogf("registered: %s", f.Registered.PublicURL)
			return channel, nil
		case FrameTypeError:
			channel.Close(nil)
			return nil, fmt.Errorf("registration rejected: %s", f.Error.Message)
		default:
			channel.Close(nil)
			return nil, fmt.Errorf("unexpected frame %q while awaiting registration reply", f.Type)
		}
	case <-ctx.Done():
		channel.Close(ctx.Err())
		return nil, ctx.Err()
	}
}

// relay drives the Origin Dispatcher against an established, registered
// channel until it closes.
func (c *Client) relay(channel *Channel) {
	dispatcher := NewDispatcher(c.Logger, channel, c.config.LocalPort)
	for {
		select {
		case f, ok := <-channel.Receive():
			if !ok {
				return
			}
			dispatcher.HandleFrame(f)
		case <-channel.Done():
			return
		}
	}
}
