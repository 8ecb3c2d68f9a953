package tunnel

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	// BindHost is the interface public tunnel listeners bind to. Empty
	// means all interfaces, matching the control-plane listener.
	BindHost string
	// RequestTimeout overrides the Pending Table deadline (default 30s).
	RequestTimeout time.Duration
	Debug          bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server accepts control-channel connections on one public HTTP port and
// owns every Session's public listener and port map entry.
type Server struct {
	ShutdownHelper

	config         ServerConfig
	httpServer     *HTTPServer
	requestTimeout time.Duration
	bindHost       string

	mu       sync.Mutex
	sessions map[string]*Session
	ports    map[int]string // public_port -> session_id, invariant §3.1
}

// NewServer creates a Server ready to Run.
func NewServer(config ServerConfig) *Server {
	logLevel := LogLevelInfo
	if config.Debug {
		logLevel = LogLevelDebug
	}
	logger := NewLogger("server", logLevel)
	s := &Server{
		config:         config,
		httpServer:     NewHTTPServer(logger),
		requestTimeout: config.RequestTimeout,
		bindHost:       config.BindHost,
		sessions:       make(map[string]*Session),
		ports:          make(map[int]string),
	}
	s.InitShutdownHelper(logger, s)
	return s
}

// Run starts the control-plane listener on addr and blocks until shutdown.
func (s *Server) Run(ctx context.Context, addr string) error {
	err := s.DoOnceActivate(func() error {
		s.ShutdownOnContext(ctx)
		s.ILogf("listening for tunnel clients on %s", addr)
		var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.handleConnect(ctx, w, r)
		})
		if s.GetLogLevel() >= LogLevelDebug {
			handler = requestlog.Wrap(handler)
		}
		return s.httpServer.Bind(ctx, addr, handler)
	}, true)
	if err != nil {
		return err
	}
	return s.httpServer.WaitShutdown()
}

// HandleOnceShutdown tears down every live session and the control listener.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Channel.Close(fmt.Errorf("server shutting down"))
	}
	err := s.httpServer.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

func (s *Server) handleConnect(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/health":
		w.Write([]byte("OK\n"))
		return
	case "/connect":
	default:
		http.NotFound(w, r)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.DLogf("websocket upgrade failed: %s", err)
		return
	}

	session := newSession(s, s.Logger, NewChannel(s.Logger, wsConn))
	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()
	s.AddShutdownChild(session)

	session.ILogf("session connected from %s", r.RemoteAddr)
	session.Run()

	s.mu.Lock()
	delete(s.sessions, session.ID)
	s.mu.Unlock()
}

// bindTunnel attempts to claim publicPort for session and bind its public
// listener. Together with releasePort it is the only code that mutates the
// port map (§5 "Shared resources").
func (s *Server) bindTunnel(session *Session, publicPort int, protocol Protocol) (tunnelListener, string, error) {
	s.mu.Lock()
	if owner, taken := s.ports[publicPort]; taken && owner != session.ID {
		s.mu.Unlock()
		return nil, "", fmt.Errorf("public port %d is already in use", publicPort)
	}
	s.ports[publicPort] = session.ID
	s.mu.Unlock()

	listener, publicURL, err := newTunnelListener(session, s.bindHost, publicPort, protocol, s.Logger)
	if err != nil {
		s.mu.Lock()
		delete(s.ports, publicPort)
		s.mu.Unlock()
		return nil, "", fmt.Errorf("bind public port %d: %w", publicPort, err)
	}
	return listener, publicURL, nil
}

// releasePort frees publicPort if it is still owned by sessionID (a
// session that lost a race to Register never owned the port and must not
// release someone else's).
func (s *Server) releasePort(publicPort int, sessionID string) {
	s.mu.Lock()
	if s.ports[publicPort] == sessionID {
		delete(s.ports, publicPort)
	}
	s.mu.Unlock()
}
