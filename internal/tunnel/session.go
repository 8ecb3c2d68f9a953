package tunnel

import (
	"sync"
)

// SessionState is the Registration state machine (C7) in SPEC_FULL.md.
type SessionState int

const (
	StateConnected SessionState = iota
	StateRegistering
	StateRegistered
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Tunnel is the registered (local_port, public_port, protocol) binding for
// one Session, set exactly once on success.
type Tunnel struct {
	LocalPort  int
	PublicPort int
	Protocol   Protocol
}

// Session is everything owned by one live control channel: its Channel, its
// Pending Table, its TCP socket registry, and (once registered) its tunnel
// and public listener handle.
type Session struct {
	ShutdownHelper

	ID      string
	Channel *Channel
	Pending *PendingTable
	Sockets *socketRegistry
	stats   ConnStats

	server *Server

	mu       sync.Mutex
	state    SessionState
	tunnel   *Tunnel
	listener tunnelListener
}

// ConnStats returns the session's TCP connection counters (opened/total),
// used by the TCP tunnel listener for accounting and by log lines modeled
// on the teacher's HandleTCPStream summary.
func (s *Session) ConnStats() *ConnStats {
	return &s.stats
}

// newSession wraps an accepted Channel as a new Connected Session.
func newSession(server *Server, logger Logger, ch *Channel) *Session {
	id := NewID()
	s := &Session{
		ID:      id,
		Channel: ch,
		Pending: NewPendingTable(server.requestTimeout),
		Sockets: newSocketRegistry(),
		server:  server,
		state:   StateConnected,
	}
	s.InitShutdownHelper(logger.Fork("session[%s]", id), s)
	return s
}

// Run dispatches inbound frames until the Channel closes. It blocks.
func (s *Session) Run() {
	for {
		select {
		case f, ok := <-s.Channel.Receive():
			if !ok {
				s.teardown()
				return
			}
			s.handleFrame(f)
		case <-s.Channel.Done():
			s.teardown()
			return
		}
	}
}

func (s *Session) handleFrame(f *Frame) {
	switch f.Type {
	case FrameTypeRegister:
		if f.Register != nil {
			s.handleRegister(f.Register)
		}
	case FrameTypeHTTPResponse:
		if f.HTTPResponse != nil {
			s.Pending.Complete(f.HTTPResponse.RequestID, f.HTTPResponse)
		}
	case FrameTypeTCPResponse:
		if f.TCPResponse != nil {
			s.handleTCPResponse(f.TCPResponse)
		}
	default:
		s.DLogf("ignoring unsupported inbound frame type %q", f.Type)
	}
}

func (s *Session) handleTCPResponse(p *TCPResponsePayload) {
	conn, ok := s.Sockets.get(p.SocketID)
	if !ok {
		s.DLogf("dropping tcp_response for unknown socket_id %q", p.SocketID)
		return
	}
	if _, err := conn.Write(p.Data); err != nil {
		s.DLogf("write to public socket %q failed: %s", p.SocketID, err)
	}
}

func (s *Session) handleRegister(req *RegisterPayload) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		s.Channel.Send(newErrorFrame("session already registered; re-registration is not permitted"))
		return
	}
	s.state = StateRegistering
	s.mu.Unlock()

	protocol, err := ParseProtocol(string(req.Protocol))
	if err != nil {
		s.rejectRegister(err)
		return
	}

	listener, publicURL, err := s.server.bindTunnel(s, req.PublicPort, protocol)
	if err != nil {
		s.rejectRegister(err)
		return
	}

	s.mu.Lock()
	s.state = StateRegistered
	s.tunnel = &Tunnel{LocalPort: req.LocalPort, PublicPort: req.PublicPort, Protocol: protocol}
	s.listener = listener
	s.mu.Unlock()

	s.ILogf("registered tunnel local=%d public=%d protocol=%s", req.LocalPort, req.PublicPort, protocol)
	s.Channel.Send(&Frame{
		Type: FrameTypeRegistered,
		Registered: &RegisteredPayload{
			SessionID:  s.ID,
			LocalPort:  req.LocalPort,
			PublicPort: req.PublicPort,
			Protocol:   protocol,
			PublicURL:  publicURL,
		},
	})
}

func (s *Session) rejectRegister(err error) {
	s.mu.Lock()
	s.state = StateConnected
	s.mu.Unlock()
	s.WLogf("registration rejected: %s", err)
	s.Channel.Send(newErrorFrame("%s", err))
}

// GetTunnel returns the registered tunnel, or nil if not yet registered.
func (s *Session) GetTunnel() *Tunnel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tunnel
}

func (s *Session) teardown() {
	s.mu.Lock()
	already := s.state == StateClosed
	s.state = StateClosed
	tunnel := s.tunnel
	listener := s.listener
	s.mu.Unlock()
	if already {
		return
	}
	s.ILogf("session closed, draining pending requests")
	s.Pending.Drain("session closed")
	s.Sockets.closeAll()
	if listener != nil {
		listener.Stop()
	}
	if tunnel != nil {
		s.server.releasePort(tunnel.PublicPort, s.ID)
	}
	s.Shutdown(nil)
}

// HandleOnceShutdown satisfies OnceShutdownHandler.
func (s *Session) HandleOnceShutdown(completionErr error) error {
	s.Channel.Close(completionErr)
	return completionErr
}
