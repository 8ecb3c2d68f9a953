package tunnel

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/jpillora/requestlog"
	"github.com/jpillora/sizestr"
)

// tunnelListener is the handle a Session keeps on its public listener (C4).
// Exactly one kind (HTTP or TCP) is live per registered tunnel.
type tunnelListener interface {
	Stop()
}

// newTunnelListener binds the public listener for a newly registered tunnel
// and returns its handle plus the public URL to report back to the client.
func newTunnelListener(session *Session, bindHost string, publicPort int, protocol Protocol, logger Logger) (tunnelListener, string, error) {
	addr := fmt.Sprintf("%s:%d", bindHost, publicPort)
	switch protocol {
	case ProtocolHTTP:
		l, err := newHTTPTunnelListener(session, addr, logger)
		if err != nil {
			return nil, "", err
		}
		return l, fmt.Sprintf("http://%s:%d", displayHost(bindHost), publicPort), nil
	case ProtocolTCP:
		l, err := newTCPTunnelListener(session, addr, logger)
		if err != nil {
			return nil, "", err
		}
		return l, fmt.Sprintf("tcp://%s:%d", displayHost(bindHost), publicPort), nil
	default:
		return nil, "", fmt.Errorf("unsupported protocol %q", protocol)
	}
}

func displayHost(bindHost string) string {
	if bindHost == "" || bindHost == "0.0.0.0" || bindHost == "::" {
		return "<server>"
	}
	return bindHost
}

// httpTunnelListener owns one HTTPServer bound to a tunnel's public_port.
type httpTunnelListener struct {
	srv *HTTPServer
}

func newHTTPTunnelListener(session *Session, addr string, logger Logger) (*httpTunnelListener, error) {
	srv := NewHTTPServer(logger.Fork("http-listener[%s]", addr))
	handler := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dispatchHTTP(session, w, r)
	}))
	if logger.GetLogLevel() >= LogLevelDebug {
		handler = requestlog.Wrap(handler)
	}

	if err := srv.Bind(context.Background(), addr, handler); err != nil {
		return nil, err
	}
	return &httpTunnelListener{srv: srv}, nil
}

func (l *httpTunnelListener) Stop() {
	l.srv.Close()
}

// tcpTunnelListener owns a raw net.Listener bound to a tunnel's public_port.
type tcpTunnelListener struct {
	ShutdownHelper
	ln net.Listener
}

func newTCPTunnelListener(session *Session, addr string, logger Logger) (*tcpTunnelListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &tcpTunnelListener{ln: ln}
	l.InitShutdownHelper(logger.Fork("tcp-listener[%s]", addr), l)
	go l.acceptLoop(session)
	return l, nil
}

func (l *tcpTunnelListener) acceptLoop(session *Session) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		socketID := conn.RemoteAddr().String()
		session.Sockets.add(socketID, conn)
		session.ConnStats().New()
		session.ConnStats().Open()
		l.DLogf("%v: %s accepted", session.ConnStats(), socketID)
		go l.readLoop(session, socketID, conn)
	}
}

func (l *tcpTunnelListener) readLoop(session *Session, socketID string, conn net.Conn) {
	buf := make([]byte, 32*1024)
	var total int64
	defer func() {
		session.Sockets.remove(socketID)
		session.ConnStats().Close()
		conn.Close()
		l.DLogf("%v: %s closed (forwarded %s)", session.ConnStats(), socketID, sizestr.ToString(total))
	}()
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			total += int64(n)
			data := make([]byte, n)
			copy(data, buf[:n])
			sendErr := session.Channel.Send(&Frame{
				Type: FrameTypeTCPData,
				TCPData: &TCPDataPayload{
					RequestID: NewID(),
					SocketID:  socketID,
					Data:      data,
				},
			})
			if sendErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// HandleOnceShutdown satisfies OnceShutdownHandler.
func (l *tcpTunnelListener) HandleOnceShutdown(completionErr error) error {
	l.ln.Close()
	return completionErr
}

func (l *tcpTunnelListener) Stop() {
	l.Close()
}
