package tunnel

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/jpillora/sizestr"
)

// Dispatcher is the client-side Origin Dispatcher (C6): it consumes
// inbound request frames and drives real I/O against localhost:LocalPort,
// emitting reply frames on Channel.
type Dispatcher struct {
	Logger    Logger
	Channel   *Channel
	LocalPort int

	httpClient *http.Client

	mu       sync.Mutex
	tcpConns map[string]net.Conn
}

// NewDispatcher creates a Dispatcher bound to one Channel and local port.
func NewDispatcher(logger Logger, channel *Channel, localPort int) *Dispatcher {
	return &Dispatcher{
		Logger:     logger.Fork("dispatcher"),
		Channel:    channel,
		LocalPort:  localPort,
		httpClient: &http.Client{},
		tcpConns:   make(map[string]net.Conn),
	}
}

// HandleFrame dispatches one inbound frame. Unknown frame types are
// ignored for forward compatibility (§4.6).
func (d *Dispatcher) HandleFrame(f *Frame) {
	switch f.Type {
	case FrameTypeHTTPRequest:
		if f.HTTPRequest != nil {
			go d.dispatchHTTP(f.HTTPRequest)
		}
	case FrameTypeTCPData:
		if f.TCPData != nil {
			d.dispatchTCP(f.TCPData)
		}
	default:
		d.Logger.DLogf("ignoring unsupported inbound frame type %q", f.Type)
	}
}

func (d *Dispatcher) dispatchHTTP(req *HTTPRequestPayload) {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", d.LocalPort, req.PathAndQuery)
	httpReq, err := http.NewRequest(req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		d.replyHTTPError(req.RequestID, err)
		return
	}
	httpReq.Header = req.Headers.ToNet()

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		d.replyHTTPError(req.RequestID, err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		d.replyHTTPError(req.RequestID, err)
		return
	}

	d.Logger.DLogf("origin %s %s -> %d (%s)", req.Method, req.PathAndQuery, resp.StatusCode, sizestr.ToString(int64(len(body))))

	d.Channel.Send(&Frame{
		Type: FrameTypeHTTPResponse,
		HTTPResponse: &HTTPResponsePayload{
			RequestID: req.RequestID,
			Status:    resp.StatusCode,
			Headers:   NewHeaderFromNet(resp.Header),
			Body:      body,
		},
	})
}

func (d *Dispatcher) replyHTTPError(requestID string, err error) {
	d.Logger.DLogf("origin call failed: %s", err)
	d.Channel.Send(&Frame{
		Type: FrameTypeHTTPResponse,
		HTTPResponse: &HTTPResponsePayload{
			RequestID: requestID,
			Status:    http.StatusBadGateway,
			Error:     err.Error(),
		},
	})
}

// dispatchTCP writes one chunk to the origin connection for socket_id,
// dialing a fresh connection and starting its read pump on first use. This
// resolves the "TCP tunnel connection reuse" Open Question: one origin
// connection per socket_id, not one per chunk.
func (d *Dispatcher) dispatchTCP(data *TCPDataPayload) {
	conn, err := d.originConn(data.SocketID)
	if err != nil {
		d.Logger.DLogf("socket_id=%s: origin dial failed: %s", data.SocketID, err)
		return
	}
	if _, err := conn.Write(data.Data); err != nil {
		d.Logger.DLogf("socket_id=%s: origin write failed: %s", data.SocketID, err)
		d.closeOriginConn(data.SocketID)
	}
}

func (d *Dispatcher) originConn(socketID string) (net.Conn, error) {
	d.mu.Lock()
	conn, ok := d.tcpConns[socketID]
	d.mu.Unlock()
	if ok {
		return conn, nil
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", d.LocalPort))
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.tcpConns[socketID] = conn
	d.mu.Unlock()
	go d.originReadLoop(socketID, conn)
	return conn, nil
}

func (d *Dispatcher) originReadLoop(socketID string, conn net.Conn) {
	defer d.closeOriginConn(socketID)
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			total += int64(n)
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sendErr := d.Channel.Send(&Frame{
				Type: FrameTypeTCPResponse,
				TCPResponse: &TCPResponsePayload{
					RequestID: NewID(),
					SocketID:  socketID,
					Data:      chunk,
				},
			})
			if sendErr != nil {
				return
			}
		}
		if err != nil {
			d.Logger.DLogf("socket_id=%s: origin closed (relayed %s)", socketID, sizestr.ToString(total))
			return
		}
	}
}

func (d *Dispatcher) closeOriginConn(socketID string) {
	d.mu.Lock()
	conn, ok := d.tcpConns[socketID]
	delete(d.tcpConns, socketID)
	d.mu.Unlock()
	if ok {
		conn.Close()
	}
}
