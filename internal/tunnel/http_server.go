package tunnel

import (
	"context"
	"net"
	"net/http"
)

//HTTPServer extends net/http Server and
//adds graceful shutdowns
type HTTPServer struct {
	ShutdownHelper
	*http.Server
	listener net.Listener
}

//NewHTTPServer creates a new HTTPServer
func NewHTTPServer(logger Logger) *HTTPServer {
	h := &HTTPServer{
		Server:   &http.Server{},
		listener: nil,
	}
	h.InitShutdownHelper(logger, h)
	return h
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It should take completionError
// as an advisory completion value, actually shut down, then return the real completion value.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	h.DLogf("HandleOnceShutdown")
	var err error
	if h.listener != nil {
		err = h.listener.Close()
		if err != nil {
			h.DLogf("HTTPserver: close of listener failed, ignoring: %s", err)
		}
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Bind binds the server to addr and starts serving in the background,
// returning as soon as the bind attempt itself succeeds or fails — it does
// not wait for shutdown. Used for public per-tunnel listeners, where bind
// failure must be reported synchronously to the Registration state machine
// without blocking on the listener's entire lifetime.
func (h *HTTPServer) Bind(ctx context.Context, addr string, handler http.Handler) error {
	return h.DoOnceActivate(
		func() error {
			h.ShutdownOnContext(ctx)

			l, err := net.Listen("tcp", addr)
			if err != nil {
				return h.DLogErrorf("Listen failed: %s", err)
			}
			h.Handler = handler
			h.listener = l

			go func() {
				h.Shutdown(h.Serve(l))
			}()

			return nil
		},
		true,
	)
}

// Shutdown completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Shutdown(completionError error) error {
	return h.ShutdownHelper.Shutdown(completionError)
}

// Close completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Close() error {
	return h.ShutdownHelper.Close()
}
