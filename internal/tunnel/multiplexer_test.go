package tunnel

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDispatchHTTPCorrelatesReply(t *testing.T) {
	serverCh, clientCh, cleanup := newWSChannelPair(t)
	defer cleanup()

	logger := NewLogger("test", LogLevelError)
	srv := NewServer(ServerConfig{})
	session := newSession(srv, logger, serverCh)
	go session.Run()

	go func() {
		f := <-clientCh.Receive()
		if f == nil || f.Type != FrameTypeHTTPRequest {
			t.Errorf("expected http_request frame, got %+v", f)
			return
		}
		clientCh.Send(&Frame{
			Type: FrameTypeHTTPResponse,
			HTTPResponse: &HTTPResponsePayload{
				RequestID: f.HTTPRequest.RequestID,
				Status:    201,
				Headers:   Header{"X-Reply": {"yes"}},
				Body:      []byte("created"),
			},
		})
	}()

	req := httptest.NewRequest("POST", "/widgets?x=1", strings.NewReader("payload"))
	rec := httptest.NewRecorder()

	dispatchHTTP(session, rec, req)

	if rec.Code != 201 {
		t.Errorf("got status %d, want 201", rec.Code)
	}
	if rec.Body.String() != "created" {
		t.Errorf("got body %q, want %q", rec.Body.String(), "created")
	}
	if got := rec.Header().Get("X-Reply"); got != "yes" {
		t.Errorf("got X-Reply %q, want %q", got, "yes")
	}
}

func TestDispatchHTTPTimesOutWhenNoReply(t *testing.T) {
	serverCh, _, cleanup := newWSChannelPair(t)
	defer cleanup()

	logger := NewLogger("test", LogLevelError)
	srv := NewServer(ServerConfig{RequestTimeout: 30 * time.Millisecond})
	session := newSession(srv, logger, serverCh)
	go session.Run()

	req := httptest.NewRequest("GET", "/slow", nil)
	rec := httptest.NewRecorder()

	dispatchHTTP(session, rec, req)

	if rec.Code != 504 {
		t.Errorf("got status %d, want 504 on timeout", rec.Code)
	}
}

func TestDispatchHTTPSessionClosedBeforeReply(t *testing.T) {
	serverCh, clientCh, _ := newWSChannelPair(t)

	logger := NewLogger("test", LogLevelError)
	srv := NewServer(ServerConfig{})
	session := newSession(srv, logger, serverCh)
	go session.Run()

	done := make(chan struct{})
	go func() {
		<-clientCh.Receive() // consume the http_request, then drop the connection
		clientCh.Close(nil)
		close(done)
	}()

	req := httptest.NewRequest("GET", "/whatever", nil)
	rec := httptest.NewRecorder()

	dispatchHTTP(session, rec, req)

	<-done
	if rec.Code != 502 {
		t.Errorf("got status %d, want 502 when the session closes before a reply", rec.Code)
	}
}
