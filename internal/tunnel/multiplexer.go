package tunnel

import (
	"io"
	"net/http"

	"github.com/jpillora/sizestr"
	"github.com/tomasen/realip"
)

// dispatchHTTP is the server-side Request Multiplexer (C5) for the HTTP
// protocol: it frames one public request, waits for its matched reply
// (or timeout, or session loss), and writes the public response. Distinct
// request ids on the same session interleave freely on the wire — there is
// no head-of-line blocking between them.
func dispatchHTTP(session *Session, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadGateway)
		return
	}

	requestID := NewID()
	replyCh := session.Pending.Insert(requestID)

	pathAndQuery := r.URL.Path
	if r.URL.RawQuery != "" {
		pathAndQuery += "?" + r.URL.RawQuery
	}

	session.DLogf("HTTP %s %s from %s -> request_id=%s (%s)",
		r.Method, pathAndQuery, realip.FromRequest(r), requestID, sizestr.ToString(int64(len(body))))

	err = session.Channel.Send(&Frame{
		Type: FrameTypeHTTPRequest,
		HTTPRequest: &HTTPRequestPayload{
			RequestID:    requestID,
			Method:       r.Method,
			PathAndQuery: pathAndQuery,
			Headers:      NewHeaderFromNet(r.Header),
			Body:         body,
		},
	})
	if err != nil {
		session.Pending.Complete(requestID, &HTTPResponsePayload{RequestID: requestID, Status: http.StatusBadGateway, Error: err.Error()})
	}

	select {
	case reply := <-replyCh:
		writeHTTPReply(w, reply)
	case <-session.Channel.Done():
		writeHTTPReply(w, &HTTPResponsePayload{RequestID: requestID, Status: http.StatusBadGateway, Error: "session closed before reply"})
	}
}

func writeHTTPReply(w http.ResponseWriter, reply *HTTPResponsePayload) {
	if reply.Error != "" {
		status := reply.Status
		if status < 100 || status > 599 {
			status = http.StatusBadGateway
		}
		http.Error(w, reply.Error, status)
		return
	}
	for name, values := range reply.Headers.ToNet() {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	status := reply.Status
	if status < 100 || status > 599 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(reply.Body) > 0 {
		w.Write(reply.Body)
	}
}
