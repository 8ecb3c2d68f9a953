package tunnel

import (
	"net/http"
	"reflect"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []*Frame{
		{
			Type:     FrameTypeRegister,
			Register: &RegisterPayload{LocalPort: 8080, PublicPort: 9000, Protocol: ProtocolHTTP},
		},
		{
			Type: FrameTypeRegistered,
			Registered: &RegisteredPayload{
				SessionID: "abc123", LocalPort: 8080, PublicPort: 9000,
				Protocol: ProtocolHTTP, PublicURL: "http://<server>:9000",
			},
		},
		{
			Type: FrameTypeHTTPRequest,
			HTTPRequest: &HTTPRequestPayload{
				RequestID:    "req1",
				Method:       "POST",
				PathAndQuery: "/hello?x=1",
				Headers:      Header{"Content-Type": {"application/json"}, "X-Multi": {"a", "b"}},
				Body:         []byte{0, 1, 2, 255, 254},
			},
		},
		{
			Type: FrameTypeTCPData,
			TCPData: &TCPDataPayload{
				RequestID: "req2", SocketID: "sock1", Data: []byte{10, 20, 30},
			},
		},
		{
			Type:  FrameTypeError,
			Error: &ErrorPayload{Message: "boom"},
		},
	}

	for i, in := range cases {
		b, err := EncodeFrame(in)
		if err != nil {
			t.Fatalf("case %d: EncodeFrame failed: %s", i, err)
		}
		out, err := DecodeFrame(b)
		if err != nil {
			t.Fatalf("case %d: DecodeFrame failed: %s", i, err)
		}
		if !reflect.DeepEqual(in, out) {
			t.Errorf("case %d: round trip mismatch\n in: %+v\nout: %+v", i, in, out)
		}
	}
}

func TestDecodeFrameGarbage(t *testing.T) {
	_, err := DecodeFrame([]byte("not json"))
	if err == nil {
		t.Fatalf("expected error decoding garbage, got nil")
	}
}

func TestParseProtocol(t *testing.T) {
	if p, err := ParseProtocol("http"); err != nil || p != ProtocolHTTP {
		t.Errorf("ParseProtocol(\"http\") = %v, %v; want ProtocolHTTP, nil", p, err)
	}
	if p, err := ParseProtocol("tcp"); err != nil || p != ProtocolTCP {
		t.Errorf("ParseProtocol(\"tcp\") = %v, %v; want ProtocolTCP, nil", p, err)
	}
	if _, err := ParseProtocol("udp"); err == nil {
		t.Errorf("ParseProtocol(\"udp\") should have failed")
	}
}

func TestHeaderPreservesMultiplicity(t *testing.T) {
	net := http.Header{}
	net.Add("Set-Cookie", "a=1")
	net.Add("Set-Cookie", "b=2")

	h := NewHeaderFromNet(net)
	if len(h["Set-Cookie"]) != 2 {
		t.Fatalf("expected 2 Set-Cookie values, got %d: %v", len(h["Set-Cookie"]), h["Set-Cookie"])
	}

	back := h.ToNet()
	if len(back["Set-Cookie"]) != 2 {
		t.Fatalf("ToNet lost multiplicity: %v", back["Set-Cookie"])
	}
}

func TestHeaderGet(t *testing.T) {
	h := Header{"Content-Type": {"text/plain"}}
	if got := h.Get("content-type"); got != "text/plain" {
		t.Errorf("Get(\"content-type\") = %q, want %q", got, "text/plain")
	}
	if got := h.Get("missing"); got != "" {
		t.Errorf("Get(\"missing\") = %q, want empty", got)
	}
}
