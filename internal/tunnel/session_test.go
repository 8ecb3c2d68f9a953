package tunnel

import (
	"testing"
	"time"
)

func TestSessionRegisterSucceeds(t *testing.T) {
	serverCh, clientCh, cleanup := newWSChannelPair(t)
	defer cleanup()

	logger := NewLogger("test", LogLevelError)
	srv := NewServer(ServerConfig{})
	session := newSession(srv, logger, serverCh)
	go session.Run()

	clientCh.Send(&Frame{
		Type:     FrameTypeRegister,
		Register: &RegisterPayload{LocalPort: 3000, PublicPort: 0, Protocol: ProtocolTCP},
	})

	select {
	case f := <-clientCh.Receive():
		if f.Type != FrameTypeRegistered {
			t.Fatalf("expected registered frame, got %q (%+v)", f.Type, f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for registered reply")
	}

	if got := session.GetTunnel(); got == nil || got.LocalPort != 3000 {
		t.Errorf("session tunnel not recorded correctly: %+v", got)
	}
}

func TestSessionReregisterIsRejected(t *testing.T) {
	serverCh, clientCh, cleanup := newWSChannelPair(t)
	defer cleanup()

	logger := NewLogger("test", LogLevelError)
	srv := NewServer(ServerConfig{})
	session := newSession(srv, logger, serverCh)
	go session.Run()

	clientCh.Send(&Frame{
		Type:     FrameTypeRegister,
		Register: &RegisterPayload{LocalPort: 3000, PublicPort: 0, Protocol: ProtocolTCP},
	})
	mustReceiveType(t, clientCh, FrameTypeRegistered)

	clientCh.Send(&Frame{
		Type:     FrameTypeRegister,
		Register: &RegisterPayload{LocalPort: 3001, PublicPort: 0, Protocol: ProtocolTCP},
	})
	mustReceiveType(t, clientCh, FrameTypeError)

	if got := session.GetTunnel(); got == nil || got.LocalPort != 3000 {
		t.Errorf("re-registration should not have replaced the existing tunnel, got %+v", got)
	}
}

func TestSessionRegisterInvalidProtocolAllowsRetry(t *testing.T) {
	serverCh, clientCh, cleanup := newWSChannelPair(t)
	defer cleanup()

	logger := NewLogger("test", LogLevelError)
	srv := NewServer(ServerConfig{})
	session := newSession(srv, logger, serverCh)
	go session.Run()

	clientCh.Send(&Frame{
		Type:     FrameTypeRegister,
		Register: &RegisterPayload{LocalPort: 3000, PublicPort: 0, Protocol: Protocol("carrier-pigeon")},
	})
	mustReceiveType(t, clientCh, FrameTypeError)

	// state must have reverted to Connected so a corrected retry succeeds.
	clientCh.Send(&Frame{
		Type:     FrameTypeRegister,
		Register: &RegisterPayload{LocalPort: 3000, PublicPort: 0, Protocol: ProtocolTCP},
	})
	mustReceiveType(t, clientCh, FrameTypeRegistered)
}

func mustReceiveType(t *testing.T, ch *Channel, want FrameType) *Frame {
	t.Helper()
	select {
	case f := <-ch.Receive():
		if f.Type != want {
			t.Fatalf("got frame type %q, want %q (%+v)", f.Type, want, f)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame of type %q", want)
		return nil
	}
}
