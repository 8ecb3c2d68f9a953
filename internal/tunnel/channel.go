package tunnel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

var nextChannelID int32

// allocChannelID allocates a unique Channel id number, for logging purposes.
func allocChannelID() int32 {
	return atomic.AddInt32(&nextChannelID, 1)
}

// Channel presents a *websocket.Conn as a send/receive of Frame values plus
// a close signal (C2 in SPEC_FULL.md). Writes from concurrent callers are
// serialized so a frame is never interleaved with another on the wire.
type Channel struct {
	ID     int32
	Logger Logger

	conn      *websocket.Conn
	writeLock sync.Mutex
	closeOnce sync.Once
	closeErr  error
	inbox     chan *Frame
	doneChan  chan struct{}
}

// NewChannel wraps an established WebSocket connection as a Channel and
// starts its receive pump.
func NewChannel(logger Logger, conn *websocket.Conn) *Channel {
	id := allocChannelID()
	c := &Channel{
		ID:       id,
		Logger:   logger.Fork("channel[%d]", id),
		conn:     conn,
		inbox:    make(chan *Frame, 64),
		doneChan: make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// Send delivers one frame. Safe to call concurrently; sends from distinct
// goroutines are serialized and never reorder a single frame's bytes.
func (c *Channel) Send(f *Frame) error {
	b, err := EncodeFrame(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		c.Close(err)
		return err
	}
	return nil
}

// Receive returns the channel of inbound frames. It is closed when the
// underlying WebSocket closes or a decode error occurs.
func (c *Channel) Receive() <-chan *Frame {
	return c.inbox
}

// Done is closed once the receive pump has stopped, after which no further
// frames will arrive on Receive().
func (c *Channel) Done() <-chan struct{} {
	return c.doneChan
}

// Err returns the error that caused the channel to close, if any.
func (c *Channel) Err() error {
	return c.closeErr
}

func (c *Channel) receiveLoop() {
	defer close(c.inbox)
	defer close(c.doneChan)
	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			c.Close(err)
			return
		}
		f, err := DecodeFrame(b)
		if err != nil {
			c.Logger.WLogf("discarding unreadable frame: %s", err)
			c.Close(err)
			return
		}
		c.inbox <- f
	}
}

// Close is idempotent; it terminates the receive pump and fails any
// in-flight Send.
func (c *Channel) Close(cause error) error {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		c.conn.Close()
	})
	return c.closeErr
}
