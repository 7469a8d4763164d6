package api

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/flowpbx/callbridge/internal/carrier"
)

const carrierFrameBuffer = 64

type wsMessage struct {
	typ  int
	data []byte
}

// carrierConn owns the read side of a carrier WebSocket from the moment it
// is upgraded. While the call waits for admission it notices a carrier
// hangup and keeps the control frames (connected, start) for the bridge;
// media received before admission is dropped.
type carrierConn struct {
	*websocket.Conn
	carrier carrier.Carrier

	admitted atomic.Bool
	frames   chan wsMessage
	done     chan struct{} // closed when the read pump exits
	quit     chan struct{}
	err      error // read error, valid once done is closed
	once     sync.Once
}

// watchCarrierConn starts the read pump. hangup is called once when the
// carrier side fails or closes.
func watchCarrierConn(conn *websocket.Conn, c carrier.Carrier, hangup func()) *carrierConn {
	cc := &carrierConn{
		Conn:    conn,
		carrier: c,
		frames:  make(chan wsMessage, carrierFrameBuffer),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}
	go cc.pump(hangup)
	return cc
}

func (c *carrierConn) pump(hangup func()) {
	defer close(c.done)
	for {
		typ, data, err := c.Conn.ReadMessage()
		if err != nil {
			c.err = err
			hangup()
			return
		}
		if !c.admitted.Load() && c.isMedia(data) {
			continue
		}
		select {
		case c.frames <- wsMessage{typ: typ, data: data}:
		case <-c.quit:
			return
		}
	}
}

func (c *carrierConn) isMedia(data []byte) bool {
	f, err := c.carrier.Decode(data)
	return err == nil && f.Event == carrier.EventMedia
}

// admit switches the pump to forwarding every frame.
func (c *carrierConn) admit() {
	c.admitted.Store(true)
}

// ReadMessage returns the next buffered frame, or the read error once the
// pump has stopped and the buffer is drained.
func (c *carrierConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.frames:
		return m.typ, m.data, nil
	case <-c.done:
		select {
		case m := <-c.frames:
			return m.typ, m.data, nil
		default:
		}
		if c.err == nil {
			return 0, nil, websocket.ErrCloseSent
		}
		return 0, nil, c.err
	}
}

func (c *carrierConn) Close() error {
	c.once.Do(func() { close(c.quit) })
	return c.Conn.Close()
}
