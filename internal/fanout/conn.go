package fanout

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"
	"golang.org/x/time/rate"
)

// wsWriter is the transport surface a connection writes to.
type wsWriter interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Conn is one subscribed downstream client. Sends go through a buffered
// channel drained by a single writer goroutine, so a slow client can never
// block the broadcast path; its messages are dropped instead.
type Conn struct {
	ws      wsWriter
	send    chan []byte
	limiter *rate.Limiter

	once sync.Once
	done chan struct{}
}

func newConn(ws wsWriter, sendBuffer int, perSec, burst int) *Conn {
	c := &Conn{
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
		done:    make(chan struct{}),
	}
	threading.GoSafe(c.writePump)
	return c
}

// enqueue offers a payload to the connection. Over-limit or backed-up
// connections lose the message; they are never disconnected for it.
func (c *Conn) enqueue(payload []byte) {
	if c.closed() {
		return
	}
	if !c.limiter.Allow() {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// control enqueues a protocol ack or error. Acks bypass the rate limiter so
// a throttled client still learns its subscription state.
func (c *Conn) control(payload []byte) {
	if c.closed() {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				logx.Slowf("fanout: write failed, closing conn: %v", err)
				c.Close()
				return
			}
		}
	}
}

// Close shuts the writer down and closes the transport. Safe to call twice.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
