package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait     = 10 * time.Second
	readWait      = 75 * time.Second
	sendQueueSize = 64
)

// Conn is one websocket connection bound to one session on one document.
// Outbound traffic goes through a buffered queue so a slow reader never
// blocks the document's critical section; when the queue overflows the
// message is dropped and the client recovers through resync.
type Conn struct {
	ws *websocket.Conn
	gw *Gateway

	documentID string
	sessionID  string
	userID     uint64
	userName   string
	canEdit    bool

	// revision of the last full sync frame sent, read and written only from
	// the connection's read goroutine
	syncRev uint64

	send chan any
	done chan struct{}
	once sync.Once
}

func newConn(ws *websocket.Conn, gw *Gateway, documentID, sessionID string, userID uint64, userName string) *Conn {
	return &Conn{
		ws:         ws,
		gw:         gw,
		documentID: documentID,
		sessionID:  sessionID,
		userID:     userID,
		userName:   userName,
		send:       make(chan any, sendQueueSize),
		done:       make(chan struct{}),
	}
}

// Enqueue queues msg for delivery. Never blocks.
func (c *Conn) Enqueue(msg any) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.gw.logger.Warn().
			Str("session_id", c.sessionID).
			Msg("send queue full, dropping message")
	}
}

func (c *Conn) writeLoop() {
	defer c.ws.Close()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.gw.disconnect(ctx, c)
	for {
		// a half-open connection that sends nothing, not even heartbeats,
		// eventually fails the read instead of parking the goroutine forever
		_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}
		if err := msg.ValidateFor(); err != nil {
			c.Enqueue(ErrorMessage{
				Type: "error", Code: "invalid_message", Message: err.Error(),
			})
			continue
		}
		if msg.Type == "leave" {
			return
		}
		c.gw.dispatch(ctx, c, msg)
	}
}

func (c *Conn) close() {
	c.once.Do(func() { close(c.done) })
}
