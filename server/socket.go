package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/room4-2/voiceloop/messages"
	"github.com/room4-2/voiceloop/session"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
	maxControlFrame = 64 * 1024
	maxAudioFrame   = 512 * 1024 // 512KB max message
)

var (
	errConnClosed = errors.New("socket closed")
	errQueueFull  = errors.New("socket write queue full")
)

type outbound struct {
	messageType int
	data        []byte
}

// socketConn is one attached websocket sub-channel. All writes go through
// writePump so SendEvent and SendAudio never block the caller.
type socketConn struct {
	ws       *websocket.Conn
	clientID string
	channel  session.Channel
	logger   *slog.Logger

	writeChan chan outbound
	closeChan chan struct{}
	closeOnce sync.Once
}

func newSocketConn(ws *websocket.Conn, clientID string, ch session.Channel, logger *slog.Logger) *socketConn {
	limit := int64(maxControlFrame)
	if ch == session.ChannelAudio {
		limit = maxAudioFrame
	}
	ws.SetReadLimit(limit)

	return &socketConn{
		ws:        ws,
		clientID:  clientID,
		channel:   ch,
		logger:    logger.With("client_id", clientID, "channel", string(ch)),
		writeChan: make(chan outbound, writeBufferSize),
		closeChan: make(chan struct{}),
	}
}

// SendEvent queues a control event.
func (c *socketConn) SendEvent(ev *messages.ServerEvent) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	return c.queue(websocket.TextMessage, data)
}

// SendAudio queues a synthesized clip as one binary frame.
func (c *socketConn) SendAudio(clip []byte) error {
	return c.queue(websocket.BinaryMessage, clip)
}

func (c *socketConn) queue(messageType int, data []byte) error {
	select {
	case <-c.closeChan:
		return errConnClosed
	default:
	}
	select {
	case c.writeChan <- outbound{messageType: messageType, data: data}:
		return nil
	default:
		return errQueueFull
	}
}

// Close stops the write pump, which sends a normal close frame and closes the socket.
func (c *socketConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeChan)
	})
	return nil
}

func (c *socketConn) closed() bool {
	select {
	case <-c.closeChan:
		return true
	default:
		return false
	}
}

// writePump handles all outgoing frames and keepalive pings in a single goroutine.
func (c *socketConn) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		c.ws.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		c.ws.Close()
	}()

	for {
		select {
		case <-c.closeChan:
			c.flush()
			return
		case msg := <-c.writeChan:
			if err := c.write(msg); err != nil {
				c.logger.Debug("socket write failed", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("keepalive ping failed", "error", err)
				c.Close()
				return
			}
		}
	}
}

// flush writes whatever was queued before Close.
func (c *socketConn) flush() {
	n := len(c.writeChan)
	for i := 0; i < n; i++ {
		select {
		case msg := <-c.writeChan:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *socketConn) write(msg outbound) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(msg.messageType, msg.data)
}

// closePolicy rejects a connection that cannot be bound to a session.
func closePolicy(ws *websocket.Conn, code int, reason string) {
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	ws.Close()
}
