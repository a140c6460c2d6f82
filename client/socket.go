package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/room4-2/voiceloop/messages"
)

const (
	writeTimeout  = 10 * time.Second
	handshakeWait = 10 * time.Second
)

type audioReady struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	ClientID  string `json:"clientId"`
}

// SocketTransport holds the control and audio websockets of one client. The two
// sockets are always opened one after the other, control first.
type SocketTransport struct {
	opts   Options
	wsBase string
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	controlMu sync.Mutex // serializes control writes
	audioMu   sync.Mutex // serializes audio writes

	mu           sync.Mutex
	control      *websocket.Conn
	audio        *websocket.Conn
	gen          uint64
	attempts     int
	reconnecting bool
	closed       bool
	status       Status
}

// NewSocketTransport creates a transport; call Connect to open it.
func NewSocketTransport(opts Options) (*SocketTransport, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	wsBase, err := websocketBase(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SocketTransport{
		opts:   opts,
		wsBase: wsBase,
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeWait},
		ctx:    ctx,
		cancel: cancel,
		status: StatusDisconnected,
	}, nil
}

func websocketBase(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("client: invalid BaseURL: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws", "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// ClientID returns the id used on every request.
func (t *SocketTransport) ClientID() string { return t.opts.ClientID }

// Status returns the last reported status.
func (t *SocketTransport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *SocketTransport) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
	t.opts.status(s)
}

// Connect opens control then audio. It does not retry; reconnects only follow
// an abnormal close of an established connection.
func (t *SocketTransport) Connect(ctx context.Context) error {
	t.setStatus(StatusConnecting)
	if err := t.open(ctx); err != nil {
		t.setStatus(StatusError)
		return err
	}
	t.setStatus(StatusConnected)
	return nil
}

func (t *SocketTransport) dial(ctx context.Context, channel string) (*websocket.Conn, error) {
	q := url.Values{}
	q.Set("clientId", t.opts.ClientID)
	q.Set("type", channel)

	conn, resp, err := t.dialer.DialContext(ctx, t.wsBase+"/ws?"+q.Encode(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s socket: %w", channel, err)
	}
	return conn, nil
}

// open negotiates both sockets sequentially, each with its readiness handshake.
func (t *SocketTransport) open(ctx context.Context) error {
	control, err := t.dial(ctx, "control")
	if err != nil {
		return err
	}
	hello, err := messages.NewClientEvent(messages.TypeConnectionReady, t.opts.ClientID, time.Now().UnixMilli()).Encode()
	if err == nil {
		err = writeFrame(control, websocket.TextMessage, hello)
	}
	if err != nil {
		control.Close()
		return fmt.Errorf("control handshake: %w", err)
	}

	audioConn, err := t.dial(ctx, "audio")
	if err != nil {
		control.Close()
		return err
	}
	ready, err := sonic.Marshal(audioReady{Type: messages.AudioConnectionReady, Timestamp: time.Now().UnixMilli(), ClientID: t.opts.ClientID})
	if err == nil {
		err = writeFrame(audioConn, websocket.TextMessage, ready)
	}
	if err != nil {
		control.Close()
		audioConn.Close()
		return fmt.Errorf("audio handshake: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		control.Close()
		audioConn.Close()
		return ErrNotConnected
	}
	t.gen++
	gen := t.gen
	t.control, t.audio = control, audioConn
	t.attempts = 0
	t.reconnecting = false
	t.wg.Add(2)
	t.mu.Unlock()

	go t.readControl(control, gen)
	go t.readAudio(audioConn, gen)
	t.opts.Logger.Info("sockets connected")
	return nil
}

func writeFrame(conn *websocket.Conn, messageType int, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(messageType, data)
}

func (t *SocketTransport) readControl(conn *websocket.Conn, gen uint64) {
	defer t.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.connectionLost(gen, "control", err)
			return
		}
		ev, err := messages.ParseServerEvent(data)
		if err != nil {
			t.opts.Logger.Warn("failed to parse control message", "error", err)
			continue
		}
		t.opts.message(ev)
	}
}

func (t *SocketTransport) readAudio(conn *websocket.Conn, gen uint64) {
	defer t.wg.Done()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.connectionLost(gen, "audio", err)
			return
		}
		if messageType == websocket.BinaryMessage {
			t.opts.audio(data)
		}
	}
}

// connectionLost reacts to the first reader of a connection generation that fails.
// A clean close (1000) ends the connection; anything else starts reconnecting.
func (t *SocketTransport) connectionLost(gen uint64, channel string, err error) {
	t.mu.Lock()
	if t.closed || gen != t.gen || t.reconnecting || t.control == nil {
		t.mu.Unlock()
		return
	}
	t.closeConnsLocked()

	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
		t.mu.Unlock()
		t.opts.Logger.Info("socket closed by server", "channel", channel)
		t.setStatus(StatusDisconnected)
		return
	}

	t.reconnecting = true
	t.wg.Add(1)
	t.mu.Unlock()

	t.opts.Logger.Warn("socket lost", "channel", channel, "error", err)
	t.setStatus(StatusDisconnected)
	go t.reconnectLoop()
}

func (t *SocketTransport) reconnectLoop() {
	defer t.wg.Done()
	policy := t.opts.Reconnect

	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		if t.attempts >= policy.MaxAttempts {
			t.reconnecting = false
			t.mu.Unlock()
			t.opts.Logger.Error("max reconnection attempts reached", "attempts", policy.MaxAttempts)
			t.setStatus(StatusError)
			return
		}
		t.attempts++
		attempt := t.attempts
		t.mu.Unlock()

		select {
		case <-time.After(policy.Delay(attempt)):
		case <-t.ctx.Done():
			return
		}

		t.opts.Logger.Info("reconnection attempt", "attempt", attempt)
		t.setStatus(StatusConnecting)
		if err := t.open(t.ctx); err != nil {
			t.opts.Logger.Warn("reconnection failed", "attempt", attempt, "error", err)
			continue
		}
		t.setStatus(StatusConnected)
		return
	}
}

func (t *SocketTransport) closeConnsLocked() {
	if t.control != nil {
		t.control.Close()
		t.control = nil
	}
	if t.audio != nil {
		t.audio.Close()
		t.audio = nil
	}
}

// SendControl sends one control event, filling in client id and timestamp.
func (t *SocketTransport) SendControl(ev *messages.ClientEvent) error {
	t.opts.stamp(ev)
	data, err := ev.Encode()
	if err != nil {
		return err
	}

	t.mu.Lock()
	conn := t.control
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.controlMu.Lock()
	defer t.controlMu.Unlock()
	return writeFrame(conn, websocket.TextMessage, data)
}

// SendAudio sends one PCM16 LE frame.
func (t *SocketTransport) SendAudio(frame []byte) error {
	t.mu.Lock()
	conn := t.audio
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.audioMu.Lock()
	defer t.audioMu.Unlock()
	return writeFrame(conn, websocket.BinaryMessage, frame)
}

// Close sends a normal close on both sockets and stops reconnecting.
func (t *SocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	control, audioConn := t.control, t.audio
	t.control, t.audio = nil, nil
	t.mu.Unlock()

	t.cancel()
	bye := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Client disconnect")
	if control != nil {
		t.controlMu.Lock()
		writeFrame(control, websocket.CloseMessage, bye)
		t.controlMu.Unlock()
		control.Close()
	}
	if audioConn != nil {
		t.audioMu.Lock()
		writeFrame(audioConn, websocket.CloseMessage, bye)
		t.audioMu.Unlock()
		audioConn.Close()
	}

	t.wg.Wait()
	t.setStatus(StatusDisconnected)
	return nil
}
