// Package server exposes sessions over dual websockets (control and audio) and an
// HTTP polling fallback for clients that cannot hold a socket open.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/room4-2/voiceloop/config"
	"github.com/room4-2/voiceloop/messages"
	"github.com/room4-2/voiceloop/metrics"
	"github.com/room4-2/voiceloop/session"
)

const errInvalidFormat = "Invalid message format"

type Server struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	config         *config.Config
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

func NewServer(cfg *config.Config, sessionManager *session.Manager, mt *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if mt == nil {
		mt = metrics.New("")
	}
	s := &Server{
		sessionManager: sessionManager,
		config:         cfg,
		metrics:        mt,
		logger:         logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    64 * 1024, // 64KB for audio chunks
			WriteBufferSize:   64 * 1024,
			EnableCompression: true,
			CheckOrigin:       func(r *http.Request) bool { return originAllowed(cfg.AllowedOrigins, r.Header.Get("Origin")) },
		},
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.Handler(),
		// No ReadTimeout/WriteTimeout: they would cut long-lived websockets.
		// Sockets manage their own deadlines.
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the routed handler wrapped in CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("POST /sessions/{clientId}/messages", s.handlePostMessage)
	mux.HandleFunc("GET /sessions/{clientId}/messages", s.handleGetMessages)
	mux.HandleFunc("POST /sessions/{clientId}/audio", s.handlePostAudio)
	mux.HandleFunc("GET /sessions/{clientId}/audio", s.handleGetAudio)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return withCORS(s.config.AllowedOrigins, mux)
}

// Start begins listening for connections
func (s *Server) Start() error {
	s.logger.Info("server starting", "port", s.config.Port)
	s.logger.Info("websocket endpoint", "url", fmt.Sprintf("ws://localhost:%d/ws", s.config.Port))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.sessionManager.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	channel := session.Channel(r.URL.Query().Get("type"))

	// Upgrade HTTP to WebSocket
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if clientID == "" || !channel.Valid() {
		s.logger.Warn("rejecting socket", "client_id", clientID, "channel", string(channel))
		closePolicy(ws, websocket.ClosePolicyViolation, "clientId and type=control|audio are required")
		return
	}

	conn := newSocketConn(ws, clientID, channel, s.logger)
	cs, err := s.sessionManager.Attach(clientID, channel, conn)
	if err != nil {
		s.logger.Error("failed to attach socket", "client_id", clientID, "channel", string(channel), "error", err)
		code := websocket.CloseInternalServerErr
		if errors.Is(err, session.ErrTooManySessions) {
			code = websocket.CloseTryAgainLater
		}
		closePolicy(ws, code, "session unavailable")
		return
	}

	go conn.writePump(s.config.KeepAlivePeriod)
	s.logger.Info("socket attached", "client_id", clientID, "channel", string(channel))

	s.readLoop(conn, cs)

	conn.Close()
	s.sessionManager.Detach(clientID, channel, conn)
	s.logger.Info("socket closed", "client_id", clientID, "channel", string(channel))
}

// readLoop consumes inbound frames until the socket fails or is replaced.
func (s *Server) readLoop(conn *socketConn, cs *session.ClientSession) {
	pongWait := 2 * s.config.KeepAlivePeriod
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			if !conn.closed() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				conn.logger.Warn("socket read error", "error", err)
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		switch conn.channel {
		case session.ChannelControl:
			s.handleControlFrame(conn, cs, messageType, data)
		case session.ChannelAudio:
			s.handleAudioFrame(conn, cs, messageType, data)
		}
	}
}

func (s *Server) handleControlFrame(conn *socketConn, cs *session.ClientSession, messageType int, data []byte) {
	if messageType != websocket.TextMessage {
		conn.logger.Debug("ignoring binary frame on control socket", "bytes", len(data))
		return
	}
	ev, err := messages.ParseClientEvent(data)
	if err != nil {
		conn.logger.Warn("malformed control frame", "error", err)
		// Reported on this socket only, outside the session sequence.
		if err := conn.SendEvent(messages.NewError(time.Now().UnixMilli(), errInvalidFormat)); err != nil {
			conn.logger.Debug("error reply dropped", "error", err)
		}
		return
	}
	cs.HandleEvent(ev)
}

type audioTextFrame struct {
	Type string `json:"type"`
}

func (s *Server) handleAudioFrame(conn *socketConn, cs *session.ClientSession, messageType int, data []byte) {
	if messageType == websocket.BinaryMessage {
		cs.IngestAudio(data)
		return
	}
	var frame audioTextFrame
	if err := sonic.Unmarshal(data, &frame); err != nil {
		conn.logger.Warn("malformed audio text frame", "error", err)
		return
	}
	if frame.Type == messages.AudioConnectionReady {
		conn.logger.Info("audio channel ready")
		return
	}
	conn.logger.Debug("ignoring audio text frame", "type", frame.Type)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.sessionManager.Count())
}
