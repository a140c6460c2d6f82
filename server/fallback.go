package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/room4-2/voiceloop/audio"
	"github.com/room4-2/voiceloop/messages"
	"github.com/room4-2/voiceloop/session"
)

type ackResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, `{"success":false,"error":"encoding failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// pollingSession resolves the path's client id to a session and records activity.
func (s *Server) pollingSession(w http.ResponseWriter, r *http.Request) (*session.ClientSession, bool) {
	s.metrics.PollRequestsTotal.Inc()

	clientID := r.PathValue("clientId")
	if strings.TrimSpace(clientID) == "" {
		writeJSON(w, http.StatusBadRequest, ackResponse{Error: "clientId is required"})
		return nil, false
	}
	cs, err := s.sessionManager.GetOrCreate(clientID, session.ModePolling)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrTooManySessions) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Error("polling session unavailable", "client_id", clientID, "error", err)
		writeJSON(w, status, ackResponse{Error: "session unavailable"})
		return nil, false
	}
	return cs, true
}

// handlePostMessage is the HTTP equivalent of a control socket frame.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlFrame+1))
	if err != nil || len(body) > maxControlFrame {
		writeJSON(w, http.StatusBadRequest, ackResponse{Error: errInvalidFormat})
		return
	}
	ev, err := messages.ParseClientEvent(body)
	if err != nil {
		s.logger.Warn("malformed polled event", "client_id", r.PathValue("clientId"), "error", err)
		writeJSON(w, http.StatusBadRequest, ackResponse{Error: errInvalidFormat})
		return
	}

	cs, ok := s.pollingSession(w, r)
	if !ok {
		return
	}
	cs.HandleEvent(ev)
	writeJSON(w, http.StatusOK, ackResponse{Success: true})
}

// handleGetMessages returns queued events with an id greater than ?after.
func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, ackResponse{Error: "after must be a non-negative integer"})
			return
		}
		after = n
	}

	cs, ok := s.pollingSession(w, r)
	if !ok {
		return
	}
	events := cs.DrainAfter(after)
	if events == nil {
		events = []*messages.ServerEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handlePostAudio is the HTTP equivalent of an audio socket binary frame.
func (s *Server) handlePostAudio(w http.ResponseWriter, r *http.Request) {
	frame, err := io.ReadAll(io.LimitReader(r.Body, maxAudioFrame+1))
	if err != nil || len(frame) > maxAudioFrame {
		writeJSON(w, http.StatusRequestEntityTooLarge, ackResponse{Error: "audio frame too large"})
		return
	}

	cs, ok := s.pollingSession(w, r)
	if !ok {
		return
	}
	if len(frame) > 0 {
		cs.IngestAudio(frame)
	}
	writeJSON(w, http.StatusOK, ackResponse{Success: true})
}

// handleGetAudio returns the oldest pending synthesized clip, or 204 when there is none.
func (s *Server) handleGetAudio(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.pollingSession(w, r)
	if !ok {
		return
	}
	clip, ok := cs.PendingAudio().Pop()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	// Mock replies are PCM16 under the same label; see mock.Synthesizer.
	w.Header().Set("Content-Type", audio.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(clip)))
	w.WriteHeader(http.StatusOK)
	w.Write(clip)
}
