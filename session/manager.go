package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/room4-2/voiceloop/audio"
	"github.com/room4-2/voiceloop/config"
	"github.com/room4-2/voiceloop/metrics"
)

var (
	// ErrTooManySessions is returned when MaxSessions sessions are already live.
	ErrTooManySessions = errors.New("maximum sessions reached")
	// ErrSessionNotFound is returned for operations on an unknown client id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidSink is returned when a sink cannot serve the requested channel.
	ErrInvalidSink = errors.New("invalid channel sink")
)

const (
	activeSessionsKey = "active_sessions"
	redisOpTimeout    = 2 * time.Second
)

// Manager is the session registry. It owns every ClientSession and mirrors
// them into Redis when Redis is reachable.
type Manager struct {
	sessions map[string]*ClientSession
	mu       sync.RWMutex
	redis    *redis.Client
	config   *config.Config
	collab   Collaborators
	metrics  *metrics.Metrics
	logger   *slog.Logger

	now            func() time.Time
	bytesPerSecond int
	minPlayback    time.Duration
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock replaces time.Now for timestamps, echo suppression and idle checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithPlaybackEstimate overrides the byte rate and floor used to guess how long
// a synthesized reply plays.
func WithPlaybackEstimate(bytesPerSecond int, floor time.Duration) Option {
	return func(m *Manager) {
		m.bytesPerSecond = bytesPerSecond
		m.minPlayback = floor
	}
}

// NewManager creates a session manager with Redis connection
func NewManager(cfg *config.Config, collab Collaborators, opts ...Option) (*Manager, error) {
	if collab.Recognizer == nil || collab.Generator == nil || collab.Synthesizer == nil {
		return nil, errors.New("recognizer, generator and synthesizer are required")
	}

	m := &Manager{
		sessions:       make(map[string]*ClientSession),
		config:         cfg,
		collab:         collab,
		logger:         slog.Default(),
		now:            time.Now,
		bytesPerSecond: audio.PlaybackBytesPerSecond,
		minPlayback:    audio.MinPlayback,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.New("")
	}

	if cfg.RedisURL != "" {
		// Try to connect to Redis, but don't fail if unavailable
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       0,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			m.logger.Warn("redis unavailable, session mirror disabled", "addr", cfg.RedisURL, "error", err)
			client.Close()
		} else {
			m.redis = client
		}
	}

	return m, nil
}

// GetOrCreate returns the session for clientID, creating it in the given mode.
// Every call counts as client activity.
func (m *Manager) GetOrCreate(clientID string, mode TransportMode) (*ClientSession, error) {
	m.mu.Lock()
	cs, created, err := m.getOrCreateLocked(clientID, mode)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if created {
		m.storeSession(cs)
		return cs, nil
	}
	cs.touch(mode)
	return cs, nil
}

func (m *Manager) getOrCreateLocked(clientID string, mode TransportMode) (*ClientSession, bool, error) {
	if cs, ok := m.sessions[clientID]; ok {
		return cs, false, nil
	}
	if len(m.sessions) >= m.config.MaxSessions {
		return nil, false, ErrTooManySessions
	}

	cs := newClientSession(m, clientID, mode)
	m.sessions[clientID] = cs
	m.metrics.SessionsActive.Inc()
	m.metrics.SessionsTotal.WithLabelValues(string(mode)).Inc()
	m.logger.Info("session created", "client_id", clientID, "transport", mode)
	return cs, true, nil
}

// Attach binds a websocket sub-channel to the client's session, creating the
// session if needed. A sink already attached on the same channel is closed.
func (m *Manager) Attach(clientID string, ch Channel, sink io.Closer) (*ClientSession, error) {
	m.mu.Lock()
	cs, _, err := m.getOrCreateLocked(clientID, ModeSocket)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	old, err := cs.attach(ch, sink)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if old != nil {
		m.logger.Info("replacing socket", "client_id", clientID, "channel", ch)
		old.Close()
	} else {
		m.metrics.ConnectionsActive.WithLabelValues(string(ch)).Inc()
	}
	m.storeSession(cs)
	return cs, nil
}

// Detach unbinds sink from the client's session. When neither sub-channel
// remains attached the session is torn down. A sink that was already replaced
// is ignored.
func (m *Manager) Detach(clientID string, ch Channel, sink io.Closer) {
	m.mu.Lock()
	cs, ok := m.sessions[clientID]
	if !ok {
		m.mu.Unlock()
		return
	}
	detached, empty := cs.detach(ch, sink)
	teardown := detached && empty
	if teardown {
		delete(m.sessions, clientID)
	}
	m.mu.Unlock()

	if !detached {
		return
	}
	m.metrics.ConnectionsActive.WithLabelValues(string(ch)).Dec()
	if teardown {
		m.release(cs)
	}
}

// Get retrieves a session by client id
func (m *Manager) Get(clientID string) (*ClientSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cs, exists := m.sessions[clientID]
	return cs, exists
}

// Teardown releases the session's recognizer and playback timer and removes it.
func (m *Manager) Teardown(clientID string) error {
	m.mu.Lock()
	cs, exists := m.sessions[clientID]
	if exists {
		delete(m.sessions, clientID)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, clientID)
	}
	m.release(cs)
	return nil
}

func (m *Manager) release(cs *ClientSession) {
	for _, ch := range cs.close() {
		m.metrics.ConnectionsActive.WithLabelValues(string(ch)).Dec()
	}
	m.metrics.SessionsActive.Dec()
	m.removeSession(cs.ID)
	m.logger.Info("session removed", "client_id", cs.ID)
}

// Count returns current session count
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CleanupIdle removes sessions with no attached socket that have been silent
// for longer than PollIdleTimeout.
func (m *Manager) CleanupIdle() int {
	cutoff := m.now().Add(-m.config.PollIdleTimeout)

	m.mu.Lock()
	var idle []*ClientSession
	for id, cs := range m.sessions {
		if cs.idleSince(cutoff) {
			idle = append(idle, cs)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, cs := range idle {
		m.release(cs)
	}
	return len(idle)
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions
func (m *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.CleanupIdle(); n > 0 {
				m.logger.Info("idle sessions removed", "count", n)
			}
		}
	}
}

// Shutdown closes all sessions and waits for their background work.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*ClientSession, 0, len(m.sessions))
	for id, cs := range m.sessions {
		all = append(all, cs)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, cs := range all {
		m.release(cs)
		cs.Wait()
	}

	if m.redis != nil {
		m.redis.Close()
	}
}

// storeSession mirrors a session into Redis
func (m *Manager) storeSession(cs *ClientSession) {
	if m.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	cs.mu.Lock()
	fields := map[string]interface{}{
		"created_at":    cs.CreatedAt.Format(time.RFC3339),
		"last_activity": cs.lastActivity.Format(time.RFC3339),
		"transport":     string(cs.mode),
		"status":        "active",
	}
	cs.mu.Unlock()

	key := "session:" + cs.ID
	pipe := m.redis.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, activeSessionsKey, cs.ID)
	pipe.Expire(ctx, key, m.config.SessionTimeout)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Debug("redis mirror update failed", "client_id", cs.ID, "error", err)
	}
}

func (m *Manager) removeSession(clientID string) {
	if m.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	pipe := m.redis.TxPipeline()
	pipe.Del(ctx, "session:"+clientID)
	pipe.SRem(ctx, activeSessionsKey, clientID)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Debug("redis mirror removal failed", "client_id", clientID, "error", err)
	}
}
