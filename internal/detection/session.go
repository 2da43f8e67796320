package detection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

// StreamSource yields the current fused series for a stream key. The
// surveillance service backs this with its estimate store.
type StreamSource interface {
	Stream(ctx context.Context, key models.StreamKey) (models.TimeSeriesStream, error)
}

// AlertSink receives every alert a session emits. Publish is called at most
// once per alert, from the session's own goroutine.
type AlertSink interface {
	Publish(ctx context.Context, alert models.OutbreakAlert) error
}

// SessionStatus is the externally visible state of one monitoring session.
type SessionStatus struct {
	ID              string
	Streams         []models.StreamKey
	Running         bool
	StartedAt       time.Time
	LastEvaluatedAt time.Time
	AlertsEmitted   int
	LastError       string
}

type session struct {
	id     string
	cfg    models.SessionConfig
	engine *Engine
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status SessionStatus
}

// SessionManager owns continuous monitoring sessions. Each session runs one
// goroutine that re-evaluates its streams on a fixed interval until stopped.
type SessionManager struct {
	logger     *slog.Logger
	thresholds *Thresholds
	source     StreamSource
	sink       AlertSink
	interval   time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

func NewSessionManager(logger *slog.Logger, thresholds *Thresholds, source StreamSource, sink AlertSink, interval time.Duration) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &SessionManager{
		logger:     logger,
		thresholds: thresholds,
		source:     source,
		sink:       sink,
		interval:   interval,
		sessions:   make(map[string]*session),
	}
}

// Start validates the config, spawns the session loop and returns the
// session ID.
func (m *SessionManager) Start(ctx context.Context, cfg models.SessionConfig) (string, error) {
	if len(cfg.Streams) == 0 {
		return "", fmt.Errorf("session needs at least one stream: %w", models.ErrAlgorithmConfigInvalid)
	}
	if err := validAlgorithms(cfg.Algorithms); err != nil {
		return "", err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		id:     uuid.NewString(),
		cfg:    cfg,
		engine: NewEngine(m.logger, m.thresholds),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.status = SessionStatus{
		ID:        s.id,
		Streams:   append([]models.StreamKey(nil), cfg.Streams...),
		Running:   true,
		StartedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	go m.run(loopCtx, s)
	m.logger.Info("monitoring session started", "session_id", s.id, "streams", len(cfg.Streams))
	return s.id, nil
}

func (m *SessionManager) run(ctx context.Context, s *session) {
	defer close(s.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.evaluate(ctx, s)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evaluate(ctx, s)
		}
	}
}

// evaluate fetches every stream once and runs one detection cycle. A stream
// fetch failure skips that stream for this cycle; the session keeps going.
func (m *SessionManager) evaluate(ctx context.Context, s *session) {
	var streams []models.TimeSeriesStream
	var lastErr error
	for _, key := range s.cfg.Streams {
		stream, err := m.source.Stream(ctx, key)
		if err != nil {
			lastErr = err
			m.logger.Warn("session stream fetch failed", "session_id", s.id, "stream", key.String(), "error", err)
			continue
		}
		streams = append(streams, stream)
	}

	var alerts []models.OutbreakAlert
	if len(streams) > 0 {
		var err error
		alerts, err = s.engine.Detect(streams, s.cfg.Algorithms, s.cfg.Sensitivity, s.cfg.MinConsensus)
		if err != nil {
			lastErr = err
			m.logger.Error("session detection failed", "session_id", s.id, "error", err)
		}
	}

	delivered := 0
	for _, alert := range alerts {
		if err := m.sink.Publish(ctx, alert); err != nil {
			lastErr = err
			m.logger.Error("alert publish failed", "session_id", s.id, "alert_id", alert.ID, "error", err)
			continue
		}
		delivered++
	}

	s.mu.Lock()
	s.status.LastEvaluatedAt = time.Now().UTC()
	s.status.AlertsEmitted += delivered
	if lastErr != nil {
		s.status.LastError = lastErr.Error()
	}
	s.mu.Unlock()
}

// Status reports the current state of a session.
func (m *SessionManager) Status(id string) (SessionStatus, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return SessionStatus{}, fmt.Errorf("session %s not found", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.status
	status.Streams = append([]models.StreamKey(nil), s.status.Streams...)
	return status, nil
}

// Stop cancels the session loop and waits for it to drain. Stopping an
// already stopped session is a no-op.
func (m *SessionManager) Stop(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	s.cancel()
	<-s.done
	s.mu.Lock()
	s.status.Running = false
	s.mu.Unlock()
	m.logger.Info("monitoring session stopped", "session_id", id)
	return nil
}

// StopAll shuts every session down, for process shutdown.
func (m *SessionManager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Stop(id)
	}
}

// List returns the status of every known session.
func (m *SessionManager) List() []SessionStatus {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, s.status)
		s.mu.Unlock()
	}
	return out
}
