package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

// State is the circuit position for one serviceID.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerConfig tunes the per-service circuit state machine.
type BreakerConfig struct {
	FailureThreshold  int
	SlidingWindow     time.Duration
	CoolDownPeriod    time.Duration
	BackoffMultiplier float64
	MaxCoolDown       time.Duration
}

// DefaultBreakerConfig mirrors the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		SlidingWindow:     time.Minute,
		CoolDownPeriod:    30 * time.Second,
		BackoffMultiplier: 2,
		MaxCoolDown:       10 * time.Minute,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SlidingWindow <= 0 {
		c.SlidingWindow = time.Minute
	}
	if c.CoolDownPeriod <= 0 {
		c.CoolDownPeriod = 30 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.MaxCoolDown <= 0 {
		c.MaxCoolDown = 10 * time.Minute
	}
	return c
}

// Record is a read-only snapshot of one circuit.
type Record struct {
	ServiceID    string
	State        State
	Failures     int
	NextRetry    time.Time
	CoolDown     time.Duration
	LastFailure  time.Time
	TotalSkipped int64
}

// record is the mutable circuit state. All transitions happen under mu so two
// concurrent callers cannot both half-open the same circuit.
type record struct {
	mu           sync.Mutex
	serviceID    string
	state        State
	failures     []time.Time
	coolDown     time.Duration
	nextRetry    time.Time
	lastFailure  time.Time
	trialPending bool
	totalSkipped int64
}

// Manager owns the circuit records for every serviceID and wraps outbound
// provider calls with the breaker plus the retry policy.
type Manager struct {
	mu      sync.RWMutex
	records map[string]*record
	breaker BreakerConfig
	retry   RetryConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager constructs a Manager with the supplied breaker and retry tuning.
func NewManager(logger *slog.Logger, breaker BreakerConfig, retry RetryConfig) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		records: make(map[string]*record),
		breaker: breaker.withDefaults(),
		retry:   retry.withDefaults(),
		logger:  logger,
		now:     time.Now,
	}
}

// Call executes op behind the circuit for serviceID. While the circuit is
// open the op is rejected with ErrCircuitOpen and never invoked. Transient
// failures are retried per the retry policy before the outcome is recorded.
func (m *Manager) Call(ctx context.Context, serviceID string, op func(context.Context) error) error {
	rec := m.recordFor(serviceID)

	admitted, trial := m.admit(rec)
	if !admitted {
		return fmt.Errorf("service %s: %w", serviceID, models.ErrCircuitOpen)
	}

	err := retryDo(ctx, m.retry, op)
	m.settle(rec, trial, err)
	return err
}

// Allow reports whether a call for serviceID would currently be admitted,
// without consuming the half-open trial slot.
func (m *Manager) Allow(serviceID string) bool {
	rec := m.recordFor(serviceID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != StateOpen {
		return true
	}
	return !m.now().Before(rec.nextRetry)
}

// Snapshot returns the current record for serviceID.
func (m *Manager) Snapshot(serviceID string) Record {
	rec := m.recordFor(serviceID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return Record{
		ServiceID:    rec.serviceID,
		State:        rec.state,
		Failures:     len(m.prune(rec)),
		NextRetry:    rec.nextRetry,
		CoolDown:     rec.coolDown,
		LastFailure:  rec.lastFailure,
		TotalSkipped: rec.totalSkipped,
	}
}

// OpenFraction is the share of known circuits currently open. Callers use it
// to decide whether to proceed with a degraded source set.
func (m *Manager) OpenFraction() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.records) == 0 {
		return 0
	}
	open := 0
	for _, rec := range m.records {
		rec.mu.Lock()
		if rec.state == StateOpen {
			open++
		}
		rec.mu.Unlock()
	}
	return float64(open) / float64(len(m.records))
}

func (m *Manager) recordFor(serviceID string) *record {
	m.mu.RLock()
	rec, ok := m.records[serviceID]
	m.mu.RUnlock()
	if ok {
		return rec
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok = m.records[serviceID]; ok {
		return rec
	}
	rec = &record{
		serviceID: serviceID,
		state:     StateClosed,
		coolDown:  m.breaker.CoolDownPeriod,
	}
	m.records[serviceID] = rec
	return rec
}

// admit decides whether the call proceeds. The second return marks the call
// as the single half-open trial.
func (m *Manager) admit(rec *record) (bool, bool) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch rec.state {
	case StateClosed:
		return true, false
	case StateHalfOpen:
		if rec.trialPending {
			rec.totalSkipped++
			return false, false
		}
		rec.trialPending = true
		return true, true
	case StateOpen:
		if m.now().Before(rec.nextRetry) {
			rec.totalSkipped++
			return false, false
		}
		rec.state = StateHalfOpen
		rec.trialPending = true
		m.logger.Debug("circuit half-open", slog.String("service", rec.serviceID))
		return true, true
	}
	return false, false
}

func (m *Manager) settle(rec *record, trial bool, err error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if trial {
		rec.trialPending = false
	}

	if err == nil {
		if rec.state != StateClosed {
			m.logger.Info("circuit closed", slog.String("service", rec.serviceID))
		}
		rec.state = StateClosed
		rec.failures = rec.failures[:0]
		rec.coolDown = m.breaker.CoolDownPeriod
		return
	}

	now := m.now()
	rec.lastFailure = now
	rec.failures = append(m.prune(rec), now)

	if trial {
		// Failed trial: reopen with backoff applied to the cool-down.
		rec.coolDown = time.Duration(float64(rec.coolDown) * m.breaker.BackoffMultiplier)
		if rec.coolDown > m.breaker.MaxCoolDown {
			rec.coolDown = m.breaker.MaxCoolDown
		}
		m.open(rec, now)
		return
	}

	if rec.state == StateClosed && len(rec.failures) >= m.breaker.FailureThreshold {
		m.open(rec, now)
	}
}

func (m *Manager) open(rec *record, now time.Time) {
	rec.state = StateOpen
	rec.nextRetry = now.Add(rec.coolDown)
	m.logger.Warn("circuit opened",
		slog.String("service", rec.serviceID),
		slog.Int("failures", len(rec.failures)),
		slog.Duration("cool_down", rec.coolDown))
}

// prune drops failures that fell out of the sliding window. Caller holds rec.mu.
func (m *Manager) prune(rec *record) []time.Time {
	cutoff := m.now().Add(-m.breaker.SlidingWindow)
	kept := rec.failures[:0]
	for _, ts := range rec.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	rec.failures = kept
	return kept
}
