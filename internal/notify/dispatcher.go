package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/epiwatchstack/epiwatch-engine/internal/models"
)

// Handler delivers one alert to a downstream channel (webhook, pager,
// message bus). Transient delivery failures are retried by the dispatcher.
type Handler interface {
	Deliver(ctx context.Context, alert models.OutbreakAlert) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, alert models.OutbreakAlert) error

func (f HandlerFunc) Deliver(ctx context.Context, alert models.OutbreakAlert) error {
	return f(ctx, alert)
}

// LogHandler writes alerts to the structured log. It is the default sink
// when no downstream channel is configured.
type LogHandler struct {
	Logger *slog.Logger
}

func (h LogHandler) Deliver(_ context.Context, alert models.OutbreakAlert) error {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("outbreak alert",
		"alert_id", alert.ID,
		"disease", alert.DiseaseID,
		"region", alert.Region,
		"severity", alert.Severity,
	)
	return nil
}

// DispatcherConfig tunes the delivery worker.
type DispatcherConfig struct {
	QueueCapacity int
	MaxAttempts   int
	RetryDelay    time.Duration
	PollInterval  time.Duration
	BatchSize     int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	return c
}

// Dispatcher decouples alert producers from delivery. Publish enqueues and
// returns immediately; a single worker drains the queue and retries each
// alert up to MaxAttempts before parking it in the dead-letter buffer.
type Dispatcher struct {
	logger  *slog.Logger
	handler Handler
	queue   *Queue
	cfg     DispatcherConfig

	mu         sync.Mutex
	deadLetter []models.OutbreakAlert

	cancel context.CancelFunc
	done   chan struct{}
}

func NewDispatcher(logger *slog.Logger, handler Handler, cfg DispatcherConfig) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if handler == nil {
		handler = LogHandler{Logger: logger}
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		logger:  logger,
		handler: handler,
		queue:   NewQueue(cfg.QueueCapacity),
		cfg:     cfg,
	}
}

// Publish enqueues an alert for asynchronous delivery. A full queue is an
// error; alerts are never silently discarded.
func (d *Dispatcher) Publish(_ context.Context, alert models.OutbreakAlert) error {
	if !d.queue.Enqueue(alert) {
		return fmt.Errorf("notify queue full, alert %s dropped", alert.ID)
	}
	return nil
}

// Start spawns the delivery worker. Call Stop to drain and halt it.
func (d *Dispatcher) Start() {
	if d.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(ctx)
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.drain(context.Background())
			return
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		batch := d.queue.DequeueBatch(d.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		for _, alert := range batch {
			d.deliver(ctx, alert)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, alert models.OutbreakAlert) {
	var err error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err = d.handler.Deliver(ctx, alert); err == nil {
			return
		}
		d.logger.Warn("alert delivery failed",
			"alert_id", alert.ID,
			"attempt", attempt,
			"error", err,
		)
		if attempt < d.cfg.MaxAttempts {
			select {
			case <-ctx.Done():
			case <-time.After(d.cfg.RetryDelay * time.Duration(attempt)):
			}
		}
	}
	d.mu.Lock()
	d.deadLetter = append(d.deadLetter, alert)
	d.mu.Unlock()
	d.logger.Error("alert parked in dead letter",
		"alert_id", alert.ID,
		"disease", alert.DiseaseID,
		"region", alert.Region,
		"error", err,
	)
}

// DeadLetters returns a copy of the undeliverable alerts.
func (d *Dispatcher) DeadLetters() []models.OutbreakAlert {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.OutbreakAlert(nil), d.deadLetter...)
}

// Pending reports the number of queued, not yet delivered alerts.
func (d *Dispatcher) Pending() int {
	return d.queue.Len()
}

// Stop halts the worker after a final drain of the queue.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
	d.cancel = nil
	d.done = nil
}
