package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Delivery outcomes reported to OnOutcome.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeDropped = "dropped"
)

type DispatcherConfig struct {
	QueueSize int
	Workers   int
	// Timeout bounds a single delivery.
	Timeout time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// Dispatcher hands alerts to a Notifier off the write path. Enqueue never
// blocks; a full queue drops the alert with a warning.
type Dispatcher struct {
	notifier Notifier
	cfg      DispatcherConfig
	logger   *slog.Logger

	mu     sync.RWMutex
	queue  chan SecurityAlert
	closed bool
	wg     sync.WaitGroup

	// OnOutcome, if set, is called once per alert with one of the Outcome* values.
	OnOutcome func(outcome string)
}

func NewDispatcher(n Notifier, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		notifier: n,
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan SecurityAlert, cfg.QueueSize),
	}
	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}
	return d
}

// Enqueue schedules a for delivery and reports whether it was accepted.
func (d *Dispatcher) Enqueue(a SecurityAlert) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.outcome(OutcomeDropped)
		return false
	}
	select {
	case d.queue <- a:
		return true
	default:
		d.logger.Warn("alert queue full, dropping alert", "sequence_number", a.Sequence, "user_id", a.UserID)
		d.outcome(OutcomeDropped)
		return false
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for a := range d.queue {
		d.deliver(a)
	}
}

func (d *Dispatcher) deliver(a SecurityAlert) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()
	if err := d.notifier.Notify(ctx, a); err != nil {
		d.logger.Warn("alert delivery failed", "sequence_number", a.Sequence, "err", err)
		d.outcome(OutcomeFailed)
		return
	}
	d.outcome(OutcomeSent)
}

func (d *Dispatcher) outcome(o string) {
	if d.OnOutcome != nil {
		d.OnOutcome(o)
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered or
// for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
