package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianbrokers/courier/internal/circuitbreaker"
	"github.com/meridianbrokers/courier/internal/metrics"
	"github.com/meridianbrokers/courier/internal/sender"
	"github.com/meridianbrokers/courier/internal/store"
)

// Store is the slice of the message store the dispatcher needs.
type Store interface {
	ClaimBatch(ctx context.Context, limit int) ([]*store.QueuedMessage, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	RecordAttemptFailure(ctx context.Context, id uuid.UUID, sendErr string, retryAt time.Time) (int, bool, error)
	Release(ctx context.Context, id uuid.UUID, retryAt time.Time) error
	FindRetriableFailed(ctx context.Context, cooldown time.Duration, limit int) ([]*store.QueuedMessage, error)
	RequeueFailed(ctx context.Context, id uuid.UUID) error
	ReclaimStuck(ctx context.Context, olderThan time.Duration) (int, error)
	MoveToDeadLetter(ctx context.Context, msg *store.QueuedMessage, reason, lastError string) (*store.DeadLetterMessage, error)
	AppendDeliveryStatus(ctx context.Context, rec *store.DeliveryStatusRecord) error
}

// Config tunes the dispatcher. Zero values get the defaults below.
type Config struct {
	BatchSize       int           // messages claimed per ProcessQueue run
	Workers         int           // goroutines sending a claimed batch
	SweepCooldown   time.Duration // how old a failure must be before the sweep touches it
	SweepLimit      int           // failed messages re-queued per sweep
	MaxRequeues     int           // fresh budgets a message can ever get from the sweep
	ClaimTimeout    time.Duration // processing age after which a claim is considered stuck
	PollInterval    time.Duration
	SweepInterval   time.Duration
	ReclaimInterval time.Duration

	// ReportInterimFailures also logs delivery records for non-final failed
	// attempts. Off by default to keep retry noise out of the report.
	ReportInterimFailures bool

	// CircuitRetryDelay is how long a message waits after being bounced by
	// an open circuit breaker. The bounce does not consume an attempt.
	CircuitRetryDelay time.Duration
}

// Dispatcher pulls due messages in priority order, routes each to its
// channel sender and drives the queued/sent/failed state machine.
type Dispatcher struct {
	store   Store
	senders *sender.Registry
	config  Config
	logger  *zap.Logger
}

// retryBackoff is the wait before the next attempt, indexed by the attempt
// that just failed.
var retryBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

// New creates a dispatcher.
func New(st Store, senders *sender.Registry, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.SweepCooldown == 0 {
		cfg.SweepCooldown = 15 * time.Minute
	}
	if cfg.SweepLimit == 0 {
		cfg.SweepLimit = 20
	}
	if cfg.MaxRequeues == 0 {
		cfg.MaxRequeues = 1
	}
	if cfg.ClaimTimeout == 0 {
		cfg.ClaimTimeout = 5 * time.Minute
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 1 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.ReclaimInterval == 0 {
		cfg.ReclaimInterval = 1 * time.Minute
	}
	if cfg.CircuitRetryDelay == 0 {
		cfg.CircuitRetryDelay = 30 * time.Second
	}

	return &Dispatcher{
		store:   st,
		senders: senders,
		config:  cfg,
		logger:  logger,
	}
}

// ProcessQueue claims one batch and attempts every message in it. Returns
// the number of messages attempted, success or not; that is a throughput
// number. A claim failure is fatal to the invocation; individual send
// failures are isolated per message.
func (d *Dispatcher) ProcessQueue(ctx context.Context) (int, error) {
	batch, err := d.store.ClaimBatch(ctx, d.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	metrics.ObserveBatchSize(len(batch))

	jobs := make(chan *store.QueuedMessage)
	var wg sync.WaitGroup
	for i := 0; i < d.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range jobs {
				d.processMessage(ctx, msg)
			}
		}()
	}

	for _, msg := range batch {
		jobs <- msg
	}
	close(jobs)
	wg.Wait()

	return len(batch), nil
}

func (d *Dispatcher) processMessage(ctx context.Context, msg *store.QueuedMessage) {
	snd, err := d.senders.ForChannel(msg.Channel)
	if err != nil {
		d.deadLetter(ctx, msg, store.DLQReasonBadConfiguration, err)
		return
	}

	start := time.Now()
	sendErr := snd.Send(ctx, msg)
	metrics.ObserveSendDuration(string(msg.Channel), time.Since(start))

	if sendErr == nil {
		if err := d.store.MarkSent(ctx, msg.ID); err != nil {
			d.logger.Error("failed to mark message sent",
				zap.Error(err),
				zap.String("message_id", msg.ID.String()),
			)
			return
		}
		metrics.RecordDispatched(string(msg.Channel), "sent")

		msg.Attempts++
		d.appendDeliveryStatus(msg, store.DeliverySent, nil)

		d.logger.Info("message sent",
			zap.String("message_id", msg.ID.String()),
			zap.String("channel", string(msg.Channel)),
			zap.Int("attempts", msg.Attempts),
		)
		return
	}

	switch {
	case errors.Is(sendErr, circuitbreaker.ErrCircuitOpen):
		// The send was never tried; put the message back without burning
		// an attempt.
		if err := d.store.Release(ctx, msg.ID, time.Now().Add(d.config.CircuitRetryDelay)); err != nil {
			d.logger.Error("failed to release message after circuit rejection",
				zap.Error(err),
				zap.String("message_id", msg.ID.String()),
			)
		}
		metrics.RecordDispatched(string(msg.Channel), "deferred")

	case errors.Is(sendErr, sender.ErrBadPayload):
		// Retrying will not fix bad configuration.
		d.deadLetter(ctx, msg, store.DLQReasonBadConfiguration, sendErr)

	default:
		retryAt := time.Now().Add(nextRetryDelay(msg.Attempts + 1))
		attempts, final, err := d.store.RecordAttemptFailure(ctx, msg.ID, sendErr.Error(), retryAt)
		if err != nil {
			d.logger.Error("failed to record attempt failure",
				zap.Error(err),
				zap.String("message_id", msg.ID.String()),
			)
			return
		}
		metrics.RecordDispatched(string(msg.Channel), "failed")

		d.logger.Warn("message send failed",
			zap.Error(sendErr),
			zap.String("message_id", msg.ID.String()),
			zap.String("channel", string(msg.Channel)),
			zap.Int("attempts", attempts),
			zap.Bool("final", final),
		)

		if final || d.config.ReportInterimFailures {
			msg.Attempts = attempts
			errText := sendErr.Error()
			d.appendDeliveryStatus(msg, store.DeliveryFailed, &errText)
		}
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, msg *store.QueuedMessage, reason string, cause error) {
	d.logger.Error("message cannot be delivered, dead-lettering",
		zap.Error(cause),
		zap.String("message_id", msg.ID.String()),
		zap.String("channel", string(msg.Channel)),
		zap.String("reason", reason),
	)

	if _, err := d.store.MoveToDeadLetter(ctx, msg, reason, cause.Error()); err != nil {
		d.logger.Error("failed to dead-letter message",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
		return
	}
	metrics.RecordDeadLettered(reason)
}

// appendDeliveryStatus writes the delivery log entry inside its own error
// boundary. The primary dispatch result is already persisted; a reporting
// failure can only produce a warning.
func (d *Dispatcher) appendDeliveryStatus(msg *store.QueuedMessage, status string, errText *string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("delivery status append panicked",
				zap.Any("panic", r),
				zap.String("message_id", msg.ID.String()),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	rec := &store.DeliveryStatusRecord{
		MessageID: msg.ID,
		Channel:   msg.Channel,
		Recipient: sender.AddressOf(msg.Channel, msg.Recipient),
		Status:    status,
		Attempts:  msg.Attempts,
		Error:     errText,
	}
	if status == store.DeliverySent {
		rec.SentAt = &now
	}

	if err := d.store.AppendDeliveryStatus(ctx, rec); err != nil {
		d.logger.Warn("failed to append delivery status",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
		return
	}
	metrics.RecordDeliveryStatusWrite(status)
}

// RetrySweep gives old failures another chance. Failed messages past the
// cooldown get a fresh attempt budget, up to MaxRequeues fresh budgets per
// message; beyond that they go to the dead-letter table. Returns the number
// re-queued.
func (d *Dispatcher) RetrySweep(ctx context.Context) (int, error) {
	msgs, err := d.store.FindRetriableFailed(ctx, d.config.SweepCooldown, d.config.SweepLimit)
	if err != nil {
		return 0, fmt.Errorf("find retriable failed: %w", err)
	}

	requeued := 0
	for _, msg := range msgs {
		if msg.Requeues >= d.config.MaxRequeues {
			lastErr := "retry budget exhausted"
			if msg.LastError != nil {
				lastErr = *msg.LastError
			}
			d.deadLetter(ctx, msg, store.DLQReasonRetriesExhausted, errors.New(lastErr))
			continue
		}

		if err := d.store.RequeueFailed(ctx, msg.ID); err != nil {
			d.logger.Error("failed to re-queue message",
				zap.Error(err),
				zap.String("message_id", msg.ID.String()),
			)
			continue
		}
		requeued++
	}

	if requeued > 0 {
		metrics.RecordSweepRequeued(requeued)
		d.logger.Info("retry sweep re-queued messages", zap.Int("count", requeued))
	}

	return requeued, nil
}

// ReclaimStuck returns crashed claims to the queue.
func (d *Dispatcher) ReclaimStuck(ctx context.Context) (int, error) {
	return d.store.ReclaimStuck(ctx, d.config.ClaimTimeout)
}

// Run drives the three loops until ctx is cancelled. Each tick is
// panic-recovered so one bad batch cannot take the loops down.
func (d *Dispatcher) Run(ctx context.Context) {
	poll := time.NewTicker(d.config.PollInterval)
	sweep := time.NewTicker(d.config.SweepInterval)
	reclaim := time.NewTicker(d.config.ReclaimInterval)
	defer poll.Stop()
	defer sweep.Stop()
	defer reclaim.Stop()

	d.logger.Info("dispatcher started",
		zap.Duration("poll_interval", d.config.PollInterval),
		zap.Duration("sweep_interval", d.config.SweepInterval),
		zap.Int("batch_size", d.config.BatchSize),
		zap.Int("workers", d.config.Workers),
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-poll.C:
			d.safeTick(ctx, "process_queue", func(ctx context.Context) error {
				n, err := d.ProcessQueue(ctx)
				if n > 0 {
					d.logger.Info("queue processed", zap.Int("attempted", n))
				}
				return err
			})
		case <-sweep.C:
			d.safeTick(ctx, "retry_sweep", func(ctx context.Context) error {
				_, err := d.RetrySweep(ctx)
				return err
			})
		case <-reclaim.C:
			d.safeTick(ctx, "reclaim_stuck", func(ctx context.Context) error {
				_, err := d.ReclaimStuck(ctx)
				return err
			})
		}
	}
}

func (d *Dispatcher) safeTick(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher tick panicked",
				zap.String("tick", name),
				zap.Any("panic", r),
			)
		}
	}()

	if err := fn(ctx); err != nil {
		d.logger.Error("dispatcher tick failed",
			zap.String("tick", name),
			zap.Error(err),
		)
	}
}

func nextRetryDelay(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(retryBackoff) {
		idx = len(retryBackoff) - 1
	}
	return retryBackoff[idx]
}
