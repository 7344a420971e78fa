package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/lynk/internal/metrics"
)

// Job is a kind of deferred work the runner knows how to execute.
type Job interface {
	Kind() string
	Policy() Policy
	// Handle runs one attempt. A returned error schedules a retry
	// according to Policy, unless it is Permanent.
	Handle(ctx context.Context, payload json.RawMessage) error
	// Failed is called exactly once when the retry budget is exhausted.
	Failed(ctx context.Context, payload json.RawMessage, err error)
}

// Job outcomes
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)

// RunnerConfig tunes the worker pool
type RunnerConfig struct {
	Concurrency  int
	PollInterval time.Duration // idle wait when the broker has nothing due
}

// Runner pulls envelopes from a broker and executes the matching Job.
type Runner struct {
	broker Broker
	jobs   map[string]Job
	config RunnerConfig
	logger *zap.Logger
}

// NewRunner creates a runner for the given jobs
func NewRunner(broker Broker, cfg RunnerConfig, logger *zap.Logger, jobs ...Job) *Runner {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Runner{
		broker: broker,
		jobs:   make(map[string]Job, len(jobs)),
		config: cfg,
		logger: logger,
	}
	for _, job := range jobs {
		r.Register(job)
	}
	return r
}

// Register adds a job kind. A later registration of the same kind wins.
func (r *Runner) Register(job Job) {
	r.jobs[job.Kind()] = job
}

// Start runs Concurrency workers until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	g, groupCtx := errgroup.WithContext(ctx)

	for i := 0; i < r.config.Concurrency; i++ {
		workerID := i + 1
		g.Go(func() error {
			r.logger.Info("job worker started", zap.Int("worker_id", workerID))
			r.loop(groupCtx, workerID)
			r.logger.Info("job worker stopped", zap.Int("worker_id", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, workerID int) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		processed, err := r.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			r.logger.Warn("broker receive failed",
				zap.Int("worker_id", workerID),
				zap.Duration("retry_in", wait),
				zap.Error(err),
			)
			sleep(ctx, wait)
			continue
		}
		bo.Reset()

		if !processed {
			sleep(ctx, r.config.PollInterval)
		}
	}
}

// RunOnce receives at most one envelope and processes it. It reports whether
// an envelope was received; the error is only set for broker receive failures.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	receipt, err := r.broker.Receive(ctx)
	if err != nil {
		return false, fmt.Errorf("receive: %w", err)
	}
	if receipt == nil {
		return false, nil
	}

	r.process(ctx, receipt)
	return true, nil
}

func (r *Runner) process(ctx context.Context, receipt *Receipt) {
	env := receipt.Envelope
	logger := r.logger.With(
		zap.String("job_id", env.ID),
		zap.String("kind", env.Kind),
	)

	job, ok := r.jobs[env.Kind]
	if !ok {
		logger.Error("dropping job of unknown kind")
		metrics.RecordJobOutcome(env.Kind, OutcomeDropped)
		r.ack(ctx, receipt, logger)
		return
	}

	policy := job.Policy().withDefaults()
	attempt := env.Attempt + 1

	start := time.Now()
	panicked, err := r.invoke(ctx, job, policy, env.Payload)
	metrics.RecordJobDuration(env.Kind, time.Since(start))

	if err == nil {
		logger.Debug("job succeeded", zap.Int("attempt", attempt))
		metrics.RecordJobOutcome(env.Kind, OutcomeSucceeded)
		r.ack(ctx, receipt, logger)
		return
	}

	next := env
	next.Attempt = attempt
	next.LastError = err.Error()
	if panicked {
		next.Exceptions++
	}

	switch {
	case IsPermanent(err):
		logger.Warn("job failed permanently, skipping retries",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		r.fail(ctx, job, receipt, err, logger)

	case policy.MaxExceptions > 0 && next.Exceptions >= policy.MaxExceptions:
		logger.Warn("job exceeded max exceptions",
			zap.Int("attempt", attempt),
			zap.Int("exceptions", next.Exceptions),
			zap.Error(err),
		)
		r.fail(ctx, job, receipt, err, logger)

	case attempt >= policy.Tries:
		r.fail(ctx, job, receipt, err, logger)

	default:
		delay := policy.Delay(attempt)
		// Publish before ack: a crash in between yields a duplicate, never a loss.
		if pubErr := r.broker.Publish(context.WithoutCancel(ctx), next, delay); pubErr != nil {
			logger.Error("failed to schedule retry, leaving job for redelivery",
				zap.Int("attempt", attempt),
				zap.Error(pubErr),
			)
			return
		}
		logger.Warn("job attempt failed, retry scheduled",
			zap.Int("attempt", attempt),
			zap.Int("tries", policy.Tries),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		metrics.RecordJobOutcome(env.Kind, OutcomeRetried)
		r.ack(ctx, receipt, logger)
	}
}

func (r *Runner) invoke(ctx context.Context, job Job, policy Policy, payload json.RawMessage) (panicked bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			panicked = true
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	return false, job.Handle(ctx, payload)
}

func (r *Runner) fail(ctx context.Context, job Job, receipt *Receipt, err error, logger *zap.Logger) {
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("failed hook panicked", zap.Any("panic", rec))
			}
		}()
		job.Failed(context.WithoutCancel(ctx), receipt.Envelope.Payload, err)
	}()

	metrics.RecordJobOutcome(receipt.Envelope.Kind, OutcomeFailed)
	r.ack(ctx, receipt, logger)
}

func (r *Runner) ack(ctx context.Context, receipt *Receipt, logger *zap.Logger) {
	if err := r.broker.Ack(context.WithoutCancel(ctx), receipt); err != nil {
		logger.Error("failed to ack job", zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
