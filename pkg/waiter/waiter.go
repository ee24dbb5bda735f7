// Package waiter blocks until a remote execution reaches a terminal state.
//
// The Controller has two modes. In status-poll mode it re-fetches the
// execution status at a fixed interval. In log-tail mode it drives a
// tail.Poller to exhaustion, handing every batch to the caller, and then
// fetches the status once more for the authoritative result.
//
// If the caller's context is cancelled while the execution is still
// running, the Controller asks the service to abort it, re-reads the
// status, and returns a partial Result without an error.
package waiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/rexmon/internal/sleep"
	"github.com/3leaps/rexmon/pkg/remote"
	"github.com/3leaps/rexmon/pkg/tail"
)

// Config configures controller behavior.
type Config struct {
	// PollInterval is the pause between status fetches in status-poll mode.
	// Default: 5s
	PollInterval time.Duration

	// AbortTimeout bounds the abort request and the status fetch that
	// follows it. Both run after the caller's context is already done.
	// Default: 30s
	AbortTimeout time.Duration

	// Tail configures the poller used in log-tail mode.
	// Default: tail.DefaultConfig()
	Tail tail.Config

	// Logger receives progress and abort diagnostics.
	// Default: no-op
	Logger *zap.Logger
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		AbortTimeout: 30 * time.Second,
		Tail:         tail.DefaultConfig(),
	}
}

// Options selects the wait mode for one call.
type Options struct {
	// TailLogs follows the execution log instead of polling status.
	TailLogs bool

	// CollectLogs keeps every surfaced line in Result.Lines.
	CollectLogs bool

	// OnBatch is called with every non-empty batch as it arrives.
	// A returned error stops the wait and is returned wrapped.
	OnBatch func(batch []remote.LogLine) error
}

// Result describes how a wait ended.
type Result struct {
	ExecutionID string                 `json:"execution_id"`
	Status      remote.ExecutionStatus `json:"status"`

	// Lines holds the collected log when Options.CollectLogs is set.
	Lines []remote.LogLine `json:"-"`

	// LinesSeen counts surfaced lines whether or not they were collected.
	LinesSeen int `json:"lines_seen"`

	// LastOffset is the log cursor reached in log-tail mode.
	LastOffset int64 `json:"last_offset"`

	// Cancelled is set when the caller's context ended the wait.
	Cancelled bool `json:"cancelled"`

	// AbortAttempted is set when an abort request was sent.
	AbortAttempted bool                `json:"abort_attempted"`
	Abort          *remote.AbortResult `json:"abort,omitempty"`
	AbortErr       error               `json:"-"`
}

// Controller waits for executions to finish.
//
// A Controller holds no per-execution state and may be shared.
type Controller struct {
	cfg   Config
	log   *zap.Logger
	sleep sleep.Func
}

// New creates a controller.
//
// Use DefaultConfig() as the base configuration.
func New(cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.AbortTimeout <= 0 {
		cfg.AbortTimeout = def.AbortTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tail.Logger == nil {
		cfg.Tail.Logger = cfg.Logger
	}

	return &Controller{
		cfg:   cfg,
		log:   cfg.Logger,
		sleep: sleep.Context,
	}
}

// AwaitTermination blocks until exec reaches a terminal state, the
// context is cancelled, or a fatal error occurs.
//
// A status-fetch failure is fatal. On cancellation the returned Result
// has Cancelled set and its Status is whatever the service reported after
// the abort request; RUNNING is possible when the abort did not take
// effect in time.
func (c *Controller) AwaitTermination(ctx context.Context, svc remote.Service, exec remote.ExecutionHandle, opts Options) (*Result, error) {
	if exec.ID == "" {
		return nil, errors.New("execution id is required")
	}

	res := &Result{
		ExecutionID: exec.ID,
		Status:      exec.Status,
	}
	log := c.log.With(zap.String("execution_id", exec.ID))

	var err error
	if opts.TailLogs {
		err = c.tailUntilDone(ctx, svc, res, opts)
	} else {
		err = c.pollUntilDone(ctx, svc, res, log)
	}
	if err != nil {
		return res, err
	}

	if ctx.Err() != nil && !res.Status.Terminal() {
		c.abort(ctx, svc, res, log)
	} else if ctx.Err() != nil {
		res.Cancelled = true
	}

	log.Debug("Wait finished",
		zap.String("status", res.Status.String()),
		zap.Bool("cancelled", res.Cancelled))
	return res, nil
}

// pollUntilDone refreshes the status until it is terminal.
func (c *Controller) pollUntilDone(ctx context.Context, svc remote.Service, res *Result, log *zap.Logger) error {
	for {
		status, err := svc.GetStatus(ctx, res.ExecutionID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch status of execution %s: %w", res.ExecutionID, err)
		}
		if err := observe(res, status); err != nil {
			return err
		}
		if status.Terminal() {
			return nil
		}

		log.Debug("Execution still running", zap.Duration("next_poll", c.cfg.PollInterval))
		if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
			return nil
		}
	}
}

// tailUntilDone follows the log to its end and then reads the final status.
func (c *Controller) tailUntilDone(ctx context.Context, svc remote.Service, res *Result, opts Options) error {
	p := tail.New(svc, res.ExecutionID, c.cfg.Tail)

	for batch, err := range p.Batches(ctx) {
		if err != nil {
			res.LastOffset = p.Offset()
			return err
		}

		res.LinesSeen += len(batch)
		if opts.CollectLogs {
			res.Lines = append(res.Lines, batch...)
		}
		if opts.OnBatch != nil {
			if err := opts.OnBatch(batch); err != nil {
				res.LastOffset = p.Offset()
				return fmt.Errorf("handle log batch at offset %d: %w", p.Offset(), err)
			}
		}
	}
	res.LastOffset = p.Offset()

	if ctx.Err() != nil {
		return nil
	}

	status, err := svc.GetStatus(ctx, res.ExecutionID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("fetch final status of execution %s: %w", res.ExecutionID, err)
	}
	return observe(res, status)
}

// abort requests a remote abort after local cancellation and records the
// status that follows. Failures here are logged, never returned.
func (c *Controller) abort(ctx context.Context, svc remote.Service, res *Result, log *zap.Logger) {
	res.Cancelled = true
	res.AbortAttempted = true

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.AbortTimeout)
	defer cancel()

	log.Info("Wait interrupted, aborting remote execution")
	ack, err := svc.Abort(actx, res.ExecutionID)
	if err != nil {
		res.AbortErr = err
		log.Warn("Abort request failed", zap.Error(err))
	} else {
		res.Abort = ack
		log.Info("Abort requested",
			zap.Bool("acknowledged", ack.Acknowledged),
			zap.String("abort_status", ack.Status),
			zap.String("reason", ack.Reason))
	}

	status, err := svc.GetStatus(actx, res.ExecutionID)
	if err != nil {
		log.Warn("Status fetch after abort failed", zap.Error(err))
		return
	}
	if err := observe(res, status); err != nil {
		log.Warn("Ignoring status after abort", zap.Error(err))
		return
	}
	log.Info("Status after abort", zap.String("status", status.String()))
}

// observe records a freshly fetched status, rejecting a terminal state
// that reverts to RUNNING.
func observe(res *Result, next remote.ExecutionStatus) error {
	if res.Status.Terminal() && next == remote.StatusRunning {
		return &remote.ServiceError{
			Op:          "GetStatus",
			ExecutionID: res.ExecutionID,
			Err:         fmt.Errorf("%w: status went from %s back to %s", remote.ErrProtocol, res.Status, next),
		}
	}
	res.Status = next
	return nil
}
