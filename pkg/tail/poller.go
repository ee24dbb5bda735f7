// Package tail incrementally fetches the growing log of a remote execution.
//
// A Poller walks the log with a cursor (offset) and a page window. The
// window adapts to the observed backlog: full pages grow it by one unit,
// short pages shrink it back towards one unit, and once the execution is
// reported finished the poller switches to unbounded pages to drain what is
// left. Transient fetch failures are retried with a fixed delay.
//
// The sequence ends when both the log stream and the execution are reported
// complete, when retries are exhausted, or when the context is cancelled.
package tail

import (
	"context"
	"errors"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/rexmon/internal/sleep"
	"github.com/3leaps/rexmon/pkg/remote"
)

// Poller produces log-line batches for a single execution.
//
// A Poller is forward-only and not safe for concurrent use. Create a new
// Poller to start over.
type Poller struct {
	svc         remote.LogFetcher
	executionID string
	cfg         Config
	log         *zap.Logger
	sleep       sleep.Func

	offset    int64
	requested int
	retries   int
	attempts  int
	terminal  bool
}

// New creates a poller for the given execution.
//
// Use DefaultConfig() as the base configuration.
func New(svc remote.LogFetcher, executionID string, cfg Config) *Poller {
	cfg = cfg.withDefaults()
	return &Poller{
		svc:         svc,
		executionID: executionID,
		cfg:         cfg,
		log:         cfg.Logger.With(zap.String("execution_id", executionID)),
		sleep:       sleep.Context,
		offset:      cfg.StartOffset,
		requested:   cfg.PageSizeUnit,
	}
}

// Offset returns the current cursor position.
func (p *Poller) Offset() int64 { return p.offset }

// PageSize returns the window that the next fetch will request.
// remote.Unbounded means the poller is draining.
func (p *Poller) PageSize() int { return p.requested }

// Retries returns the number of consecutive failed fetches.
func (p *Poller) Retries() int { return p.retries }

// Done reports whether the sequence has ended.
func (p *Poller) Done() bool { return p.terminal }

// Next performs one fetch step.
//
// It returns the lines surfaced by the step (possibly none) and ok=false
// once the sequence has ended. A non-nil error is fatal and also ends the
// sequence. Cancellation of ctx ends the sequence without an error.
func (p *Poller) Next(ctx context.Context) ([]remote.LogLine, bool, error) {
	if p.terminal {
		return nil, false, nil
	}
	if ctx.Err() != nil {
		p.terminal = true
		return nil, false, nil
	}

	p.attempts++
	page, err := p.svc.GetLogPage(ctx, p.executionID, p.offset, 0, p.requested)
	if err == nil && page == nil {
		err = &remote.ServiceError{Op: "GetLogPage", ExecutionID: p.executionID, Err: remote.ErrProtocol}
	}
	if err == nil && page.NextOffset < p.offset {
		err = &remote.ServiceError{Op: "GetLogPage", ExecutionID: p.executionID, Err: remote.ErrProtocol}
		p.log.Warn("Log cursor moved backwards",
			zap.Int64("offset", p.offset),
			zap.Int64("next_offset", page.NextOffset))
	}
	if err != nil {
		return p.fail(ctx, err)
	}

	p.retries = 0
	p.attempts = 0
	p.terminal = page.LogStreamCompleted && page.ExecCompleted

	offsetChanged := page.NextOffset != p.offset
	p.offset = page.NextOffset

	batch := make([]remote.LogLine, 0, len(page.Entries))
	for _, entry := range page.Entries {
		if entry.Message == "" {
			continue
		}
		batch = append(batch, entry)
	}

	p.adjustWindow(page)

	if !p.terminal {
		delay := p.cfg.IdleDelay
		if offsetChanged {
			delay = p.cfg.ActiveDelay
		}
		p.pause(ctx, delay)
	}

	return batch, true, nil
}

// Batches returns the remaining sequence as an iterator of non-empty batches.
//
// The iterator yields a single (nil, err) pair on a fatal failure.
func (p *Poller) Batches(ctx context.Context) iter.Seq2[[]remote.LogLine, error] {
	return func(yield func([]remote.LogLine, error) bool) {
		for {
			batch, ok, err := p.Next(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok {
				return
			}
			if len(batch) == 0 {
				continue
			}
			if !yield(batch, nil) {
				return
			}
		}
	}
}

// fail classifies a fetch failure.
func (p *Poller) fail(ctx context.Context, err error) ([]remote.LogLine, bool, error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		p.terminal = true
		return nil, false, nil
	}

	if remote.IsProtocol(err) {
		// Skipped, not retried: the cursor stays put and the next step
		// asks for the same page after the idle delay.
		p.log.Warn("Skipping unreadable log page",
			zap.Int64("offset", p.offset),
			zap.Error(err))
		p.pause(ctx, p.cfg.IdleDelay)
		return nil, true, nil
	}

	if p.retries >= p.cfg.MaxRetries {
		p.terminal = true
		return nil, false, &Error{
			ExecutionID: p.executionID,
			Offset:      p.offset,
			Attempts:    p.attempts,
			Err:         err,
		}
	}

	p.retries++
	p.log.Warn("Log fetch failed, retrying",
		zap.Int64("offset", p.offset),
		zap.Int("retry", p.retries),
		zap.Int("max_retries", p.cfg.MaxRetries),
		zap.Duration("delay", p.cfg.RetryDelay),
		zap.Error(err))
	p.pause(ctx, p.cfg.RetryDelay)
	return nil, true, nil
}

// adjustWindow applies the paging policy after a successful fetch.
func (p *Poller) adjustWindow(page *remote.LogPage) {
	unit := p.cfg.PageSizeUnit

	if page.ExecCompleted && !page.LogStreamCompleted {
		p.requested = remote.Unbounded
		return
	}

	if p.requested == remote.Unbounded {
		if !page.ExecCompleted {
			p.requested = unit
		}
		return
	}

	n := len(page.Entries)
	switch {
	case n == p.requested:
		p.requested += unit
	case n < p.requested && p.requested > unit:
		p.requested -= unit
	}
}

// pause sleeps between steps; an interrupted sleep ends the sequence.
func (p *Poller) pause(ctx context.Context, d time.Duration) {
	if err := p.sleep(ctx, d); err != nil {
		p.terminal = true
	}
}
