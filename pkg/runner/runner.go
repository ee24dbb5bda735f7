// Package runner drives one monitored run end to end: resolve the job,
// trigger it, wait for it (optionally following its log), archive the
// collected log and record the outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/rexmon/pkg/jobcache"
	"github.com/3leaps/rexmon/pkg/logarchive"
	"github.com/3leaps/rexmon/pkg/output"
	"github.com/3leaps/rexmon/pkg/remote"
	"github.com/3leaps/rexmon/pkg/runregistry"
	"github.com/3leaps/rexmon/pkg/tail"
	"github.com/3leaps/rexmon/pkg/waiter"
)

// Outcome classifies a finished run.
type Outcome string

const (
	// OutcomeSuccess means the execution succeeded.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailure means the execution failed or was aborted.
	OutcomeFailure Outcome = "failure"

	// OutcomeUnstable means the run was interrupted and the execution was
	// still reported running afterwards.
	OutcomeUnstable Outcome = "unstable"
)

// ErrRunFailed is returned by Report.Err for runs that should fail the
// caller.
var ErrRunFailed = errors.New("run failed")

// Config configures a Runner.
type Config struct {
	// Wait configures the wait controller.
	// Default: waiter.DefaultConfig()
	Wait waiter.Config

	// FailOnUnstable makes Report.Err fail unstable runs.
	FailOnUnstable bool

	// ArchivePrefix is prepended to archive keys.
	ArchivePrefix string

	// Logger receives run diagnostics.
	// Default: no-op
	Logger *zap.Logger
}

// Option configures optional Runner collaborators.
type Option func(*Runner)

// WithRegistry records every run in store.
func WithRegistry(store *runregistry.Store) Option {
	return func(r *Runner) { r.registry = store }
}

// WithArchive enables log archiving to sink for requests that ask for it.
func WithArchive(sink logarchive.Sink) Option {
	return func(r *Runner) { r.archive = sink }
}

// Runner executes Requests. A Runner may be shared across goroutines.
type Runner struct {
	resolver jobcache.Resolver
	waiter   *waiter.Controller
	registry *runregistry.Store
	archive  logarchive.Sink
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

// New creates a runner that resolves jobs through resolver.
func New(resolver jobcache.Resolver, cfg Config, opts ...Option) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Wait.Logger == nil {
		cfg.Wait.Logger = cfg.Logger
	}

	r := &Runner{
		resolver: resolver,
		waiter:   waiter.New(cfg.Wait),
		cfg:      cfg,
		log:      cfg.Logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Request describes one run.
type Request struct {
	// RunID correlates output and registry records. Generated when empty.
	RunID string

	// Instance names the remote instance; it scopes job resolution.
	Instance string

	// Service is the instance's remote service.
	Service remote.Service

	// Job is a project:group/name reference or a canonical job id.
	Job string

	Options     map[string]string
	NodeFilters map[string]string

	// TailLogs follows the execution log instead of polling status.
	TailLogs bool

	// Archive stores the collected log when the runner has a sink.
	Archive bool

	// Output receives status, line, error and summary events. Optional.
	Output output.Writer
}

// Report describes a finished run.
type Report struct {
	RunID     string
	Job       *remote.JobRecord
	Execution remote.ExecutionHandle
	Result    *waiter.Result
	Outcome   Outcome
	Duration  time.Duration

	ArchiveURI string
	ArchiveErr error

	failOnUnstable bool
}

// Err returns ErrRunFailed (wrapped) when the run should fail the caller:
// always for failures, and for unstable runs when FailOnUnstable is set.
func (r *Report) Err() error {
	switch r.Outcome {
	case OutcomeSuccess:
		return nil
	case OutcomeUnstable:
		if !r.failOnUnstable {
			return nil
		}
		return fmt.Errorf("%w: execution %s is still running after abort", ErrRunFailed, r.Execution.ID)
	default:
		status := remote.ExecutionStatus("")
		if r.Result != nil {
			status = r.Result.Status
		}
		return fmt.Errorf("%w: execution %s ended %s", ErrRunFailed, r.Execution.ID, status)
	}
}

// Run performs the request.
//
// Errors are returned for failures before a result exists (resolution,
// trigger) and for fatal wait failures; in the latter case the partial
// Report is returned alongside the error. A failed execution is not an
// error: check Report.Outcome or Report.Err.
func (r *Runner) Run(ctx context.Context, req Request) (*Report, error) {
	if req.Service == nil {
		return nil, errors.New("service is required")
	}
	if req.RunID == "" {
		req.RunID = runregistry.NewRunID()
	}

	start := r.now()
	log := r.log.With(zap.String("run_id", req.RunID), zap.String("instance", req.Instance))
	rec := &runregistry.Record{
		RunID:       req.RunID,
		Instance:    req.Instance,
		Job:         req.Job,
		State:       runregistry.StateResolving,
		Options:     req.Options,
		NodeFilters: req.NodeFilters,
		CreatedAt:   start.UTC(),
	}
	r.save(log, rec)

	job, err := r.resolver.Resolve(ctx, req.Job, req.Instance, req.Service)
	if err != nil {
		err = fmt.Errorf("resolve job %q: %w", req.Job, err)
		r.fail(ctx, log, req, rec, err, 0)
		return nil, err
	}
	rec.JobID = job.ID
	rec.JobRef = job.Reference()
	r.emitStatus(ctx, req, &output.StatusRecord{Phase: output.PhaseResolved, JobID: job.ID, Job: job.Reference()})
	log.Debug("Job resolved", zap.String("job_id", job.ID), zap.String("job", job.Reference()))

	handle, err := req.Service.Trigger(ctx, job.ID, req.Options, req.NodeFilters)
	if err != nil {
		err = fmt.Errorf("trigger job %s: %w", job.Reference(), err)
		r.fail(ctx, log, req, rec, err, 0)
		return nil, err
	}

	started := r.now().UTC()
	rec.State = runregistry.StateRunning
	rec.ExecutionID = handle.ID
	rec.ExecutionURL = handle.URL
	rec.Status = handle.Status.String()
	rec.StartedAt = &started
	r.save(log, rec)
	r.emitStatus(ctx, req, &output.StatusRecord{
		Phase:       output.PhaseTriggered,
		ExecutionID: handle.ID,
		JobID:       job.ID,
		Job:         job.Reference(),
		Status:      handle.Status.String(),
		URL:         handle.URL,
	})
	log = log.With(zap.String("execution_id", handle.ID))
	log.Info("Execution started", zap.String("job", job.Reference()), zap.String("url", handle.URL))

	report := &Report{
		RunID:          req.RunID,
		Job:            job,
		Execution:      *handle,
		failOnUnstable: r.cfg.FailOnUnstable,
	}

	collect := req.Archive && r.archive != nil
	result, err := r.waiter.AwaitTermination(ctx, req.Service, *handle, waiter.Options{
		TailLogs:    req.TailLogs,
		CollectLogs: collect,
		OnBatch: func(batch []remote.LogLine) error {
			if req.Output == nil {
				return nil
			}
			for _, line := range batch {
				if err := req.Output.WriteLine(context.WithoutCancel(ctx), output.NewLineRecord(handle.ID, line)); err != nil {
					return err
				}
			}
			return nil
		},
	})
	report.Result = result
	report.Duration = r.now().Sub(start)
	if result != nil {
		rec.LinesSeen = result.LinesSeen
		rec.LastOffset = result.LastOffset
	}
	if err != nil {
		var offset int64
		if result != nil {
			offset = result.LastOffset
		}
		r.fail(ctx, log, req, rec, err, offset)
		return report, err
	}

	report.Outcome = classify(result)

	if collect {
		lines, archErr := result.Lines, error(nil)
		if !req.TailLogs {
			lines, archErr = r.readLog(ctx, req.Service, handle.ID, result.Status)
		}
		uri := ""
		if archErr == nil {
			uri, archErr = logarchive.Archive(context.WithoutCancel(ctx), r.archive, r.cfg.ArchivePrefix, handle.ID, lines)
		}
		if archErr != nil {
			report.ArchiveErr = archErr
			log.Warn("Log archive failed", zap.Error(archErr))
		} else {
			report.ArchiveURI = uri
			rec.ArchiveURI = uri
			log.Info("Log archived", zap.String("uri", uri))
		}
	}

	ended := r.now().UTC()
	rec.State = finalState(report.Outcome, result.Status)
	rec.Status = result.Status.String()
	rec.Cancelled = result.Cancelled
	rec.EndedAt = &ended
	r.save(log, rec)

	if result.AbortAttempted {
		detail := "abort request failed"
		if result.Abort != nil {
			detail = "abort " + result.Abort.Status
		}
		r.emitStatus(ctx, req, &output.StatusRecord{Phase: output.PhaseAborting, ExecutionID: handle.ID, Status: result.Status.String(), Detail: detail})
	}
	r.emitStatus(ctx, req, &output.StatusRecord{Phase: output.PhaseFinished, ExecutionID: handle.ID, Status: result.Status.String()})
	r.emitSummary(ctx, req, report)

	log.Info("Run finished",
		zap.String("status", result.Status.String()),
		zap.String("outcome", string(report.Outcome)),
		zap.Int("lines", result.LinesSeen),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// ResumeHint returns the command that continues reading an execution's
// log from offset.
func ResumeHint(executionID string, offset int64) string {
	return fmt.Sprintf("rexmon logs %s --offset %d", executionID, offset)
}

// readLog reads the whole log of a finished execution. Status-poll waits
// see no log lines, so archiving them needs a separate pass.
//
// After cancellation the read is bounded by the abort timeout.
func (r *Runner) readLog(ctx context.Context, svc remote.LogFetcher, executionID string, status remote.ExecutionStatus) ([]remote.LogLine, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("log of execution %s not archived: execution is %s", executionID, status)
	}

	rctx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		timeout := r.cfg.Wait.AbortTimeout
		if timeout <= 0 {
			timeout = waiter.DefaultConfig().AbortTimeout
		}
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(rctx, timeout)
		defer cancel()
	}

	tc := r.cfg.Wait.Tail
	tc.StartOffset = 0
	tc.Logger = r.log
	p := tail.New(svc, executionID, tc)

	var lines []remote.LogLine
	for batch, err := range p.Batches(rctx) {
		if err != nil {
			return nil, fmt.Errorf("read log of execution %s: %w", executionID, err)
		}
		lines = append(lines, batch...)
	}
	if err := rctx.Err(); err != nil {
		return nil, fmt.Errorf("read log of execution %s at offset %d: %w", executionID, p.Offset(), err)
	}
	return lines, nil
}

func classify(res *waiter.Result) Outcome {
	switch res.Status {
	case remote.StatusSucceeded:
		return OutcomeSuccess
	case remote.StatusFailed, remote.StatusAborted:
		return OutcomeFailure
	default:
		return OutcomeUnstable
	}
}

func finalState(o Outcome, status remote.ExecutionStatus) runregistry.State {
	switch {
	case o == OutcomeSuccess:
		return runregistry.StateSucceeded
	case o == OutcomeUnstable:
		return runregistry.StateUnstable
	case status == remote.StatusAborted:
		return runregistry.StateAborted
	default:
		return runregistry.StateFailed
	}
}

// fail records a run that ended in an error.
func (r *Runner) fail(ctx context.Context, log *zap.Logger, req Request, rec *runregistry.Record, err error, offset int64) {
	ended := r.now().UTC()
	rec.State = runregistry.StateError
	rec.Error = err.Error()
	rec.EndedAt = &ended

	errRec := &output.ErrorRecord{
		Code:        output.ErrorCode(err),
		Message:     err.Error(),
		ExecutionID: rec.ExecutionID,
	}

	var tailErr *tail.Error
	if rec.ExecutionID != "" && (errors.As(err, &tailErr) || offset > 0) {
		if tailErr != nil {
			offset = tailErr.Offset
		}
		rec.LastOffset = offset
		rec.ResumeHint = ResumeHint(rec.ExecutionID, offset)
		errRec.Offset = offset
		errRec.ResumeHint = rec.ResumeHint
	}

	r.save(log, rec)
	if req.Output != nil {
		if werr := req.Output.WriteError(context.WithoutCancel(ctx), errRec); werr != nil {
			log.Warn("Failed to write error record", zap.Error(werr))
		}
	}
	log.Error("Run failed", zap.Error(err), zap.String("resume_hint", rec.ResumeHint))
}

func (r *Runner) save(log *zap.Logger, rec *runregistry.Record) {
	if r.registry == nil {
		return
	}
	if err := r.registry.Write(rec); err != nil {
		log.Warn("Failed to write run record", zap.Error(err))
	}
}

func (r *Runner) emitStatus(ctx context.Context, req Request, rec *output.StatusRecord) {
	if req.Output == nil {
		return
	}
	if err := req.Output.WriteStatus(context.WithoutCancel(ctx), rec); err != nil {
		r.log.Warn("Failed to write status record", zap.Error(err))
	}
}

func (r *Runner) emitSummary(ctx context.Context, req Request, rep *Report) {
	if req.Output == nil {
		return
	}
	res := rep.Result
	sum := &output.SummaryRecord{
		ExecutionID:    rep.Execution.ID,
		Status:         res.Status.String(),
		Outcome:        string(rep.Outcome),
		LinesSeen:      res.LinesSeen,
		LastOffset:     res.LastOffset,
		Cancelled:      res.Cancelled,
		AbortAttempted: res.AbortAttempted,
		Duration:       rep.Duration,
		DurationHuman:  rep.Duration.Round(time.Millisecond).String(),
		ArchiveURI:     rep.ArchiveURI,
	}
	if err := req.Output.WriteSummary(context.WithoutCancel(ctx), sum); err != nil {
		r.log.Warn("Failed to write summary record", zap.Error(err))
	}
}
