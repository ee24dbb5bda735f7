package jobcache

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/3leaps/rexmon/pkg/remote"
)

// Null is the Resolver used when caching is disabled. Every call goes to
// the service.
type Null struct {
	log *zap.Logger

	// statsEvery logs the summary every N lookups. Zero disables.
	statsEvery int

	loads      atomic.Int64
	loadErrors atomic.Int64
}

// NewNull creates a non-memoizing resolver.
func NewNull(log *zap.Logger) *Null {
	if log == nil {
		log = zap.NewNop()
	}
	return &Null{log: log}
}

// Resolve loads the record through svc.
func (n *Null) Resolve(ctx context.Context, identifier, instance string, svc remote.JobFinder) (*remote.JobRecord, error) {
	rec, err := Load(ctx, svc, identifier)
	if err != nil {
		n.loadErrors.Add(1)
	}
	if total := n.loads.Add(1); n.statsEvery > 0 && total%int64(n.statsEvery) == 0 {
		n.log.Info("Job cache statistics", zap.String("summary", n.Summary()))
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Invalidate is a no-op.
func (n *Null) Invalidate(string) {}

// Stats reports every lookup as a miss.
func (n *Null) Stats() Stats {
	loads := n.loads.Load()
	return Stats{
		Misses:     loads,
		Loads:      loads,
		LoadErrors: n.loadErrors.Load(),
	}
}

// Summary returns the statistics as a formatted string.
func (n *Null) Summary() string {
	return "job cache (disabled): " + n.Stats().String()
}
