package tail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/rexmon/pkg/remote"
)

type fetchCall struct {
	offset   int64
	maxLines int
}

// scriptedFetcher implements remote.LogFetcher with a per-call response function.
type scriptedFetcher struct {
	mu      sync.Mutex
	calls   []fetchCall
	respond func(call int, offset int64, maxLines int) (*remote.LogPage, error)
}

func (f *scriptedFetcher) GetLogPage(ctx context.Context, executionID string, offset, sinceUnused int64, maxLines int) (*remote.LogPage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{offset: offset, maxLines: maxLines})
	n := len(f.calls)
	f.mu.Unlock()
	return f.respond(n, offset, maxLines)
}

func (f *scriptedFetcher) requested() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.maxLines)
	}
	return out
}

// recordingSleeper records requested pauses without sleeping.
type recordingSleeper struct {
	durations []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.durations = append(s.durations, d)
	return ctx.Err()
}

func lines(n int, from int64) []remote.LogLine {
	out := make([]remote.LogLine, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, remote.LogLine{Message: fmt.Sprintf("line-%d", from+int64(i)), Level: "NORMAL"})
	}
	return out
}

func fullPage(offset int64, n int) *remote.LogPage {
	return &remote.LogPage{Entries: lines(n, offset), NextOffset: offset + int64(n)}
}

func completePage(offset int64) *remote.LogPage {
	return &remote.LogPage{NextOffset: offset, LogStreamCompleted: true, ExecCompleted: true}
}

func transientErr() error {
	return &remote.ServiceError{Op: "GetLogPage", ExecutionID: "exec-1", StatusCode: 503, Err: remote.ErrTransient}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = 15 * time.Second
	cfg.ActiveDelay = 2 * time.Second
	cfg.IdleDelay = 5 * time.Second
	return cfg
}

func newTestPoller(f *scriptedFetcher, cfg Config) (*Poller, *recordingSleeper) {
	p := New(f, "exec-1", cfg)
	s := &recordingSleeper{}
	p.sleep = s.sleep
	return p, s
}

// drain runs the poller to exhaustion and returns every surfaced line.
func drain(t *testing.T, ctx context.Context, p *Poller) ([]remote.LogLine, error) {
	t.Helper()
	var all []remote.LogLine
	for i := 0; i < 1000; i++ {
		batch, ok, err := p.Next(ctx)
		if err != nil {
			return all, err
		}
		if !ok {
			return all, nil
		}
		all = append(all, batch...)
	}
	t.Fatalf("poller did not terminate")
	return nil, nil
}

func messages(ls []remote.LogLine) []string {
	out := make([]string, 0, len(ls))
	for _, l := range ls {
		out = append(out, l.Message)
	}
	return out
}

func TestNew_Defaults(t *testing.T) {
	p := New(&scriptedFetcher{}, "exec-1", Config{PageSizeUnit: 0, MaxRetries: -1, RetryDelay: -1})

	assert.Equal(t, 50, p.PageSize())
	assert.Equal(t, 5, p.cfg.MaxRetries)
	assert.Equal(t, 15*time.Second, p.cfg.RetryDelay)
	assert.Equal(t, int64(0), p.Offset())
	assert.False(t, p.Done())
	assert.NotNil(t, p.log)
}

func TestPoller_StartOffset(t *testing.T) {
	f := &scriptedFetcher{respond: func(call int, offset int64, maxLines int) (*remote.LogPage, error) {
		return completePage(offset), nil
	}}
	cfg := testConfig()
	cfg.StartOffset = 100
	p, _ := newTestPoller(f, cfg)

	_, err := drain(t, context.Background(), p)
	require.NoError(t, err)
	require.Len(t, f.calls, 1)
	assert.Equal(t, int64(100), f.calls[0].offset)
}

func TestPoller_GrowsWindowWhilePagesAreFull(t *testing.T) {
	f := &scriptedFetcher{respond: func(call int, offset int64, maxLines int) (*remote.LogPage, error) {
		if call <= 4 {
			return fullPage(offset, maxLines), nil
		}
		return completePage(offset), nil
	}}
	p, _ := newTestPoller(f, testConfig())

	got, err := drain(t, context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, []int{50, 100, 150, 200, 250}, f.requested())
	assert.Len(t, got, 50+100+150+200)
	assert.Equal(t, int64(500), p.Offset())
}

func TestPoller_ShrinksWindowNeverBelowOneUnit(t *testing.T) {
	f := &scriptedFetcher{respond: func(call int, offset int64, maxLines int) (*remote.LogPage, error) {
		switch {
		case call <= 2:
			return fullPage(offset, maxLines), nil
		case call <= 5:
			return fullPage(offset, 10), nil
		default:
			return completePage(offset), nil
		}
	}}
	p, _ := newTestPoller(f, testConfig())

	_, err := drain(t, context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, []int{50, 100, 150, 100, 50, 50}, f.requested())
}

func TestPoller_RetriesExhausted(t *testing.T) {
	f := &scriptedFetcher{respond: func(call int, offset int64, maxLines int) (*remote.LogPage, error) {
		return nil, transientErr()
	}}
	cfg := testConfig()
	cfg.MaxRetries = 3
	p, s := newTestPoller(f, cfg)

	_, err := drain(t, context.Background(), p)
	require.Error(t, err)

	assert.Len(t, f.calls, 4)
	assert.True(t, remote.IsTransient(err))

	var tailErr *Error
	require.True(t, errors.As(err, &tailErr))
	assert.Equal(t, "exec-1", tailErr.ExecutionID)
	assert.Equal(t, int64(0), tailErr.Offset)
	assert.Equal(t, 4, tailErr.Attempts)
	assert.Contains(t, err.Error(), "offset 0")

	assert.Equal(t, []time.Duration{15 * time.Second, 15 * time.Second, 15 * time.Second}, s.durations)
	assert.True(t, p.Done())
}

func TestPoller_RetryCountResetsAfterSuccess(t *testing.T) {
	f := &scriptedFetcher{respond: func(call int, offset int64, maxLines int) (*remote.LogPage, error) {
		switch call {
		case 1, 2, 4:
			return nil, transientErr()
		case 3:
			return fullPage(offset, 3), nil
		default:
			return completePage(offset), nil
		}
	}}
	cfg := testConfig()
	cfg.MaxRetries = 5
	p, _ := newTestPoller(f, cfg)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		batch, ok, err := p.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Empty(t, batch)
		assert.Equal(t, i, p.Retries())
	}

	batch, ok, err := p.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, batch, 3)
	assert.Equal(t, 0, p.Retries())

	_, ok, err = p.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, p.Retries())

	_, err = drain(t, ctx, p)
	require.NoError(t, err)
	assert.Len(t, f.calls, 5)
	// Retries never advance the cursor.
	assert.Equal(t, int64(3), f.calls[3].offset)
}

func TestPoller_ZeroRetriesFailsImmediately(t *testing.T) {
	f := &scriptedFetcher{respond: func(call int, offset int64, maxLines int) (*remote.LogPage, error) {
		return nil, transientErr()
	}}
	cfg := testConfig()
	cfg.MaxRetries = 0
	p, _ := newTestPoller(f, cfg)

	_, err := drain(t, context.Background(), p)
	require.Error(t, err)
	assert.Len(t, f.calls, 1)
}

func TestPoller_DrainsUnboundedOnceExecutionCompletes(t *testing.T) {
	f := &scriptedFetcher{respond: func(call int, offset int64, maxLines int) (*remote.LogPage, error) {
		switch call {
		case 1:
			page := fullPage(offset, 10)
			page.ExecCompleted = true
			return page, nil
		default:
			page := fullPage(offset, 400)
			page.ExecCompleted = true
			page.LogStreamCompleted = true
			return page, nil
		}
	}}
	p, _ := newTestPoller(f, testConfig())

	got, err := drain(t, context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, []int{50, remote.Unbounded}, f.requested())
	assert.Equal(t, int64(10), f.calls[1].offset)
	assert.Len(t, got, 410)
}

func TestPoller_ResetsWindowWhenExecutionNotComplete(t *testing.T) {
	f := &scriptedFetcher{respond: func(call int, offset int64, maxLines int) (*remote.LogPage, error) {
		switch call {
		case 1:
			page := fullPage(offset, 5)
			page.ExecCompleted = true
			return page, nil
		case 2:
			return fullPage(offset, 5), nil
		default:
			return completePage(offset), nil
		}
	}}
	p, _ := newTestPoller(f, testConfig())

	_, err := drain(t, context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, []int{50, remote.Unbounded, 50}, f.requested())
}

func TestPoller_FiltersEmptyMessages(t *testing.T) {
	f := &scriptedFetcher{respond: func(call int, offset int64, maxLines int) (*remote.LogPage, error) {
		return &remote.LogPage{
			Entries: []remote.LogLine{
				{Message: "lorem"},
				{Message: ""},
				{Message: "ipsum"},
			},
			NextOffset:         3,
			LogStreamCompleted: true,
			ExecCompleted:      true,
		}, nil
	}}
	p, s := newTestPoller(f, testConfig())

	batch, ok, err := p.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"lorem", "ipsum"}, messages(batch))

	// Terminal after the completing page: no pause, no further fetch.
	assert.Empty(t, s.durations)
	_, ok, err = p.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, f.calls, 1)
}

func TestPoller_DelayDependsOnCursorMovement(t *testing.T) {
	f := &scriptedFetcher{respond: func(call int, offset int64, maxLines int) (*remote.LogPage, error) {
		switch call {
		case 1:
			return fullPage(offset, 5), nil
		case 2:
			return &remote.LogPage{NextOffset: offset}, nil
		default:
			return completePage(offset), nil
		}
	}}
	p, s := newTestPoller(f, testConfig())

	_, err := drain(t, context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second, 5 * time.Second}, s.durations)
}

func TestPoller_CancelDuringSleepEndsCleanly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &scriptedFetcher{respond: func(call int, offset int64, maxLines int) (*remote.LogPage, error) {
		return fullPage(offset, 5), nil
	}}
	p, _ := newTestPoller(f, testConfig())
	p.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return context.Canceled
	}

	got, err := drain(t, ctx, p)
	require.NoError(t, err)
	assert.Len(t, f.calls, 1)
	assert.Len(t, got, 5)
	assert.True(t, p.Done())
}

func TestPoller_CancelDuringFetchEndsCleanly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &scriptedFetcher{respond: func(call int, offset int64, maxLines int) (*remote.LogPage, error) {
		cancel()
		return nil, &remote.ServiceError{Op: "GetLogPage", Err: context.Canceled}
	}}
	p, _ := newTestPoller(f, testConfig())

	_, err := drain(t, ctx, p)
	require.NoError(t, err)
	assert.Len(t, f.calls, 1)
}

func TestPoller_SkipsProtocolErrors(t *testing.T) {
	f := &scriptedFetcher{respond: func(call int, offset int64, maxLines int) (*remote.LogPage, error) {
		if call == 1 {
			return nil, &remote.ServiceError{Op: "GetLogPage", Err: remote.ErrProtocol}
		}
		page := fullPage(offset, 2)
		page.ExecCompleted = true
		page.LogStreamCompleted = true
		return page, nil
	}}
	p, s := newTestPoller(f, testConfig())

	got, err := drain(t, context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, []string{"line-0", "line-1"}, messages(got))
	assert.Equal(t, []time.Duration{5 * time.Second}, s.durations)
	assert.Equal(t, 0, p.Retries())
}

func TestPoller_BackwardsCursorIsSkipped(t *testing.T) {
	f := &scriptedFetcher{respond: func(call int, offset int64, maxLines int) (*remote.LogPage, error) {
		switch call {
		case 1:
			return fullPage(offset, 10), nil
		case 2:
			return &remote.LogPage{Entries: lines(3, 5), NextOffset: 5}, nil
		default:
			page := fullPage(offset, 2)
			page.ExecCompleted = true
			page.LogStreamCompleted = true
			return page, nil
		}
	}}
	p, _ := newTestPoller(f, testConfig())

	got, err := drain(t, context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, int64(10), f.calls[2].offset)
	assert.Equal(t, int64(12), p.Offset())
	assert.Len(t, got, 12)
}

func TestPoller_Batches(t *testing.T) {
	f := &scriptedFetcher{respond: func(call int, offset int64, maxLines int) (*remote.LogPage, error) {
		switch call {
		case 1:
			return fullPage(offset, 2), nil
		case 2:
			return &remote.LogPage{NextOffset: offset}, nil
		case 3:
			return fullPage(offset, 1), nil
		default:
			return completePage(offset), nil
		}
	}}
	p, _ := newTestPoller(f, testConfig())

	var batches [][]string
	for batch, err := range p.Batches(context.Background()) {
		require.NoError(t, err)
		batches = append(batches, messages(batch))
	}

	assert.Equal(t, [][]string{{"line-0", "line-1"}, {"line-2"}}, batches)
}

func TestPoller_BatchesYieldsFatalError(t *testing.T) {
	f := &scriptedFetcher{respond: func(call int, offset int64, maxLines int) (*remote.LogPage, error) {
		return nil, transientErr()
	}}
	cfg := testConfig()
	cfg.MaxRetries = 1
	p, _ := newTestPoller(f, cfg)

	var errs []error
	for batch, err := range p.Batches(context.Background()) {
		assert.Nil(t, batch)
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.True(t, remote.IsTransient(errs[0]))
}

func TestPoller_BatchesStopsWhenConsumerBreaks(t *testing.T) {
	f := &scriptedFetcher{respond: func(call int, offset int64, maxLines int) (*remote.LogPage, error) {
		return fullPage(offset, 1), nil
	}}
	p, _ := newTestPoller(f, testConfig())

	for range p.Batches(context.Background()) {
		break
	}
	assert.Len(t, f.calls, 1)
}
