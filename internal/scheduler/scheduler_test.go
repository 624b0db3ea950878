package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confex/internal/errors"
	"confex/internal/logging"
	"confex/internal/persist"
	"confex/internal/queue"
)

// fakeProcessor scripts per-item outcomes and failure sequences.
type fakeProcessor struct {
	mu       sync.Mutex
	calls    map[string]int
	discover map[string][]queue.Item
	fail     map[string]error // fail every time
	failN    map[string]int   // fail the first N calls with failErr
	failErr  map[string]error
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{
		calls:    make(map[string]int),
		discover: make(map[string][]queue.Item),
		fail:     make(map[string]error),
		failN:    make(map[string]int),
		failErr:  make(map[string]error),
	}
}

func (f *fakeProcessor) Process(ctx context.Context, item queue.Item) (Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[item.PageID]++
	if err, ok := f.fail[item.PageID]; ok {
		return Outcome{}, err
	}
	if n := f.failN[item.PageID]; n > 0 {
		f.failN[item.PageID]--
		return Outcome{}, f.failErr[item.PageID]
	}
	return Outcome{Kind: "page", Discovered: f.discover[item.PageID], Bytes: 100}, nil
}

func (f *fakeProcessor) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func testConfig() Config {
	return Config{
		SpaceKey:         "DOCS",
		Concurrency:      3,
		MaxPhases:        10,
		SnapshotInterval: time.Minute,
		GracefulDrain:    time.Second,
		Tick:             5 * time.Millisecond,
		DelayFunc: func(c errors.Classified, attempt int) time.Duration {
			return time.Millisecond
		},
	}
}

func seedQueue(t *testing.T, ids ...string) *queue.State {
	t.Helper()
	state := queue.NewState(queue.DefaultConfig())
	for _, id := range ids {
		require.Equal(t, queue.Added, state.Add(queue.Item{PageID: id, SourceType: queue.SourceInitial}))
	}
	return state
}

func TestRunHappyPathWithDiscovery(t *testing.T) {
	proc := newFakeProcessor()
	proc.discover["root"] = []queue.Item{
		{PageID: "a", SourceType: queue.SourceMacro, ParentPageID: "root"},
		{PageID: "b", SourceType: queue.SourceReference, ParentPageID: "root"},
	}
	state := seedQueue(t, "root")

	s := New(testConfig(), state, nil, proc, NewGovernor(DefaultGovernorConfig()), nil, logging.Nop())
	result, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 0, state.PendingCount())
	assert.True(t, state.IsProcessed("a"))
	assert.True(t, state.IsProcessed("b"))
	assert.GreaterOrEqual(t, result.Phases, 2)
}

func TestRunRetriesTransientFailure(t *testing.T) {
	proc := newFakeProcessor()
	proc.failN["root"] = 2
	proc.failErr["root"] = &errors.HTTPError{StatusCode: 503, Status: "503 Service Unavailable", URL: "u"}
	state := seedQueue(t, "root")

	s := New(testConfig(), state, nil, proc, nil, nil, logging.Nop())
	result, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 2, result.Retries)
	assert.Equal(t, 3, proc.callCount("root"))
	item, ok := state.Item("root")
	require.True(t, ok)
	assert.Equal(t, queue.StatusCompleted, item.Status)
	assert.Equal(t, 2, item.RetryCount)
}

func TestRunRateLimitGatesDispatch(t *testing.T) {
	proc := newFakeProcessor()
	proc.failN["root"] = 1
	proc.failErr["root"] = &errors.HTTPError{
		StatusCode: 429,
		Status:     "429 Too Many Requests",
		URL:        "u",
		RetryAfter: 3 * time.Second,
	}
	state := seedQueue(t, "root", "other")

	cfg := testConfig()
	cfg.Concurrency = 1
	cfg.DelayFunc = func(c errors.Classified, attempt int) time.Duration {
		// The classifier must surface the server hint.
		assert.Equal(t, errors.CategoryRateLimit, c.Category)
		assert.Equal(t, 3*time.Second, c.RetryAfter)
		return 10 * time.Millisecond
	}
	s := New(cfg, state, nil, proc, nil, nil, logging.Nop())

	begin := time.Now()
	result, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Retries)
	// The gate pauses all dispatch, so the run takes at least the delay.
	assert.GreaterOrEqual(t, time.Since(begin), 10*time.Millisecond)
}

func TestRunAuthFailureIsTerminal(t *testing.T) {
	proc := newFakeProcessor()
	proc.fail["root"] = &errors.HTTPError{StatusCode: 401, Status: "401 Unauthorized", URL: "u"}
	state := seedQueue(t, "root", "ok")

	gcfg := DefaultGovernorConfig()
	gcfg.AllowFailures = true
	s := New(testConfig(), state, nil, proc, NewGovernor(gcfg), nil, logging.Nop())
	result, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, result.Retries)
	assert.Equal(t, 1, proc.callCount("root"))

	item, _ := state.Item("root")
	assert.Equal(t, queue.StatusFailed, item.Status)
	assert.Equal(t, 0, item.RetryCount)
	assert.Equal(t, 1, result.Governor.PageFailures)
}

func TestRunGovernorAbortsByDefault(t *testing.T) {
	proc := newFakeProcessor()
	proc.fail["bad"] = &errors.HTTPError{StatusCode: 401, Status: "401 Unauthorized", URL: "u"}
	state := seedQueue(t, "bad", "ok")

	s := New(testConfig(), state, nil, proc, NewGovernor(DefaultGovernorConfig()), nil, logging.Nop())

	result, err := s.Run(context.Background())
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)

	assert.True(t, result.Aborted)
	assert.NotEmpty(t, result.AbortReason)
	assert.Equal(t, 1, result.Governor.PageFailures)
}

func TestRunQueueOverflowCountsRejections(t *testing.T) {
	proc := newFakeProcessor()
	var big []queue.Item
	for i := 0; i < 5; i++ {
		big = append(big, queue.Item{PageID: fmt.Sprintf("d%d", i), SourceType: queue.SourceMacro})
	}
	proc.discover["root"] = big

	state := queue.NewState(queue.Config{MaxQueueSize: 2, PersistenceThreshold: 25})
	require.Equal(t, queue.Added, state.Add(queue.Item{PageID: "root", SourceType: queue.SourceInitial}))

	s := New(testConfig(), state, nil, proc, nil, nil, logging.Nop())
	result, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Processed) // root + the one accepted discovery
	assert.Equal(t, 4, result.Rejected)
}

func TestRunDuplicateDiscoveriesIgnored(t *testing.T) {
	proc := newFakeProcessor()
	proc.discover["root"] = []queue.Item{
		{PageID: "a", SourceType: queue.SourceMacro},
		{PageID: "a", SourceType: queue.SourceReference},
	}
	state := seedQueue(t, "root")

	s := New(testConfig(), state, nil, proc, nil, nil, logging.Nop())
	result, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Duplicates)
}

func TestRunPhaseCap(t *testing.T) {
	proc := newFakeProcessor()
	// Every page discovers one more: an unbounded chain.
	for i := 0; i < 20; i++ {
		proc.discover[fmt.Sprintf("p%d", i)] = []queue.Item{
			{PageID: fmt.Sprintf("p%d", i+1), SourceType: queue.SourceReference},
		}
	}
	state := seedQueue(t, "p0")

	cfg := testConfig()
	cfg.MaxPhases = 3
	cfg.Concurrency = 1
	s := New(cfg, state, nil, proc, nil, nil, logging.Nop())

	result, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.PhaseCapReached)
	assert.Equal(t, 1, state.PendingCount(), "the item opening the capped phase stays pending")
}

func TestRunCancellation(t *testing.T) {
	proc := newFakeProcessor()
	state := seedQueue(t, "slow")
	blocker := make(chan struct{})

	slowProc := processorFunc(func(ctx context.Context, item queue.Item) (Outcome, error) {
		<-blocker
		return proc.Process(ctx, item)
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := New(testConfig(), state, nil, slowProc, nil, nil, logging.Nop())

	done := make(chan struct{})
	var result *RunResult
	var runErr error
	go func() {
		result, runErr = s.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	close(blocker)
	<-done

	require.ErrorIs(t, runErr, context.Canceled)
	assert.True(t, result.Interrupted)
	// The in-flight worker finished during the drain window.
	assert.Equal(t, 1, result.Processed)
}

func TestRunSnapshotsAndResume(t *testing.T) {
	dir := t.TempDir()
	store := persist.NewStore(persist.Config{Path: persist.DefaultPath(dir, "DOCS")}, logging.Nop())

	proc := newFakeProcessor()
	proc.discover["root"] = []queue.Item{{PageID: "a", SourceType: queue.SourceMacro}}
	state := seedQueue(t, "root")

	s := New(testConfig(), state, store, proc, nil, nil, logging.Nop())
	_, err := s.Run(context.Background())
	require.NoError(t, err)

	snap, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.ElementsMatch(t, []string{"root", "a"}, snap.ProcessedPageIDs)

	// A fresh queue restored from the snapshot has nothing left to do, and
	// re-discovery of processed pages is a duplicate.
	restored := queue.NewState(queue.DefaultConfig())
	restored.Restore(snap.QueueItems, snap.ProcessedPageIDs, snap.Metrics)
	assert.Equal(t, 0, restored.PendingCount())
	assert.Equal(t, queue.Duplicate, restored.Add(queue.Item{PageID: "a", SourceType: queue.SourceMacro}))
}

// processorFunc adapts a function to the Processor interface.
type processorFunc func(ctx context.Context, item queue.Item) (Outcome, error)

func (f processorFunc) Process(ctx context.Context, item queue.Item) (Outcome, error) {
	return f(ctx, item)
}
