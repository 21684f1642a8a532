package batch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollo/gantry/pkg/anthropic"
)

func testItem(customID, prompt string) anthropic.BatchRequestItem {
	return anthropic.BatchRequestItem{
		CustomID: customID,
		Params: anthropic.MessagesRequest{
			Model:     "fake-model",
			MaxTokens: 64,
			Messages: []anthropic.Message{
				{Role: anthropic.RoleUser, Content: anthropic.MessageContent{anthropic.TextBlock(prompt)}},
			},
		},
	}
}

func testItems(n int) []anthropic.BatchRequestItem {
	items := make([]anthropic.BatchRequestItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, testItem(fmt.Sprintf("item-%02d", i), fmt.Sprintf("prompt %d", i)))
	}
	return items
}

func okExecutor(ctx context.Context, params *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error) {
	resp := anthropic.NewMessagesResponse(anthropic.NewMessageID(), params.Model)
	resp.Content = append(resp.Content, anthropic.TextBlock("done"))
	stop := anthropic.StopEndTurn
	resp.StopReason = &stop
	return &resp, nil
}

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	if cfg.Executor == nil {
		cfg.Executor = okExecutor
	}
	cfg.Logger = zerolog.Nop()
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func waitEnded(t *testing.T, s *Scheduler, id string) anthropic.MessageBatch {
	t.Helper()
	require.Eventually(t, func() bool {
		b, err := s.Get(id)
		return err == nil && b.ProcessingStatus == anthropic.BatchEnded
	}, 2*time.Second, 5*time.Millisecond, "batch %s never ended", id)

	b, err := s.Get(id)
	require.NoError(t, err)
	return b
}

func TestScheduler_NewRequiresExecutor(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executor is required")
}

func TestScheduler_CreateRejectsOversizedBatch(t *testing.T) {
	s := newTestScheduler(t, Config{})

	_, err := s.Create(testItems(MaxBatchSize + 1))
	require.Error(t, err)

	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Contains(t, valErr.Message, "maximum size")
	assert.Equal(t, 0, s.Stats().BatchCount)
}

func TestScheduler_ProcessesAllRequests(t *testing.T) {
	s := newTestScheduler(t, Config{})

	created, err := s.Create(testItems(4))
	require.NoError(t, err)
	assert.Equal(t, anthropic.BatchInProgress, created.ProcessingStatus)
	assert.True(t, created.ExpiresAt.After(created.CreatedAt))

	final := waitEnded(t, s, created.ID)
	assert.Equal(t, 4, final.RequestCounts.Succeeded)
	assert.Zero(t, final.RequestCounts.Processing)
	require.NotNil(t, final.EndedAt)
	assert.Equal(t, "/v1/messages/batches/"+created.ID+"/results", final.ResultsURL)

	lines, err := s.Results(created.ID)
	require.NoError(t, err)
	assert.Len(t, lines, 4)
	for _, line := range lines {
		assert.Equal(t, anthropic.ResultSucceeded, line.Result.Type)
		require.NotNil(t, line.Result.Message)
	}
}

func TestScheduler_BoundedConcurrency(t *testing.T) {
	var (
		mu       sync.Mutex
		inflight int
		peak     int
	)
	exec := func(ctx context.Context, params *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error) {
		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		inflight--
		mu.Unlock()
		return okExecutor(ctx, params)
	}
	s := newTestScheduler(t, Config{Concurrency: 2, Executor: exec})

	created, err := s.Create(testItems(12))
	require.NoError(t, err)

	final := waitEnded(t, s, created.ID)
	assert.Equal(t, 12, final.RequestCounts.Succeeded)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2, "concurrency ceiling was exceeded")
	assert.Greater(t, peak, 0)
}

func TestScheduler_CooperativeCancellation(t *testing.T) {
	started := make(chan struct{}, 10)
	release := make(chan struct{})
	exec := func(ctx context.Context, params *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error) {
		started <- struct{}{}
		<-release
		return okExecutor(ctx, params)
	}
	s := newTestScheduler(t, Config{Concurrency: 2, Executor: exec})

	created, err := s.Create(testItems(10))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("batch items never started")
		}
	}

	canceling, err := s.Cancel(created.ID)
	require.NoError(t, err)
	assert.Equal(t, anthropic.BatchCanceling, canceling.ProcessingStatus)
	require.NotNil(t, canceling.CancelInitiatedAt)

	close(release)
	final := waitEnded(t, s, created.ID)

	counts := final.RequestCounts
	assert.Equal(t, 2, counts.Succeeded, "items already in flight must record their true outcome")
	assert.Equal(t, 8, counts.Canceled)
	assert.Zero(t, counts.Errored)
	assert.Zero(t, counts.Processing)
	assert.Equal(t, 10, counts.Succeeded+counts.Errored+counts.Canceled)
}

func TestScheduler_CancelEndedBatchIsNoOp(t *testing.T) {
	s := newTestScheduler(t, Config{})

	created, err := s.Create(testItems(1))
	require.NoError(t, err)
	waitEnded(t, s, created.ID)

	out, err := s.Cancel(created.ID)
	require.NoError(t, err)
	assert.Equal(t, anthropic.BatchEnded, out.ProcessingStatus)
	assert.Nil(t, out.CancelInitiatedAt)
}

func TestScheduler_UnknownBatch(t *testing.T) {
	s := newTestScheduler(t, Config{})

	_, err := s.Get("msgbatch_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Cancel("msgbatch_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Delete("msgbatch_missing"), ErrNotFound)

	_, err = s.Results("msgbatch_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScheduler_DeleteRequiresEnded(t *testing.T) {
	release := make(chan struct{})
	exec := func(ctx context.Context, params *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error) {
		<-release
		return okExecutor(ctx, params)
	}
	s := newTestScheduler(t, Config{Executor: exec})

	created, err := s.Create(testItems(2))
	require.NoError(t, err)

	err = s.Delete(created.ID)
	var preErr *PreconditionError
	require.ErrorAs(t, err, &preErr)

	// The failed delete must not have mutated the batch.
	unchanged, err := s.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, anthropic.BatchInProgress, unchanged.ProcessingStatus)

	close(release)
	waitEnded(t, s, created.ID)

	require.NoError(t, s.Delete(created.ID))
	_, err = s.Get(created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(created.ID), ErrNotFound)
}

func TestScheduler_ResultsRequireEnded(t *testing.T) {
	release := make(chan struct{})
	exec := func(ctx context.Context, params *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error) {
		<-release
		return okExecutor(ctx, params)
	}
	s := newTestScheduler(t, Config{Executor: exec})

	created, err := s.Create(testItems(1))
	require.NoError(t, err)

	_, err = s.Results(created.ID)
	var preErr *PreconditionError
	require.ErrorAs(t, err, &preErr)

	close(release)
	waitEnded(t, s, created.ID)

	first, err := s.Results(created.ID)
	require.NoError(t, err)
	second, err := s.Results(created.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second, "results must be restartable, not consumed")
}

func TestScheduler_ErroredItemDoesNotAbortSiblings(t *testing.T) {
	exec := func(ctx context.Context, params *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error) {
		if params.Messages[0].Text() == "fail" {
			return nil, anthropic.NewAPIError(anthropic.ErrInvalidRequest, "unsupported request")
		}
		return okExecutor(ctx, params)
	}
	s := newTestScheduler(t, Config{Executor: exec})

	items := []anthropic.BatchRequestItem{
		testItem("good-1", "hello"),
		testItem("bad", "fail"),
		testItem("good-2", "hello again"),
	}
	created, err := s.Create(items)
	require.NoError(t, err)

	final := waitEnded(t, s, created.ID)
	assert.Equal(t, 2, final.RequestCounts.Succeeded)
	assert.Equal(t, 1, final.RequestCounts.Errored)

	lines, err := s.Results(created.ID)
	require.NoError(t, err)
	for _, line := range lines {
		if line.CustomID != "bad" {
			assert.Equal(t, anthropic.ResultSucceeded, line.Result.Type)
			continue
		}
		assert.Equal(t, anthropic.ResultErrored, line.Result.Type)
		require.NotNil(t, line.Result.Error)
		assert.Equal(t, "error", line.Result.Error.Type)
		assert.Equal(t, anthropic.ErrInvalidRequest, line.Result.Error.Error.Type)
		assert.Equal(t, "unsupported request", line.Result.Error.Error.Message)
	}
}

func TestScheduler_ListPagination(t *testing.T) {
	s := newTestScheduler(t, Config{})

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		created, err := s.Create(testItems(1))
		require.NoError(t, err)
		ids = append(ids, created.ID)
		waitEnded(t, s, created.ID)
		time.Sleep(3 * time.Millisecond)
	}

	page := s.List(3, "", "")
	require.Len(t, page.Data, 3)
	assert.True(t, page.HasMore)
	assert.Equal(t, ids[4], page.Data[0].ID, "newest batch should come first")
	assert.Equal(t, ids[3], page.Data[1].ID)
	assert.Equal(t, ids[2], page.Data[2].ID)
	require.NotNil(t, page.FirstID)
	require.NotNil(t, page.LastID)
	assert.Equal(t, ids[4], *page.FirstID)
	assert.Equal(t, ids[2], *page.LastID)

	rest := s.List(3, *page.LastID, "")
	require.Len(t, rest.Data, 2)
	assert.False(t, rest.HasMore)
	assert.Equal(t, ids[1], rest.Data[0].ID)
	assert.Equal(t, ids[0], rest.Data[1].ID)
	for _, b := range rest.Data {
		assert.NotEqual(t, *page.LastID, b.ID, "the cursor id must not appear in its own page")
	}

	newest := s.List(10, "", ids[2])
	require.Len(t, newest.Data, 2)
	assert.False(t, newest.HasMore)
	assert.Equal(t, ids[4], newest.Data[0].ID)
	assert.Equal(t, ids[3], newest.Data[1].ID)

	ignored := s.List(2, "msgbatch_bogus", "")
	assert.Len(t, ignored.Data, 2)
	assert.True(t, ignored.HasMore)
}

func TestScheduler_EmptyBatchEndsImmediately(t *testing.T) {
	s := newTestScheduler(t, Config{})

	created, err := s.Create(nil)
	require.NoError(t, err)

	final := waitEnded(t, s, created.ID)
	assert.Equal(t, anthropic.RequestCounts{}, final.RequestCounts)
	assert.Empty(t, final.ResultsURL)

	lines, err := s.Results(created.ID)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestScheduler_DuplicateCustomIDsCollapse(t *testing.T) {
	s := newTestScheduler(t, Config{})

	items := []anthropic.BatchRequestItem{
		testItem("dup", "first"),
		testItem("dup", "second"),
		testItem("other", "third"),
	}
	created, err := s.Create(items)
	require.NoError(t, err)
	waitEnded(t, s, created.ID)

	lines, err := s.Results(created.ID)
	require.NoError(t, err)
	assert.Len(t, lines, 2, "later writes for a custom_id overwrite the earlier result")
}

func TestScheduler_SweepExpired(t *testing.T) {
	s := newTestScheduler(t, Config{Retention: 10 * time.Millisecond})

	created, err := s.Create(testItems(1))
	require.NoError(t, err)
	waitEnded(t, s, created.ID)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, s.SweepExpired(time.Now().UTC()))

	_, err = s.Get(created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, s.SweepExpired(time.Now().UTC()))
}

func TestScheduler_SweepMarksOverdueRunningBatches(t *testing.T) {
	started := make(chan struct{}, 3)
	release := make(chan struct{})
	exec := func(ctx context.Context, params *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error) {
		started <- struct{}{}
		<-release
		return okExecutor(ctx, params)
	}
	s := newTestScheduler(t, Config{Concurrency: 1, Retention: time.Millisecond, Executor: exec})

	created, err := s.Create(testItems(3))
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("batch item never started")
	}

	time.Sleep(5 * time.Millisecond)
	assert.Zero(t, s.SweepExpired(time.Now().UTC()))

	close(release)
	final := waitEnded(t, s, created.ID)
	assert.Equal(t, 1, final.RequestCounts.Succeeded, "the in-flight item records its true outcome")
	assert.Equal(t, 2, final.RequestCounts.Expired, "unstarted items expire instead of executing")
}

func TestScheduler_SweepSkipsRunningBatches(t *testing.T) {
	release := make(chan struct{})
	exec := func(ctx context.Context, params *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error) {
		<-release
		return okExecutor(ctx, params)
	}
	s := newTestScheduler(t, Config{Retention: time.Millisecond, Executor: exec})

	created, err := s.Create(testItems(1))
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, s.SweepExpired(time.Now().UTC()), "running batches must not be swept")

	close(release)
	waitEnded(t, s, created.ID)
	assert.Equal(t, 1, s.SweepExpired(time.Now().UTC()))
}

func TestScheduler_Stats(t *testing.T) {
	s := newTestScheduler(t, Config{Concurrency: 3})

	created, err := s.Create(testItems(2))
	require.NoError(t, err)
	waitEnded(t, s, created.ID)

	stats := s.Stats()
	assert.Equal(t, 1, stats.BatchCount)
	assert.Equal(t, 1, stats.StatusCounts[anthropic.BatchEnded])
	assert.Equal(t, 0, stats.StatusCounts[anthropic.BatchInProgress])
	assert.Equal(t, 3, stats.Concurrency)
	assert.Equal(t, MaxBatchSize, stats.MaxBatchSize)
}

func TestScheduler_ShutdownCancelsAndJoins(t *testing.T) {
	started := make(chan struct{}, 4)
	exec := func(ctx context.Context, params *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s, err := New(Config{Concurrency: 2, Executor: exec, Logger: zerolog.Nop()})
	require.NoError(t, err)

	created, err := s.Create(testItems(4))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("batch items never started")
		}
	}

	done := make(chan struct{})
	go func() {
		s.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not join outstanding batch tasks")
	}

	final, err := s.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, anthropic.BatchEnded, final.ProcessingStatus)
	assert.Equal(t, 2, final.RequestCounts.Errored, "interrupted in-flight items record their failure")
	assert.Equal(t, 2, final.RequestCounts.Canceled, "queued items are canceled without starting")

	_, err = s.Create(testItems(1))
	assert.ErrorIs(t, err, ErrSchedulerClosed)
}
