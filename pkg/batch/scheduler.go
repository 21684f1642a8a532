// Package batch runs sets of independent Messages requests with bounded
// parallelism. Batches execute in the background immediately after
// creation; cancellation is cooperative and per-item outcomes are kept
// until the batch is deleted or its retention window passes.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rollo/gantry/internal/observability"
	"github.com/rollo/gantry/internal/tracing"
	"github.com/rollo/gantry/pkg/anthropic"
)

// storedBatch is one batch plus the handle of its execution task. The
// mutable fields are guarded by mu; id, requests, createdAt and expiresAt
// are fixed at creation.
type storedBatch struct {
	id        string
	requests  []anthropic.BatchRequestItem
	createdAt time.Time
	expiresAt time.Time

	mu                sync.Mutex
	status            string
	endedAt           *time.Time
	cancelInitiatedAt *time.Time
	canceled          bool
	expired           bool
	results           map[string]anthropic.BatchResultBody
	order             []string

	// cancel and done let Shutdown stop and join the execution task.
	cancel context.CancelFunc
	done   chan struct{}
}

// record stores one item outcome. The first write for a custom_id fixes
// its position in the results order.
func (b *storedBatch) record(customID string, result anthropic.BatchResultBody) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.results[customID]; !exists {
		b.order = append(b.order, customID)
	}
	b.results[customID] = result
}

// skipResult reports whether an item that has not started yet should be
// recorded without invoking the executor, and with which result type.
func (b *storedBatch) skipResult(ctx context.Context) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.expired:
		return anthropic.ResultExpired, true
	case b.canceled || ctx.Err() != nil:
		return anthropic.ResultCanceled, true
	}
	return "", false
}

func (b *storedBatch) finalize(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = anthropic.BatchEnded
	b.endedAt = &now
}

// snapshot renders the wire representation. Request counts are derived
// from the results map alone, never tracked separately.
func (b *storedBatch) snapshot() anthropic.MessageBatch {
	b.mu.Lock()
	defer b.mu.Unlock()

	counts := anthropic.RequestCounts{Processing: len(b.requests) - len(b.results)}
	for _, r := range b.results {
		switch r.Type {
		case anthropic.ResultSucceeded:
			counts.Succeeded++
		case anthropic.ResultErrored:
			counts.Errored++
		case anthropic.ResultCanceled:
			counts.Canceled++
		case anthropic.ResultExpired:
			counts.Expired++
		}
	}

	out := anthropic.MessageBatch{
		ID:                b.id,
		Type:              "message_batch",
		ProcessingStatus:  b.status,
		RequestCounts:     counts,
		CreatedAt:         b.createdAt,
		ExpiresAt:         b.expiresAt,
		EndedAt:           b.endedAt,
		CancelInitiatedAt: b.cancelInitiatedAt,
	}
	if b.status == anthropic.BatchEnded && len(b.results) > 0 {
		out.ResultsURL = "/v1/messages/batches/" + b.id + "/results"
	}
	return out
}

// Scheduler owns all batches and their execution tasks.
type Scheduler struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.RWMutex
	batches  map[string]*storedBatch
	inflight int
	closed   bool
}

// New builds a scheduler.
func New(cfg Config) (*Scheduler, error) {
	observability.EnsureRegistered()

	if cfg.Executor == nil {
		return nil, fmt.Errorf("batch: executor is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}

	return &Scheduler{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "batch_scheduler").Logger(),
		batches: make(map[string]*storedBatch),
	}, nil
}

// Create stores a batch and starts its execution task. Creation is
// synchronous; execution is not.
func (s *Scheduler) Create(requests []anthropic.BatchRequestItem) (anthropic.MessageBatch, error) {
	if len(requests) > MaxBatchSize {
		return anthropic.MessageBatch{}, &ValidationError{
			Message: fmt.Sprintf("batch exceeds maximum size of %d requests", MaxBatchSize),
		}
	}

	now := time.Now().UTC()
	ctx, cancel := context.WithCancel(context.Background())
	b := &storedBatch{
		id:        anthropic.NewBatchID(),
		requests:  requests,
		createdAt: now,
		expiresAt: now.Add(s.cfg.Retention),
		status:    anthropic.BatchInProgress,
		results:   make(map[string]anthropic.BatchResultBody),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return anthropic.MessageBatch{}, ErrSchedulerClosed
	}
	s.batches[b.id] = b
	s.inflight++
	observability.SetBatchesInProgress(s.inflight)
	s.mu.Unlock()

	go s.run(ctx, b)

	s.logger.Info().Str("batch_id", b.id).Int("requests", len(requests)).Msg("Created batch")
	return b.snapshot(), nil
}

// run executes every item of one batch under the concurrency ceiling and
// marks the batch ended once all outcomes are recorded.
func (s *Scheduler) run(ctx context.Context, b *storedBatch) {
	defer close(b.done)

	ctx, span := tracing.StartSpan(ctx, "gantry.batch", "batch.run",
		attribute.String("batch.id", b.id),
		attribute.Int("batch.requests", len(b.requests)))
	defer span.End()

	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, item := range b.requests {
		wg.Add(1)
		go func(item anthropic.BatchRequestItem) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			start := time.Now()

			// Items that have not started when cancellation, expiry or
			// shutdown arrives are recorded without touching the runtime.
			// Items past this point run to completion.
			if resultType, skip := b.skipResult(ctx); skip {
				b.record(item.CustomID, anthropic.BatchResultBody{Type: resultType})
				observability.RecordBatchItem(resultType, time.Since(start))
				return
			}

			// Each item runs with the batch trace id and its own request id.
			itemCtx := tracing.PropagateToBatchItem(ctx, b.id)

			params := item.Params
			resp, err := s.cfg.Executor(itemCtx, &params)
			if err != nil {
				s.logger.Warn().
					Str("batch_id", b.id).
					Str("custom_id", item.CustomID).
					Err(err).
					Msg("Batch request failed")
				envelope := anthropic.NewErrorResponse(wireErrType(err), err.Error())
				b.record(item.CustomID, anthropic.BatchResultBody{Type: anthropic.ResultErrored, Error: &envelope})
				observability.RecordBatchItem(anthropic.ResultErrored, time.Since(start))
				return
			}
			b.record(item.CustomID, anthropic.BatchResultBody{Type: anthropic.ResultSucceeded, Message: resp})
			observability.RecordBatchItem(anthropic.ResultSucceeded, time.Since(start))
		}(item)
	}

	wg.Wait()
	b.finalize(time.Now().UTC())

	s.mu.Lock()
	s.inflight--
	observability.SetBatchesInProgress(s.inflight)
	s.mu.Unlock()

	s.logger.Info().Str("batch_id", b.id).Msg("Batch completed")
}

// wireErrType picks the envelope error type for a failed item.
func wireErrType(err error) string {
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrType
	}
	return anthropic.ErrAPI
}

// Get returns the batch's current wire representation.
func (s *Scheduler) Get(id string) (anthropic.MessageBatch, error) {
	s.mu.RLock()
	b, ok := s.batches[id]
	s.mu.RUnlock()
	if !ok {
		return anthropic.MessageBatch{}, ErrNotFound
	}
	return b.snapshot(), nil
}

// Cancel requests cooperative cancellation. Canceling an ended batch is
// an idempotent no-op; in-flight items always run to completion.
func (s *Scheduler) Cancel(id string) (anthropic.MessageBatch, error) {
	s.mu.RLock()
	b, ok := s.batches[id]
	s.mu.RUnlock()
	if !ok {
		return anthropic.MessageBatch{}, ErrNotFound
	}

	b.mu.Lock()
	if b.status != anthropic.BatchEnded {
		now := time.Now().UTC()
		b.canceled = true
		b.cancelInitiatedAt = &now
		b.status = anthropic.BatchCanceling
		s.logger.Info().Str("batch_id", id).Msg("Canceling batch")
	}
	b.mu.Unlock()

	return b.snapshot(), nil
}

// Delete removes an ended batch and its results.
func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return ErrNotFound
	}

	b.mu.Lock()
	ended := b.status == anthropic.BatchEnded
	b.mu.Unlock()
	if !ended {
		return &PreconditionError{Message: "cannot delete a batch that is not ended"}
	}

	delete(s.batches, id)
	s.logger.Info().Str("batch_id", id).Msg("Deleted batch")
	return nil
}

// List returns batches newest-first with exclusive after_id/before_id
// cursors. Unknown cursor ids are ignored.
func (s *Scheduler) List(limit int, afterID, beforeID string) anthropic.BatchesListResponse {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.RLock()
	all := make([]*storedBatch, 0, len(s.batches))
	for _, b := range s.batches {
		all = append(all, b)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].createdAt.Equal(all[j].createdAt) {
			return all[i].id > all[j].id
		}
		return all[i].createdAt.After(all[j].createdAt)
	})

	if afterID != "" {
		if idx := indexOf(all, afterID); idx >= 0 {
			all = all[idx+1:]
		}
	}
	if beforeID != "" {
		if idx := indexOf(all, beforeID); idx >= 0 {
			all = all[:idx]
		}
	}

	hasMore := len(all) > limit
	if hasMore {
		all = all[:limit]
	}

	resp := anthropic.BatchesListResponse{
		Data:    make([]anthropic.MessageBatch, 0, len(all)),
		HasMore: hasMore,
	}
	for _, b := range all {
		resp.Data = append(resp.Data, b.snapshot())
	}
	if len(resp.Data) > 0 {
		resp.FirstID = &resp.Data[0].ID
		resp.LastID = &resp.Data[len(resp.Data)-1].ID
	}
	return resp
}

func indexOf(batches []*storedBatch, id string) int {
	for i, b := range batches {
		if b.id == id {
			return i
		}
	}
	return -1
}

// Results returns the recorded result lines in first-recorded order. The
// slice is rebuilt on every call, so reading it never consumes anything.
func (s *Scheduler) Results(id string) ([]anthropic.BatchResultLine, error) {
	s.mu.RLock()
	b, ok := s.batches[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != anthropic.BatchEnded {
		return nil, &PreconditionError{Message: "batch results are not available until the batch has ended"}
	}

	lines := make([]anthropic.BatchResultLine, 0, len(b.order))
	for _, customID := range b.order {
		lines = append(lines, anthropic.BatchResultLine{CustomID: customID, Result: b.results[customID]})
	}
	return lines, nil
}

// SweepExpired deletes ended batches whose retention window has passed
// and returns how many were removed. A running batch past its window is
// kept but marked, so items that have not started record an expired
// outcome instead of executing.
func (s *Scheduler) SweepExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, b := range s.batches {
		if !now.After(b.expiresAt) {
			continue
		}
		b.mu.Lock()
		if b.status == anthropic.BatchEnded {
			b.mu.Unlock()
			delete(s.batches, id)
			removed++
			continue
		}
		if !b.expired {
			b.expired = true
			s.logger.Warn().Str("batch_id", id).Msg("Batch passed retention while still running")
		}
		b.mu.Unlock()
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Swept expired batches")
	}
	return removed
}

// Stats snapshots the scheduler for observability.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[string]int{
		anthropic.BatchInProgress: 0,
		anthropic.BatchCanceling:  0,
		anthropic.BatchEnded:      0,
	}
	for _, b := range s.batches {
		b.mu.Lock()
		counts[b.status]++
		b.mu.Unlock()
	}

	return Stats{
		BatchCount:   len(s.batches),
		StatusCounts: counts,
		Concurrency:  s.cfg.Concurrency,
		MaxBatchSize: MaxBatchSize,
	}
}

// Shutdown cancels every outstanding execution task and waits for each to
// record its remaining outcomes. Create fails afterwards; reads keep
// working.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	batches := make([]*storedBatch, 0, len(s.batches))
	for _, b := range s.batches {
		batches = append(batches, b)
	}
	s.mu.Unlock()

	for _, b := range batches {
		b.cancel()
	}
	for _, b := range batches {
		<-b.done
	}
	s.logger.Info().Msg("Batch scheduler stopped")
}
