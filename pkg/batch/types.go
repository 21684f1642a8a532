package batch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/rollo/gantry/pkg/anthropic"
)

const (
	// MaxBatchSize caps how many requests one batch may carry.
	MaxBatchSize = 100
	// DefaultConcurrency is the per-batch execution ceiling.
	DefaultConcurrency = 5
	// DefaultRetention matches the 29-day result retention of the real API.
	DefaultRetention = 29 * 24 * time.Hour
	// DefaultListLimit is the page size when the caller passes none.
	DefaultListLimit = 20
)

// Executor runs one batch item to completion and returns its response.
type Executor func(ctx context.Context, params *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error)

var (
	// ErrNotFound is returned for unknown batch ids.
	ErrNotFound = errors.New("batch: not found")
	// ErrSchedulerClosed is returned by Create after Shutdown.
	ErrSchedulerClosed = errors.New("batch: scheduler shut down")
)

// ValidationError rejects a malformed mutating call, such as an oversized
// batch. It is reported synchronously and never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// PreconditionError rejects an operation the batch's current status does
// not permit, such as deleting a batch that has not ended.
type PreconditionError struct {
	Message string
}

func (e *PreconditionError) Error() string { return e.Message }

// Config configures a batch scheduler.
type Config struct {
	// Concurrency bounds how many items of one batch run at once.
	Concurrency int
	// Retention is how long batches stay queryable after creation.
	Retention time.Duration
	// Executor runs individual batch items.
	Executor Executor
	// Logger receives scheduler lifecycle logs.
	Logger zerolog.Logger
}

// Stats is a point-in-time snapshot of the scheduler.
type Stats struct {
	BatchCount   int            `json:"batch_count"`
	StatusCounts map[string]int `json:"status_counts"`
	Concurrency  int            `json:"concurrency"`
	MaxBatchSize int            `json:"max_batch_size"`
}
