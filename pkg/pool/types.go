package pool

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rollo/gantry/pkg/runtime"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultMaxSessions     = 10
	DefaultTTL             = time.Hour
	DefaultCleanupInterval = time.Minute
	DefaultAcquireTimeout  = 30 * time.Second
)

// ErrPoolClosed is returned by Acquire after Shutdown.
var ErrPoolClosed = errors.New("pool: shut down")

// CapacityError reports that the pool stayed saturated for the whole
// acquire timeout. Callers may retry with backoff; the pool never does.
type CapacityError struct {
	MaxSessions int
	Waited      time.Duration
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("pool at capacity (%d sessions), no session released within %s", e.MaxSessions, e.Waited)
}

// Config configures a session pool.
type Config struct {
	// MaxSessions bounds how many agent sessions exist at once.
	MaxSessions int
	// TTL is the maximum idle time before an inactive session is evicted.
	TTL time.Duration
	// CleanupInterval is the eviction scan period.
	CleanupInterval time.Duration
	// AcquireTimeout bounds how long Acquire waits at capacity.
	AcquireTimeout time.Duration
	// Runtime opens the underlying agent sessions.
	Runtime runtime.Runtime
	// Logger receives pool lifecycle logs.
	Logger zerolog.Logger
}

// PooledSession is one pool-owned agent session. Between Acquire and
// Release the caller holds the handle exclusively; the bookkeeping fields
// stay owned by the pool and are only touched under its lock.
type PooledSession struct {
	ID      string
	Session runtime.Session

	createdAt    time.Time
	lastActivity time.Time
	active       bool
	useCount     int
}

// SessionStat describes one pooled session for observability.
type SessionStat struct {
	ID          string  `json:"id"`
	AgeSeconds  float64 `json:"age_seconds"`
	IdleSeconds float64 `json:"idle_seconds"`
	IsActive    bool    `json:"is_active"`
	UseCount    int     `json:"use_count"`
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	MaxSessions       int           `json:"max_sessions"`
	TTLSeconds        float64       `json:"ttl_seconds"`
	TotalSessions     int           `json:"total_sessions"`
	ActiveSessions    int           `json:"active_sessions"`
	AvailableSessions int           `json:"available_sessions"`
	Sessions          []SessionStat `json:"sessions"`
}
