// Package janitor runs the background retention jobs: sweeping expired
// batches, deleting expired files, and flushing the access log on a
// heartbeat. Jobs run on cron schedules owned by the daemon.
package janitor

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Default job schedules.
const (
	// DefaultBatchSweep removes ended batches past retention once an hour;
	// the window is 29 days, so hourly keeps the error under a minute of
	// drift per day.
	DefaultBatchSweep = "@every 1h"
	// DefaultFileSweep matches the file store's expiry granularity.
	DefaultFileSweep = "@every 5m"
	// DefaultFlush bounds access-log loss on an otherwise idle server.
	DefaultFlush = "@every 1m"
)

// Sweeper removes expired entries and reports how many were removed.
type Sweeper interface {
	SweepExpired(now time.Time) int
}

// Flusher forces buffered records to storage.
type Flusher interface {
	Flush()
}

// Config configures the janitor. Every target is optional; a nil target
// simply registers no job for it.
type Config struct {
	// BatchSweepSchedule is the cron spec for the batch retention sweep.
	// Defaults to DefaultBatchSweep.
	BatchSweepSchedule string
	// FileSweepSchedule is the cron spec for the file store sweep.
	// Defaults to DefaultFileSweep.
	FileSweepSchedule string
	// FlushSchedule is the cron spec for the access-log heartbeat.
	// Defaults to DefaultFlush.
	FlushSchedule string

	// Batches is the batch scheduler to sweep.
	Batches Sweeper
	// Files is the file store to sweep.
	Files Sweeper
	// AccessLog is the access log writer to flush.
	AccessLog Flusher

	// Logger receives janitor lifecycle logs.
	Logger zerolog.Logger
}

type job struct {
	name string
	spec string
	fn   func()
}

// Janitor owns the cron runner for the retention jobs.
type Janitor struct {
	cron   *cron.Cron
	jobs   []job
	logger zerolog.Logger
}

// New validates the schedules and registers a job per configured target.
// Jobs do not run until Start.
func New(cfg Config) (*Janitor, error) {
	logger := cfg.Logger.With().Str("component", "janitor").Logger()

	j := &Janitor{
		cron: cron.New(
			cron.WithLogger(cronLogger{logger}),
			cron.WithChain(cron.Recover(cronLogger{logger})),
		),
		logger: logger,
	}

	if cfg.Batches != nil {
		spec := cfg.BatchSweepSchedule
		if spec == "" {
			spec = DefaultBatchSweep
		}
		target := cfg.Batches
		if err := j.add("batch_sweep", spec, func() {
			removed := target.SweepExpired(time.Now().UTC())
			logger.Debug().Int("removed", removed).Msg("Batch retention sweep finished")
		}); err != nil {
			return nil, fmt.Errorf("janitor: invalid batch sweep schedule: %w", err)
		}
	}

	if cfg.Files != nil {
		spec := cfg.FileSweepSchedule
		if spec == "" {
			spec = DefaultFileSweep
		}
		target := cfg.Files
		if err := j.add("file_sweep", spec, func() {
			removed := target.SweepExpired(time.Now().UTC())
			logger.Debug().Int("removed", removed).Msg("File store sweep finished")
		}); err != nil {
			return nil, fmt.Errorf("janitor: invalid file sweep schedule: %w", err)
		}
	}

	if cfg.AccessLog != nil {
		spec := cfg.FlushSchedule
		if spec == "" {
			spec = DefaultFlush
		}
		target := cfg.AccessLog
		if err := j.add("accesslog_flush", spec, target.Flush); err != nil {
			return nil, fmt.Errorf("janitor: invalid flush schedule: %w", err)
		}
	}

	return j, nil
}

func (j *Janitor) add(name, spec string, fn func()) error {
	if _, err := j.cron.AddFunc(spec, fn); err != nil {
		return err
	}
	j.jobs = append(j.jobs, job{name: name, spec: spec, fn: fn})
	return nil
}

// Jobs lists the registered job names.
func (j *Janitor) Jobs() []string {
	names := make([]string, len(j.jobs))
	for i, jb := range j.jobs {
		names[i] = jb.name
	}
	return names
}

// Start begins running the registered jobs on their schedules.
func (j *Janitor) Start() {
	if len(j.jobs) == 0 {
		j.logger.Info().Msg("No retention jobs configured")
		return
	}
	for _, jb := range j.jobs {
		j.logger.Info().Str("job", jb.name).Str("schedule", jb.spec).Msg("Registered retention job")
	}
	j.cron.Start()
}

// RunNow executes every registered job once, synchronously. The daemon
// calls it after Start so expired state is reclaimed on boot rather than
// at the first tick.
func (j *Janitor) RunNow() {
	for _, jb := range j.jobs {
		jb.fn()
	}
}

// Shutdown stops scheduling and waits for running jobs to finish.
func (j *Janitor) Shutdown() {
	ctx := j.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		j.logger.Warn().Msg("Retention jobs still running at shutdown")
	}
	j.logger.Info().Msg("Janitor stopped")
}

// cronLogger adapts zerolog to the cron runner's logger. Scheduling chatter
// maps to debug, job panics and schedule errors to error.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(fieldMap(keysAndValues)).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(fieldMap(keysAndValues)).Msg(msg)
}

func fieldMap(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		fields[key] = keysAndValues[i+1]
	}
	return fields
}
