package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/kestrelworks/valet/internal/observability"
	"github.com/kestrelworks/valet/internal/session"
)

// Scheduler evaluates jobs against the clock and runs due ones. The
// gateway calls RunDue roughly once a minute; the minute-boundary
// debounce makes uneven tick arrival harmless.
type Scheduler struct {
	store  *Store
	engine *session.Engine
	logger *slog.Logger
}

// NewScheduler wires a scheduler.
func NewScheduler(store *Store, engine *session.Engine, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: store, engine: engine, logger: logger.With("component", "cron")}
}

// RunDue fires every enabled job whose schedule matches the minute of
// now and that has not already fired in that minute.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) {
	minute := now.Truncate(time.Minute)
	for _, job := range s.store.List() {
		if !job.Enabled {
			continue
		}
		due, err := Matches(job.Schedule, now)
		if err != nil {
			// A bad expression can only come from hand-edited state;
			// disable the job instead of logging it every minute.
			s.logger.Error("disabling job with bad schedule", "job", job.Name, "schedule", job.Schedule, "error", err)
			if derr := s.store.SetEnabled(job.ID, false); derr != nil {
				s.logger.Error("disable failed", "job", job.Name, "error", derr)
			}
			continue
		}
		if !due {
			continue
		}
		if last, err := time.Parse(time.RFC3339, job.LastRunISO); err == nil && !last.Truncate(time.Minute).Before(minute) {
			continue // already fired this minute
		}

		// The fire is recorded before the run: success or failure, this
		// minute is spent.
		if err := s.store.MarkRun(job.ID, now); err != nil {
			s.logger.Error("mark run failed", "job", job.Name, "error", err)
		}
		s.runJob(ctx, job)
	}
}

// runJob fires one job in a disposable cheap session and keeps the job's
// last-error field current.
func (s *Scheduler) runJob(ctx context.Context, job Job) {
	sess := session.New("quick")
	sess.Ephemeral = true

	s.logger.Info("cron fire", "job", job.Name, "schedule", job.Schedule)
	if _, err := s.engine.Send(ctx, sess, job.Prompt); err != nil {
		observability.CronFires.WithLabelValues(job.Name, "error").Inc()
		s.logger.Error("cron job failed", "job", job.Name, "error", err)
		if serr := s.store.SetLastError(job.ID, err.Error()); serr != nil {
			s.logger.Error("record job error failed", "job", job.Name, "error", serr)
		}
		return
	}
	observability.CronFires.WithLabelValues(job.Name, "ok").Inc()
	if job.LastError != "" {
		if serr := s.store.SetLastError(job.ID, ""); serr != nil {
			s.logger.Error("clear job error failed", "job", job.Name, "error", serr)
		}
	}
}
