// Package scheduler runs the periodic maintenance of the engine: quota
// counter resets, API-key expiry deactivation, offline-queue sweeps,
// and session scavenging. Every tick tolerates individual failures by
// logging them; one failing tick never affects the others.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mirrorkv/mirrorkv/internal/admission"
	"github.com/mirrorkv/mirrorkv/internal/model"
	"github.com/mirrorkv/mirrorkv/internal/offline"
	"github.com/mirrorkv/mirrorkv/internal/realtime"
	"github.com/mirrorkv/mirrorkv/internal/storage"
)

const (
	queueSweepInterval = 10 * time.Minute
	sessionMaxInactive = 30 * time.Minute
	expiryHour         = 2 // daily key-expiry and tombstone sweep at 02:00 local time
	tombstoneMaxAge    = 30 * 24 * time.Hour
)

// Scheduler owns the maintenance goroutines.
type Scheduler struct {
	Keys     *admission.KeyStore
	Repo     *storage.Repo
	Queue    *offline.Manager
	Registry *realtime.Registry
	Hub      *realtime.Hub
}

// New creates a scheduler over the engine's stateful components.
func New(keys *admission.KeyStore, repo *storage.Repo, queue *offline.Manager, registry *realtime.Registry, hub *realtime.Hub) *Scheduler {
	return &Scheduler{Keys: keys, Repo: repo, Queue: queue, Registry: registry, Hub: hub}
}

// Run starts all timers and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	go s.every(ctx, time.Minute, "minute quota reset", func(ctx context.Context) error {
		_, err := s.Keys.ResetPeriod(ctx, model.PeriodMinute)
		return err
	})
	go s.every(ctx, time.Hour, "hour quota reset", func(ctx context.Context) error {
		_, err := s.Keys.ResetPeriod(ctx, model.PeriodHour)
		return err
	})
	go s.every(ctx, queueSweepInterval, "offline queue sweep", func(context.Context) error {
		s.Queue.Sweep()
		realtime.ScavengeInactive(s.Hub, s.Registry, sessionMaxInactive)
		return nil
	})
	go s.daily(ctx, 0, "daily quota reset", func(ctx context.Context) error {
		_, err := s.Keys.ResetPeriod(ctx, model.PeriodDay)
		return err
	})
	go s.daily(ctx, expiryHour, "api key expiry sweep", func(ctx context.Context) error {
		_, err := s.Keys.DeactivateExpired(ctx)
		return err
	})
	go s.daily(ctx, expiryHour, "tombstone cleanup", func(ctx context.Context) error {
		_, err := s.Repo.Cleanup(ctx, tombstoneMaxAge)
		return err
	})
	go s.monthly(ctx, "monthly quota reset", func(ctx context.Context) error {
		_, err := s.Keys.ResetPeriod(ctx, model.PeriodMonth)
		return err
	})

	log.Info().Msg("scheduler running")
	<-ctx.Done()
}

// every runs fn on a fixed interval.
func (s *Scheduler) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, name, fn)
		}
	}
}

// daily runs fn once a day at the given local hour.
func (s *Scheduler) daily(ctx context.Context, hour int, name string, fn func(context.Context) error) {
	for {
		wait := time.Until(NextDaily(time.Now(), hour))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			s.tick(ctx, name, fn)
		}
	}
}

// monthly runs fn at 00:00 local time on day 1 of each month.
func (s *Scheduler) monthly(ctx context.Context, name string, fn func(context.Context) error) {
	for {
		wait := time.Until(NextMonthly(time.Now()))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			s.tick(ctx, name, fn)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("tick", name).Msg("scheduler tick panicked")
		}
	}()
	tctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := fn(tctx); err != nil {
		log.Error().Err(err).Str("tick", name).Msg("scheduler tick failed")
	}
}

// NextDaily returns the next occurrence of the given local hour
// strictly after now.
func NextDaily(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// NextMonthly returns the next 00:00 on day 1 strictly after now.
func NextMonthly(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 1, 0)
	}
	return next
}
