// Package scheduler drives periodic sync cycles followed by lifecycle passes.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/addonsyncd/internal/config"
	"github.com/schaermu/addonsyncd/internal/lifecycle"
	addonsync "github.com/schaermu/addonsyncd/internal/sync"
)

// Syncer runs one sync cycle
type Syncer interface {
	Run(ctx context.Context, opts addonsync.RunOptions) (*addonsync.Report, error)
}

// Lifecycle runs one lifecycle pass
type Lifecycle interface {
	Run(ctx context.Context, opts lifecycle.RunOptions) ([]lifecycle.Record, error)
}

// Status is a snapshot of the scheduler's progress
type Status struct {
	Ticks       int                `json:"ticks"`
	TickID      string             `json:"tick_id,omitempty"`
	LastTick    time.Time          `json:"last_tick,omitempty"`
	LastSuccess time.Time          `json:"last_success,omitempty"`
	LastReport  *addonsync.Report  `json:"last_report,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
	Installs    []lifecycle.Record `json:"installs,omitempty"`
}

// Scheduler runs ticks until its context ends. Ticks never overlap.
type Scheduler struct {
	cfg       config.ScheduleConfig
	fullEvery int
	syncer    Syncer
	lifecycle Lifecycle
	logger    *slog.Logger
	trigger   chan struct{}
	now       func() time.Time

	mu      sync.Mutex
	started time.Time
	status  Status
}

// New creates a scheduler. lc may be nil when no installs are configured.
func New(cfg *config.Config, syncer Syncer, lc Lifecycle, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg.Schedule,
		fullEvery: cfg.Sync.FullReconcileEvery,
		syncer:    syncer,
		lifecycle: lc,
		logger:    logger,
		trigger:   make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Trigger requests an early tick. Requests made while one is pending are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Status returns the current status
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.Installs = append([]lifecycle.Record(nil), s.status.Installs...)
	return st
}

// Run ticks immediately, then waits between ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.started = s.now()
	s.mu.Unlock()

	s.logger.Info("scheduler started",
		"interval", s.cfg.Interval,
		"startup_grace", s.cfg.StartupGrace,
		"startup_poll", s.cfg.StartupPoll,
		"full_reconcile_every", s.fullEvery)

	for {
		s.Tick(ctx)

		wait := s.nextWait()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopped")
			return nil
		case <-timer.C:
		case <-s.trigger:
			timer.Stop()
			s.logger.Info("early tick requested")
		}
	}
}

// Tick runs one sync cycle followed by one lifecycle pass
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	s.status.Ticks++
	n := s.status.Ticks
	s.mu.Unlock()

	id := uuid.NewString()
	logger := s.logger.With("tick_id", id)
	full := s.fullEvery > 0 && n%s.fullEvery == 0
	logger.Info("tick started", "tick", n, "full", full)

	report, err := s.syncer.Run(ctx, addonsync.RunOptions{Full: full, Logger: logger})

	var records []lifecycle.Record
	if s.lifecycle != nil && ctx.Err() == nil {
		var lerr error
		records, lerr = s.lifecycle.Run(ctx, lifecycle.RunOptions{Logger: logger})
		if lerr != nil {
			logger.Warn("lifecycle pass had failures", "error", lerr)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.TickID = id
	s.status.LastTick = s.now()
	if report != nil {
		s.status.LastReport = report
	}
	if err != nil {
		s.status.LastError = err.Error()
	} else {
		s.status.LastError = ""
		s.status.LastSuccess = s.status.LastTick
	}
	if records != nil {
		s.status.Installs = records
	}
}

// nextWait is the startup poll interval during the grace period until the first
// successful cycle, and the regular interval afterwards
func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.LastSuccess.IsZero() && s.now().Sub(s.started) < s.cfg.StartupGrace {
		return s.cfg.StartupPoll
	}
	return s.cfg.Interval
}
