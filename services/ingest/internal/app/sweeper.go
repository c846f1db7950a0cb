package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"digibook/pkg/storage"
)

const DefaultSweepSchedule = "@every 15m"

// Sweeper removes workspaces left behind by crashed runs.
type Sweeper struct {
	baseDir string
	maxAge  time.Duration
	now     func() time.Time
	cron    *cron.Cron
}

// NewSweeper schedules Sweep on a cron spec. maxAge must exceed the longest
// expected run, including queue wait for staged uploads.
func NewSweeper(baseDir, schedule string, maxAge time.Duration) (*Sweeper, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("sweeper base dir required")
	}
	if maxAge <= 0 {
		return nil, errors.New("sweeper max age must be > 0")
	}
	if strings.TrimSpace(schedule) == "" {
		schedule = DefaultSweepSchedule
	}
	s := &Sweeper{baseDir: baseDir, maxAge: maxAge, now: time.Now}
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Sweep removes every stale workspace and returns how many were removed.
func (s *Sweeper) Sweep() (int, error) {
	stale, err := storage.StaleWorkspaces(s.baseDir, s.now().Add(-s.maxAge))
	if err != nil {
		return 0, err
	}
	return storage.RemovePaths(stale)
}

func (s *Sweeper) run() {
	removed, err := s.Sweep()
	if err != nil {
		slog.Warn("workspace sweep failed", "removed", removed, "err", err)
		return
	}
	if removed > 0 {
		slog.Info("workspace sweep", "removed", removed)
	}
}

func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for a running sweep.
func (s *Sweeper) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}
