package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"ChannelArchiver/internal/ports"
)

// SchedulerDeps wires the archiver with the interval drivers of both loops.
type SchedulerDeps struct {
	Archiver *Archiver
	Sources  []string
	Monitor  ports.Scheduler
	Backfill ports.Scheduler
	Logger   *slog.Logger
}

// Scheduler runs a monitor loop and a backfill loop for every source.
type Scheduler struct {
	archiver *Archiver
	sources  []string
	monitor  ports.Scheduler
	backfill ports.Scheduler
	logger   *slog.Logger
}

// NewScheduler returns the dual-loop scheduler.
func NewScheduler(deps SchedulerDeps) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		archiver: deps.Archiver,
		sources:  deps.Sources,
		monitor:  deps.Monitor,
		backfill: deps.Backfill,
		logger:   logger,
	}
}

// Run starts both loops of every source and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.archiver == nil || len(s.sources) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, source := range s.sources {
		if s.monitor != nil {
			g.Go(func() error {
				return s.monitor.Run(gctx, func(ctx context.Context) {
					s.runCycle(ctx, CycleMonitor, source)
				})
			})
		}
		if s.backfill != nil {
			g.Go(func() error {
				return s.backfill.Run(gctx, func(ctx context.Context) {
					s.runCycle(ctx, CycleBackfill, source)
				})
			})
		}
	}

	s.logger.Info("scheduler started", "sources", len(s.sources))
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.logger.Info("scheduler stopped")
	return err
}

// RunOnce runs one monitor and then one backfill cycle per source, sources
// in parallel, and returns the reports together with any cycle errors.
func (s *Scheduler) RunOnce(ctx context.Context) ([]CycleReport, error) {
	if s.archiver == nil {
		return nil, nil
	}

	var (
		mu      sync.Mutex
		reports []CycleReport
		errs    []error
	)
	var g errgroup.Group
	for _, source := range s.sources {
		g.Go(func() error {
			for _, kind := range []string{CycleMonitor, CycleBackfill} {
				report, err := s.runCycle(ctx, kind, source)
				mu.Lock()
				reports = append(reports, report)
				if err != nil {
					errs = append(errs, err)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}

// runCycle executes one cycle; a panic is logged and reported as an error
// so the loop keeps going.
func (s *Scheduler) runCycle(ctx context.Context, kind, source string) (report CycleReport, err error) {
	logger := s.logger.With("source", source, "loop", kind)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("cycle panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%s cycle %s panicked: %v", kind, source, r)
		}
	}()

	if ctx.Err() != nil {
		return CycleReport{Source: source, Kind: kind}, ctx.Err()
	}

	switch kind {
	case CycleMonitor:
		report, err = s.archiver.RunMonitorCycle(ctx, source)
	default:
		report, err = s.archiver.RunBackfillCycle(ctx, source)
	}
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("cycle interrupted", "error", err)
		} else {
			logger.Error("cycle failed", "error", err)
		}
	}
	return report, err
}
