package scheduler

import (
	"context"
	"time"

	"ChannelArchiver/internal/ports"
)

// IntervalScheduler runs a job, sleeps for a fixed interval, and repeats.
// The sleep starts after the job returns, so runs never overlap.
type IntervalScheduler struct {
	interval time.Duration
}

var _ ports.Scheduler = (*IntervalScheduler)(nil)

// NewIntervalScheduler builds a scheduler with the given pause between runs.
func NewIntervalScheduler(interval time.Duration) *IntervalScheduler {
	return &IntervalScheduler{interval: interval}
}

// Run executes job immediately and then after every interval until ctx is
// cancelled, returning ctx.Err().
func (s *IntervalScheduler) Run(ctx context.Context, job func(context.Context)) error {
	if job == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	timer := time.NewTimer(s.interval)
	timer.Stop()
	defer timer.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job(ctx)

		timer.Reset(s.interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}
