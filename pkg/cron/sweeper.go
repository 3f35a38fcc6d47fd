// Package cron runs the periodic idle-eviction sweep on a cron
// schedule. The cadence is short relative to the idle threshold so
// stale sessions are reclaimed promptly without every request path
// having to special-case staleness.
package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sipeed/picobridge/pkg/logger"
)

// Sweeper fires a job on a cron cadence.
type Sweeper struct {
	schedule string
	job      func() int
}

// NewSweeper validates the cron expression and binds the job. The job
// returns how much work it did, for logging.
func NewSweeper(schedule string, job func() int) (*Sweeper, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("cron: invalid schedule %q", schedule)
	}
	return &Sweeper{schedule: schedule, job: job}, nil
}

// Run blocks until ctx is done, firing the job at each scheduled tick.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		next, err := gronx.NextTick(s.schedule, false)
		if err != nil {
			logger.ErrorCF("cron", "Schedule evaluation failed", map[string]interface{}{
				"schedule": s.schedule,
				"error":    err.Error(),
			})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			s.job()
		}
	}
}
