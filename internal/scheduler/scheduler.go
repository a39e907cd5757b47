// Package scheduler runs the bridge's recurring maintenance jobs, such as
// the hourly sweep that finalizes expired chat sessions.
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a started cron runner. Panicking jobs are recovered so one
// bad sweep cannot take the runner down.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts the runner with the standard 5-field cron
// syntax (minute, hour, day of month, month, day of week).
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task under the given cron expression. Invalid
// expressions are rejected before anything is registered.
func (s *Scheduler) AddJob(expr string, task func()) error {
	id, err := s.cron.AddFunc(expr, task)
	if err != nil {
		return err
	}
	slog.Debug("Scheduler.AddJob: job registered", "expr", expr, "entry_id", int(id))
	return nil
}

// Stop halts scheduling and blocks until jobs already running have finished.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
