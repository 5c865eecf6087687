package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the side-effect worker on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	worker   *SideEffectWorker
	schedule string
	timeout  time.Duration
}

// NewScheduler creates a scheduler; a panicking run is recovered and logged.
func NewScheduler(worker *SideEffectWorker, schedule string, timeout time.Duration) *Scheduler {
	cronLogger := cron.PrintfLogger(log.New(os.Stdout, "cron: ", log.LstdFlags))
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	return &Scheduler{
		cron:     c,
		worker:   worker,
		schedule: schedule,
		timeout:  timeout,
	}
}

// Start registers the side-effect job and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.runSideEffects); err != nil {
		return err
	}
	log.Printf("⏰ Scheduled side effect worker: %s", s.schedule)
	s.cron.Start()
	return nil
}

func (s *Scheduler) runSideEffects() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	done, err := s.worker.RunOnce(ctx)
	if err != nil {
		log.Printf("❌ [SIDE EFFECT] Worker run failed: %v", err)
		return
	}
	if done > 0 {
		log.Printf("✅ [SIDE EFFECT] Worker run completed %d side effect(s)", done)
	}
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
