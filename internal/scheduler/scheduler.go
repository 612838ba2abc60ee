// Package scheduler runs mode command lines on cron schedules for the daemon
// mode.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
)

// Entry pairs a cron spec with the command line it triggers.
type Entry struct {
	Spec    string
	Command string
}

// RunFunc executes one command line.
type RunFunc func(ctx context.Context, line string) error

// Scheduler fires its entries one at a time: a job that comes due while
// another is running waits for it, and an entry still running when its next
// tick arrives skips that tick.
type Scheduler struct {
	cron *cron.Cron
	run  RunFunc
	mu   sync.Mutex
	ctx  context.Context
}

// New validates every spec. Specs use the standard five fields or a
// descriptor such as @hourly.
func New(entries []Entry, fn RunFunc) (*Scheduler, error) {
	if len(entries) == 0 {
		return nil, errors.New("no schedule entries configured")
	}
	logger := cron.PrintfLogger(log.Default())
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		run: fn,
		ctx: context.Background(),
	}
	for _, e := range entries {
		line := strings.TrimSpace(e.Command)
		if line == "" {
			return nil, fmt.Errorf("schedule %q has no command", e.Spec)
		}
		if _, err := s.cron.AddFunc(e.Spec, func() { s.fire(line) }); err != nil {
			return nil, fmt.Errorf("schedule %q: %w", e.Spec, err)
		}
	}
	return s, nil
}

func (s *Scheduler) fire(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	log.Printf("[scheduler] running %q", line)
	if err := s.run(s.ctx, line); err != nil {
		log.Printf("[scheduler] %q failed: %v", line, err)
		return
	}
	log.Printf("[scheduler] %q finished", line)
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// running job to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	log.Printf("[scheduler] started with %d entries", len(s.cron.Entries()))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	log.Println("[scheduler] stopped")
	return nil
}

// Trigger runs every entry once outside the schedule.
func (s *Scheduler) Trigger() {
	for _, e := range s.cron.Entries() {
		e.WrappedJob.Run()
	}
}
