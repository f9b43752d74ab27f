// Package sched runs named maintenance jobs once a day at a fixed
// wall-clock time. Two interchangeable implementations exist: a cron-backed
// one and a plain timer loop for environments where cron scheduling is
// unavailable. Callers depend only on the Scheduler interface.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a maintenance task body. Jobs must be idempotent and safe to run
// concurrently with live traffic.
type Job func(ctx context.Context)

// TimeOfDay is a daily wall-clock trigger.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

// Scheduler runs registered jobs daily at their trigger time.
type Scheduler interface {
	Daily(name string, at TimeOfDay, job Job) error
	Start()
	Stop()
}

// CronScheduler implements Scheduler on robfig/cron.
type CronScheduler struct {
	cron *cron.Cron
	log  *slog.Logger
}

func NewCron(log *slog.Logger) *CronScheduler {
	return &CronScheduler{
		cron: cron.New(),
		log:  log,
	}
}

func (s *CronScheduler) Daily(name string, at TimeOfDay, job Job) error {
	spec := fmt.Sprintf("%d %d * * *", at.Minute, at.Hour)
	_, err := s.cron.AddFunc(spec, func() {
		s.log.Info("running scheduled job", "job", name)
		job(context.Background())
	})
	if err != nil {
		return fmt.Errorf("scheduling job %s: %w", name, err)
	}
	s.log.Info("scheduled daily job", "job", name, "at", at)
	return nil
}

func (s *CronScheduler) Start() {
	s.cron.Start()
}

func (s *CronScheduler) Stop() {
	<-s.cron.Stop().Done()
}

type loopEntry struct {
	name string
	at   TimeOfDay
	job  Job
}

// LoopScheduler implements Scheduler with one timer goroutine per job,
// sleeping until the next occurrence of the trigger time and looping
// indefinitely. A delayed or skipped wakeup only postpones the run; jobs
// use age cutoffs, so late execution is harmless.
type LoopScheduler struct {
	log     *slog.Logger
	entries []loopEntry
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
}

func NewLoop(log *slog.Logger) *LoopScheduler {
	return &LoopScheduler{log: log, now: time.Now}
}

func (s *LoopScheduler) Daily(name string, at TimeOfDay, job Job) error {
	s.entries = append(s.entries, loopEntry{name: name, at: at, job: job})
	s.log.Info("scheduled daily job", "job", name, "at", at)
	return nil
}

func (s *LoopScheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, e := range s.entries {
		s.wg.Add(1)
		go s.run(ctx, e)
	}
}

func (s *LoopScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *LoopScheduler) run(ctx context.Context, e loopEntry) {
	defer s.wg.Done()
	for {
		wait := nextOccurrence(s.now(), e.at).Sub(s.now())
		if !sleepWithContext(ctx, wait) {
			return
		}
		s.log.Info("running scheduled job", "job", e.name)
		e.job(ctx)
	}
}

// nextOccurrence returns the next wall-clock instant of at strictly after
// now, in now's location.
func nextOccurrence(now time.Time, at TimeOfDay) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour, at.Minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// sleepWithContext sleeps for dur and reports false if the context was
// cancelled first.
func sleepWithContext(ctx context.Context, dur time.Duration) bool {
	timer := time.NewTimer(dur)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
