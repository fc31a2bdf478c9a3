package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"crankd/internal/policy"
	"crankd/internal/task/engine"
	logx "crankd/pkg/logx"
)

const taskPrefix = "housekeeping:"

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	engine *engine.Service
	c      *cron.Cron
	jobs   map[string]*entry
	now    func() time.Time
}

func New(cfg Config, eng *engine.Service, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "scheduler")),
		engine: eng,
		jobs:   map[string]*entry{},
		now:    time.Now,
	}
}

// Add registers job, replacing any job with the same name. Jobs added before
// Start are scheduled when it runs.
func (s *Service) Add(job Job) error {
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" || job.Run == nil {
		return errors.New("scheduler: job needs a name and a run func")
	}
	spec, err := policy.ParseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: %s: %w", job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(job.Name)
	e := &entry{job: job, spec: spec}
	s.jobs[job.Name] = e
	if s.c != nil {
		return s.registerLocked(e)
	}
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	e, ok := s.jobs[name]
	if !ok {
		return false
	}
	if s.c != nil && e.id != 0 {
		s.c.Remove(e.id)
	}
	delete(s.jobs, name)
	return true
}

func (s *Service) registerLocked(e *entry) error {
	var sched cron.Schedule
	if e.spec.Kind == policy.SpecInterval {
		sched = intervalSchedule(e.spec.Every, s.now(), e.job.Name)
	} else {
		var err error
		if sched, err = e.spec.Schedule(); err != nil {
			return err
		}
	}
	e.id = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(e) }))
	s.log.Debug("job scheduled", logx.String("job", e.job.Name), logx.String("schedule", e.spec.String()))
	return nil
}

// Apply swaps the config. A timezone change restarts the cron runner.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || !tzChanged {
		return
	}
	s.c.Stop()
	s.startLocked()
}

func (s *Service) Start(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

func (s *Service) startLocked() {
	s.loc = s.location()
	s.c = cron.New(cron.WithLocation(s.loc))
	for _, e := range s.jobs {
		if err := s.registerLocked(e); err != nil {
			s.log.Error("job register failed", logx.String("job", e.job.Name), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Stop halts triggering. Runs already handed to the engine finish there.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// RunNow triggers name once outside its schedule.
func (s *Service) RunNow(name string) bool {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if ok {
		s.fire(e)
	}
	return ok
}

// fire hands one run to the engine unless the previous one is still going.
func (s *Service) fire(e *entry) {
	s.mu.Lock()
	if e.running {
		e.skipped++
		s.mu.Unlock()
		s.log.Debug("job still running; skipped", logx.String("job", e.job.Name))
		return
	}
	e.running = true
	s.mu.Unlock()

	err := s.engine.Enqueue(engine.Task{
		Name:    taskPrefix + e.job.Name,
		Timeout: e.job.Timeout,
		Run:     e.job.Run,
		// The next tick is the retry.
		Opt:    engine.TaskOptions{RetryMax: -1, CircuitTripFailures: -1},
		OnDone: func(r engine.Result) { s.done(e, r) },
	})
	if err != nil {
		s.mu.Lock()
		e.running = false
		e.skipped++
		s.mu.Unlock()
		s.log.Warn("job not queued", logx.String("job", e.job.Name), logx.Err(err))
	}
}

func (s *Service) done(e *entry, r engine.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.running = false
	e.runs++
	e.lastRun = s.now()
	e.lastErr = ""
	if r.Err != nil {
		e.failed++
		e.lastErr = r.Err.Error()
		s.log.Warn("job failed", logx.String("job", e.job.Name), logx.Err(r.Err))
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Timezone: time.Local.String()}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, e := range s.jobs {
		info := JobInfo{
			Name:     e.job.Name,
			Schedule: e.spec.String(),
			Running:  e.running,
			Runs:     e.runs,
			Skipped:  e.skipped,
			Failed:   e.failed,
			Prev:     e.lastRun,
			LastErr:  e.lastErr,
		}
		if s.c != nil && e.id != 0 {
			info.Next = s.c.Entry(e.id).Next
		}
		snap.Jobs = append(snap.Jobs, info)
	}
	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i].Name < snap.Jobs[j].Name })
	return snap
}
