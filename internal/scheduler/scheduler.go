package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/mcpflow/internal/engine"
	"github.com/rendis/mcpflow/internal/logging"
	"github.com/rendis/mcpflow/internal/store"
	"github.com/rendis/mcpflow/pkg/schema"
)

// DefaultInterval is how often active workflows are checked for due schedule triggers.
const DefaultInterval = 30 * time.Second

const listPageSize = 200

// WorkflowRunner runs a stored workflow. Satisfied by *engine.Executor.
type WorkflowRunner interface {
	Execute(ctx context.Context, req engine.ExecuteRequest) (*engine.ExecutionResult, error)
}

// Scheduler fires schedule triggers of active workflows.
// Next-run times live in memory: a trigger first seen by a tick is scheduled
// for its next cron slot, never fired immediately.
type Scheduler struct {
	store    store.Store
	runner   WorkflowRunner
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	stateMu  sync.Mutex
	entries  map[string]*entry   // workflow/trigger -> schedule state
	invalid  map[string]string   // workflow/trigger -> cron spec already reported invalid
	inflight map[string]struct{} // workflow/trigger currently running (dedup)
	runs     sync.WaitGroup
}

type entry struct {
	spec     string
	schedule cron.Schedule
	next     time.Time
}

// NewScheduler creates a scheduler. interval <= 0 uses DefaultInterval.
func NewScheduler(s store.Store, runner WorkflowRunner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval: interval,
		logger:   logger,
		now:      time.Now,
		entries:  make(map[string]*entry),
		invalid:  make(map[string]string),
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop ends the loop and waits for runs it started.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.runs.Wait()

	s.logger.Info("scheduler stopped")
	return nil
}

// tick refreshes the schedule from the active workflows and fires every due trigger.
func (s *Scheduler) tick(ctx context.Context) {
	workflows, err := s.activeWorkflows(ctx)
	if err != nil {
		s.logger.Error("failed to list active workflows", slog.String("error", err.Error()))
		return
	}

	now := s.now().UTC()
	seen := make(map[string]bool)
	for _, wf := range workflows {
		for _, tr := range s.scheduleTriggers(wf) {
			key := wf.ID + "/" + tr.nodeID
			seen[key] = true
			if s.due(key, tr, now) {
				s.fire(ctx, wf, tr, key)
			}
		}
	}

	s.stateMu.Lock()
	for key := range s.entries {
		if !seen[key] {
			delete(s.entries, key)
		}
	}
	for key := range s.invalid {
		if !seen[key] {
			delete(s.invalid, key)
		}
	}
	s.stateMu.Unlock()
}

func (s *Scheduler) activeWorkflows(ctx context.Context) ([]*store.Workflow, error) {
	active := schema.WorkflowActive
	var all []*store.Workflow
	for offset := 0; ; offset += listPageSize {
		page, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{Status: &active, Limit: listPageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < listPageSize {
			return all, nil
		}
	}
}

type scheduleTrigger struct {
	nodeID string
	spec   string
	input  any
}

func (s *Scheduler) scheduleTriggers(wf *store.Workflow) []scheduleTrigger {
	g, err := engine.ParseGraph(&wf.Definition)
	if err != nil {
		s.logger.Warn("skipping workflow with unparseable definition",
			slog.String("workflow_id", wf.ID), slog.String("error", err.Error()))
		return nil
	}
	var out []scheduleTrigger
	for _, id := range g.Triggers {
		data := g.Nodes[id].Trigger
		if data == nil || data.TriggerType != schema.TriggerSchedule {
			continue
		}
		spec, _ := data.Config["cron"].(string)
		if spec == "" {
			continue
		}
		out = append(out, scheduleTrigger{nodeID: id, spec: spec, input: data.Config["input"]})
	}
	return out
}

// due reports whether tr should fire at now and advances its next run if so.
func (s *Scheduler) due(key string, tr scheduleTrigger, now time.Time) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.spec != tr.spec {
		sched, err := s.parser.Parse(tr.spec)
		if err != nil {
			if s.invalid[key] != tr.spec {
				s.invalid[key] = tr.spec
				s.logger.Warn("invalid cron expression on schedule trigger",
					slog.String("trigger", key), slog.String("cron", tr.spec), slog.String("error", err.Error()))
			}
			delete(s.entries, key)
			return false
		}
		delete(s.invalid, key)
		s.entries[key] = &entry{spec: tr.spec, schedule: sched, next: sched.Next(now)}
		return false
	}

	if now.Before(e.next) {
		return false
	}
	if _, running := s.inflight[key]; running {
		return false
	}
	e.next = e.schedule.Next(now)
	s.inflight[key] = struct{}{}
	return true
}

func (s *Scheduler) fire(ctx context.Context, wf *store.Workflow, tr scheduleTrigger, key string) {
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.release(key)

		runCtx := logging.WithRun(ctx, "", wf.ID, wf.UserID)
		s.logger.InfoContext(runCtx, "running scheduled workflow", slog.String("trigger", tr.nodeID))

		res, err := s.runner.Execute(runCtx, engine.ExecuteRequest{Workflow: wf, UserID: wf.UserID, Input: tr.input})
		switch {
		case err != nil:
			s.logger.ErrorContext(runCtx, "scheduled run rejected", slog.String("error", err.Error()))
		case !res.Success:
			s.logger.WarnContext(runCtx, "scheduled run failed",
				slog.String("execution_id", res.ExecutionID), slog.String("error", res.Error))
		}
	}()
}

func (s *Scheduler) release(key string) {
	s.stateMu.Lock()
	delete(s.inflight, key)
	s.stateMu.Unlock()
}

// NextRun returns when a workflow's schedule trigger fires next, if the scheduler tracks it.
func (s *Scheduler) NextRun(workflowID, triggerID string) (time.Time, bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	e, ok := s.entries[workflowID+"/"+triggerID]
	if !ok {
		return time.Time{}, false
	}
	return e.next, true
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}
