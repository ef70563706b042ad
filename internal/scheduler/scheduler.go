package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions, optional leading seconds,
// and descriptors like @hourly and @every.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ErrNotFound indicates an unknown trigger id.
var ErrNotFound = errors.New("trigger not found")

// Runner submits a task to the agent loop. Implemented by the orchestrator.
type Runner interface {
	ProcessTask(ctx context.Context, task string) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, task string) error

func (f RunnerFunc) ProcessTask(ctx context.Context, task string) error { return f(ctx, task) }

// Trigger is one scheduled entry. Task triggers submit work to the runner;
// reminder triggers only surface a message.
type Trigger struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Task     string `yaml:"task,omitempty"`
	Reminder string `yaml:"reminder,omitempty"`
}

// Config configures the scheduler.
type Config struct {
	Enabled  bool      `yaml:"enabled"`
	Triggers []Trigger `yaml:"triggers"`
}

// Scheduler fires cron-scheduled tasks and reminders. One scheduled task
// runs at a time; overlapping firings are skipped.
type Scheduler struct {
	cron       *cron.Cron
	runner     Runner
	onReminder func(string)
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	busy    bool
}

// New creates a scheduler. onReminder may be nil.
func New(runner Runner, onReminder func(string), logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if onReminder == nil {
		onReminder = func(string) {}
	}
	return &Scheduler{
		cron:       cron.New(cron.WithParser(cronParser)),
		runner:     runner,
		onReminder: onReminder,
		logger:     logger,
		entries:    make(map[string]cron.EntryID),
	}
}

// Add registers a trigger. An empty id is assigned a UUID. The id is
// returned for later removal.
func (s *Scheduler) Add(t Trigger) (string, error) {
	if strings.TrimSpace(t.Schedule) == "" {
		return "", fmt.Errorf("trigger %q: empty schedule", t.Name)
	}
	if strings.TrimSpace(t.Task) == "" && strings.TrimSpace(t.Reminder) == "" {
		return "", fmt.Errorf("trigger %q: needs a task or a reminder", t.Name)
	}
	schedule, err := cronParser.Parse(t.Schedule)
	if err != nil {
		return "", fmt.Errorf("trigger %q: invalid schedule %q: %w", t.Name, t.Schedule, err)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	trigger := t
	entryID := s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(trigger) }))

	s.mu.Lock()
	s.entries[t.ID] = entryID
	s.mu.Unlock()
	return t.ID, nil
}

// Remove unregisters a trigger by id.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entryID, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.cron.Remove(entryID)
	delete(s.entries, id)
	return nil
}

// Len returns the number of registered triggers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start begins firing triggers in a background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts firing and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) fire(t Trigger) {
	if t.Reminder != "" {
		s.onReminder(t.Reminder)
	}
	if t.Task == "" {
		return
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		s.logger.Warn("skipping scheduled task, previous run still active",
			"trigger", t.Name)
		return
	}
	s.busy = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	s.logger.Info("running scheduled task", "trigger", t.Name)
	if err := s.runner.ProcessTask(context.Background(), t.Task); err != nil {
		s.logger.Error("scheduled task failed", "trigger", t.Name, "error", err)
	}
}

// Load registers all configured triggers and starts the scheduler when
// enabled. Returns the number of triggers registered.
func Load(cfg Config, runner Runner, onReminder func(string), logger *slog.Logger) (*Scheduler, int, error) {
	s := New(runner, onReminder, logger)
	if !cfg.Enabled {
		return s, 0, nil
	}
	count := 0
	for _, t := range cfg.Triggers {
		if _, err := s.Add(t); err != nil {
			return nil, 0, err
		}
		count++
	}
	s.Start()
	return s, count, nil
}
