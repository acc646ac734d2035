package trigger

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
)

// ScheduleTrigger restarts tasks on a timer or cron schedule.
type ScheduleTrigger struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	jobs      int
}

// NewScheduleTrigger creates an empty, stopped schedule.
func NewScheduleTrigger(logger *slog.Logger) (*ScheduleTrigger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	return &ScheduleTrigger{scheduler: s, logger: logger}, nil
}

// ParseSchedule turns a schedule string into a job definition. A Go
// duration ("30s", "5m") runs at that interval; anything else is a
// five-field cron expression.
func ParseSchedule(schedule string) (gocron.JobDefinition, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, errors.New("schedule is empty")
	}
	if d, err := time.ParseDuration(schedule); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("schedule interval %s must be positive", d)
		}
		return gocron.DurationJob(d), nil
	}
	if n := len(strings.Fields(schedule)); n != 5 {
		return nil, fmt.Errorf("schedule %q is neither a duration nor a 5-field cron expression", schedule)
	}
	return gocron.CronJob(schedule, false), nil
}

// Add registers a restart of target for task on schedule. A run that is
// still being restarted when the next tick arrives skips that tick.
func (s *ScheduleTrigger) Add(task, schedule string, target Restarter) error {
	def, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("%s: %w", task, err)
	}

	_, err = s.scheduler.NewJob(
		def,
		gocron.NewTask(func() {
			s.logger.Debug("schedule_fired", "task", task, "schedule", schedule)
			if err := target.Restart(); err != nil {
				s.logger.Warn("schedule_restart_failed", "task", task, "error", err)
			}
		}),
		gocron.WithName(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("%s: initializing gocron job: %w", task, err)
	}
	s.jobs++
	return nil
}

// Jobs returns how many schedules were added.
func (s *ScheduleTrigger) Jobs() int {
	return s.jobs
}

// Start begins firing jobs.
func (s *ScheduleTrigger) Start() {
	s.scheduler.Start()
}

// Stop shuts the scheduler down and waits for running jobs.
func (s *ScheduleTrigger) Stop() error {
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutting down gocron: %w", err)
	}
	return nil
}
