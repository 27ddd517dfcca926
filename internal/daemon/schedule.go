package daemon

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Schedule wraps a gocron scheduler for periodic runs.
type Schedule struct {
	scheduler gocron.Scheduler
}

// NewSchedule creates a stopped schedule.
func NewSchedule() (*Schedule, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Schedule{scheduler: s}, nil
}

// Every runs fn immediately after Start and then every interval. Overlapping
// invocations are skipped. Returns the job ID.
func (s *Schedule) Every(interval time.Duration, name string, fn func()) (string, error) {
	job, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(fn),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create periodic job %s: %w", name, err)
	}
	slog.Info("Scheduled periodic job", slog.String("name", name), slog.Duration("interval", interval))
	return job.ID().String(), nil
}

// Start begins the schedule.
func (s *Schedule) Start() {
	s.scheduler.Start()
}

// Stop shuts the scheduler down, waiting for running jobs.
func (s *Schedule) Stop() error {
	return s.scheduler.Shutdown()
}
