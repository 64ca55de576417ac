package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/logger"
	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type ScheduleInput struct {
	Name          string
	SourceHostID  uint
	TargetHostID  uint
	TargetStorage string
	TargetBridge  string
	Online        bool
	Cron          string
	Enabled       bool
}

// SchedulerService fires whole-host migrations from persisted cron
// definitions. Every change rebuilds the cron instance from the store, so
// the running entries always mirror the enabled rows.
type SchedulerService struct {
	repo       ports.ScheduledMigrationRepository
	hosts      ports.HostService
	migrations ports.MigrationService
	timeline   ports.TimelineRepository
	logger     *logger.Logger
	now        func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

type SchedulerServiceConfig struct {
	Repository ports.ScheduledMigrationRepository
	Hosts      ports.HostService
	Migrations ports.MigrationService
	Timeline   ports.TimelineRepository
	Logger     *logger.Logger
}

func NewSchedulerService(cfg SchedulerServiceConfig) *SchedulerService {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &SchedulerService{
		repo:       cfg.Repository,
		hosts:      cfg.Hosts,
		migrations: cfg.Migrations,
		timeline:   cfg.Timeline,
		logger:     log.Named("scheduler"),
		now:        time.Now,
		entries:    make(map[string]cron.EntryID),
	}
}

// Start loads the enabled definitions and begins firing them.
func (s *SchedulerService) Start(ctx context.Context) error {
	return s.rebuild(ctx, true)
}

// Reload replaces the running cron instance with one built from the store.
// It does nothing before Start.
func (s *SchedulerService) Reload(ctx context.Context) error {
	return s.rebuild(ctx, false)
}

func (s *SchedulerService) rebuild(ctx context.Context, start bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil && !start {
		return nil
	}

	enabled, err := s.repo.GetEnabled(ctx)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}

	cl := cronLogger{s.logger}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	entries := make(map[string]cron.EntryID, len(enabled))
	for _, sched := range enabled {
		id := sched.ID
		entryID, err := c.AddFunc(sched.Cron, func() { s.fire(id) })
		if err != nil {
			s.logger.Warnw("schedule_add_failed", "schedule_id", id, "cron", sched.Cron, "error", err)
			continue
		}
		entries[id] = entryID
	}

	// Jobs already fired by the old instance finish on their own.
	if s.cron != nil {
		s.cron.Stop()
	}
	s.cron = c
	s.entries = entries
	c.Start()

	s.logger.Infow("scheduler_loaded", "schedules", len(entries))
	return nil
}

// Stop halts firing and waits for jobs in flight.
func (s *SchedulerService) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.entries = make(map[string]cron.EntryID)
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		s.logger.Infow("scheduler_stopped")
	}
}

func (s *SchedulerService) List(ctx context.Context) ([]domain.ScheduledMigration, error) {
	return s.repo.GetAll(ctx)
}

func (s *SchedulerService) Get(ctx context.Context, id string) (*domain.ScheduledMigration, error) {
	sched, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ports.ErrNotFound) {
		return nil, ErrScheduleNotFound
	}
	return sched, err
}

// Upsert creates the schedule or updates the one with the same name.
func (s *SchedulerService) Upsert(ctx context.Context, in ScheduleInput) (*domain.ScheduledMigration, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrScheduleInvalidInput)
	}
	if in.SourceHostID == 0 || in.TargetHostID == 0 {
		return nil, fmt.Errorf("%w: source and target hosts are required", ErrScheduleInvalidInput)
	}
	if in.SourceHostID == in.TargetHostID {
		return nil, ErrMigrationSameHost
	}
	expr, err := normalizeCron(in.Cron)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScheduleInvalidCron, err)
	}
	if s.hosts != nil {
		for _, id := range []uint{in.SourceHostID, in.TargetHostID} {
			if _, err := s.hosts.GetHostByID(ctx, id); err != nil {
				return nil, err
			}
		}
	}

	sched, err := s.repo.GetByName(ctx, in.Name)
	switch {
	case errors.Is(err, ports.ErrNotFound):
		sched = &domain.ScheduledMigration{ID: uuid.NewString(), Name: in.Name}
	case err != nil:
		return nil, err
	}

	sched.SourceHostID = in.SourceHostID
	sched.TargetHostID = in.TargetHostID
	sched.TargetStorage = in.TargetStorage
	sched.TargetBridge = in.TargetBridge
	sched.Online = in.Online
	sched.Cron = expr
	sched.Enabled = in.Enabled
	sched.NextRunAt = nil
	if in.Enabled {
		sched.NextRunAt = nextRun(expr, s.now())
	}

	if err := s.repo.Upsert(ctx, sched); err != nil {
		return nil, err
	}
	s.logger.Infow("schedule_saved", "schedule_id", sched.ID, "name", sched.Name, "cron", expr, "enabled", sched.Enabled)

	if err := s.Reload(ctx); err != nil {
		return sched, err
	}
	return sched, nil
}

func (s *SchedulerService) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Infow("schedule_deleted", "schedule_id", id)
	return s.Reload(ctx)
}

// fire starts one run of a schedule. Failures are recorded on the schedule
// row; they never stop later runs.
func (s *SchedulerService) fire(id string) {
	ctx := context.Background()
	sched, err := s.repo.GetByID(ctx, id)
	if err != nil {
		s.logger.Errorw("schedule_load_failed", "schedule_id", id, "error", err)
		return
	}

	taskID, err := s.migrations.StartMigration(ctx, ports.StartMigrationInput{
		SourceHostID:  sched.SourceHostID,
		TargetHostID:  sched.TargetHostID,
		TargetStorage: sched.TargetStorage,
		TargetBridge:  sched.TargetBridge,
		Online:        sched.Online,
		ScheduleID:    sched.ID,
	})

	now := s.now()
	errText := ""
	status := domain.EventStatusSuccess
	msg := fmt.Sprintf("Schedule %s started migration %s", sched.Name, taskID)
	if err != nil {
		errText = err.Error()
		status = domain.EventStatusFailed
		msg = fmt.Sprintf("Schedule %s failed to start a migration", sched.Name)
		s.logger.Warnw("schedule_fire_failed", "schedule_id", id, "error", err)
	} else {
		s.logger.Infow("schedule_fired", "schedule_id", id, "task_id", taskID)
	}

	if err := s.repo.RecordRun(ctx, id, now, nextRun(sched.Cron, now), taskID, errText); err != nil {
		s.logger.Warnw("schedule_record_failed", "schedule_id", id, "error", err)
	}

	if s.timeline != nil {
		event := &domain.TimelineEvent{
			Type:         domain.EventTypeScheduleFired,
			Status:       status,
			Message:      msg,
			ResourceID:   id,
			ResourceType: domain.ResourceTypeSchedule,
			Meta:         domain.JSONB{"task_id": taskID, "error": errText},
		}
		if err := s.timeline.Create(ctx, event); err != nil {
			s.logger.Warnw("schedule_timeline_event_failed", "schedule_id", id, "error", err)
		}
	}
}

func nextRun(expr string, from time.Time) *time.Time {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil
	}
	next := sched.Next(from)
	return &next
}

// normalizeCron accepts 5-field expressions and prefixes them with a zero
// seconds field.
func normalizeCron(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "@") {
		if _, err := cronParser.Parse(expr); err != nil {
			return "", err
		}
		return expr, nil
	}

	fields := strings.Fields(expr)
	switch len(fields) {
	case 6:
		if _, err := cronParser.Parse(expr); err != nil {
			return "", err
		}
		return strings.Join(fields, " "), nil
	case 5:
		if _, err := cron.ParseStandard(expr); err != nil {
			return "", err
		}
		return "0 " + strings.Join(fields, " "), nil
	}
	return "", fmt.Errorf("expected 5 or 6 fields, got %d", len(fields))
}

// cronLogger routes cron's own diagnostics into zap.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw("cron_"+strings.ReplaceAll(msg, " ", "_"), keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw("cron_"+strings.ReplaceAll(msg, " ", "_"), append(keysAndValues, "error", err)...)
}
