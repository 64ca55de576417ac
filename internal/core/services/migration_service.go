package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hostshift/backend/internal/core/migration"
	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/logger"
)

const (
	defaultTaskListLimit = 50
	maxTaskListLimit     = 500
	minGuestID           = 100
)

// TaskLauncher starts a persisted pending task in the background.
type TaskLauncher interface {
	Launch(taskID string) error
}

type migrationService struct {
	tasks     ports.MigrationTaskRepository
	hosts     ports.HostService
	inventory ports.GuestInventory
	launcher  TaskLauncher
	timeline  ports.TimelineRepository
	logger    *logger.Logger
	now       func() time.Time
}

type MigrationServiceConfig struct {
	Tasks     ports.MigrationTaskRepository
	Hosts     ports.HostService
	Inventory ports.GuestInventory
	Launcher  TaskLauncher
	Timeline  ports.TimelineRepository
	Logger    *logger.Logger
}

func NewMigrationService(cfg MigrationServiceConfig) ports.MigrationService {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &migrationService{
		tasks:     cfg.Tasks,
		hosts:     cfg.Hosts,
		inventory: cfg.Inventory,
		launcher:  cfg.Launcher,
		timeline:  cfg.Timeline,
		logger:    log,
		now:       time.Now,
	}
}

// StartMigration plans a whole-host move from the source's current guest
// list and launches it. Target ids are always allocated on the target.
func (s *migrationService) StartMigration(ctx context.Context, input ports.StartMigrationInput) (string, error) {
	source, target, err := s.resolveHosts(ctx, input.SourceHostID, input.TargetHostID)
	if err != nil {
		return "", err
	}

	guests, err := s.inventory.ListGuests(ctx, source.ID)
	if err != nil {
		s.logger.Errorw("migration_inventory_failed", "host_id", source.ID, "error", err)
		return "", fmt.Errorf("list guests on %s: %w", source.Name, err)
	}

	task := &domain.MigrationTask{
		ID:            uuid.NewString(),
		Kind:          domain.MigrationKindHost,
		SourceHostID:  source.ID,
		TargetHostID:  target.ID,
		TargetStorage: input.TargetStorage,
		TargetBridge:  input.TargetBridge,
		Online:        input.Online,
		AutoVMID:      true,
		ScheduleID:    input.ScheduleID,
		Steps:         migration.PlanHost(guests),
	}
	return s.submit(ctx, task, source, target)
}

func (s *migrationService) StartGuestMigration(ctx context.Context, input ports.StartGuestMigrationInput) (string, error) {
	if input.VMID < minGuestID {
		return "", fmt.Errorf("%w: guest id must be at least %d", ErrMigrationInvalidInput, minGuestID)
	}
	if input.VMType != domain.GuestTypeQemu && input.VMType != domain.GuestTypeLXC {
		return "", fmt.Errorf("%w: unknown guest type %q", ErrMigrationInvalidInput, input.VMType)
	}
	if input.TargetVMID != nil && *input.TargetVMID < minGuestID {
		return "", fmt.Errorf("%w: target guest id must be at least %d", ErrMigrationInvalidInput, minGuestID)
	}

	source, target, err := s.resolveHosts(ctx, input.SourceHostID, input.TargetHostID)
	if err != nil {
		return "", err
	}

	name, err := s.guestName(ctx, source, input.VMID, input.VMType)
	if err != nil {
		return "", err
	}

	task := &domain.MigrationTask{
		ID:            uuid.NewString(),
		Kind:          domain.MigrationKindGuest,
		SourceHostID:  source.ID,
		TargetHostID:  target.ID,
		TargetStorage: input.TargetStorage,
		TargetBridge:  input.TargetBridge,
		Online:        input.Online,
		TargetVMID:    input.TargetVMID,
		AutoVMID:      input.AutoVMID,
		Steps:         migration.PlanGuest(input.VMID, input.VMType, name),
	}
	return s.submit(ctx, task, source, target)
}

func (s *migrationService) resolveHosts(ctx context.Context, sourceID, targetID uint) (*domain.Host, *domain.Host, error) {
	if sourceID == 0 || targetID == 0 {
		return nil, nil, fmt.Errorf("%w: source and target hosts are required", ErrMigrationInvalidInput)
	}
	if sourceID == targetID {
		return nil, nil, ErrMigrationSameHost
	}
	source, err := s.hosts.GetHostByID(ctx, sourceID)
	if err != nil {
		return nil, nil, err
	}
	target, err := s.hosts.GetHostByID(ctx, targetID)
	if err != nil {
		return nil, nil, err
	}
	return source, target, nil
}

// guestName looks the guest up for a readable step name. An unreachable
// inventory is tolerated; a reachable one that lacks the guest is not.
func (s *migrationService) guestName(ctx context.Context, source *domain.Host, vmid int, t domain.GuestType) (string, error) {
	if s.inventory == nil {
		return "", nil
	}
	guests, err := s.inventory.ListGuests(ctx, source.ID)
	if err != nil {
		s.logger.Warnw("migration_guest_lookup_failed", "host_id", source.ID, "vmid", vmid, "error", err)
		return "", nil
	}
	for _, g := range guests {
		if g.VMID == vmid && g.Type == t {
			return g.Name, nil
		}
	}
	return "", fmt.Errorf("%w: %s %d not found on %s", ErrMigrationInvalidInput, t, vmid, source.Name)
}

func (s *migrationService) submit(ctx context.Context, task *domain.MigrationTask, source, target *domain.Host) (string, error) {
	task.Status = domain.MigrationStatusPending
	task.TotalSteps = len(task.Steps)
	if err := s.tasks.Create(ctx, task); err != nil {
		s.logger.Errorw("migration_task_create_failed", "error", err)
		return "", err
	}

	s.logger.Infow("migration_task_created", "task_id", task.ID, "kind", task.Kind,
		"source", source.Name, "target", target.Name, "steps", task.TotalSteps)
	s.logEvent(ctx, task, domain.EventTypeMigrationCreated, domain.EventStatusPending,
		fmt.Sprintf("Migration from %s to %s created with %d steps", source.Name, target.Name, task.TotalSteps))

	if err := s.launcher.Launch(task.ID); err != nil {
		s.logger.Errorw("migration_task_launch_failed", "task_id", task.ID, "error", err)
		_, _ = s.tasks.TransitionStatus(context.Background(), task.ID,
			[]domain.MigrationStatus{domain.MigrationStatusPending},
			domain.MigrationStatusFailed,
			map[string]interface{}{"error": err.Error(), "completed_at": s.now()})
		return task.ID, err
	}
	return task.ID, nil
}

func (s *migrationService) GetTask(ctx context.Context, id string) (*domain.MigrationTask, error) {
	task, err := s.tasks.GetByID(ctx, id)
	if errors.Is(err, ports.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

func (s *migrationService) ListTasks(ctx context.Context, limit int) ([]domain.MigrationTask, error) {
	if limit <= 0 {
		limit = defaultTaskListLimit
	}
	if limit > maxTaskListLimit {
		limit = maxTaskListLimit
	}
	return s.tasks.List(ctx, limit)
}

// CancelTask marks a pending or running task cancelled. The engine notices
// at the next step boundary; the step in progress runs to completion.
// Cancelling a finished task is a no-op.
func (s *migrationService) CancelTask(ctx context.Context, id string) error {
	status, err := s.tasks.GetStatus(ctx, id)
	if errors.Is(err, ports.ErrNotFound) {
		return ErrTaskNotFound
	}
	if err != nil {
		return err
	}
	if status.Terminal() {
		s.logger.Infow("migration_cancel_ignored", "task_id", id, "status", status)
		return nil
	}

	if err := s.tasks.AppendLog(ctx, id, fmt.Sprintf("[%s] Cancellation requested\n", s.now().Format("2006-01-02 15:04:05"))); err != nil {
		s.logger.Warnw("migration_log_append_failed", "task_id", id, "error", err)
	}

	ok, err := s.tasks.TransitionStatus(ctx, id,
		[]domain.MigrationStatus{domain.MigrationStatusPending, domain.MigrationStatusRunning},
		domain.MigrationStatusCancelled,
		map[string]interface{}{"completed_at": s.now()})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	s.logger.Infow("migration_task_cancel_requested", "task_id", id, "previous_status", status)
	if task, err := s.tasks.GetByID(ctx, id); err == nil {
		s.logEvent(ctx, task, domain.EventTypeMigrationCancelled, domain.EventStatusFailed, "Migration cancelled")
	}
	return nil
}

func (s *migrationService) logEvent(ctx context.Context, task *domain.MigrationTask, eventType string, status domain.EventStatus, msg string) {
	if s.timeline == nil {
		return
	}
	event := &domain.TimelineEvent{
		Type:         eventType,
		Status:       status,
		Message:      msg,
		ResourceID:   task.ID,
		ResourceType: domain.ResourceTypeMigration,
		Meta: domain.JSONB{
			"kind":           task.Kind,
			"source_host_id": task.SourceHostID,
			"target_host_id": task.TargetHostID,
		},
	}
	if err := s.timeline.Create(ctx, event); err != nil {
		s.logger.Warnw("migration_timeline_event_failed", "task_id", task.ID, "error", err)
	}
}
