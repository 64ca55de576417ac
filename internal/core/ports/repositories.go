package ports

import (
	"context"
	"errors"
	"time"

	"github.com/hostshift/backend/internal/domain"
)

// ErrNotFound is returned by repositories when no row matches.
var ErrNotFound = errors.New("record not found")

type HostRepository interface {
	Create(ctx context.Context, host *domain.Host) error
	GetByID(ctx context.Context, id uint) (*domain.Host, error)
	GetByAddress(ctx context.Context, address string) (*domain.Host, error)
	GetByAddressWithDeleted(ctx context.Context, address string) (*domain.Host, error)
	GetAll(ctx context.Context) ([]domain.Host, error)
	Update(ctx context.Context, host *domain.Host) error
	Restore(ctx context.Context, host *domain.Host) error
	Delete(ctx context.Context, id uint) error
}

// TaskProgress is the subset of a task the engine rewrites after each step.
// It never carries status, so a concurrent cancellation is not overwritten.
type TaskProgress struct {
	CurrentStep string
	Progress    int
	Steps       domain.MigrationSteps
}

type MigrationTaskRepository interface {
	Create(ctx context.Context, task *domain.MigrationTask) error
	GetByID(ctx context.Context, id string) (*domain.MigrationTask, error)
	List(ctx context.Context, limit int) ([]domain.MigrationTask, error)
	ListByStatus(ctx context.Context, statuses ...domain.MigrationStatus) ([]domain.MigrationTask, error)
	GetStatus(ctx context.Context, id string) (domain.MigrationStatus, error)
	// TransitionStatus moves the task to `to` only if its current status is
	// one of `from`. It reports whether the row was changed.
	TransitionStatus(ctx context.Context, id string, from []domain.MigrationStatus, to domain.MigrationStatus, fields map[string]interface{}) (bool, error)
	UpdateProgress(ctx context.Context, id string, p TaskProgress) error
	AppendLog(ctx context.Context, id string, text string) error
}

type ScheduledMigrationRepository interface {
	Upsert(ctx context.Context, sched *domain.ScheduledMigration) error
	GetByID(ctx context.Context, id string) (*domain.ScheduledMigration, error)
	GetByName(ctx context.Context, name string) (*domain.ScheduledMigration, error)
	GetAll(ctx context.Context) ([]domain.ScheduledMigration, error)
	GetEnabled(ctx context.Context) ([]domain.ScheduledMigration, error)
	RecordRun(ctx context.Context, id string, ranAt time.Time, next *time.Time, taskID, errText string) error
	Delete(ctx context.Context, id string) error
}

type TimelineRepository interface {
	Create(ctx context.Context, event *domain.TimelineEvent) error
	GetByID(ctx context.Context, id uint) (*domain.TimelineEvent, error)
	GetByResource(ctx context.Context, resourceType string, resourceID string) ([]domain.TimelineEvent, error)
	GetAll(ctx context.Context, limit int) ([]domain.TimelineEvent, error)
	CleanupOld(ctx context.Context, olderThan time.Duration) error
}

type SystemSettingRepository interface {
	Get(ctx context.Context, key string) (*domain.SystemSetting, error)
	Set(ctx context.Context, setting *domain.SystemSetting) error
	GetByCategory(ctx context.Context, category string) ([]domain.SystemSetting, error)
	Delete(ctx context.Context, key string) error
}
