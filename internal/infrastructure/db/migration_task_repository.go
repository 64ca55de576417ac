package db

import (
	"context"
	"time"

	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/logger"
	"gorm.io/gorm"
)

type migrationTaskRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMigrationTaskRepository(db *gorm.DB, log *logger.Logger) ports.MigrationTaskRepository {
	return &migrationTaskRepository{db: db, log: log}
}

func (r *migrationTaskRepository) Create(ctx context.Context, task *domain.MigrationTask) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		r.log.Errorw("migration_repo_create_failed", "id", task.ID, "error", err)
		return err
	}
	r.log.Infow("migration_repo_create_ok", "id", task.ID, "steps", task.TotalSteps)
	return nil
}

func (r *migrationTaskRepository) GetByID(ctx context.Context, id string) (*domain.MigrationTask, error) {
	var task domain.MigrationTask
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&task).Error; err != nil {
		return nil, notFound(err)
	}
	return &task, nil
}

func (r *migrationTaskRepository) List(ctx context.Context, limit int) ([]domain.MigrationTask, error) {
	var tasks []domain.MigrationTask
	err := r.db.WithContext(ctx).
		Order("created_at desc").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		r.log.Errorw("migration_repo_list_failed", "error", err)
		return nil, err
	}
	return tasks, nil
}

func (r *migrationTaskRepository) ListByStatus(ctx context.Context, statuses ...domain.MigrationStatus) ([]domain.MigrationTask, error) {
	var tasks []domain.MigrationTask
	err := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at").
		Find(&tasks).Error
	if err != nil {
		r.log.Errorw("migration_repo_list_by_status_failed", "error", err)
		return nil, err
	}
	return tasks, nil
}

func (r *migrationTaskRepository) GetStatus(ctx context.Context, id string) (domain.MigrationStatus, error) {
	var task domain.MigrationTask
	err := r.db.WithContext(ctx).
		Select("status").
		Where("id = ?", id).
		First(&task).Error
	if err != nil {
		return "", notFound(err)
	}
	return task.Status, nil
}

func (r *migrationTaskRepository) TransitionStatus(ctx context.Context, id string, from []domain.MigrationStatus, to domain.MigrationStatus, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	for k, v := range fields {
		updates[k] = v
	}

	res := r.db.WithContext(ctx).
		Model(&domain.MigrationTask{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		r.log.Errorw("migration_repo_transition_failed", "id", id, "to", to, "error", res.Error)
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		r.log.Infow("migration_repo_transition_skipped", "id", id, "to", to)
		return false, nil
	}
	r.log.Infow("migration_repo_transition_ok", "id", id, "to", to)
	return true, nil
}

// UpdateProgress leaves terminal tasks untouched, so a cancelled task keeps
// the progress it had when it was cancelled.
func (r *migrationTaskRepository) UpdateProgress(ctx context.Context, id string, p ports.TaskProgress) error {
	res := r.db.WithContext(ctx).
		Model(&domain.MigrationTask{}).
		Where("id = ?", id).
		Where("status IN ?", []domain.MigrationStatus{domain.MigrationStatusPending, domain.MigrationStatusRunning}).
		Updates(map[string]interface{}{
			"current_step": p.CurrentStep,
			"progress":     p.Progress,
			"steps":        p.Steps,
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		r.log.Errorw("migration_repo_progress_failed", "id", id, "error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		r.log.Debugw("migration_repo_progress_skipped", "id", id)
	}
	return nil
}

// AppendLog concatenates in SQL so concurrent appends never lose lines.
func (r *migrationTaskRepository) AppendLog(ctx context.Context, id string, text string) error {
	err := r.db.WithContext(ctx).
		Model(&domain.MigrationTask{}).
		Where("id = ?", id).
		UpdateColumn("log", gorm.Expr("COALESCE(log, '') || ?", text)).Error
	if err != nil {
		r.log.Errorw("migration_repo_append_log_failed", "id", id, "error", err)
		return err
	}
	return nil
}
