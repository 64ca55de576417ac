package db

import (
	"context"
	"time"

	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/logger"
	"gorm.io/gorm"
)

type scheduledMigrationRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewScheduledMigrationRepository(db *gorm.DB, log *logger.Logger) ports.ScheduledMigrationRepository {
	return &scheduledMigrationRepository{db: db, log: log}
}

func (r *scheduledMigrationRepository) Upsert(ctx context.Context, sched *domain.ScheduledMigration) error {
	if err := r.db.WithContext(ctx).Save(sched).Error; err != nil {
		r.log.Errorw("schedule_repo_upsert_failed", "name", sched.Name, "error", err)
		return err
	}
	r.log.Infow("schedule_repo_upsert_ok", "id", sched.ID, "name", sched.Name)
	return nil
}

func (r *scheduledMigrationRepository) GetByID(ctx context.Context, id string) (*domain.ScheduledMigration, error) {
	var sched domain.ScheduledMigration
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&sched).Error; err != nil {
		return nil, notFound(err)
	}
	return &sched, nil
}

func (r *scheduledMigrationRepository) GetByName(ctx context.Context, name string) (*domain.ScheduledMigration, error) {
	var sched domain.ScheduledMigration
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&sched).Error; err != nil {
		return nil, notFound(err)
	}
	return &sched, nil
}

func (r *scheduledMigrationRepository) GetAll(ctx context.Context) ([]domain.ScheduledMigration, error) {
	var list []domain.ScheduledMigration
	if err := r.db.WithContext(ctx).Order("created_at desc").Find(&list).Error; err != nil {
		r.log.Errorw("schedule_repo_list_failed", "error", err)
		return nil, err
	}
	return list, nil
}

func (r *scheduledMigrationRepository) GetEnabled(ctx context.Context) ([]domain.ScheduledMigration, error) {
	var list []domain.ScheduledMigration
	if err := r.db.WithContext(ctx).Where("enabled = ?", true).Order("name").Find(&list).Error; err != nil {
		r.log.Errorw("schedule_repo_list_enabled_failed", "error", err)
		return nil, err
	}
	return list, nil
}

func (r *scheduledMigrationRepository) RecordRun(ctx context.Context, id string, ranAt time.Time, next *time.Time, taskID, errText string) error {
	err := r.db.WithContext(ctx).
		Model(&domain.ScheduledMigration{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_run_at":  ranAt,
			"next_run_at":  next,
			"last_task_id": taskID,
			"last_error":   errText,
		}).Error
	if err != nil {
		r.log.Errorw("schedule_repo_record_run_failed", "id", id, "error", err)
		return err
	}
	return nil
}

func (r *scheduledMigrationRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.ScheduledMigration{})
	if res.Error != nil {
		r.log.Errorw("schedule_repo_delete_failed", "id", id, "error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ports.ErrNotFound
	}
	r.log.Infow("schedule_repo_delete_ok", "id", id)
	return nil
}
