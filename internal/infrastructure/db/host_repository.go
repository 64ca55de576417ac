package db

import (
	"context"

	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/logger"
	"gorm.io/gorm"
)

type hostRepository struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewHostRepository(db *gorm.DB, log *logger.Logger) ports.HostRepository {
	return &hostRepository{db: db, log: log}
}

func (r *hostRepository) Create(ctx context.Context, host *domain.Host) error {
	if err := r.db.WithContext(ctx).Create(host).Error; err != nil {
		r.log.Errorw("host_repo_create_failed", "address", host.Address, "error", err)
		return err
	}
	r.log.Infow("host_repo_create_ok", "id", host.ID, "address", host.Address)
	return nil
}

func (r *hostRepository) GetByID(ctx context.Context, id uint) (*domain.Host, error) {
	var host domain.Host
	if err := r.db.WithContext(ctx).First(&host, id).Error; err != nil {
		r.log.Warnw("host_repo_get_failed", "id", id, "error", err)
		return nil, notFound(err)
	}
	return &host, nil
}

func (r *hostRepository) GetByAddress(ctx context.Context, address string) (*domain.Host, error) {
	var host domain.Host
	if err := r.db.WithContext(ctx).Where("address = ?", address).First(&host).Error; err != nil {
		return nil, notFound(err)
	}
	return &host, nil
}

func (r *hostRepository) GetByAddressWithDeleted(ctx context.Context, address string) (*domain.Host, error) {
	var host domain.Host
	if err := r.db.WithContext(ctx).Unscoped().Where("address = ?", address).First(&host).Error; err != nil {
		return nil, notFound(err)
	}
	return &host, nil
}

func (r *hostRepository) GetAll(ctx context.Context) ([]domain.Host, error) {
	var hosts []domain.Host
	if err := r.db.WithContext(ctx).Order("id").Find(&hosts).Error; err != nil {
		r.log.Errorw("host_repo_list_failed", "error", err)
		return nil, err
	}
	r.log.Debugw("host_repo_list_ok", "count", len(hosts))
	return hosts, nil
}

func (r *hostRepository) Update(ctx context.Context, host *domain.Host) error {
	if err := r.db.WithContext(ctx).Save(host).Error; err != nil {
		r.log.Errorw("host_repo_update_failed", "id", host.ID, "error", err)
		return err
	}
	r.log.Infow("host_repo_update_ok", "id", host.ID)
	return nil
}

func (r *hostRepository) Restore(ctx context.Context, host *domain.Host) error {
	host.DeletedAt = gorm.DeletedAt{}
	if err := r.db.WithContext(ctx).Unscoped().Save(host).Error; err != nil {
		r.log.Errorw("host_repo_restore_failed", "id", host.ID, "error", err)
		return err
	}
	r.log.Infow("host_repo_restore_ok", "id", host.ID)
	return nil
}

func (r *hostRepository) Delete(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&domain.Host{}, id)
	if res.Error != nil {
		r.log.Errorw("host_repo_delete_failed", "id", id, "error", res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ports.ErrNotFound
	}
	r.log.Infow("host_repo_delete_ok", "id", id)
	return nil
}
