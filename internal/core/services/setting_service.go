package services

import (
	"context"
	"sort"
	"sync"

	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/logger"
)

const (
	settingSSHPrivateKey = "ssh_private_key"
	settingSSHPublicKey  = "ssh_public_key"
	categorySecurity     = "security"
)

type SystemSettingService struct {
	repo        ports.SystemSettingRepository
	logger      *logger.Logger
	mu          sync.Mutex
	locks       map[string]*sync.Mutex
	enableLocks bool
}

func NewSystemSettingService(repo ports.SystemSettingRepository, logger *logger.Logger, enableLocks bool) *SystemSettingService {
	return &SystemSettingService{
		repo:        repo,
		logger:      logger,
		locks:       make(map[string]*sync.Mutex),
		enableLocks: enableLocks,
	}
}

func (s *SystemSettingService) lockKeys(keys ...string) func() {
	if !s.enableLocks || len(keys) == 0 {
		return func() {}
	}
	sort.Strings(keys)
	s.mu.Lock()
	acquired := make([]*sync.Mutex, 0, len(keys))
	for _, k := range keys {
		m := s.locks[k]
		if m == nil {
			m = &sync.Mutex{}
			s.locks[k] = m
		}
		acquired = append(acquired, m)
	}
	s.mu.Unlock()
	for _, m := range acquired {
		m.Lock()
	}
	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Unlock()
		}
	}
}

// UpdateSSHKeys stores the fleet key pair. The private key is stored as-is;
// the database is expected to sit next to the encryption key.
func (s *SystemSettingService) UpdateSSHKeys(ctx context.Context, privateKey, publicKey string) error {
	unlock := s.lockKeys("setting:"+settingSSHPrivateKey, "setting:"+settingSSHPublicKey)
	defer unlock()

	if err := s.repo.Set(ctx, &domain.SystemSetting{
		Key:      settingSSHPrivateKey,
		Value:    privateKey,
		Type:     "string",
		Category: categorySecurity,
	}); err != nil {
		return err
	}
	return s.repo.Set(ctx, &domain.SystemSetting{
		Key:      settingSSHPublicKey,
		Value:    publicKey,
		Type:     "string",
		Category: categorySecurity,
	})
}

func (s *SystemSettingService) GetSettingsStruct(ctx context.Context) (*domain.SystemSettings, error) {
	settings, err := s.repo.GetByCategory(ctx, categorySecurity)
	if err != nil {
		s.logger.Errorw("setting_service_load_failed", "category", categorySecurity, "error", err)
		return nil, err
	}

	out := &domain.SystemSettings{}
	for _, setting := range settings {
		switch setting.Key {
		case settingSSHPrivateKey:
			out.SSHPrivateKey = setting.Value
		case settingSSHPublicKey:
			out.SSHPublicKey = setting.Value
		}
	}
	return out, nil
}

// DeleteSSHKeys removes the fleet key so the next Initialize generates a new one.
func (s *SystemSettingService) DeleteSSHKeys(ctx context.Context) error {
	unlock := s.lockKeys("setting:"+settingSSHPrivateKey, "setting:"+settingSSHPublicKey)
	defer unlock()

	if err := s.repo.Delete(ctx, settingSSHPrivateKey); err != nil {
		return err
	}
	return s.repo.Delete(ctx, settingSSHPublicKey)
}
