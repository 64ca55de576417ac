package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/hostshift/backend/internal/infrastructure/logger"
	"github.com/hostshift/backend/pkg/utils/sshkeygen"
)

const fleetKeyComment = "hostshift"

// KeyManager owns the fleet SSH key pair used for hosts registered without
// their own credentials.
type KeyManager struct {
	settingService *SystemSettingService
	logger         *logger.Logger

	mu         sync.RWMutex
	privateKey string
	publicKey  string
}

func NewKeyManager(settingService *SystemSettingService, logger *logger.Logger) *KeyManager {
	return &KeyManager{
		settingService: settingService,
		logger:         logger,
	}
}

func (km *KeyManager) Initialize(ctx context.Context) error {
	settings, err := km.settingService.GetSettingsStruct(ctx)
	if err != nil {
		return fmt.Errorf("failed to get settings: %w", err)
	}

	if settings.SSHPrivateKey != "" && settings.SSHPublicKey != "" {
		km.mu.Lock()
		km.privateKey = settings.SSHPrivateKey
		km.publicKey = settings.SSHPublicKey
		km.mu.Unlock()
		km.logger.Infow("key_manager_loaded")
		return nil
	}

	km.logger.Infow("key_manager_generating")
	if err := km.Rotate(ctx); err != nil {
		return fmt.Errorf("failed to generate keys: %w", err)
	}
	return nil
}

// Rotate replaces the fleet key pair. Hosts that relied on the old public
// key must be given the new one.
func (km *KeyManager) Rotate(ctx context.Context) error {
	pair, err := sshkeygen.Generate(fleetKeyComment)
	if err != nil {
		return err
	}
	if err := km.settingService.UpdateSSHKeys(ctx, pair.PrivateKey, pair.PublicKey); err != nil {
		return err
	}

	km.mu.Lock()
	km.privateKey = pair.PrivateKey
	km.publicKey = pair.PublicKey
	km.mu.Unlock()

	fp, _ := sshkeygen.Fingerprint(pair.PublicKey)
	km.logger.Infow("key_manager_generated", "fingerprint", fp)
	return nil
}

func (km *KeyManager) GetPublicKey() string {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.publicKey
}

func (km *KeyManager) GetPrivateKey() string {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.privateKey
}

func (km *KeyManager) Fingerprint() string {
	fp, err := sshkeygen.Fingerprint(km.GetPublicKey())
	if err != nil {
		return ""
	}
	return fp
}
