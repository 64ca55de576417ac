package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/logger"
	"github.com/hostshift/backend/pkg/utils/crypto"
)

// AuthData is the clear form of Host.AuthData.
type AuthData struct {
	User     string `json:"user"`
	Password string `json:"password,omitempty"`
	SSHKey   string `json:"ssh_key,omitempty"`
}

func EncryptAuthData(auth AuthData, key string) (string, error) {
	jsonData, err := json.Marshal(auth)
	if err != nil {
		return "", err
	}
	return crypto.Encrypt(string(jsonData), key)
}

func DecryptAuthData(cipherText, key string) (AuthData, error) {
	var auth AuthData
	plain, err := crypto.Decrypt(cipherText, key)
	if err != nil {
		return auth, fmt.Errorf("failed to decrypt auth data: %w", err)
	}
	if err := json.Unmarshal([]byte(plain), &auth); err != nil {
		return auth, fmt.Errorf("failed to unmarshal auth data: %w", err)
	}
	return auth, nil
}

// PrivateKeyProvider supplies the fleet key used when a host has no
// credentials of its own.
type PrivateKeyProvider interface {
	GetPrivateKey() string
}

type ConnectorConfig struct {
	EncryptionKey string
	Keys          PrivateKeyProvider
	Timeout       time.Duration
	MaxRetries    int
	Logger        *logger.Logger
}

type connector struct {
	cfg ConnectorConfig
	log *logger.Logger
}

func NewConnector(cfg ConnectorConfig) ports.Connector {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &connector{cfg: cfg, log: log}
}

func (c *connector) Connect(ctx context.Context, host *domain.Host) (ports.RemoteSession, error) {
	auth, err := DecryptAuthData(host.AuthData, c.cfg.EncryptionKey)
	if err != nil {
		return nil, &domain.ConnectionError{Host: host.Address, Err: err}
	}
	if auth.User == "" {
		auth.User = "root"
	}
	if auth.Password == "" && auth.SSHKey == "" && c.cfg.Keys != nil {
		auth.SSHKey = c.cfg.Keys.GetPrivateKey()
	}

	client := NewSSHClient(SSHConfig{
		Host:       host.Address,
		Port:       host.SSHPort,
		User:       auth.User,
		Password:   auth.Password,
		PrivateKey: auth.SSHKey,
		Timeout:    c.cfg.Timeout,
		MaxRetries: c.cfg.MaxRetries,
	})

	session, err := client.Connect(ctx)
	if err != nil {
		c.log.Warnw("remote_connect_failed", "host_id", host.ID, "address", host.Address, "error", err)
		return nil, err
	}
	c.log.Debugw("remote_connect_ok", "host_id", host.ID, "address", host.Address)
	return session, nil
}
