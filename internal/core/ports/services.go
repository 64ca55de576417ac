package ports

import (
	"context"

	"github.com/hostshift/backend/internal/domain"
)

type HostService interface {
	CreateHost(ctx context.Context, input CreateHostInput) (*domain.Host, error)
	GetHosts(ctx context.Context) ([]domain.Host, error)
	GetHostByID(ctx context.Context, id uint) (*domain.Host, error)
	DeleteHost(ctx context.Context, id uint) error
	ProbeHost(ctx context.Context, id uint) (*domain.Host, error)
	HostAPIEndpoint(ctx context.Context, host *domain.Host) (APIEndpoint, error)
	FingerprintResolver
}

type CreateHostInput struct {
	Name           string
	Address        string
	SSHPort        int
	User           string
	Password       string
	SSHKey         string
	APITokenID     string
	APITokenSecret string
	APIPort        int
}

type MigrationService interface {
	StartMigration(ctx context.Context, input StartMigrationInput) (string, error)
	StartGuestMigration(ctx context.Context, input StartGuestMigrationInput) (string, error)
	GetTask(ctx context.Context, id string) (*domain.MigrationTask, error)
	ListTasks(ctx context.Context, limit int) ([]domain.MigrationTask, error)
	CancelTask(ctx context.Context, id string) error
}

type StartMigrationInput struct {
	SourceHostID  uint
	TargetHostID  uint
	TargetStorage string
	TargetBridge  string
	Online        bool
	ScheduleID    string
}

type StartGuestMigrationInput struct {
	SourceHostID  uint
	TargetHostID  uint
	TargetStorage string
	TargetBridge  string
	Online        bool
	VMID          int
	VMType        domain.GuestType
	TargetVMID    *int
	AutoVMID      bool
}

// GuestInventory enumerates guests on a registered host.
type GuestInventory interface {
	ListGuests(ctx context.Context, hostID uint) ([]domain.Guest, error)
}

// ConfigBackup copies a host's configuration files aside before its guests
// are moved. It returns the local paths written.
type ConfigBackup interface {
	BackupHostConfig(ctx context.Context, taskID string, host *domain.Host, session RemoteSession) ([]string, error)
}

// FingerprintResolver returns the TLS fingerprint of a host's management
// endpoint, fetching and caching it when unknown.
type FingerprintResolver interface {
	ResolveFingerprint(ctx context.Context, host *domain.Host) (string, error)
}

// APIEndpoint is a host's management API with the token in clear.
type APIEndpoint struct {
	Address     string
	Port        int
	TokenID     string
	TokenSecret string
}

type PVEAPI interface {
	ListGuests(ctx context.Context, ep APIEndpoint, node string) ([]domain.Guest, error)
	Fingerprint(ctx context.Context, address string, port int) (string, error)
}
