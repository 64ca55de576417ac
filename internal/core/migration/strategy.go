package migration

import (
	"context"

	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
)

// MoveRequest carries everything a strategy needs to move one guest.
type MoveRequest struct {
	Task   *domain.MigrationTask
	VMID   int
	Type   domain.GuestType
	Source *domain.Host
	Target *domain.Host

	SourceSession ports.RemoteSession
	TargetSession ports.RemoteSession

	Log TaskLog
}

// Strategy moves a single guest between two connected hosts.
type Strategy interface {
	Name() string
	Move(ctx context.Context, req MoveRequest) error
}
