package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type MigrationStatus string

const (
	MigrationStatusPending   MigrationStatus = "pending"
	MigrationStatusRunning   MigrationStatus = "running"
	MigrationStatusCompleted MigrationStatus = "completed"
	MigrationStatusFailed    MigrationStatus = "failed"
	MigrationStatusCancelled MigrationStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s MigrationStatus) Terminal() bool {
	switch s {
	case MigrationStatusCompleted, MigrationStatusFailed, MigrationStatusCancelled:
		return true
	}
	return false
}

type MigrationKind string

const (
	MigrationKindHost  MigrationKind = "host"
	MigrationKindGuest MigrationKind = "guest"
)

type StepType string

const (
	StepTypeConfig   StepType = "config"
	StepTypeVM       StepType = "vm"
	StepTypeLXC      StepType = "lxc"
	StepTypeFinalize StepType = "finalize"
)

type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

type GuestType string

const (
	GuestTypeQemu GuestType = "qemu"
	GuestTypeLXC  GuestType = "lxc"
)

func ParseGuestType(s string) (GuestType, error) {
	switch GuestType(s) {
	case GuestTypeQemu, GuestTypeLXC:
		return GuestType(s), nil
	case "vm":
		return GuestTypeQemu, nil
	}
	return "", &ValidationError{Message: fmt.Sprintf("unknown guest type %q", s)}
}

// StepType maps a guest type to the step that moves it.
func (g GuestType) StepType() StepType {
	if g == GuestTypeLXC {
		return StepTypeLXC
	}
	return StepTypeVM
}

// Guest is one VM or container as reported by a host inventory.
type Guest struct {
	VMID   int       `json:"vmid"`
	Type   GuestType `json:"type"`
	Name   string    `json:"name"`
	Node   string    `json:"node,omitempty"`
	Status string    `json:"status,omitempty"`
}

type MigrationStep struct {
	Type   StepType   `json:"type"`
	Name   string     `json:"name"`
	VMID   *int       `json:"vmid,omitempty"`
	VMType GuestType  `json:"vm_type,omitempty"`
	Status StepStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// MigrationSteps is stored inline with its task as a JSON column.
type MigrationSteps []MigrationStep

func (s MigrationSteps) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *MigrationSteps) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("failed to scan MigrationSteps: invalid type")
	}
	return json.Unmarshal(bytes, s)
}

// CompletedCount is the value progress must equal.
func (s MigrationSteps) CompletedCount() int {
	n := 0
	for _, st := range s {
		if st.Status == StepStatusCompleted {
			n++
		}
	}
	return n
}

type MigrationTask struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Kind          MigrationKind `gorm:"size:20;not null;default:'host'" json:"kind"`
	SourceHostID  uint          `gorm:"not null;index" json:"source_host_id"`
	TargetHostID  uint          `gorm:"not null;index" json:"target_host_id"`
	TargetStorage string        `gorm:"size:255" json:"target_storage"`
	TargetBridge  string        `gorm:"size:255" json:"target_bridge"`
	Online        bool          `json:"online"`
	TargetVMID    *int          `json:"target_vmid,omitempty"`
	AutoVMID      bool          `json:"auto_vmid"`
	ScheduleID    string        `gorm:"size:36;index" json:"schedule_id,omitempty"`

	Status      MigrationStatus `gorm:"size:20;not null;default:'pending';index" json:"status"`
	CurrentStep string          `gorm:"size:255" json:"current_step"`
	Progress    int             `gorm:"not null;default:0" json:"progress"`
	TotalSteps  int             `gorm:"not null;default:0" json:"total_steps"`
	Steps       MigrationSteps  `gorm:"type:text" json:"steps"`
	Log         string          `gorm:"type:text;not null;default:''" json:"log"`
	Error       string          `gorm:"type:text" json:"error,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ScheduledMigration is a persisted cron definition that starts a whole-host
// migration each time it fires.
type ScheduledMigration struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name          string `gorm:"size:255;uniqueIndex;not null" json:"name"`
	SourceHostID  uint   `gorm:"not null" json:"source_host_id"`
	TargetHostID  uint   `gorm:"not null" json:"target_host_id"`
	TargetStorage string `gorm:"size:255" json:"target_storage"`
	TargetBridge  string `gorm:"size:255" json:"target_bridge"`
	Online        bool   `json:"online"`
	Cron          string `gorm:"size:100;not null" json:"cron"`
	Enabled       bool   `json:"enabled"`

	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastTaskID string     `gorm:"size:36" json:"last_task_id,omitempty"`
	LastError  string     `gorm:"type:text" json:"last_error,omitempty"`
}
