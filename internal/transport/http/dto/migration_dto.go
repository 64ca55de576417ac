package dto

import (
	"github.com/hostshift/backend/internal/domain"
)

type StartMigrationRequest struct {
	SourceHostID  uint   `json:"source_host_id"`
	TargetHostID  uint   `json:"target_host_id"`
	TargetStorage string `json:"target_storage"`
	TargetBridge  string `json:"target_bridge"`
	Online        bool   `json:"online"`
}

func (r *StartMigrationRequest) Validate() []string {
	var errors []string
	if r.SourceHostID == 0 {
		errors = append(errors, "source_host_id is required")
	}
	if r.TargetHostID == 0 {
		errors = append(errors, "target_host_id is required")
	}
	if r.SourceHostID != 0 && r.SourceHostID == r.TargetHostID {
		errors = append(errors, "source_host_id and target_host_id must differ")
	}
	return errors
}

type StartGuestMigrationRequest struct {
	StartMigrationRequest
	VMID       int    `json:"vmid"`
	VMType     string `json:"vm_type"`
	TargetVMID *int   `json:"target_vmid,omitempty"`
	// AutoVMID defaults to true when omitted.
	AutoVMID *bool `json:"auto_vmid,omitempty"`
}

func (r *StartGuestMigrationRequest) Validate() []string {
	errors := r.StartMigrationRequest.Validate()
	if r.VMID <= 0 {
		errors = append(errors, "vmid is required")
	}
	if _, err := domain.ParseGuestType(r.VMType); err != nil {
		errors = append(errors, "vm_type must be qemu or lxc")
	}
	if r.TargetVMID != nil && r.AutoVMID != nil && *r.AutoVMID {
		errors = append(errors, "target_vmid and auto_vmid are mutually exclusive")
	}
	return errors
}

func (r *StartGuestMigrationRequest) GetAutoVMID() bool {
	if r.AutoVMID == nil {
		return r.TargetVMID == nil
	}
	return *r.AutoVMID
}

type StartMigrationResponse struct {
	TaskID string `json:"task_id"`
}

// TaskStreamEvent is one message on the live task websocket.
type TaskStreamEvent struct {
	Type        string                 `json:"type"`
	Data        string                 `json:"data,omitempty"`
	Status      domain.MigrationStatus `json:"status,omitempty"`
	Progress    int                    `json:"progress"`
	TotalSteps  int                    `json:"total_steps"`
	CurrentStep string                 `json:"current_step,omitempty"`
	Error       string                 `json:"error,omitempty"`
}
