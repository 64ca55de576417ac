package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ==================== ENUMS ====================

type HostStatus string

const (
	HostStatusUnknown     HostStatus = "unknown"
	HostStatusOnline      HostStatus = "online"
	HostStatusUnreachable HostStatus = "unreachable"
)

type EventStatus string

const (
	EventStatusPending EventStatus = "pending"
	EventStatusSuccess EventStatus = "success"
	EventStatusFailed  EventStatus = "failed"
)

// ==================== JSONB TYPES ====================

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("failed to scan JSONB: invalid type")
	}
	return json.Unmarshal(bytes, j)
}

// ==================== ENTITIES ====================

// Host is a hypervisor node reachable over SSH. AuthData and APITokenSecret
// hold AES-GCM ciphertext and never leave the service layer in clear.
type Host struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Name     string     `gorm:"size:255;not null" json:"name"`
	Address  string     `gorm:"size:255;uniqueIndex;not null" json:"address"`
	SSHPort  int        `gorm:"default:22" json:"ssh_port"`
	Status   HostStatus `gorm:"size:20;not null;default:'unknown'" json:"status"`
	AuthData string     `gorm:"type:text" json:"-"`

	// PVE API token, required as the target of a cross-cluster move
	APITokenID     string `gorm:"size:255" json:"api_token_id,omitempty"`
	APITokenSecret string `gorm:"type:text" json:"-"`
	APIPort        int    `gorm:"default:8006" json:"api_port"`
	Fingerprint    string `gorm:"size:128" json:"fingerprint,omitempty"`

	NodeName     string     `gorm:"size:255" json:"node_name,omitempty"`
	ClusterName  string     `gorm:"size:255" json:"cluster_name,omitempty"`
	LastProbedAt *time.Time `json:"last_probed_at,omitempty"`
	LastLog      string     `gorm:"type:text" json:"last_log,omitempty"`
}

func (h *Host) HasAPIToken() bool {
	return h.APITokenID != "" && h.APITokenSecret != ""
}

type TimelineEvent struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Type         string      `gorm:"size:100;not null;index" json:"type"`
	Status       EventStatus `gorm:"size:20;not null;default:'pending';index" json:"status"`
	Message      string      `gorm:"type:text" json:"message"`
	Meta         JSONB       `gorm:"type:text" json:"meta"`
	ResourceID   string      `gorm:"size:64;index" json:"resource_id,omitempty"`
	ResourceType string      `gorm:"size:100;index" json:"resource_type"`
}

type SystemSettings struct {
	SSHPrivateKey string
	SSHPublicKey  string
}

type SystemSetting struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Key      string `gorm:"size:255;uniqueIndex;not null" json:"key"`
	Value    string `gorm:"type:text" json:"value"`
	Type     string `gorm:"size:50;default:'string'" json:"type"`
	Category string `gorm:"size:100;index" json:"category"`
}
