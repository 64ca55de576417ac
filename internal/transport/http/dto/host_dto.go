package dto

import (
	"time"

	"github.com/hostshift/backend/internal/domain"
)

type CreateHostRequest struct {
	Name           string `json:"name" validate:"required"`
	Address        string `json:"address" validate:"required"`
	SSHPort        int    `json:"ssh_port"`
	Username       string `json:"username"`
	Password       string `json:"password,omitempty"`
	PrivateKey     string `json:"private_key,omitempty"`
	APITokenID     string `json:"api_token_id,omitempty"`
	APITokenSecret string `json:"api_token_secret,omitempty"`
	APIPort        int    `json:"api_port"`
}

// Validate checks request shape only; address syntax is checked by the
// host service.
func (r *CreateHostRequest) Validate() []string {
	var errors []string

	if r.Name == "" {
		errors = append(errors, "name is required")
	}
	if r.Address == "" {
		errors = append(errors, "address is required")
	}
	if r.SSHPort < 0 || r.SSHPort > 65535 {
		errors = append(errors, "ssh_port must be between 1 and 65535")
	}
	if r.APIPort < 0 || r.APIPort > 65535 {
		errors = append(errors, "api_port must be between 1 and 65535")
	}
	if (r.APITokenID == "") != (r.APITokenSecret == "") {
		errors = append(errors, "api_token_id and api_token_secret must be given together")
	}

	return errors
}

type HostResponse struct {
	ID           uint              `json:"id"`
	Name         string            `json:"name"`
	Address      string            `json:"address"`
	SSHPort      int               `json:"ssh_port"`
	Status       domain.HostStatus `json:"status"`
	HasAPIToken  bool              `json:"has_api_token"`
	APITokenID   string            `json:"api_token_id,omitempty"`
	APIPort      int               `json:"api_port"`
	Fingerprint  string            `json:"fingerprint,omitempty"`
	NodeName     string            `json:"node_name,omitempty"`
	ClusterName  string            `json:"cluster_name,omitempty"`
	LastProbedAt *time.Time        `json:"last_probed_at,omitempty"`
	LastLog      string            `json:"last_log,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func HostToResponse(host *domain.Host) HostResponse {
	return HostResponse{
		ID:           host.ID,
		Name:         host.Name,
		Address:      host.Address,
		SSHPort:      host.SSHPort,
		Status:       host.Status,
		HasAPIToken:  host.HasAPIToken(),
		APITokenID:   host.APITokenID,
		APIPort:      host.APIPort,
		Fingerprint:  host.Fingerprint,
		NodeName:     host.NodeName,
		ClusterName:  host.ClusterName,
		LastProbedAt: host.LastProbedAt,
		LastLog:      host.LastLog,
		CreatedAt:    host.CreatedAt,
		UpdatedAt:    host.UpdatedAt,
	}
}

func HostsToResponse(hosts []domain.Host) []HostResponse {
	responses := make([]HostResponse, len(hosts))
	for i := range hosts {
		responses[i] = HostToResponse(&hosts[i])
	}
	return responses
}
