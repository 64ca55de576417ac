package dto

type UpsertScheduleRequest struct {
	Name          string `json:"name"`
	SourceHostID  uint   `json:"source_host_id"`
	TargetHostID  uint   `json:"target_host_id"`
	TargetStorage string `json:"target_storage"`
	TargetBridge  string `json:"target_bridge"`
	Online        bool   `json:"online"`
	Cron          string `json:"cron"`
	Enabled       *bool  `json:"enabled,omitempty"`
}

func (r *UpsertScheduleRequest) Validate() []string {
	var errors []string
	if r.Name == "" {
		errors = append(errors, "name is required")
	}
	if r.Cron == "" {
		errors = append(errors, "cron is required")
	}
	if r.SourceHostID == 0 || r.TargetHostID == 0 {
		errors = append(errors, "source_host_id and target_host_id are required")
	}
	return errors
}

func (r *UpsertScheduleRequest) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

type SSHKeyResponse struct {
	PublicKey   string `json:"public_key"`
	Fingerprint string `json:"fingerprint"`
}
