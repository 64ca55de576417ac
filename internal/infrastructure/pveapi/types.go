package pveapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hostshift/backend/internal/domain"
)

// FlexInt decodes ids that PVE reports either as numbers or as strings.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid id %s: %w", b, err)
	}
	*f = FlexInt(n)
	return nil
}

// Resource is one entry of /cluster/resources or of a node guest list.
type Resource struct {
	ID     string  `json:"id"`
	VMID   FlexInt `json:"vmid"`
	Name   string  `json:"name"`
	Type   string  `json:"type"`
	Node   string  `json:"node"`
	Status string  `json:"status"`
}

// ClusterStatusEntry is one entry of /cluster/status.
type ClusterStatusEntry struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Local int    `json:"local"`
}

// TaskStatus is the body of /nodes/{node}/tasks/{upid}/status.
type TaskStatus struct {
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus"`
}

// TaskLogLine is one entry of /nodes/{node}/tasks/{upid}/log.
type TaskLogLine struct {
	N int    `json:"n"`
	T string `json:"t"`
}

// unwrap accepts both the HTTP API envelope {"data": ...} and the bare
// value printed by pvesh.
func unwrap(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &env); err == nil && env.Data != nil {
			return env.Data
		}
	}
	return trimmed
}

func Decode(raw []byte, v interface{}) error {
	body := unwrap(raw)
	if len(body) == 0 {
		return fmt.Errorf("empty response")
	}
	return json.Unmarshal(body, v)
}

func DecodeResources(raw []byte) ([]Resource, error) {
	var out []Resource
	if err := Decode(raw, &out); err != nil {
		return nil, fmt.Errorf("decode resources: %w", err)
	}
	return out, nil
}

// ClusterName returns the cluster identity from a /cluster/status listing,
// empty when the node is standalone.
func ClusterName(raw []byte) (string, error) {
	var entries []ClusterStatusEntry
	if err := Decode(raw, &entries); err != nil {
		return "", fmt.Errorf("decode cluster status: %w", err)
	}
	for _, e := range entries {
		if e.Type == "cluster" {
			return strings.TrimSpace(e.Name), nil
		}
	}
	return "", nil
}

// Guests converts resources of kind qemu or lxc. guestType overrides the
// entry type for node-scoped listings, which omit it.
func Guests(resources []Resource, guestType domain.GuestType) []domain.Guest {
	guests := make([]domain.Guest, 0, len(resources))
	for _, r := range resources {
		t := guestType
		if t == "" {
			switch r.Type {
			case string(domain.GuestTypeQemu):
				t = domain.GuestTypeQemu
			case string(domain.GuestTypeLXC):
				t = domain.GuestTypeLXC
			default:
				continue
			}
		}
		if r.VMID == 0 {
			continue
		}
		guests = append(guests, domain.Guest{
			VMID:   int(r.VMID),
			Type:   t,
			Name:   r.Name,
			Node:   r.Node,
			Status: r.Status,
		})
	}
	return guests
}
