package migration

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/pveapi"
	"github.com/kballard/go-shellquote"
)

const (
	cmdHostname      = "hostname"
	cmdClusterStatus = "pvesh get /cluster/status --output-format json"
	cmdNextID        = "pvesh get /cluster/nextid"
	cmdResources     = "pvesh get /cluster/resources --type vm --output-format json"
)

func join(args ...string) string {
	return shellquote.Join(args...)
}

// guestTool is qm for VMs and pct for containers.
func guestTool(t domain.GuestType) string {
	if t == domain.GuestTypeLXC {
		return "pct"
	}
	return "qm"
}

func guestLabel(t domain.GuestType) string {
	if t == domain.GuestTypeLXC {
		return "CT"
	}
	return "VM"
}

func configCmd(t domain.GuestType, vmid int) string {
	return join(guestTool(t), "config", strconv.Itoa(vmid))
}

func statusCmd(t domain.GuestType, vmid int) string {
	return join(guestTool(t), "status", strconv.Itoa(vmid))
}

func stopCmd(t domain.GuestType, vmid int) string {
	return join(guestTool(t), "stop", strconv.Itoa(vmid))
}

func unlockCmd(t domain.GuestType, vmid int) string {
	return join(guestTool(t), "unlock", strconv.Itoa(vmid))
}

func destroyCmd(t domain.GuestType, vmid int) string {
	return join(guestTool(t), "destroy", strconv.Itoa(vmid), "--purge", "1")
}

func setNetCmd(t domain.GuestType, vmid int, key, value string) string {
	return join(guestTool(t), "set", strconv.Itoa(vmid), "--"+key, value)
}

// orphanProbeCmd lists storage left behind under vmid: LVM volumes, ZFS
// datasets and the directory-storage image folder. It always exits 0; any
// output means the id is dirty.
func orphanProbeCmd(vmid int) string {
	id := strconv.Itoa(vmid)
	return fmt.Sprintf("{ lvs --noheadings -o lv_name 2>/dev/null | grep -E '(vm|base)-%[1]s-(disk|state|cloudinit)' ; "+
		"zfs list -H -o name 2>/dev/null | grep -E '/(vm|base|subvol)-%[1]s-disk-' ; "+
		"ls -d /var/lib/vz/images/%[1]s 2>/dev/null ; } || true", id)
}

func migrateCmd(srcNode string, t domain.GuestType, vmid int, targetNode, storage string, online bool) string {
	args := []string{"pvesh", "create", fmt.Sprintf("/nodes/%s/%s/%d/migrate", srcNode, t, vmid), "--target", targetNode}
	if online {
		if t == domain.GuestTypeLXC {
			args = append(args, "--restart", "1")
		} else {
			args = append(args, "--online", "1")
		}
	}
	if storage != "" {
		if t == domain.GuestTypeLXC {
			args = append(args, "--target-storage", storage)
		} else {
			args = append(args, "--targetstorage", storage)
		}
	}
	return join(args...)
}

func taskStatusCmd(node, upid string) string {
	return join("pvesh", "get", fmt.Sprintf("/nodes/%s/tasks/%s/status", node, upid), "--output-format", "json")
}

func taskLogCmd(node, upid string, start, limit int) string {
	return join("pvesh", "get", fmt.Sprintf("/nodes/%s/tasks/%s/log", node, upid),
		"--start", strconv.Itoa(start), "--limit", strconv.Itoa(limit), "--output-format", "json")
}

var upidPattern = regexp.MustCompile(`UPID:[^\s"]+`)

func extractUPID(out string) string {
	return upidPattern.FindString(out)
}

func exportCmd(vmid int) string {
	return join("vzdump", strconv.Itoa(vmid), "--stdout", "--mode", "snapshot")
}

func restoreCmd(t domain.GuestType, vmid int, storage string) string {
	var args []string
	if t == domain.GuestTypeLXC {
		args = []string{"pct", "restore", strconv.Itoa(vmid), "-"}
	} else {
		args = []string{"qmrestore", "-", strconv.Itoa(vmid)}
	}
	if storage != "" {
		args = append(args, "--storage", storage)
	}
	return join(append(args, "--force", "1")...)
}

// preflightCmd prints the HTTP status the target API returns for the token.
// The trailing `|| true` keeps curl failures readable as status 000.
func preflightCmd(ep ports.APIEndpoint, timeoutSec int) string {
	if timeoutSec < 1 {
		timeoutSec = 1
	}
	return join("curl", "-sk", "-o", "/dev/null", "-w", "%{http_code}",
		"--max-time", strconv.Itoa(timeoutSec),
		"-H", "Authorization: "+pveapi.AuthHeader(ep.TokenID, ep.TokenSecret),
		pveapi.BaseURL(ep.Address, ep.Port)+"/version") + " || true"
}

// configLock returns the lock value of a guest config, empty when unlocked.
func configLock(config string) string {
	for _, line := range strings.Split(config, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "[") {
			// snapshot sections follow the current config
			break
		}
		if strings.HasPrefix(line, "lock:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "lock:"))
		}
	}
	return ""
}

// bridgeRewrites returns netN keys whose bridge differs from bridge, mapped
// to the rewritten value.
func bridgeRewrites(config, bridge string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(config, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "[") {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || !strings.HasPrefix(key, "net") {
			continue
		}
		if _, err := strconv.Atoi(strings.TrimPrefix(key, "net")); err != nil {
			continue
		}
		parts := strings.Split(strings.TrimSpace(value), ",")
		changed := false
		for i, p := range parts {
			if strings.HasPrefix(p, "bridge=") && p != "bridge="+bridge {
				parts[i] = "bridge=" + bridge
				changed = true
			}
		}
		if changed {
			out[key] = strings.Join(parts, ",")
		}
	}
	return out
}

// redact keeps remote command text (which may carry tokens) out of logs.
func redact(err error) string {
	var cmdErr *domain.RemoteCommandError
	if errors.As(err, &cmdErr) {
		if cmdErr.StderrTail != "" {
			return fmt.Sprintf("exit code %d: %s", cmdErr.ExitCode, cmdErr.StderrTail)
		}
		return fmt.Sprintf("exit code %d", cmdErr.ExitCode)
	}
	return err.Error()
}
