package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/logger"
)

var defaultBackupPaths = []string{
	"/etc/network/interfaces",
	"/etc/hosts",
	"/etc/hostname",
	"/etc/resolv.conf",
	"/etc/pve/storage.cfg",
	"/etc/pve/datacenter.cfg",
	"/etc/pve/user.cfg",
	"/etc/pve/firewall/cluster.fw",
}

// ConfigBackupService copies host configuration files over SFTP into
// <dir>/<task id>/<host>/ before the host's guests are moved.
type ConfigBackupService struct {
	dir    string
	paths  []string
	logger *logger.Logger
}

func NewConfigBackupService(dir string, paths []string, log *logger.Logger) *ConfigBackupService {
	if len(paths) == 0 {
		paths = defaultBackupPaths
	}
	if dir == "" {
		dir = "backups"
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &ConfigBackupService{dir: dir, paths: paths, logger: log}
}

// BackupHostConfig writes every configured file that exists on the host.
// Missing files are skipped; any other read failure aborts the backup.
func (s *ConfigBackupService) BackupHostConfig(ctx context.Context, taskID string, host *domain.Host, session ports.RemoteSession) ([]string, error) {
	dest := filepath.Join(s.dir, taskID, hostDirName(host))
	if err := os.MkdirAll(dest, 0o700); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	var written []string
	var total int64
	for _, p := range s.paths {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		data, err := session.ReadFile(ctx, p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				s.logger.Debugw("config_backup_skipped", "host_id", host.ID, "path", p)
				continue
			}
			return written, fmt.Errorf("backup %s: %w", p, err)
		}

		local := filepath.Join(dest, flattenPath(p))
		if err := os.WriteFile(local, data, 0o600); err != nil {
			return written, fmt.Errorf("write %s: %w", local, err)
		}
		written = append(written, local)
		total += int64(len(data))
	}

	s.logger.Infow("config_backup_done", "host_id", host.ID, "task_id", taskID,
		"files", len(written), "size", humanize.Bytes(uint64(total)))
	return written, nil
}

func hostDirName(host *domain.Host) string {
	name := host.NodeName
	if name == "" {
		name = host.Name
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
	if name == "" || name == "." || name == ".." {
		return fmt.Sprintf("host-%d", host.ID)
	}
	return name
}

// flattenPath turns /etc/pve/storage.cfg into etc_pve_storage.cfg.
func flattenPath(p string) string {
	return strings.ReplaceAll(strings.TrimPrefix(filepath.Clean(p), "/"), "/", "_")
}
