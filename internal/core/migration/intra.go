package migration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/logger"
	"github.com/hostshift/backend/internal/infrastructure/pveapi"
)

const (
	taskLogTailLines = 15
	taskLogPageSize  = 500
	// Upper bound on pages read when looking for the end of a task log.
	taskLogMaxPages = 200
)

// IntraStrategy hands the move to the cluster's own migrate facility and
// follows the resulting task until it leaves the running state.
type IntraStrategy struct {
	pollInterval time.Duration
	log          *logger.Logger
}

func NewIntraStrategy(pollInterval time.Duration, log *logger.Logger) *IntraStrategy {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &IntraStrategy{pollInterval: pollInterval, log: log}
}

func (s *IntraStrategy) Name() string { return "intra" }

func (s *IntraStrategy) Move(ctx context.Context, req MoveRequest) error {
	srcNode, err := NodeName(ctx, req.SourceSession)
	if err != nil {
		return fmt.Errorf("resolve source node: %w", err)
	}
	dstNode, err := NodeName(ctx, req.TargetSession)
	if err != nil {
		return fmt.Errorf("resolve target node: %w", err)
	}
	if srcNode == dstNode {
		return domain.NewValidationError("%s %d is already on this node (%s)", guestLabel(req.Type), req.VMID, srcNode)
	}

	if req.Task.TargetBridge != "" {
		req.Log.Printf("Bridge %s is ignored for native migration; cluster nodes share network configuration", req.Task.TargetBridge)
	}

	cmd := migrateCmd(srcNode, req.Type, req.VMID, dstNode, req.Task.TargetStorage, req.Task.Online)
	req.Log.Printf("Starting native migration of %s %d from %s to %s", guestLabel(req.Type), req.VMID, srcNode, dstNode)
	out, err := req.SourceSession.Run(ctx, cmd)
	if err != nil {
		return err
	}
	upid := extractUPID(out)
	if upid == "" {
		return &domain.RemoteCommandError{Command: cmd, StderrTail: "no task id in output: " + strings.TrimSpace(out)}
	}
	req.Log.Printf("Cluster task %s started", upid)
	s.log.Infow("intra_migration_started", "task_id", req.Task.ID, "vmid", req.VMID, "upid", upid)

	status, err := s.wait(ctx, req, srcNode, upid)
	if err != nil {
		return err
	}
	if status.ExitStatus != "OK" {
		tail := s.taskLogTail(ctx, req, srcNode, upid)
		req.Log.Printf("Cluster task %s ended with status %q", upid, status.ExitStatus)
		return &domain.RemoteCommandError{
			Command:    cmd,
			ExitCode:   1,
			StderrTail: fmt.Sprintf("task %s: %s\n%s", upid, status.ExitStatus, tail),
		}
	}

	req.Log.Printf("Cluster task %s finished OK", upid)
	return nil
}

// wait polls until the task is no longer running. Poll failures are retried
// on the next tick.
func (s *IntraStrategy) wait(ctx context.Context, req MoveRequest, node, upid string) (pveapi.TaskStatus, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return pveapi.TaskStatus{}, ctx.Err()
		case <-ticker.C:
		}

		out, err := req.SourceSession.Run(ctx, taskStatusCmd(node, upid))
		if err != nil {
			if ctx.Err() != nil {
				return pveapi.TaskStatus{}, ctx.Err()
			}
			s.log.Warnw("intra_poll_failed", "upid", upid, "error", err)
			req.Log.Printf("Status poll for %s failed, retrying: %s", upid, redact(err))
			continue
		}
		var st pveapi.TaskStatus
		if err := pveapi.Decode([]byte(out), &st); err != nil {
			s.log.Warnw("intra_poll_decode_failed", "upid", upid, "error", err)
			continue
		}
		if st.Status == "running" {
			continue
		}
		return st, nil
	}
}

// taskLogTail pages through the task log from the start and keeps only the
// last lines; the log endpoint serves lines from the head.
func (s *IntraStrategy) taskLogTail(ctx context.Context, req MoveRequest, node, upid string) string {
	var tail []string
	for page := 0; page < taskLogMaxPages; page++ {
		out, err := req.SourceSession.Run(ctx, taskLogCmd(node, upid, page*taskLogPageSize, taskLogPageSize))
		if err != nil {
			s.log.Warnw("intra_task_log_failed", "upid", upid, "page", page, "error", err)
			if len(tail) == 0 {
				return "(task log unavailable)"
			}
			break
		}
		var lines []pveapi.TaskLogLine
		if err := pveapi.Decode([]byte(out), &lines); err != nil {
			if page == 0 {
				return tailLines(out, taskLogTailLines)
			}
			s.log.Warnw("intra_task_log_decode_failed", "upid", upid, "page", page, "error", err)
			break
		}
		for _, l := range lines {
			tail = append(tail, l.T)
		}
		if len(tail) > taskLogTailLines {
			tail = append(tail[:0], tail[len(tail)-taskLogTailLines:]...)
		}
		if len(lines) < taskLogPageSize {
			break
		}
	}
	return strings.Join(tail, "\n")
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
