package migration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/logger"
)

// TargetCredentials exposes a host's API token and TLS fingerprint.
type TargetCredentials interface {
	HostAPIEndpoint(ctx context.Context, host *domain.Host) (ports.APIEndpoint, error)
	ports.FingerprintResolver
}

type CrossStrategyConfig struct {
	Allocator        *Allocator
	Credentials      TargetCredentials
	PreflightTimeout time.Duration
	BufferSize       int
	Metrics          Recorder
	Logger           *logger.Logger
}

// CrossStrategy copies a guest between independent clusters by piping a
// backup export on the source into a restore on the target.
type CrossStrategy struct {
	allocator        *Allocator
	creds            TargetCredentials
	preflightTimeout time.Duration
	bufferSize       int
	metrics          Recorder
	log              *logger.Logger
}

func NewCrossStrategy(cfg CrossStrategyConfig) *CrossStrategy {
	s := &CrossStrategy{
		allocator:        cfg.Allocator,
		creds:            cfg.Credentials,
		preflightTimeout: cfg.PreflightTimeout,
		bufferSize:       cfg.BufferSize,
		metrics:          cfg.Metrics,
		log:              cfg.Logger,
	}
	if s.log == nil {
		s.log = logger.NewNop()
	}
	if s.allocator == nil {
		s.allocator = NewAllocator(0, s.log)
	}
	if s.preflightTimeout <= 0 {
		s.preflightTimeout = 8 * time.Second
	}
	if s.metrics == nil {
		s.metrics = nopRecorder{}
	}
	return s
}

func (s *CrossStrategy) Name() string { return "cross" }

func (s *CrossStrategy) Move(ctx context.Context, req MoveRequest) error {
	// 1. credentials
	if !req.Target.HasAPIToken() {
		return domain.NewValidationError("target host %s has no API token; cross-cluster migration needs one", req.Target.Name)
	}
	ep, err := s.creds.HostAPIEndpoint(ctx, req.Target)
	if err != nil {
		return err
	}
	fp, err := s.creds.ResolveFingerprint(ctx, req.Target)
	if err != nil {
		return &domain.ConnectionError{Host: req.Target.Address, Err: fmt.Errorf("resolve API fingerprint: %w", err)}
	}
	// Recorded for the operator only; the pre-flight probe does not pin it.
	req.Log.Printf("Target API %s:%d, fingerprint %s", ep.Address, ep.Port, fp)

	// 2. identifier
	newID, err := s.selectID(ctx, req)
	if err != nil {
		return err
	}

	// 3. pre-flight
	if err := s.preflight(ctx, req, ep); err != nil {
		return err
	}

	// 4. source lock
	s.clearSourceLock(ctx, req)

	// 5. stale target guest
	s.cleanupTarget(ctx, req, newID)

	// 6. transfer
	n, err := s.transfer(ctx, req, newID)
	s.metrics.BytesStreamed(n)
	if err != nil {
		req.Log.Printf("Transfer failed after %s: %v", humanize.Bytes(uint64(n)), err)
		return err
	}
	req.Log.Printf("Transferred %s, restored as %s %d", humanize.Bytes(uint64(n)), guestLabel(req.Type), newID)

	if req.Task.TargetBridge != "" {
		s.rewriteBridge(ctx, req, newID)
	}

	// 7. teardown
	if req.Task.Online {
		req.Log.Printf("Stopping source %s %d", guestLabel(req.Type), req.VMID)
		if _, err := req.SourceSession.Run(ctx, stopCmd(req.Type, req.VMID)); err != nil {
			req.Log.Printf("Stopping source guest failed, the copy is complete: %s", redact(err))
		}
	}
	return nil
}

func (s *CrossStrategy) selectID(ctx context.Context, req MoveRequest) (int, error) {
	switch {
	case req.Task.TargetVMID != nil:
		req.Log.Printf("Using requested target id %d", *req.Task.TargetVMID)
		return *req.Task.TargetVMID, nil
	case !req.Task.AutoVMID:
		req.Log.Printf("Reusing source id %d on target", req.VMID)
		return req.VMID, nil
	}
	id, err := s.allocator.Allocate(ctx, req.TargetSession, req.Log)
	if err != nil {
		return 0, err
	}
	req.Log.Printf("Allocated target id %d", id)
	return id, nil
}

// preflight asks the target API, from the source host, whether the token is
// accepted. Only an explicit rejection is fatal.
func (s *CrossStrategy) preflight(ctx context.Context, req MoveRequest, ep ports.APIEndpoint) error {
	pctx, cancel := context.WithTimeout(ctx, s.preflightTimeout)
	defer cancel()

	out, err := req.SourceSession.Run(pctx, preflightCmd(ep, int(s.preflightTimeout.Seconds())))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warnw("cross_preflight_failed", "task_id", req.Task.ID, "error", redact(err))
		req.Log.Printf("Pre-flight API check could not run (%s), continuing", redact(err))
		return nil
	}

	code := strings.TrimSpace(out)
	if len(code) > 3 {
		code = code[len(code)-3:]
	}
	switch code {
	case "401", "403":
		return domain.NewValidationError("pre-flight check: target %s rejected the API credentials (HTTP %s)", ep.Address, code)
	case "200":
		req.Log.Printf("Pre-flight API check passed")
	default:
		req.Log.Printf("Pre-flight API check returned HTTP %s, continuing", code)
	}
	return nil
}

func (s *CrossStrategy) clearSourceLock(ctx context.Context, req MoveRequest) {
	cfg, err := req.SourceSession.Run(ctx, configCmd(req.Type, req.VMID))
	if err != nil {
		req.Log.Printf("Could not read source guest config: %s", redact(err))
		return
	}
	lock := configLock(cfg)
	if lock == "" {
		return
	}
	req.Log.Printf("Source %s %d is locked (%s), clearing", guestLabel(req.Type), req.VMID, lock)
	if _, err := req.SourceSession.Run(ctx, unlockCmd(req.Type, req.VMID)); err != nil {
		req.Log.Printf("Clearing lock failed: %s", redact(err))
	}
}

func (s *CrossStrategy) cleanupTarget(ctx context.Context, req MoveRequest, vmid int) {
	if _, err := req.TargetSession.Run(ctx, statusCmd(req.Type, vmid)); err != nil {
		// no guest under this id
		return
	}
	req.Log.Printf("%s %d already exists on target, removing it", guestLabel(req.Type), vmid)
	for _, cmd := range []string{
		stopCmd(req.Type, vmid),
		unlockCmd(req.Type, vmid),
		destroyCmd(req.Type, vmid),
	} {
		if _, err := req.TargetSession.Run(ctx, cmd); err != nil {
			req.Log.Printf("Cleanup %q failed, continuing: %s", cmd, redact(err))
		}
	}
}

func (s *CrossStrategy) transfer(ctx context.Context, req MoveRequest, newID int) (int64, error) {
	storage := req.Task.TargetStorage
	req.Log.Printf("Streaming %s %d to target as %d", guestLabel(req.Type), req.VMID, newID)

	target, err := req.TargetSession.Stream(ctx, restoreCmd(req.Type, newID, storage))
	if err != nil {
		return 0, &domain.StreamError{Side: "target", ExitCode: -1, Err: err}
	}
	source, err := req.SourceSession.Stream(ctx, exportCmd(req.VMID))
	if err != nil {
		target.Close()
		return 0, &domain.StreamError{Side: "source", ExitCode: -1, Err: err}
	}

	start := time.Now()
	n, err := pipe(source, target, s.bufferSize, req.Log)
	s.log.Infow("cross_transfer_finished",
		"task_id", req.Task.ID, "vmid", req.VMID, "new_vmid", newID,
		"bytes", n, "duration", time.Since(start), "error", err)
	return n, err
}

func (s *CrossStrategy) rewriteBridge(ctx context.Context, req MoveRequest, vmid int) {
	bridge := req.Task.TargetBridge
	cfg, err := req.TargetSession.Run(ctx, configCmd(req.Type, vmid))
	if err != nil {
		req.Log.Printf("Could not read restored config to set bridge %s: %s", bridge, redact(err))
		return
	}
	for key, value := range bridgeRewrites(cfg, bridge) {
		if _, err := req.TargetSession.Run(ctx, setNetCmd(req.Type, vmid, key, value)); err != nil {
			req.Log.Printf("Setting %s to bridge %s failed: %s", key, bridge, redact(err))
			continue
		}
		req.Log.Printf("Attached %s to bridge %s", key, bridge)
	}
}
