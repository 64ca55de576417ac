package migration

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/logger"
	"github.com/hostshift/backend/internal/infrastructure/pveapi"
)

const defaultAllocatorAttempts = 20

// Allocator picks a guest id on a target that is neither registered in the
// cluster inventory nor backed by leftover storage.
type Allocator struct {
	attempts int
	log      *logger.Logger
}

func NewAllocator(attempts int, log *logger.Logger) *Allocator {
	if attempts <= 0 {
		attempts = defaultAllocatorAttempts
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Allocator{attempts: attempts, log: log}
}

func (a *Allocator) Allocate(ctx context.Context, target ports.RemoteSession, tl TaskLog) (int, error) {
	out, err := target.Run(ctx, cmdNextID)
	if err != nil {
		return 0, fmt.Errorf("query next free id: %w", err)
	}
	start, err := strconv.Atoi(strings.Trim(strings.TrimSpace(out), `"`))
	if err != nil {
		return 0, fmt.Errorf("parse next free id %q: %w", strings.TrimSpace(out), err)
	}

	candidate := start
	for attempt := 1; attempt <= a.attempts; attempt++ {
		raw, err := target.Run(ctx, cmdResources)
		if err != nil {
			return 0, fmt.Errorf("query target inventory: %w", err)
		}
		resources, err := pveapi.DecodeResources([]byte(raw))
		if err != nil {
			return 0, err
		}
		if inventoryHas(resources, candidate) {
			tl.Printf("Guest id %d is registered on the target, trying %d", candidate, candidate+1)
			candidate++
			continue
		}

		leftovers, err := target.Run(ctx, orphanProbeCmd(candidate))
		if err != nil {
			return 0, fmt.Errorf("probe storage for id %d: %w", candidate, err)
		}
		if found := strings.TrimSpace(leftovers); found != "" {
			tl.Printf("Guest id %d has leftover storage on the target (%s), trying %d",
				candidate, strings.ReplaceAll(found, "\n", ", "), candidate+1)
			candidate++
			continue
		}

		a.log.Infow("allocator_id_selected", "start", start, "id", candidate, "attempts", attempt)
		return candidate, nil
	}

	a.log.Warnw("allocator_exhausted", "start", start, "attempts", a.attempts)
	return 0, &domain.AllocationError{Start: start, Attempts: a.attempts}
}

func inventoryHas(resources []pveapi.Resource, vmid int) bool {
	for _, r := range resources {
		if int(r.VMID) == vmid {
			return true
		}
	}
	return false
}
