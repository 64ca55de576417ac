package migration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/infrastructure/logger"
	"github.com/hostshift/backend/internal/infrastructure/pveapi"
)

// Topology decides whether two hosts belong to the same cluster.
type Topology struct {
	timeout time.Duration
	log     *logger.Logger
}

func NewTopology(timeout time.Duration, log *logger.Logger) *Topology {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Topology{timeout: timeout, log: log}
}

// ClusterIdentity returns the cluster name a host reports, empty for a
// standalone node.
func (t *Topology) ClusterIdentity(ctx context.Context, s ports.RemoteSession) (string, error) {
	qctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	out, err := s.Run(qctx, cmdClusterStatus)
	if err != nil {
		return "", err
	}
	return pveapi.ClusterName([]byte(out))
}

// SameCluster is true only when both hosts report the same non-empty
// identity. Any query failure yields false, which selects the cross-cluster
// path.
func (t *Topology) SameCluster(ctx context.Context, a, b ports.RemoteSession) bool {
	idA, err := t.ClusterIdentity(ctx, a)
	if err != nil {
		t.log.Warnw("topology_cluster_query_failed", "side", "source", "error", err)
		return false
	}
	idB, err := t.ClusterIdentity(ctx, b)
	if err != nil {
		t.log.Warnw("topology_cluster_query_failed", "side", "target", "error", err)
		return false
	}
	same := idA != "" && idA == idB
	t.log.Debugw("topology_compared", "source_cluster", idA, "target_cluster", idB, "same", same)
	return same
}

// NodeName returns the node name of the host behind s.
func NodeName(ctx context.Context, s ports.RemoteSession) (string, error) {
	out, err := s.Run(ctx, cmdHostname)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(out)
	if name == "" {
		return "", fmt.Errorf("empty hostname")
	}
	if i := strings.IndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return name, nil
}
