package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/hostshift/backend/internal/core/migration"
	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/logger"
	"github.com/hostshift/backend/internal/infrastructure/pveapi"
	"github.com/kballard/go-shellquote"
)

// InventoryService lists the guests living on a host. It prefers the
// management API when the host has a token and a known node name, and falls
// back to pvesh over SSH otherwise.
type InventoryService struct {
	hosts     ports.HostService
	api       ports.PVEAPI
	connector ports.Connector
	logger    *logger.Logger
}

func NewInventoryService(hosts ports.HostService, api ports.PVEAPI, connector ports.Connector, log *logger.Logger) *InventoryService {
	if log == nil {
		log = logger.NewNop()
	}
	return &InventoryService{hosts: hosts, api: api, connector: connector, logger: log}
}

func (s *InventoryService) ListGuests(ctx context.Context, hostID uint) ([]domain.Guest, error) {
	host, err := s.hosts.GetHostByID(ctx, hostID)
	if err != nil {
		return nil, err
	}

	var guests []domain.Guest
	if host.HasAPIToken() && host.NodeName != "" && s.api != nil {
		guests, err = s.viaAPI(ctx, host)
		if err != nil {
			s.logger.Warnw("inventory_api_failed", "host_id", host.ID, "error", err)
		}
	}
	if guests == nil {
		guests, err = s.viaSSH(ctx, host)
		if err != nil {
			return nil, err
		}
	}

	sort.SliceStable(guests, func(i, j int) bool { return guests[i].VMID < guests[j].VMID })
	s.logger.Debugw("inventory_listed", "host_id", host.ID, "count", len(guests))
	return guests, nil
}

func (s *InventoryService) viaAPI(ctx context.Context, host *domain.Host) ([]domain.Guest, error) {
	ep, err := s.hosts.HostAPIEndpoint(ctx, host)
	if err != nil {
		return nil, err
	}
	guests, err := s.api.ListGuests(ctx, ep, host.NodeName)
	if err != nil {
		return nil, err
	}
	if guests == nil {
		guests = []domain.Guest{}
	}
	return guests, nil
}

func (s *InventoryService) viaSSH(ctx context.Context, host *domain.Host) ([]domain.Guest, error) {
	session, err := s.connector.Connect(ctx, host)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	node, err := migration.NodeName(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("read node name: %w", err)
	}

	guests := []domain.Guest{}
	for _, t := range []domain.GuestType{domain.GuestTypeQemu, domain.GuestTypeLXC} {
		out, err := session.Run(ctx, listGuestsCmd(node, t))
		if err != nil {
			return nil, err
		}
		res, err := pveapi.DecodeResources([]byte(out))
		if err != nil {
			return nil, fmt.Errorf("decode %s list: %w", t, err)
		}
		for i := range res {
			res[i].Node = node
		}
		guests = append(guests, pveapi.Guests(res, t)...)
	}
	return guests, nil
}

func listGuestsCmd(node string, t domain.GuestType) string {
	return shellquote.Join("pvesh", "get", "/nodes/"+node+"/"+string(t), "--output-format", "json")
}
