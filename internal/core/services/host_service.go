package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hostshift/backend/internal/core/migration"
	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/logger"
	"github.com/hostshift/backend/internal/infrastructure/remote"
	"github.com/hostshift/backend/pkg/utils/crypto"
)

var hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*$`)

type hostService struct {
	repo          ports.HostRepository
	connector     ports.Connector
	api           ports.PVEAPI
	topology      *migration.Topology
	timeline      ports.TimelineRepository
	logger        *logger.Logger
	encryptionKey string
	mu            sync.Mutex
	locks         map[string]*sync.Mutex
	enableLocks   bool
}

type HostServiceConfig struct {
	Repository    ports.HostRepository
	Connector     ports.Connector
	API           ports.PVEAPI
	Topology      *migration.Topology
	Timeline      ports.TimelineRepository
	Logger        *logger.Logger
	EncryptionKey string
	EnableLocks   bool
}

func NewHostService(cfg HostServiceConfig) ports.HostService {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}
	topo := cfg.Topology
	if topo == nil {
		topo = migration.NewTopology(0, log)
	}
	return &hostService{
		repo:          cfg.Repository,
		connector:     cfg.Connector,
		api:           cfg.API,
		topology:      topo,
		timeline:      cfg.Timeline,
		logger:        log,
		encryptionKey: cfg.EncryptionKey,
		locks:         make(map[string]*sync.Mutex),
		enableLocks:   cfg.EnableLocks,
	}
}

func (s *hostService) lockKeys(keys ...string) func() {
	if !s.enableLocks || len(keys) == 0 {
		return func() {}
	}
	sort.Strings(keys)
	s.mu.Lock()
	acquired := make([]*sync.Mutex, 0, len(keys))
	for _, k := range keys {
		m := s.locks[k]
		if m == nil {
			m = &sync.Mutex{}
			s.locks[k] = m
		}
		acquired = append(acquired, m)
	}
	s.mu.Unlock()
	for _, m := range acquired {
		m.Lock()
	}
	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Unlock()
		}
	}
}

func (s *hostService) CreateHost(ctx context.Context, input ports.CreateHostInput) (*domain.Host, error) {
	input.Name = strings.TrimSpace(input.Name)
	input.Address = strings.TrimSpace(input.Address)

	unlock := s.lockKeys("hostaddr:" + input.Address)
	defer unlock()

	if err := validateHostInput(input); err != nil {
		return nil, err
	}

	existing, _ := s.repo.GetByAddress(ctx, input.Address)
	if existing != nil {
		s.logger.Warnw("host_already_exists", "address", input.Address)
		return nil, ErrHostAlreadyExists
	}

	authData, err := remote.EncryptAuthData(remote.AuthData{
		User:     input.User,
		Password: input.Password,
		SSHKey:   input.SSHKey,
	}, s.encryptionKey)
	if err != nil {
		s.logger.Errorw("host_encrypt_auth_failed", "error", err)
		return nil, ErrEncryptionFailed
	}

	var tokenSecret string
	if input.APITokenSecret != "" {
		tokenSecret, err = crypto.Encrypt(input.APITokenSecret, s.encryptionKey)
		if err != nil {
			s.logger.Errorw("host_encrypt_token_failed", "error", err)
			return nil, ErrEncryptionFailed
		}
	}

	sshPort := input.SSHPort
	if sshPort == 0 {
		sshPort = 22
	}
	apiPort := input.APIPort
	if apiPort == 0 {
		apiPort = 8006
	}

	deleted, _ := s.repo.GetByAddressWithDeleted(ctx, input.Address)
	if deleted != nil {
		s.logger.Infow("host_restoring", "address", input.Address, "old_id", deleted.ID)
		deleted.Name = input.Name
		deleted.SSHPort = sshPort
		deleted.Status = domain.HostStatusUnknown
		deleted.AuthData = authData
		deleted.APITokenID = input.APITokenID
		deleted.APITokenSecret = tokenSecret
		deleted.APIPort = apiPort
		deleted.Fingerprint = ""
		deleted.NodeName = ""
		deleted.ClusterName = ""
		deleted.LastProbedAt = nil
		deleted.LastLog = ""
		if err := s.repo.Restore(ctx, deleted); err != nil {
			s.logger.Errorw("host_restore_failed", "error", err)
			return nil, err
		}
		s.logger.Infow("host_restored", "id", deleted.ID, "address", deleted.Address)
		return deleted, nil
	}

	host := &domain.Host{
		Name:           input.Name,
		Address:        input.Address,
		SSHPort:        sshPort,
		Status:         domain.HostStatusUnknown,
		AuthData:       authData,
		APITokenID:     input.APITokenID,
		APITokenSecret: tokenSecret,
		APIPort:        apiPort,
	}
	if err := s.repo.Create(ctx, host); err != nil {
		s.logger.Errorw("host_create_failed", "error", err)
		return nil, err
	}

	s.logger.Infow("host_created", "id", host.ID, "address", host.Address)
	return host, nil
}

func validateHostInput(input ports.CreateHostInput) error {
	if input.Name == "" {
		return fmt.Errorf("%w: name is required", ErrHostInvalidInput)
	}
	if input.Address == "" {
		return fmt.Errorf("%w: address is required", ErrHostInvalidInput)
	}
	if net.ParseIP(input.Address) == nil && !hostnamePattern.MatchString(input.Address) {
		return fmt.Errorf("%w: %q is neither an IP address nor a hostname", ErrHostInvalidInput, input.Address)
	}
	if input.SSHPort < 0 || input.SSHPort > 65535 || input.APIPort < 0 || input.APIPort > 65535 {
		return fmt.Errorf("%w: port out of range", ErrHostInvalidInput)
	}
	if (input.APITokenID == "") != (input.APITokenSecret == "") {
		return fmt.Errorf("%w: api token id and secret must be given together", ErrHostInvalidInput)
	}
	return nil
}

func (s *hostService) GetHosts(ctx context.Context) ([]domain.Host, error) {
	return s.repo.GetAll(ctx)
}

func (s *hostService) GetHostByID(ctx context.Context, id uint) (*domain.Host, error) {
	host, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ports.ErrNotFound) {
		return nil, ErrHostNotFound
	}
	return host, err
}

func (s *hostService) DeleteHost(ctx context.Context, id uint) error {
	unlock := s.lockKeys(fmt.Sprintf("host:%d", id))
	defer unlock()

	if _, err := s.GetHostByID(ctx, id); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		s.logger.Errorw("host_delete_failed", "id", id, "error", err)
		return err
	}
	s.logger.Infow("host_deleted", "id", id)
	return nil
}

// ProbeHost connects to the host and records its node name and cluster
// membership. An unreachable host is saved as such and the connection error
// is returned alongside it.
func (s *hostService) ProbeHost(ctx context.Context, id uint) (*domain.Host, error) {
	unlock := s.lockKeys(fmt.Sprintf("host:%d", id))
	defer unlock()

	host, err := s.GetHostByID(ctx, id)
	if err != nil {
		return nil, err
	}

	probeErr := s.probe(ctx, host)
	now := time.Now()
	host.LastProbedAt = &now
	if probeErr != nil {
		host.Status = domain.HostStatusUnreachable
		host.LastLog = probeErr.Error()
	} else {
		host.Status = domain.HostStatusOnline
		host.LastLog = ""
	}
	if err := s.repo.Update(ctx, host); err != nil {
		s.logger.Errorw("host_probe_save_failed", "id", id, "error", err)
		return nil, err
	}

	s.recordProbe(ctx, host, probeErr)
	return host, probeErr
}

func (s *hostService) probe(ctx context.Context, host *domain.Host) error {
	session, err := s.connector.Connect(ctx, host)
	if err != nil {
		return err
	}
	defer session.Close()

	node, err := migration.NodeName(ctx, session)
	if err != nil {
		return fmt.Errorf("read node name: %w", err)
	}
	host.NodeName = node

	cluster, err := s.topology.ClusterIdentity(ctx, session)
	if err != nil {
		// A node outside any cluster still probes fine.
		s.logger.Warnw("host_probe_cluster_unknown", "id", host.ID, "error", err)
		cluster = ""
	}
	host.ClusterName = cluster

	if host.HasAPIToken() && s.api != nil {
		fp, err := s.api.Fingerprint(ctx, host.Address, host.APIPort)
		if err != nil {
			s.logger.Warnw("host_probe_fingerprint_failed", "id", host.ID, "error", err)
		} else {
			host.Fingerprint = fp
		}
	}

	s.logger.Infow("host_probed", "id", host.ID, "node", node, "cluster", cluster)
	return nil
}

func (s *hostService) recordProbe(ctx context.Context, host *domain.Host, probeErr error) {
	if s.timeline == nil {
		return
	}
	status := domain.EventStatusSuccess
	msg := fmt.Sprintf("Host %s is online (node %s)", host.Name, host.NodeName)
	if probeErr != nil {
		status = domain.EventStatusFailed
		msg = fmt.Sprintf("Host %s is unreachable", host.Name)
	}
	event := &domain.TimelineEvent{
		Type:         domain.EventTypeHostProbe,
		Status:       status,
		Message:      msg,
		ResourceID:   fmt.Sprintf("%d", host.ID),
		ResourceType: domain.ResourceTypeHost,
		Meta: domain.JSONB{
			"node":    host.NodeName,
			"cluster": host.ClusterName,
		},
	}
	if err := s.timeline.Create(ctx, event); err != nil {
		s.logger.Warnw("host_timeline_event_failed", "id", host.ID, "error", err)
	}
}

func (s *hostService) HostAPIEndpoint(ctx context.Context, host *domain.Host) (ports.APIEndpoint, error) {
	if !host.HasAPIToken() {
		return ports.APIEndpoint{}, ErrHostNoAPIToken
	}
	secret, err := crypto.Decrypt(host.APITokenSecret, s.encryptionKey)
	if err != nil {
		s.logger.Errorw("host_decrypt_token_failed", "id", host.ID, "error", err)
		return ports.APIEndpoint{}, ErrDecryptionFailed
	}
	port := host.APIPort
	if port == 0 {
		port = 8006
	}
	return ports.APIEndpoint{
		Address:     host.Address,
		Port:        port,
		TokenID:     host.APITokenID,
		TokenSecret: secret,
	}, nil
}

// ResolveFingerprint returns the cached fingerprint or fetches and stores it.
func (s *hostService) ResolveFingerprint(ctx context.Context, host *domain.Host) (string, error) {
	if host.Fingerprint != "" {
		return host.Fingerprint, nil
	}
	if s.api == nil {
		return "", fmt.Errorf("no api client configured")
	}
	port := host.APIPort
	if port == 0 {
		port = 8006
	}
	fp, err := s.api.Fingerprint(ctx, host.Address, port)
	if err != nil {
		return "", err
	}
	host.Fingerprint = fp
	if err := s.repo.Update(ctx, host); err != nil {
		s.logger.Warnw("host_fingerprint_save_failed", "id", host.ID, "error", err)
	}
	return fp, nil
}
