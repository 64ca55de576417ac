package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/hostshift/backend/internal/config"
	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/db"
	"github.com/hostshift/backend/internal/infrastructure/logger"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testEncryptionKey = "services-test-key"

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := db.NewConnection(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"}, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(conn))
	t.Cleanup(func() { db.Close(conn) })
	return conn
}

// stubSession answers commands by substring match.
type stubSession struct {
	mu       sync.Mutex
	replies  map[string]string
	failures map[string]error
	files    map[string][]byte
	commands []string
	closed   bool
}

func newStubSession() *stubSession {
	return &stubSession{
		replies:  make(map[string]string),
		failures: make(map[string]error),
		files:    make(map[string][]byte),
	}
}

func (s *stubSession) on(substr, out string) *stubSession {
	s.replies[substr] = out
	return s
}

func (s *stubSession) Run(ctx context.Context, cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
	for k, err := range s.failures {
		if strings.Contains(cmd, k) {
			return "", err
		}
	}
	for k, out := range s.replies {
		if strings.Contains(cmd, k) {
			return out, nil
		}
	}
	return "", &domain.RemoteCommandError{Command: cmd, ExitCode: 127, StderrTail: "command not found"}
}

func (s *stubSession) Stream(ctx context.Context, cmd string) (ports.Stream, error) {
	return nil, errors.New("streams are not supported here")
}

func (s *stubSession) ReadFile(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failures["read:"+path]; ok {
		return nil, err
	}
	data, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, os.ErrNotExist)
	}
	return data, nil
}

func (s *stubSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSession) ran(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.commands {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

type stubConnector struct {
	session  *stubSession
	err      error
	connects int
}

func (c *stubConnector) Connect(ctx context.Context, host *domain.Host) (ports.RemoteSession, error) {
	c.connects++
	if c.err != nil {
		return nil, &domain.ConnectionError{Host: host.Address, Err: c.err}
	}
	return c.session, nil
}

type stubAPI struct {
	guests      []domain.Guest
	err         error
	fingerprint string
	fpErr       error
	listCalls   int
	fpCalls     int
	endpoint    ports.APIEndpoint
	node        string
}

func (a *stubAPI) ListGuests(ctx context.Context, ep ports.APIEndpoint, node string) ([]domain.Guest, error) {
	a.listCalls++
	a.endpoint = ep
	a.node = node
	return a.guests, a.err
}

func (a *stubAPI) Fingerprint(ctx context.Context, address string, port int) (string, error) {
	a.fpCalls++
	return a.fingerprint, a.fpErr
}

type stubInventory struct {
	guests []domain.Guest
	err    error
}

func (i *stubInventory) ListGuests(ctx context.Context, hostID uint) ([]domain.Guest, error) {
	return i.guests, i.err
}

type stubLauncher struct {
	mu       sync.Mutex
	launched []string
	err      error
}

func (l *stubLauncher) Launch(taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.launched = append(l.launched, taskID)
	return nil
}

// stubMigrations records the inputs scheduled runs submit.
type stubMigrations struct {
	mu     sync.Mutex
	inputs []ports.StartMigrationInput
	taskID string
	err    error
}

func (m *stubMigrations) StartMigration(ctx context.Context, in ports.StartMigrationInput) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, in)
	if m.err != nil {
		return "", m.err
	}
	return m.taskID, nil
}

func (m *stubMigrations) StartGuestMigration(ctx context.Context, in ports.StartGuestMigrationInput) (string, error) {
	return "", errors.New("not used")
}

func (m *stubMigrations) GetTask(ctx context.Context, id string) (*domain.MigrationTask, error) {
	return nil, ErrTaskNotFound
}

func (m *stubMigrations) ListTasks(ctx context.Context, limit int) ([]domain.MigrationTask, error) {
	return nil, nil
}

func (m *stubMigrations) CancelTask(ctx context.Context, id string) error { return nil }

// hostFixture wires a host service over a fresh database.
type hostFixture struct {
	db        *gorm.DB
	repo      ports.HostRepository
	timeline  ports.TimelineRepository
	connector *stubConnector
	api       *stubAPI
	svc       ports.HostService
}

func newHostFixture(t *testing.T) *hostFixture {
	t.Helper()
	conn := setupTestDB(t)
	f := &hostFixture{
		db:        conn,
		repo:      db.NewHostRepository(conn, logger.NewNop()),
		timeline:  db.NewTimelineRepository(conn, logger.NewNop()),
		connector: &stubConnector{session: newStubSession()},
		api:       &stubAPI{fingerprint: "AA:BB:CC"},
	}
	f.svc = NewHostService(HostServiceConfig{
		Repository:    f.repo,
		Connector:     f.connector,
		API:           f.api,
		Timeline:      f.timeline,
		Logger:        logger.NewNop(),
		EncryptionKey: testEncryptionKey,
		EnableLocks:   true,
	})
	return f
}

func (f *hostFixture) addHost(t *testing.T, name, address string, withToken bool) *domain.Host {
	t.Helper()
	in := ports.CreateHostInput{Name: name, Address: address, User: "root", Password: "secret"}
	if withToken {
		in.APITokenID = "root@pam!hostshift"
		in.APITokenSecret = "token-" + name
	}
	host, err := f.svc.CreateHost(context.Background(), in)
	require.NoError(t, err)
	return host
}
