package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hostshift/backend/internal/config"
	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/db"
	"github.com/hostshift/backend/internal/infrastructure/logger"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type rule struct {
	match string
	fn    func(cmd string) (string, error)
}

type streamRule struct {
	match    string
	behavior func(s *fakeStream)
}

// fakeSession answers commands by the first rule whose substring matches.
// Unmatched commands fail with exit code 2, like a missing guest.
type fakeSession struct {
	name string

	mu          sync.Mutex
	rules       []rule
	streamRules []streamRule
	calls       []string
	streams     []*fakeStream
	closed      bool
}

func newFakeSession(name string) *fakeSession {
	return &fakeSession{name: name}
}

func (s *fakeSession) on(match, out string) *fakeSession {
	return s.onFunc(match, func(string) (string, error) { return out, nil })
}

func (s *fakeSession) onFail(match string, code int, stderr string) *fakeSession {
	return s.onFunc(match, func(cmd string) (string, error) {
		return "", &domain.RemoteCommandError{Command: cmd, ExitCode: code, StderrTail: stderr}
	})
}

func (s *fakeSession) onFunc(match string, fn func(cmd string) (string, error)) *fakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rule{match: match, fn: fn})
	return s
}

func (s *fakeSession) onStream(match string, behavior func(st *fakeStream)) *fakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamRules = append(s.streamRules, streamRule{match: match, behavior: behavior})
	return s
}

func (s *fakeSession) Run(ctx context.Context, cmd string) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, cmd)
	var fn func(string) (string, error)
	for _, r := range s.rules {
		if strings.Contains(cmd, r.match) {
			fn = r.fn
			break
		}
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if fn == nil {
		return "", &domain.RemoteCommandError{Command: cmd, ExitCode: 2, StderrTail: "no such guest"}
	}
	return fn(cmd)
}

func (s *fakeSession) Stream(ctx context.Context, cmd string) (ports.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, cmd)
	for _, r := range s.streamRules {
		if strings.Contains(cmd, r.match) {
			st := newFakeStream(cmd)
			s.streams = append(s.streams, st)
			go r.behavior(st)
			return st, nil
		}
	}
	return nil, fmt.Errorf("%s: no stream for %q", s.name, cmd)
}

func (s *fakeSession) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return nil, errors.New("not supported")
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) ran(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

func (s *fakeSession) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeSession) openedStreams() []*fakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeStream(nil), s.streams...)
}

// fakeStream is a remote process backed by in-memory pipes. The behavior
// goroutine plays the remote side.
type fakeStream struct {
	cmd string

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	exit      chan exitResult
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeStream(cmd string) *fakeStream {
	s := &fakeStream{cmd: cmd, exit: make(chan exitResult, 1), done: make(chan struct{})}
	s.stdinR, s.stdinW = io.Pipe()
	s.stdoutR, s.stdoutW = io.Pipe()
	s.stderrR, s.stderrW = io.Pipe()
	return s
}

func (s *fakeStream) Stdin() io.WriteCloser { return s.stdinW }
func (s *fakeStream) Stdout() io.Reader     { return s.stdoutR }
func (s *fakeStream) Stderr() io.Reader     { return s.stderrR }

func (s *fakeStream) Wait() (int, error) {
	select {
	case r := <-s.exit:
		return r.code, r.err
	case <-s.done:
		return -1, errors.New("session closed")
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.stdinR.CloseWithError(io.ErrClosedPipe)
		s.stdoutW.CloseWithError(io.ErrClosedPipe)
		s.stderrW.CloseWithError(io.ErrClosedPipe)
	})
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// finish plays a remote process exiting with code.
func (s *fakeStream) finish(code int) {
	s.stdoutW.Close()
	s.stderrW.Close()
	s.exit <- exitResult{code: code}
}

// exportBehavior writes size bytes and a progress line, then exits 0.
func exportBehavior(size int) func(*fakeStream) {
	return func(s *fakeStream) {
		s.stderrW.Write([]byte("INFO: starting new backup job\n"))
		chunk := make([]byte, 4096)
		for written := 0; written < size; {
			n := len(chunk)
			if size-written < n {
				n = size - written
			}
			if _, err := s.stdoutW.Write(chunk[:n]); err != nil {
				return
			}
			written += n
		}
		s.stderrW.Write([]byte("INFO: backup job finished successfully\n"))
		s.finish(0)
	}
}

// endlessExport writes until its stream is closed.
func endlessExport(s *fakeStream) {
	chunk := make([]byte, 4096)
	for {
		if _, err := s.stdoutW.Write(chunk); err != nil {
			return
		}
	}
}

// restoreBehavior consumes stdin to EOF and exits 0.
func restoreBehavior(s *fakeStream) {
	io.Copy(io.Discard, s.stdinR)
	s.stderrW.Write([]byte("restore vma archive: done\n"))
	s.finish(0)
}

// failingRestore reads a little and exits with code 1.
func failingRestore(s *fakeStream) {
	io.CopyN(io.Discard, s.stdinR, 8192)
	s.stderrW.Write([]byte("vma: restore failed - short read\n"))
	s.finish(1)
}

type fakeConnector struct {
	mu       sync.Mutex
	sessions map[uint]*fakeSession
	connects int
	err      error
}

func (c *fakeConnector) Connect(ctx context.Context, host *domain.Host) (ports.RemoteSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.err != nil {
		return nil, c.err
	}
	s, ok := c.sessions[host.ID]
	if !ok {
		return nil, &domain.ConnectionError{Host: host.Address, Err: errors.New("unreachable")}
	}
	return s, nil
}

func (c *fakeConnector) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

type fakeCredentials struct{}

func (fakeCredentials) HostAPIEndpoint(ctx context.Context, host *domain.Host) (ports.APIEndpoint, error) {
	return ports.APIEndpoint{Address: host.Address, Port: host.APIPort, TokenID: host.APITokenID, TokenSecret: "secret"}, nil
}

func (fakeCredentials) ResolveFingerprint(ctx context.Context, host *domain.Host) (string, error) {
	return "AA:BB:CC", nil
}

type fakeBackup struct {
	fn func(ctx context.Context, taskID string) ([]string, error)
}

func (b *fakeBackup) BackupHostConfig(ctx context.Context, taskID string, host *domain.Host, session ports.RemoteSession) ([]string, error) {
	if b.fn == nil {
		return []string{"/backups/" + taskID + "/interfaces"}, nil
	}
	return b.fn(ctx, taskID)
}

type recordingLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLog) Printf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLog) text() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, "\n")
}

// harness wires an engine to an in-memory database and scripted hosts.
type harness struct {
	db        *gorm.DB
	tasks     ports.MigrationTaskRepository
	hosts     ports.HostRepository
	timeline  ports.TimelineRepository
	source    *domain.Host
	target    *domain.Host
	src       *fakeSession
	dst       *fakeSession
	connector *fakeConnector
	backup    *fakeBackup
	engine    *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logger.NewNop()

	gdb, err := db.NewConnection(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"}, log)
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(gdb))
	t.Cleanup(func() { db.Close(gdb) })

	h := &harness{
		db:       gdb,
		tasks:    db.NewMigrationTaskRepository(gdb, log),
		hosts:    db.NewHostRepository(gdb, log),
		timeline: db.NewTimelineRepository(gdb, log),
		src:      newFakeSession("source"),
		dst:      newFakeSession("target"),
		backup:   &fakeBackup{},
	}

	ctx := context.Background()
	h.source = &domain.Host{Name: "pve1", Address: "10.0.0.1", SSHPort: 22}
	require.NoError(t, h.hosts.Create(ctx, h.source))
	h.target = &domain.Host{Name: "pve2", Address: "10.0.1.1", SSHPort: 22, APITokenID: "root@pam!hs", APITokenSecret: "enc", APIPort: 8006}
	require.NoError(t, h.hosts.Create(ctx, h.target))

	h.connector = &fakeConnector{sessions: map[uint]*fakeSession{h.source.ID: h.src, h.target.ID: h.dst}}
	h.engine = NewEngine(EngineConfig{
		Tasks:     h.tasks,
		Hosts:     h.hosts,
		Connector: h.connector,
		Backup:    h.backup,
		Topology:  NewTopology(0, log),
		Intra:     NewIntraStrategy(time.Millisecond, log),
		Cross: NewCrossStrategy(CrossStrategyConfig{
			Allocator:   NewAllocator(0, log),
			Credentials: fakeCredentials{},
			BufferSize:  4096,
			Logger:      log,
		}),
		Timeline: h.timeline,
		Logger:   log,
	})
	t.Cleanup(func() { h.engine.Shutdown(context.Background()) })
	return h
}

func (h *harness) createTask(t *testing.T, kind domain.MigrationKind, steps domain.MigrationSteps, mutate func(*domain.MigrationTask)) *domain.MigrationTask {
	t.Helper()
	task := &domain.MigrationTask{
		ID:           uuid.New().String(),
		Kind:         kind,
		SourceHostID: h.source.ID,
		TargetHostID: h.target.ID,
		Status:       domain.MigrationStatusPending,
		TotalSteps:   len(steps),
		Steps:        steps,
	}
	if mutate != nil {
		mutate(task)
	}
	require.NoError(t, h.tasks.Create(context.Background(), task))
	return task
}

// runTask launches a task and waits for the engine to finish it.
func (h *harness) runTask(t *testing.T, id string) *domain.MigrationTask {
	t.Helper()
	require.NoError(t, h.engine.Launch(id))
	h.engine.Wait()
	task, err := h.tasks.GetByID(context.Background(), id)
	require.NoError(t, err)
	return task
}

const clusterStatusProd = `[{"type":"cluster","name":"prod-cluster","nodes":2},{"type":"node","name":"pve1","local":1}]`
