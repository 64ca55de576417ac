package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const stderrTailLines = 15

// Session multiplexes commands and file reads over one SSH connection.
type Session struct {
	host   string
	client *ssh.Client

	mu     sync.Mutex
	sftp   *sftp.Client
	closed bool

	closeOnce sync.Once
	closeErr  error
}

func newSession(host string, client *ssh.Client) *Session {
	return &Session{host: host, client: client}
}

func (s *Session) newSSHSession() (*ssh.Session, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, &domain.ConnectionError{Host: s.host, Err: errors.New("session closed")}
	}
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, &domain.ConnectionError{Host: s.host, Err: fmt.Errorf("open channel: %w", err)}
	}
	return sess, nil
}

// Run executes cmd and returns stdout. Cancelling ctx kills the remote process.
func (s *Session) Run(ctx context.Context, cmd string) (string, error) {
	sess, err := s.newSSHSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		sess.Close()
		<-done
		return "", fmt.Errorf("remote command cancelled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return stdout.String(), commandError(cmd, err, stderr.String())
		}
	}

	return stdout.String(), nil
}

func commandError(cmd string, err error, stderr string) error {
	code := -1
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitStatus()
	}
	return &domain.RemoteCommandError{
		Command:    cmd,
		ExitCode:   code,
		StderrTail: tailLines(stderr, stderrTailLines),
		Err:        err,
	}
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Stream starts cmd with its stdin, stdout and stderr exposed as pipes.
func (s *Session) Stream(ctx context.Context, cmd string) (ports.Stream, error) {
	sess, err := s.newSSHSession()
	if err != nil {
		return nil, err
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, &domain.ConnectionError{Host: s.host, Err: err}
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, &domain.ConnectionError{Host: s.host, Err: err}
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, &domain.ConnectionError{Host: s.host, Err: err}
	}

	if err := sess.Start(cmd); err != nil {
		sess.Close()
		return nil, &domain.RemoteCommandError{Command: cmd, ExitCode: -1, Err: err}
	}

	st := &stream{
		sess:   sess,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		stop:   make(chan struct{}),
	}
	go func() {
		select {
		case <-ctx.Done():
			st.Close()
		case <-st.stop:
		}
	}()
	return st, nil
}

type stream struct {
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	stop      chan struct{}
	closeOnce sync.Once
}

func (st *stream) Stdin() io.WriteCloser { return st.stdin }
func (st *stream) Stdout() io.Reader     { return st.stdout }
func (st *stream) Stderr() io.Reader     { return st.stderr }

func (st *stream) Wait() (int, error) {
	err := st.sess.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, err
}

// Close kills the remote process and releases the channel.
func (st *stream) Close() error {
	st.closeOnce.Do(func() {
		close(st.stop)
		_ = st.sess.Signal(ssh.SIGKILL)
		_ = st.sess.Close()
	})
	return nil
}

// ReadFile fetches a remote file over SFTP on the same connection.
func (s *Session) ReadFile(ctx context.Context, path string) ([]byte, error) {
	client, err := s.sftpClient()
	if err != nil {
		return nil, err
	}

	f, err := client.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(f)
		done <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		f.Close()
		<-done
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("read %s: %w", path, r.err)
		}
		return r.data, nil
	}
}

func (s *Session) sftpClient() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &domain.ConnectionError{Host: s.host, Err: errors.New("session closed")}
	}
	if s.sftp != nil {
		return s.sftp, nil
	}
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, &domain.ConnectionError{Host: s.host, Err: fmt.Errorf("sftp: %w", err)}
	}
	s.sftp = client
	return client, nil
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		sc := s.sftp
		s.sftp = nil
		s.mu.Unlock()

		if sc != nil {
			_ = sc.Close()
		}
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}
