package ports

import (
	"context"
	"io"

	"github.com/hostshift/backend/internal/domain"
)

// RemoteSession is one authenticated connection to a host. A session is used
// by a single task step at a time and is never shared between tasks.
type RemoteSession interface {
	// Run executes cmd to completion and returns its stdout. A non-zero exit
	// is reported as *domain.RemoteCommandError.
	Run(ctx context.Context, cmd string) (string, error)
	// Stream starts cmd and hands back its live, unbuffered pipes.
	Stream(ctx context.Context, cmd string) (Stream, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// Close is idempotent and safe after any failure.
	Close() error
}

// Stream is a running remote command.
type Stream interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the command exits and returns its exit code. err is
	// non-nil only when the exit status could not be obtained.
	Wait() (int, error)
	Close() error
}

type Connector interface {
	Connect(ctx context.Context, host *domain.Host) (RemoteSession, error)
}
