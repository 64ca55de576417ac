package migration

import (
	"bufio"
	"io"
	"strings"
	"sync/atomic"

	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"golang.org/x/sync/errgroup"
)

const defaultStreamBuffer = 1 << 20

type exitResult struct {
	code int
	err  error
}

// pipe connects source stdout to target stdin and waits for the target to
// exit. Target stdout and both stderr streams go to the task log. A source failure aborts the wait. Both streams are closed and every
// goroutine is joined before it returns.
func pipe(source, target ports.Stream, bufSize int, tl TaskLog) (int64, error) {
	if bufSize <= 0 {
		bufSize = defaultStreamBuffer
	}

	var (
		g      errgroup.Group
		copied atomic.Int64
	)

	g.Go(func() error { forwardLines(source.Stderr(), "[source] ", tl); return nil })
	g.Go(func() error { forwardLines(target.Stderr(), "[target] ", tl); return nil })
	// qmrestore reports progress on stdout; an unread channel stalls it.
	g.Go(func() error { forwardLines(target.Stdout(), "[target] ", tl); return nil })

	g.Go(func() error {
		n, err := io.CopyBuffer(target.Stdin(), source.Stdout(), make([]byte, bufSize))
		copied.Store(n)
		// EOF on the restore side lets it finish.
		target.Stdin().Close()
		return err
	})

	sourceFailed := make(chan error, 1)
	g.Go(func() error {
		code, err := source.Wait()
		if err != nil || code != 0 {
			sourceFailed <- &domain.StreamError{Side: "source", ExitCode: code, Err: err}
		}
		return nil
	})

	targetDone := make(chan exitResult, 1)
	g.Go(func() error {
		code, err := target.Wait()
		targetDone <- exitResult{code: code, err: err}
		return nil
	})

	var result error
	select {
	case r := <-targetDone:
		if r.err != nil || r.code != 0 {
			result = &domain.StreamError{Side: "target", ExitCode: r.code, Err: r.err}
		}
	case err := <-sourceFailed:
		result = err
	}

	source.Close()
	target.Close()
	// The copy error is expected once either side is closed; the exit codes
	// above decide the outcome.
	_ = g.Wait()

	return copied.Load(), result
}

func forwardLines(r io.Reader, prefix string, tl TaskLog) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			tl.Printf("%s%s", prefix, line)
		}
	}
	// keep draining so the remote side never blocks on a full channel
	io.Copy(io.Discard, r)
}
