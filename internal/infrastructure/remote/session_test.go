package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hostshift/backend/internal/domain"
	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type execHandler func(cmd string, ch ssh.Channel) int

// startTestServer runs a password-authenticated SSH server on loopback that
// answers exec requests with handler and serves the sftp subsystem from the
// local filesystem.
func startTestServer(t *testing.T, handler execHandler) (string, int) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "root" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg, handler)
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func serveConn(nc net.Conn, cfg *ssh.ServerConfig, handler execHandler) {
	sconn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func(ch ssh.Channel, requests <-chan *ssh.Request) {
			for req := range requests {
				switch req.Type {
				case "exec":
					var payload struct{ Command string }
					_ = ssh.Unmarshal(req.Payload, &payload)
					req.Reply(true, nil)
					go func() {
						code := handler(payload.Command, ch)
						_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
						ch.Close()
					}()
				case "subsystem":
					var payload struct{ Name string }
					_ = ssh.Unmarshal(req.Payload, &payload)
					if payload.Name != "sftp" {
						req.Reply(false, nil)
						continue
					}
					req.Reply(true, nil)
					go func() {
						srv, err := sftp.NewServer(ch)
						if err == nil {
							_ = srv.Serve()
						}
						ch.Close()
					}()
				default:
					if req.WantReply {
						req.Reply(false, nil)
					}
				}
			}
		}(ch, requests)
	}
}

func testHandler(cmd string, ch ssh.Channel) int {
	switch {
	case cmd == "hostname":
		io.WriteString(ch, "pve1\n")
		return 0
	case strings.HasPrefix(cmd, "fail"):
		io.WriteString(ch.Stderr(), "line1\nboom\n")
		return 2
	case cmd == "cat":
		io.Copy(ch, ch)
		io.WriteString(ch.Stderr(), "copied\n")
		return 0
	case cmd == "sleep":
		time.Sleep(5 * time.Second)
		return 0
	}
	return 127
}

func connectTest(t *testing.T, password string) (*Session, error) {
	t.Helper()
	host, port := startTestServer(t, testHandler)
	client := NewSSHClient(SSHConfig{
		Host:       host,
		Port:       port,
		User:       "root",
		Password:   password,
		Timeout:    5 * time.Second,
		MaxRetries: 1,
	})
	return client.Connect(context.Background())
}

func TestSessionRun(t *testing.T) {
	s, err := connectTest(t, "secret")
	require.NoError(t, err)
	defer s.Close()

	t.Run("Should return stdout on success", func(t *testing.T) {
		out, err := s.Run(context.Background(), "hostname")
		require.NoError(t, err)
		assert.Equal(t, "pve1\n", out)
	})

	t.Run("Should report exit code and stderr tail on failure", func(t *testing.T) {
		_, err := s.Run(context.Background(), "fail now")
		require.Error(t, err)

		var cmdErr *domain.RemoteCommandError
		require.True(t, errors.As(err, &cmdErr))
		assert.Equal(t, 2, cmdErr.ExitCode)
		assert.Equal(t, "line1\nboom", cmdErr.StderrTail)
		assert.True(t, errors.Is(err, domain.ErrRemoteCommand))
	})

	t.Run("Should stop waiting when context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := s.Run(ctx, "sleep")
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 4*time.Second)
	})
}

func TestSessionStream(t *testing.T) {
	s, err := connectTest(t, "secret")
	require.NoError(t, err)
	defer s.Close()

	st, err := s.Stream(context.Background(), "cat")
	require.NoError(t, err)
	defer st.Close()

	errOut := make(chan string, 1)
	go func() {
		b, _ := io.ReadAll(st.Stderr())
		errOut <- string(b)
	}()

	_, err = io.WriteString(st.Stdin(), "guest-image-bytes")
	require.NoError(t, err)
	require.NoError(t, st.Stdin().Close())

	out, err := io.ReadAll(st.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "guest-image-bytes", string(out))

	code, err := st.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "copied\n", <-errOut)

	assert.NoError(t, st.Close())
	assert.NoError(t, st.Close())
}

func TestSessionReadFile(t *testing.T) {
	s, err := connectTest(t, "secret")
	require.NoError(t, err)
	defer s.Close()

	path := filepath.Join(t.TempDir(), "interfaces")
	require.NoError(t, os.WriteFile(path, []byte("auto vmbr0\n"), 0o600))

	data, err := s.ReadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "auto vmbr0\n", string(data))

	_, err = s.ReadFile(context.Background(), filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSessionClose(t *testing.T) {
	s, err := connectTest(t, "secret")
	require.NoError(t, err)

	first := s.Close()
	assert.Equal(t, first, s.Close())

	_, err = s.Run(context.Background(), "hostname")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnection)
}

func TestConnectFailures(t *testing.T) {
	t.Run("Should reject bad credentials as connection error", func(t *testing.T) {
		_, err := connectTest(t, "wrong")
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrConnection)
		assert.ErrorIs(t, err, ErrSSHAuthentication)
	})

	t.Run("Should fail without credentials", func(t *testing.T) {
		_, err := NewSSHClient(SSHConfig{Host: "127.0.0.1", User: "root", MaxRetries: 1}).Connect(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrConnection)
		assert.ErrorIs(t, err, ErrSSHAuthentication)
	})

	t.Run("Should fail on refused port", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().(*net.TCPAddr)
		ln.Close()

		_, err = NewSSHClient(SSHConfig{
			Host:       "127.0.0.1",
			Port:       addr.Port,
			User:       "root",
			Password:   "secret",
			Timeout:    time.Second,
			MaxRetries: 1,
		}).Connect(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSSHConnection)
	})
}

func TestAuthDataRoundTrip(t *testing.T) {
	enc, err := EncryptAuthData(AuthData{User: "root", Password: "pw"}, "k1")
	require.NoError(t, err)

	got, err := DecryptAuthData(enc, "k1")
	require.NoError(t, err)
	assert.Equal(t, "root", got.User)
	assert.Equal(t, "pw", got.Password)

	_, err = DecryptAuthData(enc, "other")
	assert.Error(t, err)
}

func TestTailLines(t *testing.T) {
	var b strings.Builder
	for i := 1; i <= 20; i++ {
		fmt.Fprintf(&b, "l%d\n", i)
	}
	tail := tailLines(b.String(), 15)
	lines := strings.Split(tail, "\n")
	assert.Len(t, lines, 15)
	assert.Equal(t, "l6", lines[0])
	assert.Equal(t, "l20", lines[14])
}
