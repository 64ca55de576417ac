package pveapi

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startAPI(t *testing.T, handler http.HandlerFunc) (*httptest.Server, ports.APIEndpoint) {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)
	return srv, ports.APIEndpoint{Address: host, Port: port, TokenID: "root@pam!hs", TokenSecret: "s3cret"}
}

func TestListGuests(t *testing.T) {
	t.Run("Should merge qemu and lxc lists of a node", func(t *testing.T) {
		_, ep := startAPI(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "PVEAPIToken=root@pam!hs=s3cret", r.Header.Get("Authorization"))
			switch r.URL.Path {
			case "/api2/json/nodes/pve1/qemu":
				w.Write([]byte(`{"data":[{"vmid":101,"name":"web","status":"running"}]}`))
			case "/api2/json/nodes/pve1/lxc":
				w.Write([]byte(`{"data":[{"vmid":"200","name":"db","status":"stopped"}]}`))
			default:
				http.NotFound(w, r)
			}
		})

		guests, err := NewClient(5*time.Second, nil).ListGuests(context.Background(), ep, "pve1")
		require.NoError(t, err)
		require.Len(t, guests, 2)
		assert.Equal(t, domain.Guest{VMID: 101, Type: domain.GuestTypeQemu, Name: "web", Node: "pve1", Status: "running"}, guests[0])
		assert.Equal(t, 200, guests[1].VMID)
		assert.Equal(t, domain.GuestTypeLXC, guests[1].Type)
	})

	t.Run("Should use cluster resources without a node", func(t *testing.T) {
		_, ep := startAPI(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api2/json/cluster/resources", r.URL.Path)
			assert.Equal(t, "vm", r.URL.Query().Get("type"))
			w.Write([]byte(`{"data":[{"vmid":300,"type":"lxc","node":"b"},{"type":"storage","id":"storage/a/local"}]}`))
		})

		guests, err := NewClient(5*time.Second, nil).ListGuests(context.Background(), ep, "")
		require.NoError(t, err)
		require.Len(t, guests, 1)
		assert.Equal(t, 300, guests[0].VMID)
	})

	t.Run("Should map 401 to ErrUnauthorized", func(t *testing.T) {
		_, ep := startAPI(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})

		_, err := NewClient(5*time.Second, nil).ListGuests(context.Background(), ep, "pve1")
		assert.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestFingerprint(t *testing.T) {
	srv, ep := startAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	fp, err := NewClient(5*time.Second, nil).Fingerprint(context.Background(), ep.Address, ep.Port)
	require.NoError(t, err)
	assert.Equal(t, FormatFingerprint(srv.Certificate().Raw), fp)
	assert.Len(t, fp, 32*3-1)
}

func TestDecode(t *testing.T) {
	t.Run("Should accept bare pvesh arrays", func(t *testing.T) {
		name, err := ClusterName([]byte(`[{"type":"node","name":"pve1","local":1},{"type":"cluster","name":"prod-cluster"}]`))
		require.NoError(t, err)
		assert.Equal(t, "prod-cluster", name)
	})

	t.Run("Should return empty identity for standalone node", func(t *testing.T) {
		name, err := ClusterName([]byte(`[{"type":"node","name":"pve1"}]`))
		require.NoError(t, err)
		assert.Empty(t, name)
	})

	t.Run("Should fail on garbage", func(t *testing.T) {
		_, err := ClusterName([]byte("permission denied"))
		assert.Error(t, err)
		_, err = DecodeResources(nil)
		assert.Error(t, err)
	})
}
