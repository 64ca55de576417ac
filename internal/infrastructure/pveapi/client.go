package pveapi

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hostshift/backend/internal/core/ports"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/infrastructure/logger"
)

var ErrUnauthorized = errors.New("pveapi: credentials rejected")

// Client talks to the PVE management API on port 8006. Hosts use
// self-signed certificates; their fingerprint is recorded on the host.
type Client struct {
	http *resty.Client
	log  *logger.Logger
}

func NewClient(timeout time.Duration, log *logger.Logger) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	http := resty.New().
		SetTimeout(timeout).
		SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return r != nil && (r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504))
		})
	return &Client{http: http, log: log}
}

var _ ports.PVEAPI = (*Client)(nil)

func BaseURL(address string, port int) string {
	if port == 0 {
		port = 8006
	}
	return "https://" + net.JoinHostPort(address, strconv.Itoa(port)) + "/api2/json"
}

// AuthHeader is the value of the Authorization header for an API token.
func AuthHeader(tokenID, secret string) string {
	return fmt.Sprintf("PVEAPIToken=%s=%s", tokenID, secret)
}

func (c *Client) get(ctx context.Context, ep ports.APIEndpoint, path string, params map[string]string) ([]byte, error) {
	req := c.http.R().SetContext(ctx)
	if ep.TokenID != "" {
		req.SetHeader("Authorization", AuthHeader(ep.TokenID, ep.TokenSecret))
	}
	if params != nil {
		req.SetQueryParams(params)
	}

	url := BaseURL(ep.Address, ep.Port) + path
	resp, err := req.Get(url)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	switch {
	case resp.StatusCode() == 401 || resp.StatusCode() == 403:
		return nil, ErrUnauthorized
	case !resp.IsSuccess():
		return nil, fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode())
	}
	return resp.Body(), nil
}

// ListGuests lists qemu and lxc guests of node, or of the whole cluster when
// node is empty.
func (c *Client) ListGuests(ctx context.Context, ep ports.APIEndpoint, node string) ([]domain.Guest, error) {
	if node == "" {
		body, err := c.get(ctx, ep, "/cluster/resources", map[string]string{"type": "vm"})
		if err != nil {
			return nil, err
		}
		res, err := DecodeResources(body)
		if err != nil {
			return nil, err
		}
		return Guests(res, ""), nil
	}

	var guests []domain.Guest
	for _, t := range []domain.GuestType{domain.GuestTypeQemu, domain.GuestTypeLXC} {
		body, err := c.get(ctx, ep, "/nodes/"+node+"/"+string(t), nil)
		if err != nil {
			return nil, err
		}
		res, err := DecodeResources(body)
		if err != nil {
			return nil, err
		}
		for i := range res {
			res[i].Node = node
		}
		guests = append(guests, Guests(res, t)...)
	}
	c.log.Debugw("pveapi_list_guests_ok", "address", ep.Address, "node", node, "count", len(guests))
	return guests, nil
}

// Fingerprint returns the SHA-256 fingerprint of the leaf certificate served
// on the API port, formatted the way PVE prints it (AA:BB:...).
func (c *Client) Fingerprint(ctx context.Context, address string, port int) (string, error) {
	resp, err := c.http.R().SetContext(ctx).Get(BaseURL(address, port) + "/version")
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", address, err)
	}
	raw := resp.RawResponse
	if raw == nil || raw.TLS == nil || len(raw.TLS.PeerCertificates) == 0 {
		return "", fmt.Errorf("fingerprint %s: no peer certificate", address)
	}
	return FormatFingerprint(raw.TLS.PeerCertificates[0].Raw), nil
}

func FormatFingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}
