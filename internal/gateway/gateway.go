// Package gateway validates and performs outbound fix delivery.
// It is stateless apart from a short-lived connectivity cache.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Connect and read timeouts are fixed per the delivery contract.
const (
	connectTimeout = 10 * time.Second
	readTimeout    = 10 * time.Second
)

var (
	// ErrInvalidEndpoint is returned for malformed or non-http(s) URLs.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrPlaintextPublicHost is returned when plain http targets a host that
	// does not resolve to a loopback, link-local or private address. The
	// request is never sent; the entry stays queued and is retried on the
	// normal schedule.
	ErrPlaintextPublicHost = errors.New("plaintext http to public host")

	// ErrDeliveryFailed covers every delivery outcome that is not a 2xx:
	// 4xx, 5xx, timeout, DNS failure, TLS failure. All are uniformly
	// retryable.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// httpDoer is the minimal http.Client surface the gateway uses.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// hostResolver resolves a hostname to its IP addresses. Injectable so the
// plaintext-endpoint policy is testable without DNS.
type hostResolver func(host string) ([]net.IP, error)

// Gateway performs validated outbound delivery of fix payloads.
type Gateway struct {
	client  httpDoer
	resolve hostResolver
}

// New creates a Gateway with the fixed delivery timeouts.
func New() *Gateway {
	return &Gateway{
		client: &http.Client{
			Timeout: readTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		resolve: net.LookupIP,
	}
}

// ValidateEndpoint checks the endpoint before any I/O. Plain http is only
// permitted toward loopback, link-local and private hosts.
func (g *Gateway) ValidateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	switch u.Scheme {
	case "https":
		return nil
	case "http":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}

	ips, err := g.resolve(host)
	if err != nil || len(ips) == 0 {
		return fmt.Errorf("%w: cannot resolve %q", ErrPlaintextPublicHost, host)
	}
	for _, ip := range ips {
		if !isPrivateAddress(ip) {
			return fmt.Errorf("%w: %s resolves to %s", ErrPlaintextPublicHost, host, ip)
		}
	}

	return nil
}

// Deliver sends one fix payload. POST carries a JSON body; GET encodes the
// fields as query parameters and sends no body. Any 2xx status is success;
// everything else is ErrDeliveryFailed.
func (g *Gateway) Deliver(ctx context.Context, payload map[string]any, endpoint string, headers map[string]string, method string) error {
	if err := g.ValidateEndpoint(endpoint); err != nil {
		return err
	}

	var req *http.Request
	var err error

	switch strings.ToUpper(method) {
	case http.MethodGet:
		req, err = g.buildGetRequest(ctx, payload, endpoint)
	default:
		req, err = g.buildPostRequest(ctx, payload, endpoint)
	}
	if err != nil {
		return err
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	// Response body is ignored; drain it so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrDeliveryFailed, resp.StatusCode)
	}

	return nil
}

func (g *Gateway) buildPostRequest(ctx context.Context, payload map[string]any, endpoint string) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (g *Gateway) buildGetRequest(ctx context.Context, payload map[string]any, endpoint string) (*http.Request, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	q := u.Query()
	for k, v := range payload {
		q.Set(k, fmt.Sprintf("%v", v))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	return req, nil
}

// isPrivateAddress reports whether ip is loopback, link-local or RFC 1918/4193
// private space.
func isPrivateAddress(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate()
}
