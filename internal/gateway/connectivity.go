package gateway

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"
)

// connectivityTTL bounds how often the underlying probe runs.
const connectivityTTL = 5 * time.Second

// Checker reports network availability. Implementations are platform
// specific; the engine only consumes this interface.
type Checker interface {
	// Online reports whether validated internet connectivity is available.
	Online(ctx context.Context) bool

	// Metered reports whether the only available connection is metered.
	Metered(ctx context.Context) bool
}

// CachedChecker wraps another Checker and caches its answers for a short
// TTL to avoid excessive probing from the sync loop.
type CachedChecker struct {
	inner Checker

	mu        sync.Mutex
	online    bool
	metered   bool
	checkedAt time.Time
}

// NewCachedChecker wraps inner with a 5 second answer cache.
func NewCachedChecker(inner Checker) *CachedChecker {
	return &CachedChecker{inner: inner}
}

// Online returns the cached connectivity answer, refreshing it when stale.
func (c *CachedChecker) Online(ctx context.Context) bool {
	c.refresh(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Metered returns the cached metered answer, refreshing it when stale.
func (c *CachedChecker) Metered(ctx context.Context) bool {
	c.refresh(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metered
}

func (c *CachedChecker) refresh(ctx context.Context) {
	c.mu.Lock()
	stale := time.Since(c.checkedAt) >= connectivityTTL
	c.mu.Unlock()
	if !stale {
		return
	}

	online := c.inner.Online(ctx)
	metered := c.inner.Metered(ctx)

	c.mu.Lock()
	c.online = online
	c.metered = metered
	c.checkedAt = time.Now()
	c.mu.Unlock()
}

// DialChecker probes connectivity by attempting a TCP connection to the
// configured endpoint's host. Metered detection is not available on this
// platform and always reports false.
type DialChecker struct {
	endpoint func() string
}

// NewDialChecker creates a checker probing the endpoint URL returned by
// endpoint. The URL is read at probe time, so settings changes take effect
// without reconstructing the checker.
func NewDialChecker(endpoint func() string) *DialChecker {
	return &DialChecker{endpoint: endpoint}
}

// Online dials the endpoint host with a short timeout.
func (d *DialChecker) Online(ctx context.Context) bool {
	u, err := url.Parse(d.endpoint())
	if err != nil || u.Host == "" {
		return false
	}

	host := u.Host
	if u.Port() == "" {
		port := "443"
		if u.Scheme == "http" {
			port = "80"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	dialer := net.Dialer{Timeout: 3 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Metered always reports false for the dial-based checker.
func (d *DialChecker) Metered(ctx context.Context) bool {
	return false
}
