// Package pool keeps a bounded, per-family set of reusable WebDriver
// protocol sessions.
package pool

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/browserfleet/pkg/browser"
	"github.com/odvcencio/browserfleet/pkg/webdriver"
)

// Handle is a live protocol session on a driver.
type Handle interface {
	ID() string
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Dialer creates protocol sessions.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, profile browser.Profile) (Handle, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint string, profile browser.Profile) (Handle, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, endpoint string, profile browser.Profile) (Handle, error) {
	return f(ctx, endpoint, profile)
}

// WebDriverDialer creates sessions with a WebDriver client.
func WebDriverDialer(c *webdriver.Client) Dialer {
	return DialerFunc(func(ctx context.Context, endpoint string, profile browser.Profile) (Handle, error) {
		s, err := c.NewSession(ctx, endpoint, profile)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// Conn is a pooled protocol session. A Conn is owned by exactly one caller
// between Acquire and Release.
type Conn struct {
	id       string
	family   browser.Family
	endpoint string
	handle   Handle
	created  time.Time

	// guarded by Pool.mu
	lastUsed time.Time
	inUse    bool
	closed   bool
	pool     *Pool
}

func newConn(p *Pool, f browser.Family, endpoint string, h Handle) *Conn {
	now := time.Now()
	return &Conn{
		id:       ulid.Make().String(),
		family:   f,
		endpoint: endpoint,
		handle:   h,
		created:  now,
		lastUsed: now,
		pool:     p,
	}
}

func (c *Conn) ID() string              { return c.id }
func (c *Conn) Family() browser.Family  { return c.family }
func (c *Conn) Endpoint() string        { return c.endpoint }
func (c *Conn) Handle() Handle          { return c.handle }
func (c *Conn) CreatedAt() time.Time    { return c.created }
func (c *Conn) ProtocolSession() string { return c.handle.ID() }

// WebDriver returns the underlying WebDriver session when the pool dials
// with WebDriverDialer.
func (c *Conn) WebDriver() (*webdriver.Session, bool) {
	s, ok := c.handle.(*webdriver.Session)
	return s, ok
}
