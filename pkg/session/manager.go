// Package session binds logical session ids to a browser family and a pooled
// protocol session, and is the single entry point callers use.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/odvcencio/browserfleet/pkg/browser"
	"github.com/odvcencio/browserfleet/pkg/config"
	"github.com/odvcencio/browserfleet/pkg/driver"
	fleeterrors "github.com/odvcencio/browserfleet/pkg/errors"
	"github.com/odvcencio/browserfleet/pkg/logging"
	"github.com/odvcencio/browserfleet/pkg/pool"
	"github.com/odvcencio/browserfleet/pkg/resolver"
	"github.com/odvcencio/browserfleet/pkg/telemetry"
)

// Drivers is the driver supervision the manager builds on.
type Drivers interface {
	HealthyEndpoints() []browser.Endpoint
	Snapshot() driver.Snapshot
	StartFamily(ctx context.Context, f browser.Family) (driver.Process, error)
	Stop(ctx context.Context, f browser.Family) error
	StopAll(ctx context.Context) error
	RefreshHealth(ctx context.Context) driver.Snapshot
	Lifetime(f browser.Family) (context.Context, bool)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = logging.For(log, logging.ComponentSessions) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithAutoStart lets a new session start the driver for the family it asks
// for, when that family is one of families and is not running.
func WithAutoStart(families ...browser.Family) Option {
	return func(m *Manager) {
		m.autoStart = make(map[browser.Family]bool, len(families))
		for _, f := range families {
			m.autoStart[f] = true
		}
	}
}

// Manager owns session bindings. A session is bound to one family for its
// whole life; its connection may be replaced, its family never changes.
type Manager struct {
	cfg      config.SessionsConfig
	drivers  Drivers
	resolver *resolver.Resolver
	pool     *pool.Pool
	log      logrus.FieldLogger
	metrics  *telemetry.Metrics

	autoStart map[browser.Family]bool

	binds singleflight.Group

	mu       sync.Mutex
	sessions map[string]*binding
	closed   bool

	janitorCancel context.CancelFunc
	janitorDone   chan struct{}
}

type binding struct {
	id       string
	family   browser.Family
	reason   resolver.Reason
	conn     *pool.Conn
	life     context.Context
	created  time.Time
	lastUsed time.Time
}

// Info describes one session for listings.
type Info struct {
	ID              string         `json:"id"`
	Family          browser.Family `json:"family"`
	Endpoint        string         `json:"endpoint,omitempty"`
	ProtocolSession string         `json:"protocol_session,omitempty"`
	Connected       bool           `json:"connected"`
	Reason          string         `json:"reason"`
	CreatedAt       time.Time      `json:"created_at"`
	LastUsed        time.Time      `json:"last_used"`
}

// New creates a Manager from its parts and starts the idle janitor.
func New(cfg config.SessionsConfig, drivers Drivers, res *resolver.Resolver, p *pool.Pool, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		drivers:  drivers,
		resolver: res,
		pool:     p,
		log:      logging.For(nil, logging.ComponentSessions),
		sessions: make(map[string]*binding),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = telemetry.NewMetrics(nil)
	}
	if cfg.IdleTimeout > 0 && cfg.JanitorInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		m.janitorCancel = cancel
		m.janitorDone = make(chan struct{})
		go m.janitor(ctx)
	}
	return m
}

// GetOrCreate returns the handle for sessionID, binding the session on first
// use. Concurrent first calls for one id share a single binding. hint is an
// optional family preference; it must agree with an existing binding.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID, hint string) (*Handle, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	pref, hasPref, err := resolver.ParsePreference(hint)
	if err != nil {
		if e, ok := fleeterrors.As(err); ok {
			e.WithSession(sessionID)
		}
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errShutdown(sessionID)
	}
	if b, ok := m.sessions[sessionID]; ok {
		if hasPref && pref != b.family {
			m.mu.Unlock()
			return nil, fleeterrors.Newf(fleeterrors.ErrCodeInvalidInput,
				"session is bound to %s, not %s", b.family, pref).
				WithSession(sessionID).
				WithFamily(b.family)
		}
		h, stale := m.liveHandleLocked(b)
		m.mu.Unlock()
		m.releaseStale(stale)
		if h != nil {
			return h, nil
		}
	} else {
		m.mu.Unlock()
	}

	ch := m.binds.DoChan(sessionID, func() (any, error) {
		return m.bind(context.WithoutCancel(ctx), sessionID, hint)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, fleeterrors.Wrap(ctx.Err(), fleeterrors.ErrCodeSessionCreation, "gave up waiting for session").
			WithSession(sessionID).
			WithRetryable(true)
	}
}

// liveHandleLocked returns a handle for b when its connection is usable. A
// connection whose driver has stopped is detached and returned as stale so
// the caller can release it after unlocking and rebind.
func (m *Manager) liveHandleLocked(b *binding) (h *Handle, stale *pool.Conn) {
	if b.conn == nil {
		return nil, nil
	}
	if b.life.Err() != nil {
		stale = b.conn
		b.conn = nil
		return nil, stale
	}
	b.lastUsed = time.Now()
	return newHandle(b), nil
}

func (m *Manager) releaseStale(conn *pool.Conn) {
	if conn != nil {
		m.releaseConn(conn, false)
	}
}

// bind resolves and acquires a connection for sessionID. It runs inside the
// per-id singleflight.
func (m *Manager) bind(ctx context.Context, sessionID, hint string) (*Handle, error) {
	ctx, span := telemetry.StartSpan(ctx, "session.bind", telemetry.SessionID(sessionID))
	h, err := m.doBind(ctx, sessionID, hint)
	telemetry.EndSpan(span, err)
	return h, err
}

// startPreferred starts the driver a new session asks for when auto-start
// covers it. Failure is logged; resolution then falls back as usual.
func (m *Manager) startPreferred(ctx context.Context, sessionID, hint string) {
	f, ok := m.resolver.Preferred(sessionID, hint)
	if !ok || !m.autoStart[f] {
		return
	}
	snap := m.drivers.Snapshot()
	if _, healthy := snap.Endpoint(f); healthy {
		return
	}
	if p, tracked := snap.Process(f); tracked && p.Exhausted {
		return
	}
	log := m.log.WithFields(logrus.Fields{"session_id": sessionID, "family": f.String()})
	if _, err := m.drivers.StartFamily(ctx, f); err != nil {
		log.WithError(err).Warn("on-demand driver start failed")
		return
	}
	log.Info("driver started on demand")
}

func (m *Manager) doBind(ctx context.Context, sessionID, hint string) (*Handle, error) {
	m.mu.Lock()
	existing := m.sessions[sessionID]
	var h *Handle
	var stale *pool.Conn
	if existing != nil {
		h, stale = m.liveHandleLocked(existing)
	}
	m.mu.Unlock()
	m.releaseStale(stale)
	if h != nil {
		return h, nil
	}

	var (
		res resolver.Resolution
		err error
	)
	if existing != nil {
		res, err = m.resolver.Endpoint(sessionID, existing.family)
	} else {
		m.startPreferred(ctx, sessionID, hint)
		res, err = m.resolver.Resolve(ctx, sessionID, hint)
	}
	if err != nil {
		return nil, err
	}

	life, ok := m.drivers.Lifetime(res.Family)
	if !ok {
		return nil, fleeterrors.New(fleeterrors.ErrCodeNoHealthyDriver, "driver is not running").
			WithFamily(res.Family).
			WithSession(sessionID).
			WithRetryable(true)
	}
	if err := context.Cause(life); err != nil {
		return nil, stoppingErr(err, sessionID, res.Family)
	}

	conn, err := m.pool.Acquire(ctx, res.Family, res.Endpoint.URL, res.Profile)
	if err != nil {
		if e, ok := fleeterrors.As(err); ok {
			e.WithSession(sessionID)
		}
		return nil, err
	}

	now := time.Now()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.releaseConn(conn, false)
		return nil, errShutdown(sessionID)
	}
	current := m.sessions[sessionID]
	if existing != nil && current != existing {
		m.mu.Unlock()
		m.releaseConn(conn, true)
		return nil, notFound(sessionID)
	}
	b := current
	if b == nil {
		b = &binding{
			id:      sessionID,
			family:  res.Family,
			reason:  res.Reason,
			created: now,
		}
		m.sessions[sessionID] = b
	} else if b.conn != nil {
		h = newHandle(b)
		m.mu.Unlock()
		m.releaseConn(conn, true)
		return h, nil
	}
	b.conn = conn
	b.life = life
	b.lastUsed = now
	h = newHandle(b)
	active := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SessionsActive.Set(float64(active))
	m.log.WithFields(logrus.Fields{
		"session_id":       sessionID,
		"family":           res.Family.String(),
		"endpoint":         res.Endpoint.URL,
		"protocol_session": conn.ProtocolSession(),
		"reason":           res.Reason,
		"rebind":           existing != nil,
	}).Info("session bound")
	return h, nil
}

// End releases the session's connection and forgets the session.
func (m *Manager) End(_ context.Context, sessionID string) error {
	return m.end(sessionID, nil)
}

// end removes the session when cond is nil or holds for its binding.
func (m *Manager) end(sessionID string, cond func(*binding) bool) error {
	m.mu.Lock()
	b, ok := m.sessions[sessionID]
	if !ok || (cond != nil && !cond(b)) {
		m.mu.Unlock()
		return notFound(sessionID)
	}
	delete(m.sessions, sessionID)
	conn, life := b.conn, b.life
	b.conn = nil
	active := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SessionsActive.Set(float64(active))
	if conn != nil {
		m.releaseConn(conn, life != nil && life.Err() == nil)
	}
	m.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"family":     b.family.String(),
	}).Info("session ended")
	return nil
}

// Invalidate reports the session's protocol session as broken. The
// connection is destroyed; the binding and its family are kept, and the
// next GetOrCreate acquires a fresh connection.
func (m *Manager) Invalidate(_ context.Context, sessionID string) error {
	m.mu.Lock()
	b, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return notFound(sessionID)
	}
	conn := b.conn
	b.conn = nil
	m.mu.Unlock()

	if conn != nil {
		m.releaseConn(conn, false)
		m.log.WithFields(logrus.Fields{
			"session_id":       sessionID,
			"family":           b.family.String(),
			"protocol_session": conn.ProtocolSession(),
		}).Warn("session connection invalidated")
	}
	return nil
}

func (m *Manager) releaseConn(conn *pool.Conn, healthy bool) {
	if err := m.pool.Release(conn, healthy); err != nil {
		m.log.WithError(err).WithField("conn", conn.ID()).Warn("release failed")
	}
}

// Sessions lists every session ordered by id.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, b := range m.sessions {
		info := Info{
			ID:        b.id,
			Family:    b.family,
			Reason:    string(b.reason),
			CreatedAt: b.created,
			LastUsed:  b.lastUsed,
		}
		if b.conn != nil {
			info.Connected = true
			info.Endpoint = b.conn.Endpoint()
			info.ProtocolSession = b.conn.ProtocolSession()
		}
		out = append(out, info)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown ends every session, closes the pool and stops every driver. The
// manager is unusable afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	bindings := m.sessions
	m.sessions = make(map[string]*binding)
	m.mu.Unlock()

	m.stopJanitor()
	for _, b := range bindings {
		if b.conn != nil {
			m.releaseConn(b.conn, false)
			b.conn = nil
		}
	}
	m.metrics.SessionsActive.Set(0)

	var errs []error
	if err := m.pool.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.drivers.StopAll(ctx); err != nil {
		errs = append(errs, err)
	}
	m.log.WithField("sessions", len(bindings)).Info("session manager shut down")
	return errors.Join(errs...)
}

// ListHealthyEndpoints returns the healthy driver endpoints in priority
// order.
func (m *Manager) ListHealthyEndpoints() []browser.Endpoint {
	return m.drivers.HealthyEndpoints()
}

// Drivers returns the current driver snapshot.
func (m *Manager) Drivers() driver.Snapshot {
	return m.drivers.Snapshot()
}

// PoolStats returns per-family pool statistics.
func (m *Manager) PoolStats() map[browser.Family]pool.Stats {
	return m.pool.Stats()
}

// StartDriver starts the driver for f if it is not already healthy.
func (m *Manager) StartDriver(ctx context.Context, f browser.Family) (driver.Process, error) {
	return m.drivers.StartFamily(ctx, f)
}

// StopDriver stops the driver for f. Idle connections to it are closed and
// sessions bound to it lose their connection; they fail with
// NO_HEALTHY_DRIVER until the family is started again.
func (m *Manager) StopDriver(ctx context.Context, f browser.Family) error {
	err := m.drivers.Stop(ctx, f)
	m.detachFamily(f)
	return err
}

// RefreshHealth probes every driver and drops idle connections to drivers
// that are no longer healthy.
func (m *Manager) RefreshHealth(ctx context.Context) driver.Snapshot {
	snap := m.drivers.RefreshHealth(ctx)
	for _, f := range browser.Families() {
		if _, ok := snap.Endpoint(f); !ok {
			m.pool.Drain(f)
		}
	}
	return snap
}

func (m *Manager) detachFamily(f browser.Family) {
	m.pool.Drain(f)
	var conns []*pool.Conn
	m.mu.Lock()
	for _, b := range m.sessions {
		if b.family == f && b.conn != nil {
			conns = append(conns, b.conn)
			b.conn = nil
		}
	}
	m.mu.Unlock()
	for _, c := range conns {
		m.releaseConn(c, false)
	}
}

func notFound(sessionID string) error {
	return fleeterrors.New(fleeterrors.ErrCodeSessionNotFound, "no such session").WithSession(sessionID)
}

func errShutdown(sessionID string) error {
	return fleeterrors.New(fleeterrors.ErrCodeDriverStopping, "session manager is shutting down").WithSession(sessionID)
}

func stoppingErr(cause error, sessionID string, f browser.Family) error {
	return fleeterrors.Wrap(cause, fleeterrors.ErrCodeDriverStopping, "driver is stopping").
		WithSession(sessionID).
		WithFamily(f)
}
