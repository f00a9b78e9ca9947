package pool

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/odvcencio/browserfleet/pkg/browser"
	"github.com/odvcencio/browserfleet/pkg/config"
	fleeterrors "github.com/odvcencio/browserfleet/pkg/errors"
	"github.com/odvcencio/browserfleet/pkg/logging"
	"github.com/odvcencio/browserfleet/pkg/telemetry"
)

const closeTimeout = 5 * time.Second

// Acquire outcomes, also used as metric labels.
const (
	outcomeReused    = "reused"
	outcomeCreated   = "created"
	outcomeTimeout   = "timeout"
	outcomeExhausted = "exhausted"
	outcomeError     = "error"
)

// Eviction reasons.
const (
	reasonIdle     = "idle"
	reasonEndpoint = "endpoint_changed"
	reasonVerify   = "verify_failed"
	reasonDrain    = "drain"
	reasonReleased = "released_unhealthy"
	reasonNoReuse  = "reuse_disabled"
	reasonClose    = "close"
)

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Pool) { p.log = logging.For(log, logging.ComponentPool) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// Pool hands out protocol sessions bounded per family. Idle connections are
// reused most recently used first and closed once idle for longer than the
// idle timeout.
type Pool struct {
	cfg     config.PoolConfig
	dialer  Dialer
	log     logrus.FieldLogger
	metrics *telemetry.Metrics

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu       sync.Mutex
	families map[browser.Family]*familyPool
	closed   bool

	evictorDone chan struct{}
	bg          sync.WaitGroup
}

type familyPool struct {
	idle     []*Conn // least recently used first
	inUse    map[string]*Conn
	creating int
	changed  chan struct{}
	stats    Stats
}

func (fp *familyPool) total() int {
	return len(fp.idle) + len(fp.inUse) + fp.creating
}

// broadcast wakes every Acquire waiting on this family.
func (fp *familyPool) broadcast() {
	close(fp.changed)
	fp.changed = make(chan struct{})
}

// New creates a pool and starts its background evictor.
func New(cfg config.PoolConfig, dialer Dialer, opts ...Option) *Pool {
	p := &Pool{
		cfg:      cfg,
		dialer:   dialer,
		log:      logging.For(nil, logging.ComponentPool),
		families: make(map[browser.Family]*familyPool),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = telemetry.NewMetrics(nil)
	}
	for _, f := range browser.Families() {
		p.families[f] = &familyPool{
			inUse:   make(map[string]*Conn),
			changed: make(chan struct{}),
			stats:   Stats{Family: f},
		}
	}
	p.lifeCtx, p.lifeCancel = context.WithCancel(context.Background())
	if cfg.CleanupInterval > 0 {
		p.evictorDone = make(chan struct{})
		go p.evictLoop()
	}
	return p
}

// Acquire returns a verified connection to endpoint for family f, reusing an
// idle one when possible and creating one with profile otherwise. At the
// per-family bound it waits up to the acquire timeout for a slot.
func (p *Pool) Acquire(ctx context.Context, f browser.Family, endpoint string, profile browser.Profile) (*Conn, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "pool.acquire", telemetry.Family(f.String()))
	conn, outcome, err := p.acquire(ctx, f, endpoint, profile)
	telemetry.EndSpan(span, err)

	p.metrics.PoolAcquire.WithLabelValues(f.String(), outcome).Inc()
	p.metrics.PoolAcquireSeconds.WithLabelValues(f.String()).Observe(time.Since(start).Seconds())
	return conn, err
}

func (p *Pool) acquire(ctx context.Context, f browser.Family, endpoint string, profile browser.Profile) (*Conn, string, error) {
	if !f.Valid() {
		return nil, outcomeError, fleeterrors.Newf(fleeterrors.ErrCodeInvalidInput, "unknown browser family %d", int(f))
	}
	log := p.log.WithFields(logrus.Fields{"family": f.String(), "endpoint": endpoint})

	var deadline <-chan time.Time
	if p.cfg.AcquireTimeout > 0 {
		timer := time.NewTimer(p.cfg.AcquireTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, outcomeError, errClosed(f)
		}
		fp := p.families[f]

		// Most recently used first; expired or foreign-endpoint connections
		// are dropped on the way.
		var candidate *Conn
		var stale []*Conn
		now := time.Now()
		for len(fp.idle) > 0 {
			c := fp.idle[len(fp.idle)-1]
			fp.idle = fp.idle[:len(fp.idle)-1]
			if c.endpoint != endpoint || p.expired(c, now) {
				stale = append(stale, c)
				continue
			}
			candidate = c
			break
		}
		if candidate != nil {
			candidate.inUse = true
			fp.inUse[candidate.id] = candidate
		}
		if len(stale) > 0 {
			fp.broadcast()
		}
		canCreate := candidate == nil && fp.total() < p.cfg.MaxPerFamily
		if canCreate {
			fp.creating++
			p.bg.Add(1) // released by create's dial goroutine
		}
		wait := fp.changed
		p.updateGaugesLocked(f, fp)
		p.mu.Unlock()

		for _, c := range stale {
			reason := reasonIdle
			if c.endpoint != endpoint {
				reason = reasonEndpoint
			}
			p.closeConn(c, reason)
		}

		if candidate != nil {
			if err := p.verify(ctx, candidate); err != nil {
				log.WithError(err).WithField("conn", candidate.id).Debug("idle connection failed verification")
				p.mu.Lock()
				fp.stats.HealthCheckFailures++
				p.mu.Unlock()
				p.discard(candidate, reasonVerify)
				continue
			}
			p.mu.Lock()
			candidate.lastUsed = time.Now()
			fp.stats.Acquisitions++
			fp.stats.Reused++
			p.mu.Unlock()
			return candidate, outcomeReused, nil
		}

		if canCreate {
			conn, err := p.create(ctx, f, endpoint, profile)
			if err != nil {
				return nil, outcomeError, err
			}
			return conn, outcomeCreated, nil
		}

		if p.cfg.AcquireTimeout <= 0 {
			p.mu.Lock()
			fp.stats.Timeouts++
			p.mu.Unlock()
			return nil, outcomeExhausted, fleeterrors.Newf(fleeterrors.ErrCodePoolExhausted,
				"all %d connections in use", p.cfg.MaxPerFamily).
				WithFamily(f).
				WithRetryable(true)
		}

		select {
		case <-wait:
		case <-deadline:
			return nil, outcomeTimeout, p.timeoutErr(f, nil)
		case <-ctx.Done():
			return nil, outcomeTimeout, p.timeoutErr(f, ctx.Err())
		}
	}
}

func (p *Pool) timeoutErr(f browser.Family, cause error) error {
	p.mu.Lock()
	p.families[f].stats.Timeouts++
	p.mu.Unlock()
	msg := "timed out waiting for a pooled connection"
	var e *fleeterrors.Error
	if cause != nil {
		e = fleeterrors.Wrap(cause, fleeterrors.ErrCodeAcquireTimeout, msg)
	} else {
		e = fleeterrors.New(fleeterrors.ErrCodeAcquireTimeout, msg)
	}
	return e.WithFamily(f).
		WithContext("max_per_family", p.cfg.MaxPerFamily).
		WithRetryable(true)
}

func (p *Pool) expired(c *Conn, now time.Time) bool {
	return p.cfg.IdleTimeout > 0 && now.Sub(c.lastUsed) > p.cfg.IdleTimeout
}

func (p *Pool) verify(ctx context.Context, c *Conn) error {
	if p.cfg.VerifyTimeout <= 0 {
		return c.handle.Ping(ctx)
	}
	vctx, cancel := context.WithTimeout(ctx, p.cfg.VerifyTimeout)
	defer cancel()
	return c.handle.Ping(vctx)
}

type dialResult struct {
	handle Handle
	err    error
}

// create dials a new session in the background, bounded by the create
// timeout rather than the caller. If the caller leaves first the session is
// closed once it arrives. The caller has already reserved the slot and
// added to p.bg.
func (p *Pool) create(ctx context.Context, f browser.Family, endpoint string, profile browser.Profile) (*Conn, error) {
	var (
		mu        sync.Mutex
		abandoned bool
		ch        = make(chan dialResult, 1)
	)

	go func() {
		defer p.bg.Done()
		dctx, cancel := context.WithTimeout(p.lifeCtx, p.cfg.CreateTimeout)
		defer cancel()
		h, err := p.dial(dctx, f, endpoint, profile)

		mu.Lock()
		defer mu.Unlock()
		if !abandoned {
			ch <- dialResult{handle: h, err: err}
			return
		}
		p.mu.Lock()
		fp := p.families[f]
		fp.creating--
		fp.broadcast()
		p.updateGaugesLocked(f, fp)
		p.mu.Unlock()
		if h != nil {
			p.closeHandle(f, h, "caller_left")
		}
	}()

	var res dialResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		mu.Lock()
		select {
		case res = <-ch:
			mu.Unlock()
		default:
			abandoned = true
			mu.Unlock()
			return nil, p.timeoutErr(f, ctx.Err())
		}
	}

	p.mu.Lock()
	fp := p.families[f]
	fp.creating--
	if res.err != nil {
		fp.broadcast()
		p.updateGaugesLocked(f, fp)
		p.mu.Unlock()
		return nil, res.err
	}
	if p.closed {
		fp.broadcast()
		p.updateGaugesLocked(f, fp)
		p.mu.Unlock()
		p.closeHandle(f, res.handle, reasonClose)
		return nil, errClosed(f)
	}
	conn := newConn(p, f, endpoint, res.handle)
	conn.inUse = true
	fp.inUse[conn.id] = conn
	fp.stats.Acquisitions++
	fp.stats.Created++
	p.updateGaugesLocked(f, fp)
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"family":           f.String(),
		"endpoint":         endpoint,
		"conn":             conn.id,
		"protocol_session": res.handle.ID(),
	}).Debug("pooled connection created")
	return conn, nil
}

// dial retries transient creation failures with bounded backoff. Capability
// mismatches and other rejections are returned at once.
func (p *Pool) dial(ctx context.Context, f browser.Family, endpoint string, profile browser.Profile) (Handle, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	var policy backoff.BackOff = backoff.WithContext(b, ctx)
	if p.cfg.CreateRetries >= 0 {
		policy = backoff.WithMaxRetries(policy, uint64(p.cfg.CreateRetries))
	}

	var h Handle
	op := func() error {
		var err error
		h, err = p.dialer.Dial(ctx, endpoint, profile)
		if err == nil {
			return nil
		}
		if fleeterrors.IsCode(err, fleeterrors.ErrCodeCapabilityMismatch) || !fleeterrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.log.WithError(err).WithFields(logrus.Fields{
			"family":   f.String(),
			"endpoint": endpoint,
			"retry":    wait,
		}).Warn("session creation failed, retrying")
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if _, ok := fleeterrors.As(err); ok {
			return nil, err
		}
		return nil, fleeterrors.Wrap(err, fleeterrors.ErrCodeSessionCreation, "create protocol session").
			WithFamily(f).
			WithContext(fleeterrors.KeyEndpoint, endpoint)
	}
	return h, nil
}

// Release returns conn to the pool. Healthy connections become idle for
// reuse; unhealthy ones are closed and their slot freed. Releasing a
// connection twice is an error.
func (p *Pool) Release(conn *Conn, healthy bool) error {
	if conn == nil {
		return fleeterrors.New(fleeterrors.ErrCodeInvalidInput, "nil connection")
	}
	p.mu.Lock()
	if conn.pool == p && conn.closed {
		p.mu.Unlock()
		return nil
	}
	if conn.pool != p || !conn.inUse {
		p.mu.Unlock()
		return fleeterrors.New(fleeterrors.ErrCodeInvalidInput, "connection is not checked out").
			WithFamily(conn.family).
			WithContext("conn", conn.id)
	}
	fp := p.families[conn.family]
	conn.inUse = false
	delete(fp.inUse, conn.id)
	fp.stats.Releases++

	reason := ""
	switch {
	case p.closed:
		reason = reasonClose
	case !healthy:
		reason = reasonReleased
	case !p.cfg.Enabled:
		reason = reasonNoReuse
	}
	if reason == "" {
		conn.lastUsed = time.Now()
		fp.idle = append(fp.idle, conn)
	}
	fp.broadcast()
	p.updateGaugesLocked(conn.family, fp)
	p.mu.Unlock()

	if reason != "" {
		p.closeConn(conn, reason)
	}
	return nil
}

// discard closes a checked-out connection without returning it.
func (p *Pool) discard(conn *Conn, reason string) {
	p.mu.Lock()
	fp := p.families[conn.family]
	if conn.inUse {
		conn.inUse = false
		delete(fp.inUse, conn.id)
	}
	fp.broadcast()
	p.updateGaugesLocked(conn.family, fp)
	p.mu.Unlock()
	p.closeConn(conn, reason)
}

func (p *Pool) closeConn(c *Conn, reason string) {
	p.mu.Lock()
	fp := p.families[c.family]
	fp.stats.Destroyed++
	if reason != reasonReleased && reason != reasonNoReuse && reason != reasonClose {
		fp.stats.Evictions++
	}
	p.mu.Unlock()
	p.metrics.PoolEvictions.WithLabelValues(c.family.String(), reason).Inc()
	p.closeHandle(c.family, c.handle, reason)
}

func (p *Pool) closeHandle(f browser.Family, h Handle, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := h.Close(ctx); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"family":           f.String(),
			"protocol_session": h.ID(),
			"reason":           reason,
		}).Debug("closing protocol session failed")
	}
}

func (p *Pool) updateGaugesLocked(f browser.Family, fp *familyPool) {
	p.metrics.PoolConnections.WithLabelValues(f.String(), "idle").Set(float64(len(fp.idle)))
	p.metrics.PoolConnections.WithLabelValues(f.String(), "in_use").Set(float64(len(fp.inUse)))
	p.metrics.PoolConnections.WithLabelValues(f.String(), "creating").Set(float64(fp.creating))
}

func errClosed(f browser.Family) error {
	return fleeterrors.New(fleeterrors.ErrCodeDriverStopping, "connection pool is closed").WithFamily(f)
}
