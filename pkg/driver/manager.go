// Package driver supervises WebDriver executables: one process per browser
// family, started on demand, health-checked, restarted with backoff and
// stopped without leaving browser processes behind.
package driver

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/odvcencio/browserfleet/pkg/browser"
	"github.com/odvcencio/browserfleet/pkg/config"
	fleeterrors "github.com/odvcencio/browserfleet/pkg/errors"
	"github.com/odvcencio/browserfleet/pkg/logging"
	"github.com/odvcencio/browserfleet/pkg/telemetry"
	"github.com/odvcencio/browserfleet/pkg/webdriver"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = logging.For(log, logging.ComponentDrivers) }
}

// WithClient sets the WebDriver client used for probes.
func WithClient(c *webdriver.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithLookPath overrides executable lookup on PATH.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(m *Manager) { m.lookPath = fn }
}

// Manager owns the driver processes. All methods are safe for concurrent
// use. No lock is held while probing, spawning or waiting on a process.
type Manager struct {
	cfg      config.DriversConfig
	client   *webdriver.Client
	log      logrus.FieldLogger
	metrics  *telemetry.Metrics
	lookPath func(string) (string, error)

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	starts singleflight.Group

	mu       sync.Mutex
	families map[browser.Family]*familyState
	closed   bool
	version  uint64
	snap     atomic.Pointer[Snapshot]

	monitorMu     sync.Mutex
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}

	bg sync.WaitGroup
}

// New creates a Manager. No process is started until Start is called.
func New(cfg config.DriversConfig, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		log:      logging.For(nil, logging.ComponentDrivers),
		lookPath: exec.LookPath,
		families: make(map[browser.Family]*familyState),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		m.client = webdriver.NewClient(nil, m.log)
	}
	if m.metrics == nil {
		m.metrics = telemetry.NewMetrics(nil)
	}
	m.lifeCtx, m.lifeCancel = context.WithCancel(context.Background())

	limit := rate.Inf
	if cfg.MinProbeInterval > 0 {
		limit = rate.Every(cfg.MinProbeInterval)
	}
	for _, f := range browser.Families() {
		m.families[f] = &familyState{
			family:  f,
			limiter: rate.NewLimiter(limit, 1),
		}
	}
	m.snap.Store(&Snapshot{})
	return m
}

// Start launches drivers for families concurrently, defaulting to the
// configured set. Each family succeeds or fails on its own.
func (m *Manager) Start(ctx context.Context, families ...browser.Family) map[browser.Family]StartResult {
	if len(families) == 0 {
		families = m.cfg.Enabled
	}
	results := make(map[browser.Family]StartResult, len(families))
	var mu sync.Mutex
	var g errgroup.Group
	seen := make(map[browser.Family]bool)
	for _, f := range families {
		if seen[f] {
			continue
		}
		seen[f] = true
		f := f
		g.Go(func() error {
			p, err := m.StartFamily(ctx, f)
			mu.Lock()
			results[f] = StartResult{Process: p, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// StartFamily ensures a healthy driver for f. It is idempotent: a healthy
// driver is returned as is, and concurrent calls share one spawn. An explicit
// start clears an exhausted restart budget.
func (m *Manager) StartFamily(ctx context.Context, f browser.Family) (Process, error) {
	if !f.Valid() {
		return Process{}, fleeterrors.Newf(fleeterrors.ErrCodeInvalidInput, "unknown browser family %d", int(f))
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Process{}, errStopping(f)
	}
	st := m.families[f]
	if st.current != nil && st.current.status == browser.StatusHealthy && !st.exhausted {
		rec, _ := st.record()
		m.mu.Unlock()
		return rec, nil
	}
	st.exhausted = false
	st.restarts = 0
	st.held = false
	m.mu.Unlock()

	return m.ensureShared(ctx, f)
}

func (m *Manager) ensureShared(ctx context.Context, f browser.Family) (Process, error) {
	ch := m.starts.DoChan(f.String(), func() (any, error) {
		return m.ensure(f)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Process{}, res.Err
		}
		return res.Val.(Process), nil
	case <-ctx.Done():
		return Process{}, fleeterrors.Wrap(ctx.Err(), fleeterrors.ErrCodeStartTimeout, "gave up waiting for driver start").
			WithFamily(f)
	}
}

// ensure runs inside the per-family singleflight, so at most one spawn per
// family is ever in progress.
func (m *Manager) ensure(f browser.Family) (Process, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Process{}, errStopping(f)
	}
	st := m.families[f]
	stale := st.current
	if stale != nil && stale.status == browser.StatusHealthy {
		rec, _ := st.record()
		m.mu.Unlock()
		return rec, nil
	}
	m.mu.Unlock()

	if stale != nil {
		if err := m.stopProc(m.lifeCtx, stale, "replace"); err != nil {
			m.log.WithError(err).WithField("family", f.String()).Warn("stale driver did not stop cleanly")
		}
	}

	ctx, span := telemetry.StartSpan(m.lifeCtx, "driver.start", telemetry.Family(f.String()))
	rec, err := m.spawn(ctx, f)
	telemetry.EndSpan(span, err)
	m.metrics.DriverStarts.WithLabelValues(f.String(), telemetry.BoolLabel(err == nil, "ok", "error")).Inc()
	return rec, err
}

func (m *Manager) spawn(ctx context.Context, f browser.Family) (Process, error) {
	dc := m.cfg.Driver(f)
	log := m.log.WithField("family", f.String())

	binary, err := m.locate(f)
	if err != nil {
		return Process{}, err
	}
	port, err := m.pickPort(f)
	if err != nil {
		return Process{}, err
	}

	args := append(f.DriverArgs(port), dc.Args...)
	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), dc.Env...)
	cmd.WaitDelay = time.Second
	setSysProcAttr(cmd)
	out := log.WithField("stream", "driver").WriterLevel(logrus.DebugLevel)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return Process{}, fleeterrors.Wrap(err, fleeterrors.ErrCodeStartFailed, "spawn driver").
			WithFamily(f).
			WithContext("binary", binary)
	}

	pctx, cancel := context.WithCancelCause(m.lifeCtx)
	p := &proc{
		family:    f,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		port:      port,
		endpoint:  "http://127.0.0.1:" + strconv.Itoa(port),
		binary:    binary,
		startedAt: time.Now(),
		output:    out,
		status:    browser.StatusStarting,
		ctx:       pctx,
		cancel:    cancel,
		exited:    make(chan struct{}),
		children:  make(map[int32]int64),
	}
	go m.wait(p)

	log = log.WithFields(logrus.Fields{"pid": p.pid, "port": port})
	log.WithField("binary", binary).Debug("driver spawned")

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = m.stopProc(context.Background(), p, "shutdown")
		return Process{}, errStopping(f)
	}
	st := m.families[f]
	st.current = p
	m.publishLocked()
	m.mu.Unlock()

	if err := m.waitReady(ctx, p); err != nil {
		if serr := m.stopProc(context.Background(), p, "failed start"); serr != nil {
			log.WithError(serr).Warn("failed to clean up driver after unsuccessful start")
		}
		log.WithError(err).Warn("driver failed to start")
		return Process{}, err
	}

	m.trackChildren(ctx, p)

	m.mu.Lock()
	if st.current != p || p.stopping {
		m.mu.Unlock()
		return Process{}, errStopping(f)
	}
	p.status = browser.StatusHealthy
	p.lastCheck = time.Now()
	p.failures = 0
	rec, _ := st.record()
	m.publishLocked()
	m.mu.Unlock()

	m.metrics.DriverUp.WithLabelValues(f.String()).Set(1)
	log.WithField("endpoint", p.endpoint).Info("driver started")
	return rec, nil
}

// waitReady polls /status until the driver answers, the process exits or the
// start timeout passes.
func (m *Manager) waitReady(ctx context.Context, p *proc) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = m.cfg.StartTimeout

	var lastErr error
	op := func() error {
		select {
		case <-p.exited:
			e := fleeterrors.New(fleeterrors.ErrCodeStartFailed, "driver exited during startup").
				WithFamily(p.family).
				WithContext(fleeterrors.KeyPID, p.pid)
			if p.exitErr != nil {
				e = e.WithContext("exit", p.exitErr.Error())
			}
			return backoff.Permanent(e)
		default:
		}
		probeCtx, pcancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		defer pcancel()
		_, err := m.client.Status(probeCtx, p.endpoint)
		if err != nil {
			lastErr = err
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err == nil {
		return nil
	}
	if fleeterrors.IsCode(err, fleeterrors.ErrCodeStartFailed) {
		return err
	}
	if lastErr == nil {
		lastErr = err
	}
	return fleeterrors.Wrap(lastErr, fleeterrors.ErrCodeStartTimeout,
		fmt.Sprintf("driver not ready within %s", m.cfg.StartTimeout)).
		WithFamily(p.family).
		WithContext(fleeterrors.KeyPID, p.pid).
		WithContext(fleeterrors.KeyEndpoint, p.endpoint).
		WithRetryable(true)
}

// wait reaps the process and reacts to unexpected exits.
func (m *Manager) wait(p *proc) {
	err := p.cmd.Wait()
	_ = p.output.Close()
	p.exitErr = err
	close(p.exited)

	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.families[p.family]
	if p.stopping || st.current != p || p.status == browser.StatusStarting {
		return
	}
	m.log.WithFields(logrus.Fields{
		"family": p.family.String(),
		"pid":    p.pid,
	}).WithError(err).Warn("driver exited unexpectedly")
	if kerr := killGroup(p.pid); kerr != nil {
		m.log.WithError(kerr).WithField("pid", p.pid).Debug("kill orphaned driver group failed")
	}
	p.status = browser.StatusUnhealthy
	p.cancel(fleeterrors.New(fleeterrors.ErrCodeDriverStopping, "driver exited").WithFamily(p.family))
	m.metrics.DriverUp.WithLabelValues(p.family.String()).Set(0)
	m.publishLocked()
	m.scheduleRestartLocked(st, p)
}

// publishLocked rebuilds and atomically stores the snapshot.
func (m *Manager) publishLocked() {
	m.version++
	snap := &Snapshot{Version: m.version}
	for _, f := range browser.Families() {
		st := m.families[f]
		rec, ok := st.record()
		if !ok {
			continue
		}
		snap.Processes = append(snap.Processes, rec)
		if rec.Status == browser.StatusHealthy {
			snap.Endpoints = append(snap.Endpoints, browser.Endpoint{Family: f, URL: rec.Endpoint})
		}
	}
	m.snap.Store(snap)
}

// HealthyEndpoints returns the healthy endpoints in priority order. The
// slice is a private copy.
func (m *Manager) HealthyEndpoints() []browser.Endpoint {
	return append([]browser.Endpoint(nil), m.snap.Load().Endpoints...)
}

// Snapshot returns a copy of the latest published snapshot.
func (m *Manager) Snapshot() Snapshot {
	return m.snap.Load().clone()
}

// Processes lists every tracked driver.
func (m *Manager) Processes() []Process {
	return m.Snapshot().Processes
}

// Lifetime returns a context that is cancelled when the current driver for
// f starts stopping or exits. context.Cause reports a DRIVER_STOPPING error.
func (m *Manager) Lifetime(f browser.Family) (context.Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.families[f]
	if !ok || st.current == nil || st.current.stopping {
		return nil, false
	}
	return st.current.ctx, true
}

func errStopping(f browser.Family) *fleeterrors.Error {
	return fleeterrors.New(fleeterrors.ErrCodeDriverStopping, "driver is stopping").WithFamily(f)
}
