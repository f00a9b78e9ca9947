package driver

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/browserfleet/pkg/browser"
	fleeterrors "github.com/odvcencio/browserfleet/pkg/errors"
	"github.com/odvcencio/browserfleet/pkg/telemetry"
)

// HealthCheck probes the driver for f and updates its record. Probes closer
// together than the minimum probe interval return the cached status.
func (m *Manager) HealthCheck(ctx context.Context, f browser.Family) browser.HealthStatus {
	m.mu.Lock()
	st, ok := m.families[f]
	if !ok {
		m.mu.Unlock()
		return browser.StatusStopped
	}
	p := st.current
	switch {
	case p == nil:
		status := browser.StatusStopped
		if st.exhausted {
			status = browser.StatusUnhealthy
		}
		m.mu.Unlock()
		return status
	case p.status == browser.StatusStarting, p.stopping, !st.limiter.Allow():
		rec, _ := st.record()
		m.mu.Unlock()
		return rec.Status
	}
	m.mu.Unlock()

	err := m.probe(ctx, p)
	if err == nil {
		m.trackChildren(ctx, p)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.HealthChecks.WithLabelValues(f.String(), telemetry.BoolLabel(err == nil, "ok", "fail")).Inc()
	if st.current != p || p.stopping {
		rec, ok := st.record()
		if !ok {
			return browser.StatusStopped
		}
		return rec.Status
	}
	p.lastCheck = time.Now()
	log := m.log.WithFields(logrus.Fields{"family": f.String(), "pid": p.pid})

	if err == nil {
		if p.failures > 0 {
			log.WithField("failures", p.failures).Info("driver health recovered")
		}
		p.failures = 0
		if p.status == browser.StatusUnhealthy && !st.restarting && !st.exhausted {
			p.status = browser.StatusHealthy
			m.metrics.DriverUp.WithLabelValues(f.String()).Set(1)
		}
		// A replacement that passes a probe earns back the restart budget.
		if st.restarts > 0 && !st.restarting && !st.exhausted && p.status == browser.StatusHealthy {
			log.WithField("restarts", st.restarts).Debug("restart budget reset")
			st.restarts = 0
		}
		m.publishLocked()
		rec, _ := st.record()
		return rec.Status
	}

	p.failures++
	log.WithError(err).WithField("failures", p.failures).Debug("driver health check failed")
	if p.failures >= m.cfg.FailureThreshold && p.status == browser.StatusHealthy {
		log.WithField("threshold", m.cfg.FailureThreshold).Warn("driver marked unhealthy")
		p.status = browser.StatusUnhealthy
		m.metrics.DriverUp.WithLabelValues(f.String()).Set(0)
		m.publishLocked()
		m.scheduleRestartLocked(st, p)
	} else {
		m.publishLocked()
	}
	rec, _ := st.record()
	return rec.Status
}

// probe issues one status request, retrying once on transient errors.
func (m *Manager) probe(ctx context.Context, p *proc) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		select {
		case <-p.exited:
			return fleeterrors.New(fleeterrors.ErrCodeHealthCheck, "driver process exited").
				WithFamily(p.family).
				WithContext(fleeterrors.KeyPID, p.pid)
		default:
		}
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		_, err = m.client.Status(probeCtx, p.endpoint)
		cancel()
		if err == nil || !fleeterrors.IsRetryable(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

// RefreshHealth probes every tracked driver concurrently and returns the
// resulting snapshot.
func (m *Manager) RefreshHealth(ctx context.Context) Snapshot {
	var g errgroup.Group
	for _, f := range browser.Families() {
		m.mu.Lock()
		tracked := m.families[f].current != nil
		m.mu.Unlock()
		if !tracked {
			continue
		}
		f := f
		g.Go(func() error {
			m.HealthCheck(ctx, f)
			return nil
		})
	}
	_ = g.Wait()
	return m.Snapshot()
}

// StartMonitor probes every driver at the configured health interval until
// StopMonitor or StopAll. Calling it twice has no effect.
func (m *Manager) StartMonitor() {
	if m.cfg.HealthInterval <= 0 {
		return
	}
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	if m.monitorCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.lifeCtx)
	done := make(chan struct{})
	m.monitorCancel = cancel
	m.monitorDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RefreshHealth(ctx)
			}
		}
	}()
}

// StopMonitor halts the background health monitor and waits for it.
func (m *Manager) StopMonitor() {
	m.monitorMu.Lock()
	cancel, done := m.monitorCancel, m.monitorDone
	m.monitorCancel, m.monitorDone = nil, nil
	m.monitorMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// scheduleRestartLocked queues a background restart for st unless one is
// already running, the family was stopped on request, or the budget is
// spent. Callers hold m.mu.
func (m *Manager) scheduleRestartLocked(st *familyState, failed *proc) {
	if m.closed || st.held || st.restarting {
		return
	}
	if st.restarts >= m.cfg.MaxRestarts {
		m.exhaustLocked(st)
		return
	}
	st.restarting = true
	m.bg.Add(1)
	go m.restart(st, failed)
}

func (m *Manager) exhaustLocked(st *familyState) {
	if st.exhausted {
		return
	}
	st.exhausted = true
	m.publishLocked()
	m.log.WithFields(logrus.Fields{
		"family":   st.family.String(),
		"restarts": st.restarts,
	}).Error("driver restart budget exhausted; start it explicitly to retry")
}

// restart replaces a failed driver, backing off between attempts until it is
// healthy, the budget runs out or the manager shuts down.
func (m *Manager) restart(st *familyState, failed *proc) {
	defer m.bg.Done()
	defer func() {
		m.mu.Lock()
		st.restarting = false
		m.mu.Unlock()
	}()

	if failed != nil {
		if err := m.stopProc(m.lifeCtx, failed, "restart"); err != nil {
			m.log.WithError(err).WithField("family", st.family.String()).Warn("failed driver did not stop cleanly")
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RestartBackoff
	b.MaxInterval = m.cfg.RestartBackoffMax
	b.MaxElapsedTime = 0

	op := func() error {
		m.mu.Lock()
		if m.closed || st.held {
			m.mu.Unlock()
			return backoff.Permanent(errStopping(st.family))
		}
		if st.current != nil && st.current.status == browser.StatusHealthy {
			m.mu.Unlock()
			return nil
		}
		if st.restarts >= m.cfg.MaxRestarts {
			m.exhaustLocked(st)
			m.mu.Unlock()
			return backoff.Permanent(fleeterrors.New(fleeterrors.ErrCodeStartFailed, "restart budget exhausted").WithFamily(st.family))
		}
		st.restarts++
		attempt := st.restarts
		m.mu.Unlock()

		m.metrics.DriverRestarts.WithLabelValues(st.family.String()).Inc()
		m.log.WithFields(logrus.Fields{"family": st.family.String(), "attempt": attempt}).Info("restarting driver")
		_, err := m.ensureShared(m.lifeCtx, st.family)
		return err
	}
	notify := func(err error, wait time.Duration) {
		m.log.WithError(err).WithFields(logrus.Fields{
			"family": st.family.String(),
			"retry":  wait,
		}).Warn("driver restart failed")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, m.lifeCtx), notify); err != nil {
		m.log.WithError(err).WithField("family", st.family.String()).Debug("driver restart abandoned")
	}
}

// waitGroupDone reports whether wg finished before ctx.
func waitGroupDone(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
