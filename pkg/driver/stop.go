package driver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/browserfleet/pkg/browser"
	fleeterrors "github.com/odvcencio/browserfleet/pkg/errors"
)

const reapWait = 5 * time.Second

// Stop terminates the driver for f and holds it down: no automatic restart
// follows until the family is started again. Stopping a family with no
// driver is a no-op.
func (m *Manager) Stop(ctx context.Context, f browser.Family) error {
	if !f.Valid() {
		return fleeterrors.Newf(fleeterrors.ErrCodeInvalidInput, "unknown browser family %d", int(f))
	}
	m.mu.Lock()
	st := m.families[f]
	st.held = true
	p := st.current
	m.mu.Unlock()
	if p == nil {
		return nil
	}
	return m.stopProc(ctx, p, "stop")
}

// StopAll shuts the manager down: background work is cancelled, every driver
// and its descendants are terminated, and the manager refuses new starts.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.lifeCancel()
	m.StopMonitor()
	if !waitGroupDone(ctx, &m.bg) {
		m.log.Warn("background restarts still running at shutdown")
	}

	m.mu.Lock()
	var procs []*proc
	for _, f := range browser.Families() {
		if p := m.families[f].current; p != nil {
			procs = append(procs, p)
		}
	}
	m.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, p := range procs {
		p := p
		g.Go(func() error {
			if err := m.stopProc(ctx, p, "shutdown"); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, p := range procs {
		if isAlive(ctx, p.pid) {
			errs = append(errs, fleeterrors.New(fleeterrors.ErrCodeInternal, "driver survived shutdown").
				WithFamily(p.family).
				WithContext(fleeterrors.KeyPID, p.pid))
		}
	}

	if m.cfg.ReapOrphans {
		if reaped, err := m.ReapOrphans(ctx); err != nil {
			errs = append(errs, err)
		} else if len(reaped) > 0 {
			m.log.WithField("pids", reaped).Info("reaped orphaned drivers")
		}
	}

	m.client.CloseIdleConnections()
	if len(errs) == 0 {
		m.log.WithField("drivers", len(procs)).Info("all drivers stopped")
	}
	return errors.Join(errs...)
}

// stopProc terminates p and everything it spawned. It is idempotent; later
// callers wait for the first to finish.
func (m *Manager) stopProc(ctx context.Context, p *proc, reason string) error {
	m.mu.Lock()
	if p.stopping {
		m.mu.Unlock()
		select {
		case <-p.exited:
		case <-ctx.Done():
		}
		return nil
	}
	p.stopping = true
	p.cancel(errStopping(p.family))
	p.status = browser.StatusStopped
	st := m.families[p.family]
	if st.current == p {
		st.current = nil
		m.publishLocked()
	}
	m.mu.Unlock()

	m.metrics.DriverUp.WithLabelValues(p.family.String()).Set(0)
	log := m.log.WithFields(logrus.Fields{
		"family": p.family.String(),
		"pid":    p.pid,
		"reason": reason,
	})

	// Browsers may reparent away from the group, so remember them first.
	children := descendants(ctx, int32(p.pid))

	signal := "none"
	select {
	case <-p.exited:
	default:
		signal = "term"
		if err := terminateGroup(p.pid); err != nil {
			log.WithError(err).Debug("terminate failed")
		}
		grace := time.NewTimer(m.cfg.StopGrace)
		select {
		case <-p.exited:
		case <-grace.C:
		case <-ctx.Done():
		}
		grace.Stop()

		select {
		case <-p.exited:
		default:
			signal = "kill"
		}
	}
	// The group outlives a crashed leader, so it is killed either way.
	if err := killGroup(p.pid); err != nil && signal == "kill" {
		log.WithError(err).Warn("kill failed")
	}

	live := make(map[int32]bool, len(children))
	for _, child := range children {
		if child.Pid == int32(p.pid) {
			continue
		}
		live[child.Pid] = true
		if err := child.KillWithContext(context.WithoutCancel(ctx)); err != nil && isAlive(ctx, int(child.Pid)) {
			log.WithError(err).WithField("child", child.Pid).Warn("failed to kill driver descendant")
		}
	}
	m.mu.Lock()
	recorded := p.children
	m.mu.Unlock()
	for pid, created := range recorded {
		if live[pid] {
			continue
		}
		if err := killIfSame(ctx, pid, created); err != nil {
			log.WithError(err).WithField("child", pid).Warn("failed to kill reparented driver descendant")
		}
	}
	m.metrics.DriverStops.WithLabelValues(p.family.String(), signal).Inc()

	select {
	case <-p.exited:
	case <-time.After(reapWait):
		return fleeterrors.New(fleeterrors.ErrCodeInternal, "driver did not exit after kill").
			WithFamily(p.family).
			WithContext(fleeterrors.KeyPID, p.pid)
	}
	log.WithField("signal", signal).Info("driver stopped")
	return nil
}

// descendants returns every live process below pid.
func descendants(ctx context.Context, pid int32) []*process.Process {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil
	}
	children := make(map[int32][]*process.Process)
	for _, p := range procs {
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], p)
	}
	var out []*process.Process
	queue := []int32{pid}
	seen := map[int32]bool{pid: true}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, c := range children[next] {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			out = append(out, c)
			queue = append(queue, c.Pid)
		}
	}
	return out
}

// trackChildren records the current descendants of p, keeping earlier
// records whose process still exists.
func (m *Manager) trackChildren(ctx context.Context, p *proc) {
	children := make(map[int32]int64)
	for _, c := range descendants(ctx, int32(p.pid)) {
		created, err := c.CreateTimeWithContext(ctx)
		if err != nil {
			continue
		}
		children[c.Pid] = created
	}

	m.mu.Lock()
	prev := p.children
	m.mu.Unlock()
	for pid, created := range prev {
		if _, ok := children[pid]; !ok && sameProcess(ctx, pid, created) {
			children[pid] = created
		}
	}

	m.mu.Lock()
	p.children = children
	m.mu.Unlock()
}

// sameProcess reports whether pid is alive and still the process that was
// created at created, guarding against pid reuse.
func sameProcess(ctx context.Context, pid int32, created int64) bool {
	if !isAlive(ctx, int(pid)) {
		return false
	}
	target, err := process.NewProcessWithContext(context.WithoutCancel(ctx), pid)
	if err != nil {
		return false
	}
	got, err := target.CreateTimeWithContext(context.WithoutCancel(ctx))
	return err == nil && got == created
}

func killIfSame(ctx context.Context, pid int32, created int64) error {
	if !sameProcess(ctx, pid, created) {
		return nil
	}
	target, err := process.NewProcessWithContext(context.WithoutCancel(ctx), pid)
	if err != nil {
		return nil
	}
	if err := target.KillWithContext(context.WithoutCancel(ctx)); err != nil && isAlive(ctx, int(pid)) {
		return err
	}
	return nil
}

// isAlive reports whether pid exists and is not a zombie.
func isAlive(ctx context.Context, pid int) bool {
	ctx = context.WithoutCancel(ctx)
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !ok {
		return false
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return true
	}
	for _, s := range status {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

// browserMarkers are command-line fragments that identify a browser started
// under WebDriver control.
var browserMarkers = []string{
	"--headless",
	"--remote-debugging-port",
	"-marionette",
	"webdriver",
}

// ReapOrphans kills processes owned by this user that were reparented to
// init and are not tracked by the manager: driver executables, and browsers
// whose command line shows they were launched for automation. Such processes
// are left behind by a crashed orchestrator.
func (m *Manager) ReapOrphans(ctx context.Context) ([]int32, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fleeterrors.Wrap(err, fleeterrors.ErrCodeInternal, "list processes")
	}

	names := make(map[string]bool)
	for _, f := range browser.Families() {
		names[strings.TrimSuffix(f.Executable(), ".exe")] = true
		if bin := m.cfg.Driver(f).Binary; bin != "" {
			names[strings.TrimSuffix(filepath.Base(bin), ".exe")] = true
		}
	}

	tracked := map[int32]bool{int32(os.Getpid()): true}
	m.mu.Lock()
	for _, st := range m.families {
		if st.current == nil {
			continue
		}
		tracked[int32(st.current.pid)] = true
		for pid := range st.current.children {
			tracked[pid] = true
		}
	}
	m.mu.Unlock()

	uid := int32(os.Getuid())
	var reaped []int32
	var errs []error
	for _, p := range procs {
		if tracked[p.Pid] {
			continue
		}
		if ppid, err := p.PpidWithContext(ctx); err != nil || ppid != 1 {
			continue
		}
		if uids, err := p.UidsWithContext(ctx); err != nil || len(uids) == 0 || uids[0] != uid {
			continue
		}
		kind := orphanKind(ctx, p, names)
		if kind == "" {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			errs = append(errs, fleeterrors.Wrap(err, fleeterrors.ErrCodeInternal, "kill orphaned "+kind).
				WithContext(fleeterrors.KeyPID, p.Pid))
			continue
		}
		m.log.WithFields(logrus.Fields{"pid": p.Pid, "kind": kind}).Debug("reaped orphan")
		reaped = append(reaped, p.Pid)
	}
	return reaped, errors.Join(errs...)
}

// orphanKind classifies p as "driver", "browser" or neither.
func orphanKind(ctx context.Context, p *process.Process, driverNames map[string]bool) string {
	if name, err := p.NameWithContext(ctx); err == nil && driverNames[strings.TrimSuffix(name, ".exe")] {
		return "driver"
	}
	cmdline, err := p.CmdlineWithContext(ctx)
	if err != nil {
		return ""
	}
	for _, marker := range browserMarkers {
		if strings.Contains(cmdline, marker) {
			return "browser"
		}
	}
	return ""
}
