package driver

import (
	"context"
	"io"
	"os/exec"
	"time"

	"golang.org/x/time/rate"

	"github.com/odvcencio/browserfleet/pkg/browser"
)

// Process is an immutable copy of a supervised driver's state.
type Process struct {
	Family              browser.Family       `json:"family"`
	PID                 int                  `json:"pid,omitempty"`
	Port                int                  `json:"port,omitempty"`
	Endpoint            string               `json:"endpoint,omitempty"`
	Binary              string               `json:"binary,omitempty"`
	Status              browser.HealthStatus `json:"status"`
	StartedAt           time.Time            `json:"started_at,omitempty"`
	LastHealthCheck     time.Time            `json:"last_health_check,omitempty"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	Restarts            int                  `json:"restarts"`
	Exhausted           bool                 `json:"exhausted,omitempty"`
}

// StartResult is the per-family outcome of Start.
type StartResult struct {
	Process Process
	Err     error
}

// Snapshot is a consistent view of every tracked driver. Snapshots are
// published atomically and never modified after publication.
type Snapshot struct {
	Version   uint64
	Endpoints []browser.Endpoint // healthy only, priority order
	Processes []Process          // every tracked family, priority order
}

// Endpoint returns the healthy endpoint for f, if any.
func (s Snapshot) Endpoint(f browser.Family) (browser.Endpoint, bool) {
	for _, ep := range s.Endpoints {
		if ep.Family == f {
			return ep, true
		}
	}
	return browser.Endpoint{}, false
}

// Process returns the record for f, if tracked.
func (s Snapshot) Process(f browser.Family) (Process, bool) {
	for _, p := range s.Processes {
		if p.Family == f {
			return p, true
		}
	}
	return Process{}, false
}

func (s *Snapshot) clone() Snapshot {
	return Snapshot{
		Version:   s.Version,
		Endpoints: append([]browser.Endpoint(nil), s.Endpoints...),
		Processes: append([]Process(nil), s.Processes...),
	}
}

// proc is the live, mutable record of one spawned driver. Fields other than
// the immutable identity are guarded by Manager.mu.
type proc struct {
	family    browser.Family
	cmd       *exec.Cmd
	pid       int
	port      int
	endpoint  string
	binary    string
	startedAt time.Time
	output    io.Closer

	status    browser.HealthStatus
	lastCheck time.Time
	failures  int
	stopping  bool

	ctx    context.Context
	cancel context.CancelCauseFunc

	exited  chan struct{}
	exitErr error // written before exited is closed

	// children maps descendant pids to their create time, so they can be
	// found after the driver exits and they are reparented.
	children map[int32]int64
}

// familyState tracks one family across process generations.
type familyState struct {
	family     browser.Family
	current    *proc
	restarts   int
	exhausted  bool
	restarting bool
	held       bool // stopped on request; no automatic restart
	limiter    *rate.Limiter
}

func (st *familyState) record() (Process, bool) {
	p := st.current
	if p == nil {
		if !st.exhausted {
			return Process{}, false
		}
		return Process{
			Family:    st.family,
			Status:    browser.StatusUnhealthy,
			Restarts:  st.restarts,
			Exhausted: true,
		}, true
	}
	status := p.status
	if st.exhausted {
		status = browser.StatusUnhealthy
	}
	return Process{
		Family:              p.family,
		PID:                 p.pid,
		Port:                p.port,
		Endpoint:            p.endpoint,
		Binary:              p.binary,
		Status:              status,
		StartedAt:           p.startedAt,
		LastHealthCheck:     p.lastCheck,
		ConsecutiveFailures: p.failures,
		Restarts:            st.restarts,
		Exhausted:           st.exhausted,
	}, true
}
