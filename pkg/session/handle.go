package session

import (
	"context"
	"time"

	"github.com/odvcencio/browserfleet/pkg/browser"
	"github.com/odvcencio/browserfleet/pkg/pool"
	"github.com/odvcencio/browserfleet/pkg/webdriver"
)

// Handle is a caller's view of a bound session. It stays valid until the
// session ends, is invalidated or its driver stops.
type Handle struct {
	sessionID string
	family    browser.Family
	conn      *pool.Conn
	life      context.Context
}

func newHandle(b *binding) *Handle {
	return &Handle{
		sessionID: b.id,
		family:    b.family,
		conn:      b.conn,
		life:      b.life,
	}
}

func (h *Handle) SessionID() string       { return h.sessionID }
func (h *Handle) Family() browser.Family  { return h.family }
func (h *Handle) Endpoint() string        { return h.conn.Endpoint() }
func (h *Handle) Conn() *pool.Conn        { return h.conn }
func (h *Handle) ProtocolSession() string { return h.conn.ProtocolSession() }

// WebDriver returns the protocol session when connections are WebDriver
// sessions.
func (h *Handle) WebDriver() (*webdriver.Session, bool) {
	return h.conn.WebDriver()
}

// Context is cancelled when the session's driver begins stopping or exits.
// Work done on the session's behalf should derive from it.
func (h *Handle) Context() context.Context {
	return h.life
}

// Err reports why the handle can no longer be used: a DRIVER_STOPPING error
// once the driver is going away, nil before.
func (h *Handle) Err() error {
	if h.life.Err() == nil {
		return nil
	}
	if cause := context.Cause(h.life); cause != nil {
		return stoppingErr(cause, h.sessionID, h.family)
	}
	return stoppingErr(h.life.Err(), h.sessionID, h.family)
}

// janitor ends sessions idle for longer than the idle timeout.
func (m *Manager) janitor(ctx context.Context) {
	defer close(m.janitorDone)
	ticker := time.NewTicker(m.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EndIdle()
		}
	}
}

// EndIdle ends every session unused for longer than the idle timeout and
// returns their ids.
func (m *Manager) EndIdle() []string {
	if m.cfg.IdleTimeout <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)
	var idle []string
	m.mu.Lock()
	for id, b := range m.sessions {
		if b.lastUsed.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	stillIdle := func(b *binding) bool { return b.lastUsed.Before(cutoff) }
	var ended []string
	for _, id := range idle {
		if err := m.end(id, stillIdle); err == nil {
			ended = append(ended, id)
		}
	}
	if len(ended) > 0 {
		m.log.WithField("sessions", ended).Info("ended idle sessions")
	}
	return ended
}

func (m *Manager) stopJanitor() {
	if m.janitorCancel == nil {
		return
	}
	m.janitorCancel()
	<-m.janitorDone
}
