package pool

import (
	"context"
	"sync"
	"time"

	"github.com/odvcencio/browserfleet/pkg/browser"
	fleeterrors "github.com/odvcencio/browserfleet/pkg/errors"
)

// Stats is a point-in-time view of one family's connections and counters.
type Stats struct {
	Family              browser.Family `json:"family"`
	Total               int            `json:"total"`
	Idle                int            `json:"idle"`
	InUse               int            `json:"in_use"`
	Creating            int            `json:"creating"`
	Acquisitions        uint64         `json:"acquisitions"`
	Reused              uint64         `json:"reused"`
	Created             uint64         `json:"created"`
	Releases            uint64         `json:"releases"`
	Timeouts            uint64         `json:"timeouts"`
	HealthCheckFailures uint64         `json:"health_check_failures"`
	Evictions           uint64         `json:"evictions"`
	Destroyed           uint64         `json:"destroyed"`
}

// Stats returns per-family statistics.
func (p *Pool) Stats() map[browser.Family]Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[browser.Family]Stats, len(p.families))
	for f, fp := range p.families {
		s := fp.stats
		s.Idle = len(fp.idle)
		s.InUse = len(fp.inUse)
		s.Creating = fp.creating
		s.Total = fp.total()
		out[f] = s
	}
	return out
}

func (p *Pool) evictLoop() {
	defer close(p.evictorDone)
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.lifeCtx.Done():
			return
		case <-ticker.C:
			if n := p.EvictIdle(); n > 0 {
				p.log.WithField("evicted", n).Debug("evicted idle connections")
			}
		}
	}
}

// EvictIdle closes idle connections unused for longer than the idle timeout
// and returns how many were closed.
func (p *Pool) EvictIdle() int {
	now := time.Now()
	var expired []*Conn
	p.mu.Lock()
	for f, fp := range p.families {
		kept := fp.idle[:0]
		for _, c := range fp.idle {
			if p.expired(c, now) {
				expired = append(expired, c)
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) != len(fp.idle) {
			fp.idle = kept
			fp.broadcast()
			p.updateGaugesLocked(f, fp)
		}
	}
	p.mu.Unlock()

	for _, c := range expired {
		p.closeConn(c, reasonIdle)
	}
	return len(expired)
}

// Drain closes every idle connection of family f, typically because its
// driver stopped. Checked-out connections are untouched; they are dropped
// when next reused against a different endpoint or released unhealthy.
func (p *Pool) Drain(f browser.Family) int {
	p.mu.Lock()
	fp, ok := p.families[f]
	if !ok {
		p.mu.Unlock()
		return 0
	}
	idle := fp.idle
	fp.idle = nil
	fp.broadcast()
	p.updateGaugesLocked(f, fp)
	p.mu.Unlock()

	for _, c := range idle {
		p.closeConn(c, reasonDrain)
	}
	if len(idle) > 0 {
		p.log.WithField("family", f.String()).WithField("closed", len(idle)).Info("drained idle connections")
	}
	return len(idle)
}

// Close stops the evictor and closes every connection, including those
// still checked out. Releasing a connection after Close is a no-op.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var conns []*Conn
	for f, fp := range p.families {
		conns = append(conns, fp.idle...)
		fp.idle = nil
		for id, c := range fp.inUse {
			c.inUse = false
			c.closed = true
			conns = append(conns, c)
			delete(fp.inUse, id)
		}
		fp.broadcast()
		p.updateGaugesLocked(f, fp)
	}
	p.mu.Unlock()

	p.lifeCancel()
	if p.evictorDone != nil {
		<-p.evictorDone
	}

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, c := range conns {
			wg.Add(1)
			go func(c *Conn) {
				defer wg.Done()
				p.closeConn(c, reasonClose)
			}(c)
		}
		wg.Wait()
		p.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.WithField("closed", len(conns)).Info("connection pool closed")
		return nil
	case <-ctx.Done():
		return fleeterrors.Wrap(ctx.Err(), fleeterrors.ErrCodeInternal, "connection pool close interrupted").
			WithContext("pending", len(conns))
	}
}
