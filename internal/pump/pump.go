// Package pump runs one poller per active shell, draining shell output
// at a fixed cadence and republishing it to the sink that owns that
// session (the Client Link connection that opened it, plus the
// Recorder). It is grounded on ssh/shell.rs's ShellHandler.start_reading
// loop, adapted from a push-driven async task to a ticker over the
// non-blocking sshengine.Transport.ReadFromShell.
package pump

import (
	"context"
	"time"

	"gossh-gateway/internal/registry"
	"gossh-gateway/internal/sshengine"
)

// Sink receives decoded output chunks and read errors for one session.
// Publish reports whether the subscriber is still alive; once it
// returns false the pump exits silently (exit condition 3 below).
type Sink interface {
	Publish(sessionID, chunk string) bool
	SessionClosed(sessionID string, cause error)
}

// Pump spawns per-session pollers against a shared Registry.
type Pump struct {
	registry *registry.Registry
	interval time.Duration
}

// New builds a Pump.
func New(reg *registry.Registry, interval time.Duration) *Pump {
	return &Pump{registry: reg, interval: interval}
}

// Spawn starts one poller for sessionID, publishing to sink. It runs
// until ctx is canceled or one of its own exit conditions fires.
func (p *Pump) Spawn(ctx context.Context, sessionID string, sink Sink) {
	go p.run(ctx, sessionID, sink)
}

// Exit conditions, checked in this order on every tick: (1) the session
// is no longer in the registry; (2) read_from_shell fails fatally; (3)
// the subscriber reports itself closed. None of these holds the session
// lock across ticks — each poll re-acquires it.
func (p *Pump) run(ctx context.Context, sessionID string, sink Sink) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.poll(sessionID, sink) {
				return
			}
		}
	}
}

func (p *Pump) poll(sessionID string, sink Sink) bool {
	sess, ok := p.registry.Get(sessionID)
	if !ok {
		return false
	}

	sess.Lock()
	t := sess.Transport()
	if t == nil || !sess.Connected() {
		sess.Unlock()
		return false
	}
	chunk, err := t.ReadFromShell()
	sess.Unlock()
	if err != nil {
		sink.SessionClosed(sessionID, err)
		return false
	}
	if chunk == nil {
		return true
	}

	sess.Touch()
	return sink.Publish(sessionID, sshengine.DecodeLossy(chunk))
}
