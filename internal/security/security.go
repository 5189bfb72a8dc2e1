// Package security implements the gateway's admission gate: a sliding
// window rate limiter, account lockout on repeated auth failures, a
// per-IP connection counter against connection-exhaustion abuse, and an
// SSH host key fingerprint trust store. It is grounded on security.rs's
// SecurityManager, Go-ified from async-mutex-guarded HashMaps to
// sync.Mutex-guarded maps with the same sliding-window arithmetic.
package security

import (
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"gossh-gateway/internal/apperr"
)

// EventKind classifies one entry in the security event ring.
type EventKind string

const (
	EventRateLimited          EventKind = "rate_limited"
	EventLockout              EventKind = "account_locked"
	EventConnectionRejected   EventKind = "connection_rejected"
	EventUntrustedFingerprint EventKind = "untrusted_fingerprint"
	EventAuthFailure          EventKind = "auth_failure"
)

// Event is one recorded security-relevant occurrence.
type Event struct {
	Timestamp time.Time
	Kind      EventKind
	Key       string
	Detail    string
}

const maxEvents = 1000

type rateState struct {
	hits         []time.Time
	blockedUntil time.Time
}

type lockoutState struct {
	failures    []time.Time
	lockedUntil time.Time
}

// Gate is the admission gate. Every method is safe for concurrent use.
type Gate struct {
	mu sync.Mutex

	rate      map[string]*rateState
	lockout   map[string]*lockoutState
	connsByIP map[string]int
	trusted   map[string]map[string]bool // username -> set of trusted fingerprints
	events    []Event

	rateLimitPerMinute int
	rateLimitBlock     time.Duration
	lockoutThreshold   int
	lockoutWindow      time.Duration
	maxConnsPerIP      int
	requireFingerprint bool
}

// Options configures a Gate. Zero (or negative) limits and windows fall
// back to the gateway defaults (60 requests/min with a 5m block, lockout
// after 5 failures for 15m, 10 connections per IP), so a gate built
// without config.Config handy still admits traffic.
type Options struct {
	RateLimitPerMinute int
	RateLimitBlock     time.Duration
	LockoutThreshold   int
	LockoutWindow      time.Duration
	MaxConnsPerIP      int
	RequireFingerprint bool

	// TrustedFingerprints seeds the per-user trust store at startup,
	// keyed by username, so RequireFingerprint can be enabled without
	// every user hitting an untrusted-key rejection on their first
	// connection. Provisioned from config.Config.TrustedFingerprints.
	TrustedFingerprints map[string][]string
}

// New builds a Gate from Options.
func New(opts Options) *Gate {
	if opts.RateLimitPerMinute <= 0 {
		opts.RateLimitPerMinute = 60
	}
	if opts.RateLimitBlock <= 0 {
		opts.RateLimitBlock = 5 * time.Minute
	}
	if opts.LockoutThreshold <= 0 {
		opts.LockoutThreshold = 5
	}
	if opts.LockoutWindow <= 0 {
		opts.LockoutWindow = 15 * time.Minute
	}
	if opts.MaxConnsPerIP <= 0 {
		opts.MaxConnsPerIP = 10
	}
	g := &Gate{
		rate:               make(map[string]*rateState),
		lockout:            make(map[string]*lockoutState),
		connsByIP:          make(map[string]int),
		trusted:            make(map[string]map[string]bool),
		rateLimitPerMinute: opts.RateLimitPerMinute,
		rateLimitBlock:     opts.RateLimitBlock,
		lockoutThreshold:   opts.LockoutThreshold,
		lockoutWindow:      opts.LockoutWindow,
		maxConnsPerIP:      opts.MaxConnsPerIP,
		requireFingerprint: opts.RequireFingerprint,
	}
	for user, fps := range opts.TrustedFingerprints {
		for _, fp := range fps {
			g.TrustFingerprint(user, fp)
		}
	}
	return g
}

// AllowRate reports whether key (typically an IP or a user ID) may
// proceed under the sliding-window rate limit. Exceeding the limit
// blocks key for RateLimitBlock regardless of further traffic.
func (g *Gate) AllowRate(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	st := g.rate[key]
	if st == nil {
		st = &rateState{}
		g.rate[key] = st
	}
	if now.Before(st.blockedUntil) {
		return false
	}

	cutoff := now.Add(-time.Minute)
	kept := st.hits[:0]
	for _, t := range st.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.hits = kept

	if len(st.hits) >= g.rateLimitPerMinute {
		st.blockedUntil = now.Add(g.rateLimitBlock)
		g.recordLocked(EventRateLimited, key, "exceeded rate limit")
		return false
	}
	st.hits = append(st.hits, now)
	return true
}

// RecordAuthFailure counts one failed authentication attempt against
// account, locking it out once lockoutThreshold is reached within
// lockoutWindow.
func (g *Gate) RecordAuthFailure(account string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	st := g.lockout[account]
	if st == nil {
		st = &lockoutState{}
		g.lockout[account] = st
	}

	cutoff := now.Add(-g.lockoutWindow)
	kept := st.failures[:0]
	for _, t := range st.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.failures = append(kept, now)
	g.recordLocked(EventAuthFailure, account, "")

	if len(st.failures) >= g.lockoutThreshold {
		st.lockedUntil = now.Add(g.lockoutWindow)
		g.recordLocked(EventLockout, account, "too many failed attempts")
	}
}

// ResetAuthFailures clears account's failure history, called after a
// successful authentication.
func (g *Gate) ResetAuthFailures(account string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.lockout, account)
}

// IsLockedOut reports whether account is currently locked out.
func (g *Gate) IsLockedOut(account string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.lockout[account]
	if !ok {
		return false
	}
	return time.Now().Before(st.lockedUntil)
}

// AcquireConnection admits one more connection from ip, rejecting it if
// ip is already at MaxConnsPerIP. Pair with ReleaseConnection.
func (g *Gate) AcquireConnection(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connsByIP[ip] >= g.maxConnsPerIP {
		g.recordLocked(EventConnectionRejected, ip, "per-ip connection limit reached")
		return false
	}
	g.connsByIP[ip]++
	return true
}

// ReleaseConnection returns one connection slot for ip.
func (g *Gate) ReleaseConnection(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c := g.connsByIP[ip]; c > 0 {
		g.connsByIP[ip] = c - 1
	}
}

// Fingerprint computes the trust-store key for an SSH host key: the
// algorithm name (spec.md's FingerprintAlgorithm default, SHA-256) over
// the key's wire encoding, base64-encoded.
func Fingerprint(key ssh.PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// TrustFingerprint marks fp as trusted for user, e.g. on first
// connection to a host when verification is not required, or via an
// explicit administrative action (config.Config.TrustedFingerprints).
func (g *Gate) TrustFingerprint(user, fp string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.trusted[user] == nil {
		g.trusted[user] = make(map[string]bool)
	}
	g.trusted[user][fp] = true
}

// IsTrusted reports whether fp is in user's trust store.
func (g *Gate) IsTrusted(user, fp string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.trusted[user][fp]
}

// VerifyHostKey is an sshengine.HostKeyVerifier: when fingerprint
// verification is required, it accepts only keys already trusted for
// user; when not required, it trusts on first use and records the
// fingerprint under user. The trust store is per-user rather than
// global so one operator's TOFU acceptance of a host key never grants
// another operator an implicit trust decision they never made.
func (g *Gate) VerifyHostKey(user, hostname string, key ssh.PublicKey) error {
	fp := Fingerprint(key)

	if !g.requireFingerprint {
		g.TrustFingerprint(user, fp)
		return nil
	}
	if g.IsTrusted(user, fp) {
		return nil
	}

	g.mu.Lock()
	g.recordLocked(EventUntrustedFingerprint, user+"@"+hostname, fp)
	g.mu.Unlock()
	return apperr.New(apperr.AuthFailed, "untrusted host key fingerprint for "+user+": "+fp)
}

func (g *Gate) recordLocked(kind EventKind, key, detail string) {
	g.events = append(g.events, Event{Timestamp: time.Now(), Kind: kind, Key: key, Detail: detail})
	if len(g.events) > maxEvents {
		g.events = g.events[len(g.events)-maxEvents:]
	}
}

// Events returns a snapshot of the security event ring, most recent last.
func (g *Gate) Events() []Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Event, len(g.events))
	copy(out, g.events)
	return out
}
