package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"gossh-gateway/internal/apperr"
)

func testPublicKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("ssh.NewPublicKey: %v", err)
	}
	return sshPub
}

func TestAllowRateWithinLimit(t *testing.T) {
	g := New(Options{RateLimitPerMinute: 3, RateLimitBlock: time.Minute})
	for i := 0; i < 3; i++ {
		if !g.AllowRate("1.2.3.4") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestAllowRateBlocksAfterLimit(t *testing.T) {
	g := New(Options{RateLimitPerMinute: 2, RateLimitBlock: time.Minute})
	g.AllowRate("1.2.3.4")
	g.AllowRate("1.2.3.4")
	if g.AllowRate("1.2.3.4") {
		t.Fatalf("third request should be blocked")
	}
	// Blocked regardless of further attempts within the block window.
	if g.AllowRate("1.2.3.4") {
		t.Fatalf("still within block window, should remain blocked")
	}
}

func TestAllowRateIsolatedPerKey(t *testing.T) {
	g := New(Options{RateLimitPerMinute: 1, RateLimitBlock: time.Minute})
	if !g.AllowRate("a") {
		t.Fatalf("first request for a should be allowed")
	}
	if !g.AllowRate("b") {
		t.Fatalf("first request for b should be allowed independently of a")
	}
}

func TestLockoutAfterThreshold(t *testing.T) {
	g := New(Options{LockoutThreshold: 3, LockoutWindow: time.Minute})
	for i := 0; i < 2; i++ {
		g.RecordAuthFailure("alice")
		if g.IsLockedOut("alice") {
			t.Fatalf("should not be locked out after %d failures", i+1)
		}
	}
	g.RecordAuthFailure("alice")
	if !g.IsLockedOut("alice") {
		t.Fatalf("expected lockout after reaching threshold")
	}
}

func TestResetAuthFailuresClearsLockout(t *testing.T) {
	g := New(Options{LockoutThreshold: 1, LockoutWindow: time.Minute})
	g.RecordAuthFailure("alice")
	if !g.IsLockedOut("alice") {
		t.Fatalf("expected lockout")
	}
	g.ResetAuthFailures("alice")
	if g.IsLockedOut("alice") {
		t.Fatalf("expected lockout to be cleared after reset")
	}
}

func TestAcquireReleaseConnectionBound(t *testing.T) {
	g := New(Options{MaxConnsPerIP: 2})
	if !g.AcquireConnection("1.2.3.4") {
		t.Fatalf("first connection should be admitted")
	}
	if !g.AcquireConnection("1.2.3.4") {
		t.Fatalf("second connection should be admitted")
	}
	if g.AcquireConnection("1.2.3.4") {
		t.Fatalf("third connection should be rejected")
	}
	g.ReleaseConnection("1.2.3.4")
	if !g.AcquireConnection("1.2.3.4") {
		t.Fatalf("connection should be admitted again after a release")
	}
}

func TestFingerprintIsDeterministic(t *testing.T) {
	key := testPublicKey(t)
	fp1 := Fingerprint(key)
	fp2 := Fingerprint(key)
	if fp1 != fp2 {
		t.Fatalf("Fingerprint is not deterministic: %s != %s", fp1, fp2)
	}
	if fp1[:7] != "SHA256:" {
		t.Fatalf("expected SHA256: prefix, got %s", fp1)
	}
}

func TestVerifyHostKeyTrustOnFirstUseWhenNotRequired(t *testing.T) {
	g := New(Options{RequireFingerprint: false})
	key := testPublicKey(t)
	if err := g.VerifyHostKey("alice", "example.com", key); err != nil {
		t.Fatalf("VerifyHostKey: %v", err)
	}
	if !g.IsTrusted("alice", Fingerprint(key)) {
		t.Fatalf("expected key to be trusted after first use")
	}
}

func TestVerifyHostKeyRejectsUntrustedWhenRequired(t *testing.T) {
	g := New(Options{RequireFingerprint: true})
	key := testPublicKey(t)
	err := g.VerifyHostKey("alice", "example.com", key)
	if apperr.CodeOf(err) != apperr.AuthFailed {
		t.Fatalf("expected AuthFailed for an untrusted key, got %v", err)
	}
}

func TestVerifyHostKeyAcceptsPreTrustedWhenRequired(t *testing.T) {
	g := New(Options{RequireFingerprint: true})
	key := testPublicKey(t)
	g.TrustFingerprint("alice", Fingerprint(key))
	if err := g.VerifyHostKey("alice", "example.com", key); err != nil {
		t.Fatalf("expected pre-trusted key to verify, got %v", err)
	}
}

func TestVerifyHostKeyTrustIsPerUser(t *testing.T) {
	g := New(Options{RequireFingerprint: true})
	key := testPublicKey(t)
	g.TrustFingerprint("alice", Fingerprint(key))
	if err := g.VerifyHostKey("bob", "example.com", key); apperr.CodeOf(err) != apperr.AuthFailed {
		t.Fatalf("expected alice's trust decision to leave the key untrusted for bob, got %v", err)
	}
}

func TestNewSeedsTrustedFingerprintsFromOptions(t *testing.T) {
	key := testPublicKey(t)
	g := New(Options{
		RequireFingerprint:  true,
		TrustedFingerprints: map[string][]string{"alice": {Fingerprint(key)}},
	})
	if err := g.VerifyHostKey("alice", "example.com", key); err != nil {
		t.Fatalf("expected seeded fingerprint to verify, got %v", err)
	}
}

func TestEventsAreRecorded(t *testing.T) {
	g := New(Options{RateLimitPerMinute: 1, RateLimitBlock: time.Minute})
	g.AllowRate("1.2.3.4")
	g.AllowRate("1.2.3.4") // triggers EventRateLimited

	events := g.Events()
	found := false
	for _, e := range events {
		if e.Kind == EventRateLimited && e.Key == "1.2.3.4" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a rate_limited event, got %+v", events)
	}
}
