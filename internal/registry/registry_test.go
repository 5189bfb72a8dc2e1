package registry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gossh-gateway/internal/apperr"
	"gossh-gateway/internal/model"
)

func validConfig() model.SessionConfig {
	return model.SessionConfig{
		Hostname: "example.com",
		Port:     22,
		Username: "root",
		Password: "hunter2",
	}
}

func TestInsertValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  model.SessionConfig
		want apperr.Code
	}{
		{"empty hostname", model.SessionConfig{Username: "root", Port: 22, Password: "x"}, apperr.InvalidConfig},
		{"empty username", model.SessionConfig{Hostname: "h", Port: 22, Password: "x"}, apperr.InvalidConfig},
		{"zero port", model.SessionConfig{Hostname: "h", Username: "root", Password: "x"}, apperr.InvalidConfig},
		{"neither secret", model.SessionConfig{Hostname: "h", Username: "root", Port: 22}, apperr.InvalidConfig},
		{"both secrets", model.SessionConfig{Hostname: "h", Username: "root", Port: 22, Password: "x", PrivateKey: "y"}, apperr.InvalidConfig},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := New(0, zerolog.Nop())
			_, err := r.Insert("s1", tc.cfg)
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if got := apperr.CodeOf(err); got != tc.want {
				t.Fatalf("code = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestInsertDuplicateReplaces(t *testing.T) {
	r := New(0, zerolog.Nop())
	first, err := r.Insert("s1", validConfig())
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	first.Lock()
	first.connected = true
	first.Unlock()

	second, err := r.Insert("s1", validConfig())
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if second == first {
		t.Fatalf("expected a fresh session, got the same pointer")
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}

	got, ok := r.Get("s1")
	if !ok || got != second {
		t.Fatalf("registry did not retain the replacement session")
	}
	first.Lock()
	if first.connected {
		t.Fatalf("old session should be marked disconnected after replacement")
	}
	first.Unlock()
}

func TestMustGetMissing(t *testing.T) {
	r := New(0, zerolog.Nop())
	_, err := r.MustGet("nope")
	if apperr.CodeOf(err) != apperr.SessionNotFound {
		t.Fatalf("expected SessionNotFound, got %v", err)
	}
}

func TestSweepReapsIdleSessions(t *testing.T) {
	r := New(10 * time.Millisecond, zerolog.Nop())
	if _, err := r.Insert("idle", validConfig()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	reaped := r.Sweep()
	if len(reaped) != 1 || reaped[0] != "idle" {
		t.Fatalf("Sweep() = %v, want [idle]", reaped)
	}
	if _, ok := r.Get("idle"); ok {
		t.Fatalf("session should have been removed")
	}
}

func TestSweepLeavesActiveSessions(t *testing.T) {
	r := New(50 * time.Millisecond, zerolog.Nop())
	if _, err := r.Insert("active", validConfig()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if reaped := r.Sweep(); len(reaped) != 0 {
		t.Fatalf("Sweep() reaped %v too early", reaped)
	}
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	r := New(time.Millisecond, zerolog.Nop())
	if _, err := r.Insert("s1", validConfig()); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSweeper did not return after context cancellation")
	}
	if r.Len() != 0 {
		t.Fatalf("expected idle session to be reaped, Len() = %d", r.Len())
	}
}

func TestShutdownClearsRegistry(t *testing.T) {
	r := New(0, zerolog.Nop())
	r.Insert("s1", validConfig())
	r.Insert("s2", validConfig())
	r.Shutdown()
	if r.Len() != 0 {
		t.Fatalf("Len() = %d after Shutdown, want 0", r.Len())
	}
}
