package transfer

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gossh-gateway/internal/apperr"
	"gossh-gateway/internal/model"
	"gossh-gateway/internal/registry"
)

func newRegistryWithSession(t *testing.T, id string) *registry.Registry {
	t.Helper()
	reg := registry.New(0, zerolog.Nop())
	_, err := reg.Insert(id, model.SessionConfig{
		Hostname: "example.com",
		Port:     22,
		Username: "root",
		Password: "x",
	})
	if err != nil {
		t.Fatalf("insert session: %v", err)
	}
	return reg
}

func TestStartUploadUnknownSession(t *testing.T) {
	reg := registry.New(0, zerolog.Nop())
	c := New(reg, 2, time.Hour)
	_, err := c.StartUpload("nope", "f.txt", "/tmp/f.txt", []byte("hi"))
	if apperr.CodeOf(err) != apperr.SessionNotFound {
		t.Fatalf("expected SessionNotFound, got %v", err)
	}
}

func TestStartUploadFailsWithoutTransport(t *testing.T) {
	reg := newRegistryWithSession(t, "s1")
	c := New(reg, 2, time.Hour)

	id, err := c.StartUpload("s1", "f.txt", "/tmp/f.txt", []byte("hi"))
	if err != nil {
		t.Fatalf("StartUpload should admit before running: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		tr, ok := c.Get(id)
		if ok && tr.Status == model.TransferFailed {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("transfer %s did not reach failed status", id)
}

func TestConcurrencyBoundRejectsSynchronously(t *testing.T) {
	reg := newRegistryWithSession(t, "s1")
	c := New(reg, 1, time.Hour)

	// Claim the only slot directly so the next StartUpload call
	// observes it saturated regardless of how fast the first
	// transfer's goroutine finishes.
	c.sem <- struct{}{}
	defer func() { <-c.sem }()

	_, err := c.StartUpload("s1", "f.txt", "/tmp/f.txt", []byte("hi"))
	if apperr.CodeOf(err) != apperr.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
}

func TestCancelUnknownTransfer(t *testing.T) {
	reg := registry.New(0, zerolog.Nop())
	c := New(reg, 2, time.Hour)
	err := c.Cancel("nope")
	if apperr.CodeOf(err) != apperr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestCancelAlreadyFinished(t *testing.T) {
	reg := newRegistryWithSession(t, "s1")
	c := New(reg, 2, time.Hour)

	id, err := c.StartUpload("s1", "f.txt", "/tmp/f.txt", []byte("hi"))
	if err != nil {
		t.Fatalf("StartUpload: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tr, ok := c.Get(id); ok && tr.Status == model.TransferFailed {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if err := c.Cancel(id); apperr.CodeOf(err) != apperr.InvalidConfig {
		t.Fatalf("expected InvalidConfig for cancelling a finished transfer, got %v", err)
	}
}

func TestRetentionSweepRemovesOldFinishedTransfers(t *testing.T) {
	reg := newRegistryWithSession(t, "s1")
	c := New(reg, 2, time.Millisecond)

	id, err := c.StartUpload("s1", "f.txt", "/tmp/f.txt", []byte("hi"))
	if err != nil {
		t.Fatalf("StartUpload: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tr, ok := c.Get(id); ok && tr.Status == model.TransferFailed {
			break
		}
		time.Sleep(time.Millisecond)
	}

	time.Sleep(5 * time.Millisecond)
	c.sweepOnce()

	if _, ok := c.Get(id); ok {
		t.Fatalf("expected retention sweep to remove finished transfer")
	}
}
