// Package transfer coordinates SFTP uploads and downloads across
// sessions under a bounded concurrency limit, grounded on transfer.rs's
// TransferManager. Each transfer runs on its own goroutine guarded by a
// buffered-channel semaphore — the Go equivalent of the original's
// tokio::sync::Semaphore — rather than a fixed worker pool, so a burst
// of small transfers doesn't wait behind large ones queued earlier.
package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"gossh-gateway/internal/apperr"
	"gossh-gateway/internal/model"
	"gossh-gateway/internal/registry"
)

type record struct {
	mu     sync.Mutex
	entry  model.Transfer
	cancel context.CancelFunc
	result []byte // populated once a download completes
}

// Coordinator runs and tracks transfers.
type Coordinator struct {
	registry  *registry.Registry
	sem       chan struct{}
	retention time.Duration

	mu        sync.Mutex
	transfers map[string]*record
}

// New builds a Coordinator bounding concurrent transfers at
// maxConcurrent and retaining finished transfer records for retention
// before RunRetentionSweep reaps them.
func New(reg *registry.Registry, maxConcurrent int, retention time.Duration) *Coordinator {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Coordinator{
		registry:  reg,
		sem:       make(chan struct{}, maxConcurrent),
		retention: retention,
		transfers: make(map[string]*record),
	}
}

func (c *Coordinator) newRecord(sessionID, name, remotePath string, dir model.TransferDirection, size int64) *record {
	rec := &record{entry: model.Transfer{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Direction:  dir,
		Name:       name,
		RemotePath: remotePath,
		Size:       size,
		Status:     model.TransferPending,
		StartTime:  time.Now(),
	}}
	c.mu.Lock()
	c.transfers[rec.entry.ID] = rec
	c.mu.Unlock()
	return rec
}

// StartUpload admits data for upload to remotePath over sessionID's
// transport and returns the new transfer's ID immediately, or fails
// synchronously with ResourceExhausted if the concurrency bound is
// already saturated.
func (c *Coordinator) StartUpload(sessionID, name, remotePath string, data []byte) (string, error) {
	sess, err := c.registry.MustGet(sessionID)
	if err != nil {
		return "", err
	}
	if err := c.acquire(); err != nil {
		return "", err
	}

	rec := c.newRecord(sessionID, name, remotePath, model.Upload, int64(len(data)))
	ctx, cancel := context.WithCancel(context.Background())
	rec.mu.Lock()
	rec.cancel = cancel
	rec.mu.Unlock()

	go c.run(ctx, rec, func() error {
		sess.Lock()
		defer sess.Unlock()
		t := sess.Transport()
		if t == nil {
			return apperr.New(apperr.ConnectionFailed, "session not connected")
		}
		return t.UploadFile(remotePath, data)
	})
	return rec.entry.ID, nil
}

// StartDownload admits remotePath for download over sessionID's
// transport and returns the new transfer's ID immediately, or fails
// synchronously with ResourceExhausted if the concurrency bound is
// already saturated. Fetch the bytes afterward with Result.
func (c *Coordinator) StartDownload(sessionID, name, remotePath string) (string, error) {
	sess, err := c.registry.MustGet(sessionID)
	if err != nil {
		return "", err
	}
	if err := c.acquire(); err != nil {
		return "", err
	}

	rec := c.newRecord(sessionID, name, remotePath, model.Download, 0)
	ctx, cancel := context.WithCancel(context.Background())
	rec.mu.Lock()
	rec.cancel = cancel
	rec.mu.Unlock()

	go c.run(ctx, rec, func() error {
		sess.Lock()
		defer sess.Unlock()
		t := sess.Transport()
		if t == nil {
			return apperr.New(apperr.ConnectionFailed, "session not connected")
		}
		data, err := t.DownloadFile(remotePath)
		if err != nil {
			return err
		}
		rec.mu.Lock()
		rec.result = data
		rec.entry.Size = int64(len(data))
		rec.mu.Unlock()
		return nil
	})
	return rec.entry.ID, nil
}

// acquire claims one concurrency slot without blocking, failing
// synchronously when the bound is already saturated.
func (c *Coordinator) acquire() error {
	select {
	case c.sem <- struct{}{}:
		return nil
	default:
		return apperr.New(apperr.ResourceExhausted, "max concurrent transfers reached")
	}
}

// run assumes its caller has already claimed a slot via acquire and
// releases it on return. A cancellation that lands after work has
// started is recorded as soon as it's observed, but the underlying
// SFTP call (pkg/sftp has no per-call context plumbing) keeps running
// in the background until it returns.
func (c *Coordinator) run(ctx context.Context, rec *record, work func() error) {
	defer func() { <-c.sem }()

	rec.mu.Lock()
	rec.entry.Status = model.TransferInProgress
	rec.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- work() }()

	select {
	case <-ctx.Done():
		c.finish(rec, model.TransferCancelled, "cancelled")
	case err := <-done:
		if err != nil {
			c.finish(rec, model.TransferFailed, err.Error())
			return
		}
		rec.mu.Lock()
		rec.entry.Transferred = rec.entry.Size
		rec.mu.Unlock()
		c.finish(rec, model.TransferCompleted, "")
	}
}

func (c *Coordinator) finish(rec *record, status model.TransferStatus, errMsg string) {
	rec.mu.Lock()
	rec.entry.Status = status
	rec.entry.Error = errMsg
	end := time.Now()
	rec.entry.EndTime = &end
	rec.mu.Unlock()
}

// Cancel requests cancellation of an in-flight transfer. Returns an
// error if the transfer is unknown or already finished.
func (c *Coordinator) Cancel(transferID string) error {
	c.mu.Lock()
	rec, ok := c.transfers[transferID]
	c.mu.Unlock()
	if !ok {
		return apperr.New(apperr.NotFound, "no such transfer: "+transferID)
	}

	rec.mu.Lock()
	cancel := rec.cancel
	status := rec.entry.Status
	rec.mu.Unlock()

	if status == model.TransferCompleted || status == model.TransferFailed || status == model.TransferCancelled {
		return apperr.New(apperr.InvalidConfig, "transfer already finished")
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// Get returns a snapshot of one transfer's state.
func (c *Coordinator) Get(transferID string) (model.Transfer, bool) {
	c.mu.Lock()
	rec, ok := c.transfers[transferID]
	c.mu.Unlock()
	if !ok {
		return model.Transfer{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.entry, true
}

// Result returns a completed download's bytes. ok is false if the
// transfer is unknown or not yet completed.
func (c *Coordinator) Result(transferID string) (data []byte, ok bool) {
	c.mu.Lock()
	rec, found := c.transfers[transferID]
	c.mu.Unlock()
	if !found {
		return nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.result, rec.entry.Status == model.TransferCompleted
}

// List returns a snapshot of every tracked transfer.
func (c *Coordinator) List() []model.Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Transfer, 0, len(c.transfers))
	for _, rec := range c.transfers {
		rec.mu.Lock()
		out = append(out, rec.entry)
		rec.mu.Unlock()
	}
	return out
}

// RunRetentionSweep removes finished transfer records older than
// retention, once per interval, until ctx is canceled.
func (c *Coordinator) RunRetentionSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce()
		}
	}
}

func (c *Coordinator) sweepOnce() {
	cutoff := time.Now().Add(-c.retention)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, rec := range c.transfers {
		rec.mu.Lock()
		finished := rec.entry.Status == model.TransferCompleted ||
			rec.entry.Status == model.TransferFailed ||
			rec.entry.Status == model.TransferCancelled
		end := rec.entry.EndTime
		rec.mu.Unlock()

		if finished && end != nil && end.Before(cutoff) {
			delete(c.transfers, id)
		}
	}
}
