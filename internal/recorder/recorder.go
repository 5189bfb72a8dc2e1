// Package recorder persists one append-only JSONL event log per
// recorded session plus a pretty-printed JSON metadata sidecar, the same
// on-disk layout as recording.rs's RecordingManager. Each recording is
// capped at a fixed byte size — once reached, writing simply stops
// rather than rotating to a new file — and recordings older than the
// retention window are swept away on an hourly timer.
package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gossh-gateway/internal/apperr"
	"gossh-gateway/internal/model"
)

type activeRecording struct {
	mu      sync.Mutex
	meta    model.RecordingMetadata
	file    *os.File
	writer  *bufio.Writer
	full    bool
}

// Recorder manages the recordings directory.
type Recorder struct {
	dir     string
	sizeCap int64
	retain  time.Duration

	mu     sync.Mutex
	active map[string]*activeRecording // keyed by session ID
}

// New ensures dir exists and returns a Recorder over it.
func New(dir string, sizeCap int64, retain time.Duration) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "failed to create recordings directory", err)
	}
	return &Recorder{
		dir:     dir,
		sizeCap: sizeCap,
		retain:  retain,
		active:  make(map[string]*activeRecording),
	}, nil
}

func (r *Recorder) eventLogPath(recordingID string) string {
	return filepath.Join(r.dir, recordingID+".jsonl")
}

func (r *Recorder) metadataPath(recordingID string) string {
	return filepath.Join(r.dir, recordingID+".meta.json")
}

// Start begins a new recording for sessionID, returning its recording ID.
func (r *Recorder) Start(sessionID, userID, host string, cols, rows uint16) (string, error) {
	recordingID := uuid.NewString()

	f, err := os.OpenFile(r.eventLogPath(recordingID), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", apperr.Wrap(apperr.InternalError, "failed to create recording log", err)
	}

	rec := &activeRecording{
		file:   f,
		writer: bufio.NewWriter(f),
		meta: model.RecordingMetadata{
			RecordingID: recordingID,
			SessionID:   sessionID,
			UserID:      userID,
			Host:        host,
			StartTime:   time.Now(),
			Cols:        cols,
			Rows:        rows,
		},
	}

	r.mu.Lock()
	r.active[sessionID] = rec
	r.mu.Unlock()

	return recordingID, nil
}

// Append writes one event to sessionID's active recording. It is a
// no-op (not an error) if no recording is active, so callers can record
// unconditionally without checking first, and a no-op once the
// recording has hit its size cap.
func (r *Recorder) Append(sessionID string, kind model.TerminalEventKind, data string, metadata map[string]string) error {
	r.mu.Lock()
	rec, ok := r.active[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.full {
		return nil
	}

	line, err := json.Marshal(model.TerminalEvent{
		Timestamp: time.Now(),
		Kind:      kind,
		Data:      data,
		Metadata:  metadata,
	})
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "failed to marshal terminal event", err)
	}
	line = append(line, '\n')

	if rec.meta.ByteSize+int64(len(line)) > r.sizeCap {
		rec.full = true
		return nil
	}

	if _, err := rec.writer.Write(line); err != nil {
		return apperr.Wrap(apperr.InternalError, "failed to write recording event", err)
	}
	if err := rec.writer.Flush(); err != nil {
		return apperr.Wrap(apperr.InternalError, "failed to flush recording event", err)
	}

	rec.meta.ByteSize += int64(len(line))
	rec.meta.EventCount++
	return nil
}

// Stop finalizes sessionID's active recording: writes the metadata
// sidecar, closes the log file, and removes the recording from the
// active set. It is a no-op if no recording is active.
func (r *Recorder) Stop(sessionID string) error {
	r.mu.Lock()
	rec, ok := r.active[sessionID]
	if ok {
		delete(r.active, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	end := time.Now()
	rec.meta.EndTime = &end
	duration := int64(end.Sub(rec.meta.StartTime).Seconds())
	rec.meta.DurationSec = &duration

	rec.writer.Flush()
	rec.file.Close()

	sidecar, err := json.MarshalIndent(rec.meta, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "failed to marshal recording metadata", err)
	}
	if err := os.WriteFile(r.metadataPath(rec.meta.RecordingID), sidecar, 0o644); err != nil {
		return apperr.Wrap(apperr.InternalError, "failed to write recording metadata", err)
	}
	return nil
}

// Criteria narrows a Search. Zero-valued fields are unconstrained. Tags
// matches a recording whose tag set is a superset of Tags (every tag
// listed must be present, not merely one of them).
type Criteria struct {
	SessionID string
	User      string
	Host      string
	Tags      []string

	StartAfter  *time.Time
	StartBefore *time.Time
	EndAfter    *time.Time
	EndBefore   *time.Time

	MinDuration *time.Duration
	MaxDuration *time.Duration

	TextSearch string
}

// Search scans every metadata sidecar in the recordings directory and
// returns those matching criteria, most recent first. TextSearch, when
// set, additionally greps the recording's raw event log for a
// case-insensitive substring match — a feature the distilled spec
// dropped but the original recording search supported.
func (r *Recorder) Search(criteria Criteria) ([]model.RecordingMetadata, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "failed to read recordings directory", err)
	}

	var out []model.RecordingMetadata
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".meta.json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(r.dir, e.Name()))
		if err != nil {
			continue
		}
		var meta model.RecordingMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}

		if criteria.SessionID != "" && meta.SessionID != criteria.SessionID {
			continue
		}
		if criteria.User != "" && meta.UserID != criteria.User {
			continue
		}
		if criteria.Host != "" && meta.Host != criteria.Host {
			continue
		}
		if !containsAll(meta.Tags, criteria.Tags) {
			continue
		}
		if criteria.StartAfter != nil && meta.StartTime.Before(*criteria.StartAfter) {
			continue
		}
		if criteria.StartBefore != nil && meta.StartTime.After(*criteria.StartBefore) {
			continue
		}
		if criteria.EndAfter != nil && (meta.EndTime == nil || meta.EndTime.Before(*criteria.EndAfter)) {
			continue
		}
		if criteria.EndBefore != nil && (meta.EndTime == nil || meta.EndTime.After(*criteria.EndBefore)) {
			continue
		}
		if criteria.MinDuration != nil && (meta.DurationSec == nil || time.Duration(*meta.DurationSec)*time.Second < *criteria.MinDuration) {
			continue
		}
		if criteria.MaxDuration != nil && (meta.DurationSec == nil || time.Duration(*meta.DurationSec)*time.Second > *criteria.MaxDuration) {
			continue
		}
		if criteria.TextSearch != "" {
			matched, err := r.grepEventLog(meta.RecordingID, criteria.TextSearch)
			if err != nil || !matched {
				continue
			}
		}
		out = append(out, meta)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

func (r *Recorder) grepEventLog(recordingID, needle string) (bool, error) {
	f, err := os.Open(r.eventLogPath(recordingID))
	if err != nil {
		return false, err
	}
	defer f.Close()

	needle = strings.ToLower(needle)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if strings.Contains(strings.ToLower(scanner.Text()), needle) {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// containsAll reports whether every tag in want is present in have. An
// empty want is trivially satisfied (unconstrained).
func containsAll(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Load reads back one recording's metadata and its full event sequence.
func (r *Recorder) Load(recordingID string) (model.RecordingMetadata, []model.TerminalEvent, error) {
	raw, err := os.ReadFile(r.metadataPath(recordingID))
	if err != nil {
		return model.RecordingMetadata{}, nil, apperr.Wrap(apperr.NotFound, "recording not found: "+recordingID, err)
	}
	var meta model.RecordingMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return model.RecordingMetadata{}, nil, apperr.Wrap(apperr.InternalError, "corrupt recording metadata", err)
	}

	f, err := os.Open(r.eventLogPath(recordingID))
	if err != nil {
		return meta, nil, apperr.Wrap(apperr.NotFound, "recording log not found: "+recordingID, err)
	}
	defer f.Close()

	var events []model.TerminalEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev model.TerminalEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return meta, events, scanner.Err()
}

// RunRetentionSweep deletes recordings whose start time is older than
// the retention window, once per interval, until ctx is canceled.
func (r *Recorder) RunRetentionSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Recorder) sweepOnce() {
	cutoff := time.Now().Add(-r.retain)
	recordings, err := r.Search(Criteria{})
	if err != nil {
		return
	}
	for _, meta := range recordings {
		if meta.StartTime.Before(cutoff) {
			os.Remove(r.eventLogPath(meta.RecordingID))
			os.Remove(r.metadataPath(meta.RecordingID))
		}
	}
}
