// Package model holds the wire-shaped data types shared across the
// gateway's components: session configuration, terminal events, file
// metadata, and transfer records. Field names and JSON tags mirror the
// original client protocol (see SPEC_FULL.md §3) so an existing client
// speaks to this gateway unchanged.
package model

import "time"

// SessionConfig describes how to reach and authenticate to a remote host.
type SessionConfig struct {
	ID             string `json:"id"`
	Hostname       string `json:"hostname"`
	Port           int    `json:"port"`
	Username       string `json:"username"`
	Password       string `json:"password,omitempty"`
	PrivateKey     string `json:"privateKey,omitempty"`
	Passphrase     string `json:"passphrase,omitempty"`
	KeepAlive      *bool  `json:"keepAlive,omitempty"`
	ReadyTimeoutMS *int   `json:"readyTimeout,omitempty"`
}

// TerminalSize is a PTY's column/row extent.
type TerminalSize struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// FileInfo describes one entry returned by a directory listing.
type FileInfo struct {
	Name        string     `json:"name"`
	Path        string     `json:"path"`
	Size        int64      `json:"size"`
	IsDirectory bool       `json:"isDirectory"`
	Modified    *time.Time `json:"modified,omitempty"`
	Permissions string     `json:"permissions,omitempty"`
}

// TerminalEventKind classifies one recorded event.
type TerminalEventKind string

const (
	EventInput      TerminalEventKind = "input"
	EventOutput     TerminalEventKind = "output"
	EventResize     TerminalEventKind = "resize"
	EventConnect    TerminalEventKind = "connect"
	EventDisconnect TerminalEventKind = "disconnect"
	EventCommand    TerminalEventKind = "command"
	EventError      TerminalEventKind = "error"
)

// TerminalEvent is one line of a recording's append-only log.
type TerminalEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Kind      TerminalEventKind `json:"kind"`
	Data      string            `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RecordingMetadata is the sidecar document describing one recording.
type RecordingMetadata struct {
	RecordingID string     `json:"recordingId"`
	SessionID   string     `json:"sessionId"`
	UserID      string     `json:"userId,omitempty"`
	Host        string     `json:"host"`
	StartTime   time.Time  `json:"startTime"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	DurationSec *int64     `json:"durationSeconds,omitempty"`
	EventCount  int64      `json:"eventCount"`
	ByteSize    int64      `json:"byteSize"`
	Cols        uint16     `json:"cols"`
	Rows        uint16     `json:"rows"`
	Tags        []string   `json:"tags,omitempty"`
	Description string     `json:"description,omitempty"`
}

// TransferDirection is upload or download.
type TransferDirection string

const (
	Upload   TransferDirection = "upload"
	Download TransferDirection = "download"
)

// TransferStatus is a Transfer's lifecycle state.
type TransferStatus string

const (
	TransferPending    TransferStatus = "pending"
	TransferInProgress TransferStatus = "in-progress"
	TransferCompleted  TransferStatus = "completed"
	TransferFailed     TransferStatus = "failed"
	TransferCancelled  TransferStatus = "cancelled"
)

// MobileOptimizationData describes the link-adaptation settings a
// client has requested (or the gateway has applied in response):
// trimming output for a low-bandwidth link, batching terminal_data
// frames instead of sending one per chunk, and compressing payloads.
type MobileOptimizationData struct {
	LowBandwidth       bool `json:"lowBandwidth"`
	BatchUpdates       bool `json:"batchUpdates"`
	CompressionEnabled bool `json:"compressionEnabled"`
}

// PerformanceMetrics is a client's self-reported connection quality
// sample: round-trip latency, cumulative bytes transferred, and
// commands executed since the last sample.
type PerformanceMetrics struct {
	Latency          int64 `json:"latency"`
	DataTransferred  int64 `json:"dataTransferred"`
	CommandsExecuted int64 `json:"commandsExecuted"`
}

// Transfer is one upload or download unit of work.
type Transfer struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"sessionId"`
	Direction   TransferDirection `json:"direction"`
	Name        string            `json:"name"`
	RemotePath  string            `json:"remotePath"`
	Size        int64             `json:"size"`
	Transferred int64             `json:"transferred"`
	Status      TransferStatus    `json:"status"`
	StartTime   time.Time         `json:"startTime"`
	EndTime     *time.Time        `json:"endTime,omitempty"`
	Error       string            `json:"error,omitempty"`
}
