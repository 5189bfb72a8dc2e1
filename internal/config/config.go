// Package config holds the gateway's tunable knobs, loaded from an
// optional TOML file, environment variables, and flags, the way the
// teacher's cmd/server/main.go layers flag-over-env-over-default.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config collects every tunable named in spec.md §9 / SPEC_FULL.md §9.
type Config struct {
	Addr string

	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	PumpInterval   time.Duration
	ShutdownGrace  time.Duration

	MaxConcurrentTransfers int
	TransferRetention      time.Duration
	TransferSweepInterval  time.Duration

	MaxConnectionsPerIP int
	RateLimitPerMinute  int
	RateLimitBlock      time.Duration

	LockoutThreshold int
	LockoutWindow    time.Duration

	DefaultCols uint16
	DefaultRows uint16
	PTYType     string

	MessageSizeCap   int64
	RecordingSizeCap int64
	RecordingDir     string
	RecordingRetain  time.Duration
	RecordingSweep   time.Duration

	FingerprintAlgorithm     string
	RequireFingerprintVerify bool

	// TrustedFingerprints provisions the Security Gate's per-user host
	// key trust store at startup, keyed by username, so an operator can
	// turn on RequireFingerprintVerify without locking out every user on
	// their next connection.
	TrustedFingerprints map[string][]string
}

// Default returns the configuration with every default from SPEC_FULL.md §9.
func Default() Config {
	return Config{
		Addr: ":8080",

		IdleTimeout:   30 * time.Minute,
		SweepInterval: 5 * time.Minute,
		PumpInterval:  50 * time.Millisecond,
		ShutdownGrace: 5 * time.Second,

		MaxConcurrentTransfers: 3,
		TransferRetention:      time.Hour,
		TransferSweepInterval:  10 * time.Minute,

		MaxConnectionsPerIP: 10,
		RateLimitPerMinute:  60,
		RateLimitBlock:      5 * time.Minute,

		LockoutThreshold: 5,
		LockoutWindow:    15 * time.Minute,

		DefaultCols: 80,
		DefaultRows: 24,
		PTYType:     "xterm-256color",

		MessageSizeCap:   1 << 20,
		RecordingSizeCap: 100 << 20,
		RecordingDir:     "./recordings",
		RecordingRetain:  30 * 24 * time.Hour,
		RecordingSweep:   time.Hour,

		FingerprintAlgorithm:     "SHA256",
		RequireFingerprintVerify: false,
	}
}

// FromEnv overlays environment variables onto a base config (flag
// parsing in cmd/gateway layers on top of this the same way
// cmd/server/main.go layers flags over env over default).
func FromEnv(base Config) Config {
	if v, ok := os.LookupEnv("GATEWAY_ADDR"); ok {
		base.Addr = v
	}
	if v, ok := durationEnv("GATEWAY_IDLE_TIMEOUT"); ok {
		base.IdleTimeout = v
	}
	if v, ok := durationEnv("GATEWAY_SWEEP_INTERVAL"); ok {
		base.SweepInterval = v
	}
	if v, ok := intEnv("GATEWAY_MAX_TRANSFERS"); ok {
		base.MaxConcurrentTransfers = v
	}
	if v, ok := intEnv("GATEWAY_MAX_CONN_PER_IP"); ok {
		base.MaxConnectionsPerIP = v
	}
	if v, ok := intEnv("GATEWAY_RATE_LIMIT_PER_MIN"); ok {
		base.RateLimitPerMinute = v
	}
	if v, ok := os.LookupEnv("GATEWAY_RECORDING_DIR"); ok {
		base.RecordingDir = v
	}
	if v, ok := boolEnv("GATEWAY_REQUIRE_FINGERPRINT"); ok {
		base.RequireFingerprintVerify = v
	}
	return base
}

// fileConfig mirrors Config for TOML decoding; durations are strings
// parsed with time.ParseDuration since TOML has no duration type.
type fileConfig struct {
	Addr string `toml:"addr"`

	IdleTimeout   string `toml:"idle_timeout"`
	SweepInterval string `toml:"sweep_interval"`
	PumpInterval  string `toml:"pump_interval"`
	ShutdownGrace string `toml:"shutdown_grace"`

	MaxConcurrentTransfers int    `toml:"max_concurrent_transfers"`
	TransferRetention      string `toml:"transfer_retention"`
	TransferSweepInterval  string `toml:"transfer_sweep_interval"`

	MaxConnectionsPerIP int    `toml:"max_connections_per_ip"`
	RateLimitPerMinute  int    `toml:"rate_limit_per_minute"`
	RateLimitBlock      string `toml:"rate_limit_block"`

	LockoutThreshold int    `toml:"lockout_threshold"`
	LockoutWindow    string `toml:"lockout_window"`

	DefaultCols int    `toml:"default_cols"`
	DefaultRows int    `toml:"default_rows"`
	PTYType     string `toml:"pty_type"`

	MessageSizeCap   int64  `toml:"message_size_cap"`
	RecordingSizeCap int64  `toml:"recording_size_cap"`
	RecordingDir     string `toml:"recording_dir"`
	RecordingRetain  string `toml:"recording_retain"`
	RecordingSweep   string `toml:"recording_sweep"`

	FingerprintAlgorithm     string `toml:"fingerprint_algorithm"`
	RequireFingerprintVerify bool   `toml:"require_fingerprint_verify"`

	TrustedFingerprints map[string][]string `toml:"trusted_fingerprints"`
}

// FromFile overlays a TOML config file onto base. cmd/gateway applies it
// between Default and FromEnv, so a config file sets the operator's
// baseline and environment variables or flags still override it.
func FromFile(path string, base Config) (Config, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return base, err
	}

	if fc.Addr != "" {
		base.Addr = fc.Addr
	}
	if d, ok := parseDuration(fc.IdleTimeout); ok {
		base.IdleTimeout = d
	}
	if d, ok := parseDuration(fc.SweepInterval); ok {
		base.SweepInterval = d
	}
	if d, ok := parseDuration(fc.PumpInterval); ok {
		base.PumpInterval = d
	}
	if d, ok := parseDuration(fc.ShutdownGrace); ok {
		base.ShutdownGrace = d
	}
	if fc.MaxConcurrentTransfers != 0 {
		base.MaxConcurrentTransfers = fc.MaxConcurrentTransfers
	}
	if d, ok := parseDuration(fc.TransferRetention); ok {
		base.TransferRetention = d
	}
	if d, ok := parseDuration(fc.TransferSweepInterval); ok {
		base.TransferSweepInterval = d
	}
	if fc.MaxConnectionsPerIP != 0 {
		base.MaxConnectionsPerIP = fc.MaxConnectionsPerIP
	}
	if fc.RateLimitPerMinute != 0 {
		base.RateLimitPerMinute = fc.RateLimitPerMinute
	}
	if d, ok := parseDuration(fc.RateLimitBlock); ok {
		base.RateLimitBlock = d
	}
	if fc.LockoutThreshold != 0 {
		base.LockoutThreshold = fc.LockoutThreshold
	}
	if d, ok := parseDuration(fc.LockoutWindow); ok {
		base.LockoutWindow = d
	}
	if fc.DefaultCols != 0 {
		base.DefaultCols = uint16(fc.DefaultCols)
	}
	if fc.DefaultRows != 0 {
		base.DefaultRows = uint16(fc.DefaultRows)
	}
	if fc.PTYType != "" {
		base.PTYType = fc.PTYType
	}
	if fc.MessageSizeCap != 0 {
		base.MessageSizeCap = fc.MessageSizeCap
	}
	if fc.RecordingSizeCap != 0 {
		base.RecordingSizeCap = fc.RecordingSizeCap
	}
	if fc.RecordingDir != "" {
		base.RecordingDir = fc.RecordingDir
	}
	if d, ok := parseDuration(fc.RecordingRetain); ok {
		base.RecordingRetain = d
	}
	if d, ok := parseDuration(fc.RecordingSweep); ok {
		base.RecordingSweep = d
	}
	if fc.FingerprintAlgorithm != "" {
		base.FingerprintAlgorithm = fc.FingerprintAlgorithm
	}
	if fc.RequireFingerprintVerify {
		base.RequireFingerprintVerify = true
	}
	if len(fc.TrustedFingerprints) > 0 {
		base.TrustedFingerprints = fc.TrustedFingerprints
	}
	return base, nil
}

func parseDuration(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}

func durationEnv(key string) (time.Duration, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func intEnv(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func boolEnv(key string) (bool, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	return v == "true" || v == "1", true
}
