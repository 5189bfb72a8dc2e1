// Package main is the entry point for the SSH gateway.
package main

import (
	"context"
	"flag"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"gossh-gateway/internal/config"
	"gossh-gateway/internal/gateway"
)

// Injected at build time.
var commitSHA = "dev"

func main() {
	// Configuration precedence: flag > env > file > default.
	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG"), "path to a TOML config file")
	addrFlag := flag.String("addr", "", "listen address")
	recordingDirFlag := flag.String("recording-dir", "", "recordings directory")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.FromFile(*configPath, cfg)
		if err != nil {
			stdlog.Fatalf("failed to load config file %s: %v", *configPath, err)
		}
		cfg = loaded
	}
	cfg = config.FromEnv(cfg)

	if *addrFlag != "" {
		cfg.Addr = *addrFlag
	}
	if *recordingDirFlag != "" {
		cfg.RecordingDir = *recordingDirFlag
	}

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		Level(level).
		With().
		Timestamp().
		Str("service", "gossh-gateway").
		Str("commit", commitSHA).
		Logger()

	srv, err := gateway.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to assemble gateway")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("addr", cfg.Addr).Msg("starting gossh-gateway")
	if err := srv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("gateway exited with error")
	}
}
