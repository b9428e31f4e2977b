// Command gateway runs the local AI-provider API gateway: a single
// HTTP listener that proxies OpenAI/Anthropic-shaped requests to
// Gemini cloud accounts or local OpenAI-compatible servers, rotating
// accounts on quota exhaustion.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/antigravity-gateway/localgw/internal/config"
	"github.com/antigravity-gateway/localgw/internal/gateway"
)

// setupLogging sends logrus output to stderr and a rotating file under
// authDir, matching the teacher's go.mod commitment to lumberjack for
// log rotation (the teacher's own log-setup file wasn't part of the
// retrieved corpus, so the rotation policy here is this module's own:
// 50MB per file, 5 backups, 28 days).
func setupLogging(authDir string) {
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(authDir, "gateway.log"),
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     28,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional; defaults + env overrides apply if absent)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("gateway: %v", err)
	}
	setupLogging(cfg.AuthDir)

	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		log.Infof("gateway: received %s, shutting down", sig)
		cancel()
	}()

	svc := gateway.New(*configPath, cfg)
	if err := svc.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}
