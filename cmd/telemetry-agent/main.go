// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vantage-edge/telemetry-agent/internal/agent"
	"github.com/vantage-edge/telemetry-agent/internal/buffer"
	"github.com/vantage-edge/telemetry-agent/internal/config"
	"github.com/vantage-edge/telemetry-agent/internal/deadletter"
	"github.com/vantage-edge/telemetry-agent/internal/logging"
	"github.com/vantage-edge/telemetry-agent/internal/pki"
	"github.com/vantage-edge/telemetry-agent/internal/predictor"
	"github.com/vantage-edge/telemetry-agent/internal/replay"
	"github.com/vantage-edge/telemetry-agent/internal/transport"
)

// candidateSourcePaths é a lista fixa e documentada de §6.4, na ordem
// em que é pesquisada. O nome específico do VIN tem prioridade.
func candidateSourcePaths(vin string) []string {
	return []string{
		filepath.Join("data", vin+".jsonl"),
		vin + ".jsonl",
		filepath.Join("/var/lib/telemetry-agent", vin+".jsonl"),
		"samples.jsonl",
	}
}

func main() {
	configPath := flag.String("config", "/etc/telemetry-agent/agent.yaml", "path to agent config file")
	vinFlag := flag.String("vin", "", "vehicle VIN (overrides config and VIN env var)")
	flag.Parse()

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	vin := resolveVIN(*vinFlag, cfg.VIN)
	if vin == "" {
		logger.Error("no VIN supplied via flag, VIN env var, or config")
		os.Exit(1)
	}

	sourcePath := cfg.Source.Path
	if sourcePath == "" {
		sourcePath, err = findSource(vin)
		if err != nil {
			logger.Error("fatal init: cannot locate sample source", "error", err)
			os.Exit(1)
		}
	}

	source, err := replay.OpenSource(sourcePath)
	if err != nil {
		logger.Error("fatal init: cannot open sample source", "error", err, "path", sourcePath)
		os.Exit(1)
	}
	defer source.Close()

	buf, err := buffer.Open(cfg.Buffer.Path, vin, cfg.Buffer.Compression, logger)
	if err != nil {
		logger.Error("fatal init: cannot open buffer store", "error", err)
		os.Exit(1)
	}

	dl, err := deadletter.New(deadletter.Config{Dir: cfg.DeadLetter.Dir, MaxAttempts: cfg.DeadLetter.MaxAttempts}, vin, logger)
	if err != nil {
		logger.Error("fatal init: cannot open dead-letter tracker", "error", err)
		buf.Close()
		os.Exit(1)
	}

	up, err := buildTransport(cfg)
	if err != nil {
		logger.Error("fatal init: cannot configure transport", "error", err)
		buf.Close()
		os.Exit(1)
	}

	predCfg := predictor.DefaultConfig()
	applyPredictorOverrides(&predCfg, cfg.Predictor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	link := agent.NewLinkState()
	startLinkWatcher(ctx, cfg, link, logger)

	pacer := replay.NewPacer(ctx, 0) // 0 = sem throttle extra; o replay consome no ritmo da fonte

	archiver := deadletter.NewArchiver(deadletter.ArchiveConfig{
		S3Bucket: cfg.DeadLetter.S3Bucket,
		S3Prefix: cfg.DeadLetter.S3Prefix,
	}, vin, cfg.DeadLetter.Dir, logger)
	dlJob := agent.NewDeadLetterJob(archiver, logger)
	dlJob.Start()
	defer dlJob.Stop()

	a := agent.New(vin, source, predictor.New(predCfg), buf, up, dl, link, pacer, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	if err := a.Run(ctx); err != nil {
		logger.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
}

func resolveVIN(flagVIN, configVIN string) string {
	if flagVIN != "" {
		return flagVIN
	}
	if env := os.Getenv("VIN"); env != "" {
		return env
	}
	return configVIN
}

func findSource(vin string) (string, error) {
	for _, candidate := range candidateSourcePaths(vin) {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no sample source found among candidate paths for VIN %q", vin)
}

func buildTransport(cfg *config.AgentConfig) (*transport.Client, error) {
	var tlsCfg *tls.Config
	if cfg.TLS.Enabled() {
		var err error
		tlsCfg, err = pki.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("configuring mTLS: %w", err)
		}
	}

	return transport.New(transport.Config{
		Address: cfg.Server.Address,
		Timeout: cfg.Server.Timeout,
		TLS:     tlsCfg,
	}), nil
}

func applyPredictorOverrides(base *predictor.Config, overrides config.PredictorInfo) {
	if overrides.Alpha > 0 {
		base.Alpha = overrides.Alpha
	}
	if overrides.SpeedTolerance > 0 {
		base.SpeedTolerance = overrides.SpeedTolerance
	}
	if overrides.PowerTolerance > 0 {
		base.PowerTolerance = overrides.PowerTolerance
	}
	if overrides.BatteryTolerance > 0 {
		base.BatteryTolerance = overrides.BatteryTolerance
	}
	if overrides.HeadingTolerance > 0 {
		base.HeadingTolerance = overrides.HeadingTolerance
	}
	if overrides.ResyncInterval > 0 {
		base.ResyncInterval = overrides.ResyncInterval
	}
}

func startLinkWatcher(ctx context.Context, cfg *config.AgentConfig, link *agent.LinkState, logger *slog.Logger) {
	switch cfg.Link.Mode {
	case "auto":
		prober := agent.NewProber(cfg.Link.ProbeURL, cfg.Link.ProbeInterval, link, logger)
		go prober.Run(ctx)
	case "stdin":
		go agent.WatchStdin(ctx, os.Stdin, link, logger)
	default:
		go agent.WatchFile(ctx, cfg.Link.Mode, cfg.Link.ProbeInterval, link, logger)
	}
}
