// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoadAgentConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
vin: "1HGCM82633A123456"
server:
  address: "https://ingest.example.com"
`)

	cfg, err := LoadAgentConfig(path)
	if err != nil {
		t.Fatalf("LoadAgentConfig: %v", err)
	}

	if cfg.Server.Timeout.Seconds() != 5 {
		t.Errorf("expected default server timeout of 5s, got %v", cfg.Server.Timeout)
	}
	if cfg.Buffer.Compression != "zstd" {
		t.Errorf("expected default compression zstd, got %q", cfg.Buffer.Compression)
	}
	if cfg.DeadLetter.MaxAttempts != 3 {
		t.Errorf("expected default max_attempts 3, got %d", cfg.DeadLetter.MaxAttempts)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.Link.Mode != "auto" {
		t.Errorf("expected default link mode auto, got %q", cfg.Link.Mode)
	}
	if cfg.Link.ProbeURL != cfg.Server.Address {
		t.Errorf("expected probe URL to default to server address")
	}
}

func TestLoadAgentConfig_MissingServerAddress(t *testing.T) {
	path := writeConfig(t, `
vin: "1HGCM82633A123456"
`)

	if _, err := LoadAgentConfig(path); err == nil {
		t.Fatal("expected error for missing server.address")
	}
}

func TestLoadAgentConfig_PartialTLSRejected(t *testing.T) {
	path := writeConfig(t, `
vin: "1HGCM82633A123456"
server:
  address: "https://ingest.example.com"
tls:
  ca_cert: "/etc/ca.pem"
`)

	if _, err := LoadAgentConfig(path); err == nil {
		t.Fatal("expected error for partial TLS configuration")
	}
}

func TestLoadAgentConfig_InvalidCompression(t *testing.T) {
	path := writeConfig(t, `
vin: "1HGCM82633A123456"
server:
  address: "https://ingest.example.com"
buffer:
  compression: "lz4"
`)

	if _, err := LoadAgentConfig(path); err == nil {
		t.Fatal("expected error for unsupported compression")
	}
}

func TestLoadAgentConfig_InvalidAlpha(t *testing.T) {
	path := writeConfig(t, `
vin: "1HGCM82633A123456"
server:
  address: "https://ingest.example.com"
predictor:
  alpha: 1.5
`)

	if _, err := LoadAgentConfig(path); err == nil {
		t.Fatal("expected error for alpha out of range")
	}
}
