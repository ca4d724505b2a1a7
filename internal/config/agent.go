// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig representa a configuração completa do telemetry-agent.
type AgentConfig struct {
	VIN        string           `yaml:"vin"`
	Source     SourceInfo       `yaml:"source"`
	Server     ServerAddr       `yaml:"server"`
	TLS        TLSClient        `yaml:"tls"`
	Predictor  PredictorInfo    `yaml:"predictor"`
	Buffer     BufferInfo       `yaml:"buffer"`
	DeadLetter DeadLetterInfo   `yaml:"deadletter"`
	Logging    LoggingInfo      `yaml:"logging"`
	Link       LinkInfo         `yaml:"link"`
}

// SourceInfo localiza o log de amostras replay.
type SourceInfo struct {
	Path string `yaml:"path"` // override explícito; vazio = busca a lista de candidatos (§6.4)
}

// ServerAddr aponta para o endpoint de ingest.
type ServerAddr struct {
	Address string        `yaml:"address"`
	Timeout time.Duration `yaml:"timeout"`
}

// TLSClient contém os caminhos dos certificados mTLS do client. Todos
// vazios desabilita mTLS — o endpoint de ingest é então acessado em
// HTTP/HTTPS simples.
type TLSClient struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// Enabled reporta se os três caminhos mTLS foram fornecidos.
func (t TLSClient) Enabled() bool {
	return t.CACert != "" && t.ClientCert != "" && t.ClientKey != ""
}

// PredictorInfo sobrepõe os defaults de predictor.DefaultConfig().
// Qualquer campo zero herda o default.
type PredictorInfo struct {
	Alpha            float64       `yaml:"alpha"`
	SpeedTolerance   float64       `yaml:"speed_tolerance"`
	PowerTolerance   float64       `yaml:"power_tolerance"`
	BatteryTolerance float64       `yaml:"battery_tolerance"`
	HeadingTolerance float64       `yaml:"heading_tolerance"`
	ResyncInterval   time.Duration `yaml:"resync_interval"`
}

// BufferInfo controla o buffer local durável.
type BufferInfo struct {
	Path        string `yaml:"path"`
	Compression string `yaml:"compression"` // "zstd" (default) ou "none" — ver DOMAIN STACK
}

// DeadLetterInfo controla a política de poison records (§9 open question).
type DeadLetterInfo struct {
	Dir         string `yaml:"dir"`
	MaxAttempts int    `yaml:"max_attempts"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3Prefix    string `yaml:"s3_prefix"`
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// LinkInfo seleciona a fonte do estado de link (§4.5.5 / §5).
type LinkInfo struct {
	// Mode é "stdin", um caminho de arquivo, ou "auto".
	Mode string `yaml:"mode"`
	// ProbeURL é usado apenas quando Mode == "auto".
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// LoadAgentConfig lê e valida o arquivo YAML de configuração do agent.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent config: %w", err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing agent config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating agent config: %w", err)
	}

	return &cfg, nil
}

func (c *AgentConfig) validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Server.Timeout <= 0 {
		c.Server.Timeout = 5 * time.Second
	}

	if c.TLS.CACert != "" || c.TLS.ClientCert != "" || c.TLS.ClientKey != "" {
		if !c.TLS.Enabled() {
			return fmt.Errorf("tls requires ca_cert, client_cert and client_key all set, or none")
		}
	}

	if c.Predictor.Alpha < 0 || c.Predictor.Alpha > 1 {
		return fmt.Errorf("predictor.alpha must be in [0, 1], got %v", c.Predictor.Alpha)
	}

	if c.Buffer.Path == "" {
		c.Buffer.Path = "./data/buffer"
	}
	switch c.Buffer.Compression {
	case "":
		c.Buffer.Compression = "zstd"
	case "zstd", "none":
	default:
		return fmt.Errorf("buffer.compression must be %q or %q, got %q", "zstd", "none", c.Buffer.Compression)
	}

	if c.DeadLetter.Dir == "" {
		c.DeadLetter.Dir = c.Buffer.Path
	}
	if c.DeadLetter.MaxAttempts <= 0 {
		c.DeadLetter.MaxAttempts = 3
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Link.Mode == "" {
		c.Link.Mode = "auto"
	}
	if c.Link.Mode == "auto" && c.Link.ProbeURL == "" {
		c.Link.ProbeURL = c.Server.Address
	}
	// ProbeInterval também é o intervalo de polling do modo arquivo.
	if c.Link.ProbeInterval <= 0 {
		c.Link.ProbeInterval = 10 * time.Second
	}

	return nil
}
