// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package transport implements the single outgoing operation the agent
// needs (§4.4): POST one encoded transmission record to the ingest
// endpoint, bounded by a timeout, reporting Ok/Transient/Permanent.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Result classifica a resposta de um upload conforme §4.4.
type Result int

const (
	// Ok indica que o endpoint aceitou o record (2xx).
	Ok Result = iota
	// TransientFailure cobre timeout, conexão recusada e 5xx — o sinal
	// para o agente bufferizar ou continuar bufferizando.
	TransientFailure
	// PermanentFailure cobre 4xx (exceto 408/429) — reportado, mas
	// tratado de forma idêntica a TransientFailure pelo agente: nenhum
	// record é descartado silenciosamente.
	PermanentFailure
)

func (r Result) String() string {
	switch r {
	case Ok:
		return "ok"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Config controla o comportamento do client de ingest.
type Config struct {
	Address string // host base, ex: "https://ingest.example.com"
	Timeout time.Duration

	// TLS opcional (mTLS) para o endpoint de ingest. Vazio = HTTP/HTTPS padrão.
	TLS *tls.Config

	// DSCP opcional (code point 0-63, 0 = desabilitado) para priorizar o
	// tráfego de telemetria no uplink.
	DSCP int
}

// DefaultTimeout é o timeout por chamada definido em §4.4.
const DefaultTimeout = 5 * time.Second

// Client implementa a operação upload() de §4.4. É stateless quanto a
// pool de conexões na superfície da API — internamente reaproveita um
// *http.Client como qualquer client idiomático faria.
type Client struct {
	httpClient *http.Client
	address    string
}

// New cria um Client configurado. O endereço é a base; "/telemetry" é
// acrescentado por Upload conforme §6.1.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	dialer := &net.Dialer{Timeout: timeout}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if cfg.DSCP != 0 {
				if err := ApplyDSCP(conn, cfg.DSCP); err != nil {
					// Marcação de QoS é best-effort — nunca bloqueia a conexão.
					_ = err
				}
			}
			return conn, nil
		},
		TLSClientConfig: cfg.TLS,
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		address: cfg.Address,
	}
}

// Upload envia um transmission record codificado ao endpoint de
// ingest (§6.1). O payload é opaco — nem o codec nem o wire contract
// são reinterpretados aqui.
func (c *Client) Upload(ctx context.Context, vin string, payload []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.address+"/telemetry", bytes.NewReader(payload))
	if err != nil {
		return TransientFailure, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Compressed", "true")
	req.Header.Set("X-Vehicle-VIN", vin)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TransientFailure, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Ok, nil
	case resp.StatusCode == 408 || resp.StatusCode == 429:
		return TransientFailure, fmt.Errorf("ingest endpoint returned %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return PermanentFailure, fmt.Errorf("ingest endpoint returned %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return TransientFailure, fmt.Errorf("ingest endpoint returned %d", resp.StatusCode)
	default:
		return TransientFailure, fmt.Errorf("ingest endpoint returned unexpected status %d", resp.StatusCode)
	}
}
