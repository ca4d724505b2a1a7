// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package replay

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vantage-edge/telemetry-agent/internal/predictor"
)

// ErrSourceExhausted sinaliza que o arquivo de amostras acabou —
// condição de shutdown limpo (§6.4), não uma falha.
var ErrSourceExhausted = errors.New("replay: source exhausted")

// SourceError envolve um erro de parsing de uma linha específica. A
// amostra correspondente é pulada, o erro é logado, e o loop continua
// (§7 SourceError) — nunca interrompe o replay inteiro.
type SourceError struct {
	Line int
	Err  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("replay: malformed sample at line %d: %v", e.Line, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// rawSample é o esquema JSONL de uma linha do log de amostras. Campos
// opcionais ausentes ficam como ponteiro nil aqui, mas toSample os
// converte para zero. timestamp e odometer não são validados: uma linha
// sem eles vira uma amostra com valor zero, sem SourceError.
type rawSample struct {
	Timestamp int64    `json:"timestamp"`
	Odometer  float64  `json:"odometer"`
	Speed     *float64 `json:"speed,omitempty"`
	Power     *float64 `json:"power,omitempty"`
	Battery   *float64 `json:"battery,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
}

// Source lê amostras de um log JSONL, uma por linha, na ordem em que
// aparecem no arquivo — essa ordem é a "ordem da fonte" referenciada
// pela garantia de ordenação do agente (§5).
type Source struct {
	file    *os.File
	scanner *bufio.Scanner
	lineNum int
}

// OpenSource abre o arquivo de amostras em path. Falha aqui é
// FatalInit (§7): o agente não tem como prosseguir sem uma fonte.
func OpenSource(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening sample source: %w", err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Source{file: f, scanner: sc}, nil
}

// Next retorna a próxima amostra válida. Linhas vazias são puladas
// silenciosamente; linhas malformadas são reportadas via o retorno
// (predictor.Sample{}, *SourceError) para que o chamador decida como
// logar — o loop deve continuar chamando Next após receber um
// *SourceError. Ao esgotar o arquivo, retorna ErrSourceExhausted.
func (s *Source) Next() (predictor.Sample, error) {
	for s.scanner.Scan() {
		s.lineNum++
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var raw rawSample
		if err := json.Unmarshal(line, &raw); err != nil {
			return predictor.Sample{}, &SourceError{Line: s.lineNum, Err: err}
		}

		return toSample(raw), nil
	}

	if err := s.scanner.Err(); err != nil {
		return predictor.Sample{}, fmt.Errorf("reading sample source: %w", err)
	}
	return predictor.Sample{}, ErrSourceExhausted
}

// Close libera o descritor do arquivo de amostras.
func (s *Source) Close() error {
	return s.file.Close()
}

func toSample(raw rawSample) predictor.Sample {
	return predictor.Sample{
		Timestamp: raw.Timestamp,
		Odometer:  raw.Odometer,
		Speed:     deref(raw.Speed),
		Power:     deref(raw.Power),
		Battery:   deref(raw.Battery),
		Heading:   deref(raw.Heading),
	}
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

var _ io.Closer = (*Source)(nil)
