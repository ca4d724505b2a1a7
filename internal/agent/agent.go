// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package agent implements the per-sample control loop described in
// spec.md §4.5: it owns the predictor, the buffer store and the
// transport client for a single VIN, and drives them sequentially over
// a sample source.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vantage-edge/telemetry-agent/internal/buffer"
	"github.com/vantage-edge/telemetry-agent/internal/codec"
	"github.com/vantage-edge/telemetry-agent/internal/deadletter"
	"github.com/vantage-edge/telemetry-agent/internal/predictor"
	"github.com/vantage-edge/telemetry-agent/internal/replay"
	"github.com/vantage-edge/telemetry-agent/internal/transport"
)

// drainPaceDelay é o atraso obrigatório entre uploads de um drain
// (§4.5.4) — não é estilístico, downstream deriva taxas no tempo a
// partir do padrão de chegada dos records.
const drainPaceDelay = 100 * time.Millisecond

// statsCheckpoint é o número de amostras processadas entre duas
// emissões de estatísticas periódicas.
const statsCheckpoint = 50

// Uploader é a superfície que o loop principal usa para enviar
// records — satisfeita por *transport.Client, e facilmente trocada em
// teste.
type Uploader interface {
	Upload(ctx context.Context, vin string, payload []byte) (transport.Result, error)
}

// sleepFunc pausa por d, retornando o erro de contexto se ctx for
// cancelado antes disso. Injetável (mesmo padrão do `now` do
// predictor) para que o pacing do drain seja testável sem sleeps
// reais.
type sleepFunc func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Agent é o controlador de um único VIN: dono exclusivo do Predictor,
// do Buffer Store e do Transport, nunca compartilhados entre processos
// ou goroutines (§5).
type Agent struct {
	vin    string
	source *replay.Source
	pred   *predictor.Predictor
	buf    *buffer.Store
	up     Uploader
	dl     *deadletter.Tracker
	link   *LinkState
	pacer  *replay.Pacer
	logger *slog.Logger
	sleep  sleepFunc

	wasOffline bool
	stats      runStats
}

type runStats struct {
	shipped       uint64
	buffered      uint64
	drained       uint64
	sourceErrors  uint64
	storageErrors uint64
	deadLettered  uint64
}

// New constrói um Agent pronto para rodar. Todas as dependências já
// devem estar abertas — o Agent nunca as abre nem as fecha, exceto o
// buffer, fechado pelo shutdown ao fim de Run (§5, "resource discipline").
func New(vin string, source *replay.Source, pred *predictor.Predictor, buf *buffer.Store, up Uploader, dl *deadletter.Tracker, link *LinkState, pacer *replay.Pacer, logger *slog.Logger) *Agent {
	return &Agent{
		vin:    vin,
		source: source,
		pred:   pred,
		buf:    buf,
		up:     up,
		dl:     dl,
		link:   link,
		pacer:  pacer,
		logger: logger.With("component", "agent", "vin", vin),
		sleep:  realSleep,
	}
}

// Run executa o loop principal até a fonte se esgotar (shutdown
// limpo) ou até ctx ser cancelado. Implementa §4.5.2 através de §4.5.6.
func (a *Agent) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return a.shutdown(ctx)
		default:
		}

		if err := a.pacer.Wait(); err != nil {
			return a.shutdown(ctx)
		}

		sample, err := a.source.Next()
		if errors.Is(err, replay.ErrSourceExhausted) {
			return a.shutdown(ctx)
		}
		var srcErr *replay.SourceError
		if errors.As(err, &srcErr) {
			a.stats.sourceErrors++
			a.logger.Warn("skipping malformed sample", "line", srcErr.Line, "error", srcErr.Err)
			continue
		}
		if err != nil {
			return err
		}

		a.processSample(ctx, sample)

		if a.stats.shipped+a.stats.buffered > 0 && (a.stats.shipped+a.stats.buffered)%statsCheckpoint == 0 {
			a.emitStats()
		}
	}
}

// processSample implementa o passo-a-passo de §4.5.2 para uma amostra.
func (a *Agent) processSample(ctx context.Context, s predictor.Sample) {
	d := a.pred.Decide(s)
	compact := buildRecord(s, d)
	compactBytes, err := codec.Encode(compact)
	if err != nil {
		// Não deveria acontecer — o predictor sempre produz um record
		// válido — mas nunca derruba o loop por causa disso.
		a.logger.Error("failed to encode compressed record", "error", err)
		return
	}

	if a.link.IsOnline() {
		if a.wasOffline {
			a.drain(ctx)
			a.wasOffline = false
		}

		res, err := a.up.Upload(ctx, a.vin, compactBytes)
		if err == nil && res == transport.Ok {
			a.stats.shipped++
			return
		}

		a.logger.Warn("live upload failed, falling back to buffer", "error", err, "result", res)
		a.bufferFull(s)
		return
	}

	a.wasOffline = true
	a.bufferFull(s)
}

// bufferFull codifica um full record (§4.5.2 step 4/fallback) e o
// persiste no buffer durável.
func (a *Agent) bufferFull(s predictor.Sample) {
	full := buildFullRecord(s)
	fullBytes, err := codec.Encode(full)
	if err != nil {
		a.logger.Error("failed to encode full record", "error", err)
		return
	}

	if err := a.buf.Append(s.Timestamp, fullBytes); err != nil {
		a.stats.storageErrors++
		a.logger.Error("buffer append failed, sample lost", "error", err, "timestamp", s.Timestamp)
		return
	}
	a.stats.buffered++
}

// drain implementa §4.5.3: drena a fila durável, mais antiga primeiro,
// pausando drainPaceDelay após cada upload bem-sucedido, abortando no
// primeiro erro e deixando o restante para a próxima passagem.
func (a *Agent) drain(ctx context.Context) {
	entries := a.buf.IterOldestFirst()

	for _, e := range entries {
		if _, err := codec.Decode(e.Payload); err != nil {
			a.handleMalformedDrainEntry(e)
			continue
		}

		res, err := a.up.Upload(ctx, a.vin, e.Payload)
		if err != nil || res != transport.Ok {
			a.logger.Warn("drain aborted by upload failure", "error", err, "result", res, "entry_id", e.ID)
			return
		}

		if err := a.buf.Remove(e.ID); err != nil {
			a.stats.storageErrors++
			a.logger.Error("buffer remove failed after successful upload", "error", err, "entry_id", e.ID)
		}
		a.stats.drained++

		if err := a.sleep(ctx, drainPaceDelay); err != nil {
			return
		}
	}
}

// handleMalformedDrainEntry resolve o open question do §9: em vez de
// reter indefinidamente uma entry que nunca decodifica, conta falhas
// consecutivas e, após deadletter.max_attempts, move a entry para o
// dead-letter local e a remove da fila viva.
func (a *Agent) handleMalformedDrainEntry(e buffer.Entry) {
	a.logger.Warn("malformed buffer entry during drain", "entry_id", e.ID)

	if a.dl == nil {
		return
	}
	if !a.dl.RecordFailure(e.ID) {
		return
	}

	if err := a.dl.Commit(e.ID, e.Timestamp, e.Payload); err != nil {
		a.logger.Error("failed to commit entry to dead-letter", "error", err, "entry_id", e.ID)
		return
	}
	if err := a.buf.Remove(e.ID); err != nil {
		a.logger.Error("failed to remove dead-lettered entry from buffer", "error", err, "entry_id", e.ID)
		return
	}
	a.stats.deadLettered++
}

// shutdown implementa §4.5.6: um drain final se necessário, depois
// fecha o buffer e emite estatísticas finais.
func (a *Agent) shutdown(ctx context.Context) error {
	if a.link.IsOnline() && a.wasOffline {
		a.drain(ctx)
	}

	if err := a.buf.Close(); err != nil {
		a.logger.Error("buffer close failed", "error", err)
	}

	a.emitStats()
	return nil
}

func buildRecord(s predictor.Sample, d predictor.Decisions) codec.Record {
	r := codec.Record{
		Timestamp: s.Timestamp,
		Odometer:  float32(s.Odometer),
		IsResync:  d.IsResync,
	}
	if d.Speed {
		r.Speed = codec.SetFloat(float32(s.Speed))
	}
	if d.Power {
		r.Power = codec.SetFloat(float32(s.Power))
	}
	if d.Battery {
		r.Battery = codec.SetInt(int32(s.Battery))
	}
	if d.Heading {
		r.Heading = codec.SetInt(int32(s.Heading))
	}
	return r
}

func buildFullRecord(s predictor.Sample) codec.Record {
	return codec.Record{
		Timestamp: s.Timestamp,
		Odometer:  float32(s.Odometer),
		IsResync:  true,
		Speed:     codec.SetFloat(float32(s.Speed)),
		Power:     codec.SetFloat(float32(s.Power)),
		Battery:   codec.SetInt(int32(s.Battery)),
		Heading:   codec.SetInt(int32(s.Heading)),
	}
}
