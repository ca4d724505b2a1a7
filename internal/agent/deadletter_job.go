// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/vantage-edge/telemetry-agent/internal/deadletter"
)

// defaultDeadLetterSchedule empacota e tenta enviar o dead-letter local
// a cada 15 minutos, independente do loop principal por amostra —
// SPEC_FULL.md supplemental feature 1.
const defaultDeadLetterSchedule = "*/15 * * * *"

// DeadLetterJob agenda o arquivamento periódico do dead-letter local
// via robfig/cron/v3, a mesma biblioteca usada pelo scheduler de
// backups do código de referência — aqui com um único job fixo em vez
// de um job por entrada configurável.
type DeadLetterJob struct {
	cron     *cron.Cron
	archiver *deadletter.Archiver
	logger   *slog.Logger
}

// NewDeadLetterJob cria o job com o schedule padrão.
func NewDeadLetterJob(archiver *deadletter.Archiver, logger *slog.Logger) *DeadLetterJob {
	return NewDeadLetterJobWithSchedule(defaultDeadLetterSchedule, archiver, logger)
}

// NewDeadLetterJobWithSchedule permite um schedule customizado
// (principalmente para teste).
func NewDeadLetterJobWithSchedule(schedule string, archiver *deadletter.Archiver, logger *slog.Logger) *DeadLetterJob {
	j := &DeadLetterJob{
		cron:     cron.New(),
		archiver: archiver,
		logger:   logger,
	}

	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		logger.Error("failed to schedule dead-letter archival job, falling back to disabled", "error", err)
		return j
	}

	return j
}

// Start inicia o cron em background.
func (j *DeadLetterJob) Start() {
	j.cron.Start()
}

// Stop para o cron e aguarda o job em andamento terminar.
func (j *DeadLetterJob) Stop() {
	<-j.cron.Stop().Done()
}

func (j *DeadLetterJob) run() {
	if err := j.archiver.Run(context.Background()); err != nil {
		j.logger.Warn("dead-letter archival cycle failed", "error", err)
	}
}
