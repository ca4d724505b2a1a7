// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package replay implements the test/demo harness that feeds recorded
// samples into the agent at a controlled rate, standing in for the
// real sensor source described in §6.4.
package replay

import (
	"context"

	"golang.org/x/time/rate"
)

// maxBurst limita o burst do limiter a 32 amostras — não há razão para
// deixar o replay disparar mais que isso de uma vez.
const maxBurst = 32

// Pacer limita a taxa de emissão de amostras do replay, baseado em
// token bucket. Substitui o sleep() ingênuo por um rate.Limiter, o que
// permite rajadas curtas sem acumular atraso indefinidamente.
type Pacer struct {
	limiter *rate.Limiter
	ctx     context.Context
}

// NewPacer cria um Pacer emitindo no máximo samplesPerSec amostras por
// segundo. Se samplesPerSec <= 0, Wait nunca bloqueia (replay o mais
// rápido possível).
func NewPacer(ctx context.Context, samplesPerSec float64) *Pacer {
	if samplesPerSec <= 0 {
		return &Pacer{limiter: nil, ctx: ctx}
	}

	burst := maxBurst
	if samplesPerSec < float64(burst) {
		burst = int(samplesPerSec)
		if burst < 1 {
			burst = 1
		}
	}

	return &Pacer{
		limiter: rate.NewLimiter(rate.Limit(samplesPerSec), burst),
		ctx:     ctx,
	}
}

// Wait bloqueia até que a próxima amostra possa ser emitida respeitando
// a taxa configurada.
func (p *Pacer) Wait() error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(p.ctx)
}
