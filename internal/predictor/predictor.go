// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package predictor implementa o preditor de suavização exponencial por
// campo (speed, power, battery, heading) usado para decidir, amostra a
// amostra, quais campos opcionais precisam ser transmitidos.
package predictor

import "time"

// Config congela os parâmetros do preditor na construção. O server roda
// o mesmo algoritmo com os mesmos valores — eles não são negociados em
// runtime.
type Config struct {
	Alpha float64 // fator de suavização exponencial

	SpeedTolerance   float64
	PowerTolerance   float64
	BatteryTolerance float64
	HeadingTolerance float64

	ResyncInterval time.Duration
}

// DefaultConfig retorna os valores do §4.3.
func DefaultConfig() Config {
	return Config{
		Alpha:            0.3,
		SpeedTolerance:   2.0,
		PowerTolerance:   5.0,
		BatteryTolerance: 0.5,
		HeadingTolerance: 5.0,
		ResyncInterval:   30 * time.Second,
	}
}

// Sample é a amostra de entrada vinda da fonte de ingestão.
type Sample struct {
	Timestamp int64
	Speed     float64
	Power     float64
	Battery   float64
	Heading   float64
	Odometer  float64
}

// Decisions é o resultado de uma chamada a Decide: quais campos opcionais
// devem ser transmitidos nesta amostra.
type Decisions struct {
	Speed    bool
	Power    bool
	Battery  bool
	Heading  bool
	IsResync bool
}

// AnyField reporta se ao menos um campo opcional foi sinalizado.
func (d Decisions) AnyField() bool {
	return d.Speed || d.Power || d.Battery || d.Heading
}

type fieldState struct {
	predicted   float64
	initialised bool
}

// Stats acumula os contadores compartilhados do §3 — total de decisões,
// quantas resultaram em transmissão de ao menos um campo, e quantas não
// transmitiram nada.
type Stats struct {
	Total       uint64
	Transmitted uint64
	Skipped     uint64
}

// Predictor mantém o estado por campo de um agente. Não é seguro para uso
// concorrente — é de propriedade exclusiva da goroutine principal do
// agente (ver §5).
type Predictor struct {
	cfg Config

	speed   fieldState
	power   fieldState
	battery fieldState
	heading fieldState

	lastResyncAt time.Time
	haveResync   bool

	stats Stats

	now func() time.Time
}

// New cria um Predictor com a configuração especificada. A primeira
// amostra processada sempre dispara um resync (lastResyncAt ainda não
// foi setado).
func New(cfg Config) *Predictor {
	return &Predictor{cfg: cfg, now: time.Now}
}

// Stats retorna uma cópia dos contadores acumulados.
func (p *Predictor) Stats() Stats {
	return p.stats
}

// Decide executa o algoritmo do §4.3 para uma amostra: decide quais
// campos transmitir, atualiza as previsões suavizadas e os contadores.
// A ordem importa — a decisão do passo 3 usa o valor previsto anterior,
// e só depois o passo 5 atualiza esse valor.
func (p *Predictor) Decide(s Sample) Decisions {
	p.stats.Total++

	now := p.now()
	var d Decisions

	if !p.haveResync || now.Sub(p.lastResyncAt) >= p.cfg.ResyncInterval {
		d = Decisions{Speed: true, Power: true, Battery: true, Heading: true, IsResync: true}
		p.lastResyncAt = now
		p.haveResync = true
	} else {
		d.Speed = p.decideField(&p.speed, s.Speed, p.cfg.SpeedTolerance)
		d.Power = p.decideField(&p.power, s.Power, p.cfg.PowerTolerance)
		d.Battery = p.decideField(&p.battery, s.Battery, p.cfg.BatteryTolerance)
		d.Heading = p.decideField(&p.heading, s.Heading, p.cfg.HeadingTolerance)
	}

	if d.AnyField() {
		p.stats.Transmitted++
	} else {
		p.stats.Skipped++
	}

	p.updateField(&p.speed, s.Speed)
	p.updateField(&p.power, s.Power)
	p.updateField(&p.battery, s.Battery)
	p.updateField(&p.heading, s.Heading)

	return d
}

// decideField lê o flag de transmissão SEM atualizar predicted — deve
// rodar antes de updateField (§4.3, "ordering contract").
func (p *Predictor) decideField(fs *fieldState, actual, tol float64) bool {
	if !fs.initialised {
		return true
	}
	return absDiff(actual, fs.predicted) > tol
}

// updateField aplica a suavização exponencial. Na primeira observação,
// last_predicted é o próprio valor atual — arithmeticamente equivalente
// a retornar actual diretamente, mas deliberadamente expresso como a
// mesma fórmula para não introduzir um segundo caminho de código
// (ver spec §9, "predictor initialisation arithmetic").
func (p *Predictor) updateField(fs *fieldState, actual float64) {
	last := fs.predicted
	if !fs.initialised {
		last = actual
	}
	fs.predicted = p.cfg.Alpha*actual + (1-p.cfg.Alpha)*last
	fs.initialised = true
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
