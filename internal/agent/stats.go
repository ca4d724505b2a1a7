// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

// emitStats loga um snapshot estruturado do agent a cada
// statsCheckpoint amostras processadas e uma última vez no shutdown
// (§4.5.6, "emit final statistics"). Diferente do reporter original,
// que usava um ticker de parede, aqui a cadência é amarrada ao volume
// de amostras processadas — não há relógio de parede no loop principal.
func (a *Agent) emitStats() {
	predStats := a.pred.Stats()

	a.logger.Info("agent stats",
		"samples_total", predStats.Total,
		"predictor_transmitted", predStats.Transmitted,
		"predictor_skipped", predStats.Skipped,
		"shipped_live", a.stats.shipped,
		"buffered", a.stats.buffered,
		"drained", a.stats.drained,
		"source_errors", a.stats.sourceErrors,
		"storage_errors", a.stats.storageErrors,
		"dead_lettered", a.stats.deadLettered,
		"buffer_depth", a.buf.Len(),
		"link_online", a.link.IsOnline(),
	)
}
