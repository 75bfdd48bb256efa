package manager

// evictUntilFits closes LRU idle instances until requiredMB fits budget +
// margin, then charges requiredMB to usedMB before releasing the lock so a
// concurrent load cannot claim the same headroom. Instances that are loading, draining, or have queued or in-flight
// requests are never evicted. Returns a budget error when nothing idle is
// left and the model still does not fit.
func (m *Manager) evictUntilFits(modelID string, requiredMB int) error {
	for {
		m.mu.Lock()
		fits := (m.usedMB + requiredMB + m.marginMB) <= m.budgetMB
		if fits {
			m.usedMB += requiredMB
			m.mu.Unlock()
			return nil
		}
		// Pick LRU idle instance (no in-flight and no queued requests)
		var lru *Instance
		for _, inst := range m.instances {
			if inst.State != StateReady || inst.ID == modelID {
				continue
			}
			if len(inst.genCh) > 0 || len(inst.queueCh) > 0 {
				continue
			}
			if lru == nil || inst.LastUsed.Before(lru.LastUsed) {
				lru = inst
			}
		}
		if lru == nil {
			err := budgetExceededError{modelID: modelID, requiredMB: requiredMB, usedMB: m.usedMB, budgetMB: m.budgetMB}
			m.mu.Unlock()
			return err
		}
		// Detach under the lock so a request that wins the gen slot later
		// sees a nil engine instead of a closed one.
		delete(m.instances, lru.ID)
		m.usedMB -= lru.DeviceMB
		eng := lru.eng
		lru.eng = nil
		m.mu.Unlock()

		if eng != nil {
			if err := eng.Close(); err != nil {
				m.log.Warn().Err(err).Str("model", lru.ID).Msg("evicted engine did not release cleanly")
			}
		}
		m.evictions.Add(1)
		evictionsTotal.Inc()
		deviceBytes.WithLabelValues(lru.ID).Set(0)
		m.log.Info().Str("model", lru.ID).Int("freed_mb", lru.DeviceMB).Str("for", modelID).Msg("evicted instance")
		m.publish("evict", lru.ID, map[string]any{"freed_mb": lru.DeviceMB, "for": modelID})
		// loop to re-check
	}
}
