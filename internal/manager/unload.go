package manager

import (
	"time"
)

// Unload initiates a graceful drain of a model instance and removes it.
//   - Sets instance state to draining to reject new enqueues.
//   - Waits up to drainTimeout for in-flight and queued requests to finish.
//   - Releases the engine and its device memory and removes the instance.
func (m *Manager) Unload(modelID string) error {
	if modelID == "" {
		return ErrModelNotFound("(unspecified)")
	}
	m.mu.Lock()
	inst := m.instances[modelID]
	if inst == nil {
		m.mu.Unlock()
		return ErrModelNotFound(modelID)
	}
	if inst.State == StateLoading {
		ready := inst.ready
		m.mu.Unlock()
		<-ready
		m.mu.Lock()
		if m.instances[modelID] != inst {
			m.mu.Unlock()
			return ErrModelNotFound(modelID)
		}
	}
	inst.State = StateDraining
	m.mu.Unlock()
	m.publish("unload_start", modelID, nil)

	deadline := time.Now().Add(m.drainTimeout)
	for {
		qlen := len(inst.queueCh)
		inflight := len(inst.genCh)
		if inflight == 0 && qlen == 0 {
			break
		}
		if time.Now().After(deadline) {
			m.log.Warn().Str("model", modelID).Int("inflight", inflight).Int("queue", qlen).Msg("drain timed out")
			m.publish("unload_timeout", modelID, map[string]any{"inflight": inflight, "queue": qlen})
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	m.mu.Lock()
	if m.instances[modelID] == inst {
		m.usedMB -= inst.DeviceMB
		if m.usedMB < 0 {
			m.usedMB = 0
		}
		delete(m.instances, modelID)
	}
	eng := inst.eng
	inst.eng = nil
	if m.cur != nil && m.cur.ID == modelID {
		m.cur = nil
	}
	m.mu.Unlock()

	var err error
	if eng != nil {
		// A request still holding the gen slot after a drain timeout owns
		// the engine; wait for it before releasing device memory.
		inst.genCh <- struct{}{}
		err = eng.Close()
		<-inst.genCh
	}
	deviceBytes.WithLabelValues(modelID).Set(0)
	m.log.Info().Str("model", modelID).Msg("instance unloaded")
	m.publish("unload_done", modelID, nil)
	return err
}
