package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trtd/internal/compiler"
	"trtd/internal/engine"
	"trtd/internal/logging"
	"trtd/internal/trt"
	"trtd/pkg/types"
)

var errManagerClosed = errors.New("manager is closed")

// EnsureInstance makes sure an engine for modelID is loaded and ready.
// An empty id selects the default model. Concurrent callers for the same id
// wait for a single load. Models without an engine file are compiled first
// when auto-compile is enabled.
func (m *Manager) EnsureInstance(ctx context.Context, modelID string) error {
	modelID, err := m.resolveID(modelID)
	if err != nil {
		return err
	}
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return errManagerClosed
		}
		inst := m.instances[modelID]
		if inst == nil {
			m.mu.Unlock()
			break
		}
		switch inst.State {
		case StateReady:
			inst.LastUsed = time.Now()
			m.mu.Unlock()
			return nil
		case StateDraining:
			m.mu.Unlock()
			return tooBusyError{modelID: modelID}
		}
		ready := inst.ready
		m.mu.Unlock()
		select {
		case <-ready:
			if inst.loadErr != nil {
				return inst.loadErr
			}
			// re-check: the instance may have been evicted already
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	mdl, ok := m.getModelByID(modelID)
	if !ok {
		m.publish("ensure_model_not_found", modelID, nil)
		return ErrModelNotFound(modelID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.publish("ensure_start", modelID, map[string]any{"path": mdl.Path})
	start := time.Now()

	// Claim the id before compiling so concurrent callers wait on ready
	// instead of starting their own build.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errManagerClosed
	}
	if _, raced := m.instances[modelID]; raced {
		m.mu.Unlock()
		return m.EnsureInstance(ctx, modelID)
	}
	inst := &Instance{
		ID:       modelID,
		Path:     mdl.Path,
		State:    StateLoading,
		LastUsed: time.Now(),
		genCh:    make(chan struct{}, 1),
		queueCh:  make(chan struct{}, m.maxQueueDepth),
		ready:    make(chan struct{}),
	}
	m.instances[modelID] = inst
	m.state = StateLoading
	m.err = ""
	m.mu.Unlock()

	// abandon drops the placeholder, returns its reservation and wakes waiters.
	abandon := func(err error) {
		m.mu.Lock()
		delete(m.instances, modelID)
		m.usedMB -= inst.DeviceMB
		inst.DeviceMB = 0
		inst.loadErr = err
		close(inst.ready)
		m.mu.Unlock()
	}

	if !mdl.Compiled && mdl.SourcePath != "" && m.autoCompile {
		res, err := m.compileModel(ctx, mdl.SourcePath, m.workspaceMB)
		if err != nil {
			abandon(err)
			m.fail(modelID, err)
			return err
		}
		mdl.Path = res.EnginePath
		mdl.Compiled = true
		m.updateModel(mdl)
	}

	reqMB := m.estimateDeviceMB(mdl)
	if m.budgetMB > 0 {
		if err := m.evictUntilFits(modelID, reqMB); err != nil {
			abandon(err)
			m.publish("ensure_budget_fail", modelID, map[string]any{"required_mb": reqMB})
			return err
		}
	} else {
		m.mu.Lock()
		m.usedMB += reqMB
		m.mu.Unlock()
	}
	m.mu.Lock()
	inst.Path = mdl.Path
	inst.DeviceMB = reqMB
	m.mu.Unlock()

	eng, err := engine.Open(m.platform, mdl.Path,
		engine.WithLogger(m.log),
		engine.WithRuntimeLogger(logging.RuntimeLogger(m.log, m.rtSeverity)),
	)
	if err != nil {
		err = fmt.Errorf("load %s: %w", modelID, err)
		if errors.Is(err, trt.ErrUnavailable) || errors.Is(err, trt.ErrOutOfMemory) {
			err = dependencyUnavailable(err)
		}
		abandon(err)
		m.fail(modelID, err)
		return err
	}

	// Charge the real footprint: resident plan plus I/O buffers.
	actualMB := toMB(fileSize(mdl.Path) + eng.DeviceBytes())
	m.mu.Lock()
	m.usedMB += actualMB - reqMB
	inst.DeviceMB = actualMB
	inst.eng = eng
	inst.State = StateReady
	inst.LastUsed = time.Now()
	close(inst.ready)
	m.cur = &ModelInfo{ID: modelID, Name: mdl.Name, Path: mdl.Path}
	m.state = StateReady
	m.err = ""
	m.mu.Unlock()

	m.loads.Add(1)
	loadsTotal.Inc()
	deviceBytes.WithLabelValues(modelID).Set(float64(eng.DeviceBytes()))
	m.log.Info().Str("model", modelID).Int("device_mb", actualMB).Dur("dur", time.Since(start)).Msg("instance ready")
	m.publish("ensure_ready", modelID, map[string]any{"device_mb": actualMB, "duration_ms": time.Since(start).Milliseconds()})
	return nil
}

// fail records err as the manager's last error.
func (m *Manager) fail(modelID string, err error) {
	m.mu.Lock()
	m.state = StateError
	m.err = err.Error()
	m.mu.Unlock()
	m.log.Error().Err(err).Str("model", modelID).Msg("ensure failed")
	m.publish("ensure_error", modelID, map[string]any{"error": err.Error()})
}

// compileModel serializes builds; compilations are memory hungry.
func (m *Manager) compileModel(ctx context.Context, src string, workspaceMB int) (compiler.Result, error) {
	m.compileMu.Lock()
	defer m.compileMu.Unlock()
	m.publish("compile_start", "", map[string]any{"source": src})
	res, err := compiler.Compile(ctx, m.platform, src, compiler.Options{
		WorkspaceMiB:  workspaceMB,
		Logger:        &m.log,
		RuntimeLogger: logging.RuntimeLogger(m.log, m.rtSeverity),
	})
	if err != nil {
		if errors.Is(err, trt.ErrUnavailable) {
			err = dependencyUnavailable(err)
		}
		return res, err
	}
	m.publish("compile_done", "", map[string]any{"engine": res.EnginePath, "bytes": res.Bytes})
	return res, nil
}

// modelByPath finds the registry entry owning an engine or source path.
func (m *Manager) modelByPath(path string) (types.Model, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mdl := range m.registry {
		if mdl.Path == path || mdl.SourcePath == path {
			return mdl, true
		}
	}
	return types.Model{}, false
}
