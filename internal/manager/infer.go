package manager

import (
	"context"
	"fmt"
	"sort"
	"time"

	"trtd/internal/engine"
	"trtd/pkg/types"
)

// maxEvictedRetries bounds how often a request re-ensures an instance that
// was evicted between admission and execution.
const maxEvictedRetries = 2

// Infer runs one request: ensure the instance, wait for admission, copy every
// input to the device, execute and fetch the requested outputs. Every input
// binding must be supplied with exactly its element count.
func (m *Manager) Infer(ctx context.Context, req types.InferRequest) (types.InferResponse, error) {
	modelID, err := m.resolveID(req.Model)
	if err != nil {
		return types.InferResponse{}, err
	}
	for attempt := 0; ; attempt++ {
		if err := m.EnsureInstance(ctx, modelID); err != nil {
			return types.InferResponse{}, err
		}
		resp, retry, err := m.inferOnce(ctx, modelID, req)
		if retry && attempt < maxEvictedRetries {
			continue
		}
		if retry {
			return types.InferResponse{}, tooBusyError{modelID: modelID}
		}
		return resp, err
	}
}

func (m *Manager) inferOnce(ctx context.Context, modelID string, req types.InferRequest) (types.InferResponse, bool, error) {
	release, err := m.beginRequest(ctx, modelID)
	if err != nil {
		if IsModelNotFound(err) {
			// evicted or unloaded before admission
			return types.InferResponse{}, true, nil
		}
		return types.InferResponse{}, false, err
	}
	defer release()

	m.mu.RLock()
	var eng *engine.Engine
	if inst := m.instances[modelID]; inst != nil {
		eng = inst.eng
	}
	m.mu.RUnlock()
	if eng == nil {
		return types.InferResponse{}, true, nil
	}
	if err := ctx.Err(); err != nil {
		return types.InferResponse{}, false, err
	}

	start := time.Now()
	outputs, err := run(eng, req)
	if err != nil {
		return types.InferResponse{}, false, err
	}
	dur := time.Since(start)
	inferDuration.WithLabelValues(modelID).Observe(dur.Seconds())
	return types.InferResponse{Model: modelID, Outputs: outputs, DurationMS: dur.Milliseconds()}, false, nil
}

// run must be called while holding the instance's gen slot.
func run(eng *engine.Engine, req types.InferRequest) ([]types.TensorData, error) {
	if err := validateInputs(eng, req.Inputs); err != nil {
		return nil, err
	}
	for _, name := range req.Outputs {
		idx, ok := eng.IndexOf(name)
		if !ok || isInput(eng, idx) {
			return nil, errInvalidInput("unknown output %q", name)
		}
	}
	names := make([]string, 0, len(req.Inputs))
	for name := range req.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := eng.LoadDataByName(name, req.Inputs[name]); err != nil {
			return nil, fmt.Errorf("load input %q: %w", name, err)
		}
	}
	if err := eng.Infer(); err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}

	want := req.Outputs
	if len(want) == 0 {
		for _, b := range eng.Outputs() {
			want = append(want, b.Name)
		}
	}
	out := make([]types.TensorData, 0, len(want))
	for _, name := range want {
		data, err := eng.FetchResultByName(name)
		if err != nil {
			return nil, fmt.Errorf("fetch output %q: %w", name, err)
		}
		out = append(out, types.TensorData{Name: name, Shape: eng.ShapeOfName(name).Slice(), Data: data})
	}
	return out, nil
}

func validateInputs(eng *engine.Engine, inputs map[string][]float32) error {
	for _, b := range eng.Inputs() {
		data, ok := inputs[b.Name]
		if !ok {
			return errInvalidInput("missing input %q", b.Name)
		}
		n, err := b.Shape.ElementCount()
		if err != nil {
			return errInvalidInput("input %q: %v", b.Name, err)
		}
		if int64(len(data)) != n {
			return errInvalidInput("input %q has %d values, binding %s needs %d", b.Name, len(data), b.Shape, n)
		}
	}
	for name := range inputs {
		idx, ok := eng.IndexOf(name)
		if !ok {
			return errInvalidInput("unknown input %q", name)
		}
		if !isInput(eng, idx) {
			return errInvalidInput("%q is an output binding", name)
		}
	}
	return nil
}

func isInput(eng *engine.Engine, idx int) bool {
	for _, b := range eng.Inputs() {
		if b.Index == idx {
			return true
		}
	}
	return false
}
