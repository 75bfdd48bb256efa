package manager

import (
	"context"

	"trtd/pkg/types"
)

// Bindings ensures the model and returns its tensor contract.
func (m *Manager) Bindings(ctx context.Context, modelID string) (types.BindingsResponse, error) {
	modelID, err := m.resolveID(modelID)
	if err != nil {
		return types.BindingsResponse{}, err
	}
	if err := m.EnsureInstance(ctx, modelID); err != nil {
		return types.BindingsResponse{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst := m.instances[modelID]
	if inst == nil || inst.eng == nil {
		return types.BindingsResponse{}, tooBusyError{modelID: modelID}
	}
	return types.BindingsResponse{
		Model:   modelID,
		Inputs:  inst.eng.Inputs(),
		Outputs: inst.eng.Outputs(),
	}, nil
}
