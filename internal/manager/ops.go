package manager

import (
	"context"
	"strconv"
)

// Switch kicks off an async ensure and returns an operation ID. Callers poll
// Status() to observe state transitions; the outcome is also published as a
// switch_done event carrying the op id.
func (m *Manager) Switch(ctx context.Context, modelID string) (string, error) {
	modelID, err := m.resolveID(modelID)
	if err != nil {
		return "", err
	}
	if _, ok := m.getModelByID(modelID); !ok {
		return "", ErrModelNotFound(modelID)
	}
	op := m.nextOpID()
	go func(opID string) {
		// Detached so the load outlives the HTTP request that started it.
		err := m.EnsureInstance(context.WithoutCancel(ctx), modelID)
		fields := map[string]any{"op": opID}
		if err != nil {
			fields["error"] = err.Error()
		}
		m.publish("switch_done", modelID, fields)
	}(op)
	return op, nil
}

func (m *Manager) nextOpID() string {
	return "op-" + strconv.FormatUint(m.opSeq.Add(1), 10)
}
