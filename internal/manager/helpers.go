package manager

import (
	"os"

	"trtd/pkg/types"
)

const mib = 1 << 20

// Helper: find model in registry by id.
func (m *Manager) getModelByID(id string) (types.Model, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mdl := range m.registry {
		if mdl.ID == id {
			return mdl, true
		}
	}
	return types.Model{}, false
}

// Helper: update a registry entry in place.
func (m *Manager) updateModel(mdl types.Model) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.registry {
		if m.registry[i].ID == mdl.ID {
			m.registry[i] = mdl
			return
		}
	}
}

// Helper: resolve an empty id to the default model.
func (m *Manager) resolveID(id string) (string, error) {
	if id != "" {
		return id, nil
	}
	if m.defaultModel == "" {
		return "", modelNotFoundError{id: "(unspecified)"}
	}
	return m.defaultModel, nil
}

// Helper: estimate device memory (MB) for a model before loading. Engine
// weights are resident on the device, so the plan size is a lower bound.
// Falls back to the ONNX source size for models not compiled yet.
func (m *Manager) estimateDeviceMB(mdl types.Model) int {
	path := mdl.Path
	if !mdl.Compiled && mdl.SourcePath != "" {
		path = mdl.SourcePath
	}
	fi, err := os.Stat(path)
	if err != nil {
		// If we cannot stat the file, return a conservative minimum of 1MB
		// to avoid bypassing budget checks due to an unknown size.
		return 1
	}
	return toMB(fi.Size())
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// toMB rounds n bytes up to whole MiB, minimum 1.
func toMB(n int64) int {
	mb := int((n + mib - 1) / mib)
	if mb <= 0 {
		mb = 1
	}
	return mb
}
