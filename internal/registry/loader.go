package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"trtd/internal/common/fsutil"
	"trtd/pkg/types"
)

// File suffixes the scanner recognizes.
const (
	EngineExt = ".engine"
	OnnxExt   = ".onnx"
)

// Scanner discovers models in a directory.
type Scanner interface {
	Scan(dir string) ([]types.Model, error)
}

// EngineScanner pairs *.engine files with the *.onnx sources they were
// compiled from. A source without an engine is listed as not compiled, with
// Path pointing where the compiled engine will be written.
type EngineScanner struct{}

func NewEngineScanner() *EngineScanner { return &EngineScanner{} }

// Scan lists the models in dir, sorted by ID. The ID is the file stem, so
// "resnet50.onnx" and "resnet50.engine" are one model.
func (EngineScanner) Scan(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	byID := make(map[string]*types.Model)
	get := func(id string) *types.Model {
		m, ok := byID[id]
		if !ok {
			m = &types.Model{ID: id}
			byID[id] = m
		}
		return m
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		id := strings.TrimSuffix(name, filepath.Ext(name))
		if id == "" || strings.HasPrefix(name, ".") {
			continue
		}
		p := filepath.Join(abs, name)
		switch ext {
		case EngineExt:
			m := get(id)
			m.Name = name
			m.Path = p
			m.Compiled = true
		case OnnxExt:
			m := get(id)
			m.SourcePath = p
			if !m.Compiled {
				m.Name = id + EngineExt
				m.Path = fsutil.ReplaceExt(p, EngineExt)
			}
		}
	}
	models := make([]types.Model, 0, len(byID))
	for _, m := range byID {
		models = append(models, *m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// LoadDir scans dir with the default EngineScanner.
func LoadDir(dir string) ([]types.Model, error) {
	return NewEngineScanner().Scan(dir)
}
