package manager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"trtd/internal/compiler"
	"trtd/internal/emulator"
	"trtd/internal/onnx"
	"trtd/internal/registry"
)

// identityModel copies input "x" [2,2] to output "y". weightMB adds an unused
// initializer so the compiled engine occupies roughly that much device memory.
func identityModel(name string, weightMB int) *onnx.Model {
	m := &onnx.Model{
		IRVersion: 8,
		Opset:     []onnx.OperatorSet{{Version: 17}},
		Graph: onnx.Graph{
			Name:    name,
			Nodes:   []onnx.Node{{Name: "id", OpType: "Identity", Inputs: []string{"x"}, Outputs: []string{"y"}}},
			Inputs:  []onnx.ValueInfo{{Name: "x", ElemType: onnx.TypeFloat, Dims: []onnx.Dim{{Value: 2}, {Value: 2}}}},
			Outputs: []onnx.ValueInfo{{Name: "y", ElemType: onnx.TypeFloat, Dims: []onnx.Dim{{Value: 2}, {Value: 2}}}},
		},
	}
	if weightMB > 0 {
		m.Graph.Initializers = []onnx.Tensor{{
			Name:     "w",
			DataType: onnx.TypeFloat,
			Dims:     []int64{int64(weightMB * mib / 4)},
			RawData:  make([]byte, weightMB*mib),
		}}
	}
	return m
}

// writeSource writes <dir>/<id>.onnx and returns its path.
func writeSource(t *testing.T, dir, id string, weightMB int) string {
	t.Helper()
	p := filepath.Join(dir, id+registry.OnnxExt)
	if err := onnx.WriteFile(p, identityModel(id, weightMB)); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

// writeEngine writes the source and compiles it next to it.
func writeEngine(t *testing.T, dir, id string, weightMB int) string {
	t.Helper()
	src := writeSource(t, dir, id, weightMB)
	res, err := compiler.Compile(context.Background(), emulator.New(emulator.Options{}), src, compiler.Options{WorkspaceMiB: 64})
	if err != nil {
		t.Fatalf("compile %s: %v", id, err)
	}
	return res.EnginePath
}

// newTestManager scans dir into the registry and closes the manager on cleanup.
func newTestManager(t *testing.T, dir string, cfg ManagerConfig) *Manager {
	t.Helper()
	reg, err := registry.LoadDir(dir)
	if err != nil {
		t.Fatalf("scan %s: %v", dir, err)
	}
	cfg.Registry = reg
	if cfg.Platform == nil {
		cfg.Platform = emulator.New(emulator.Options{})
	}
	m := NewWithConfig(cfg)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func hasEvent(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}
