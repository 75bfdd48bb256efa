package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"trtd/internal/compiler"
	"trtd/internal/emulator"
	"trtd/internal/httpapi"
	"trtd/internal/manager"
	"trtd/internal/onnx"
	"trtd/internal/registry"
)

const mib = 1 << 20

// writeIdentitySource writes <dir>/<id>.onnx copying input "x" [2,2] to
// output "y". weightMB adds an unused initializer of that size.
func writeIdentitySource(t *testing.T, dir, id string, weightMB int) string {
	t.Helper()
	m := &onnx.Model{
		IRVersion: 8,
		Opset:     []onnx.OperatorSet{{Version: 17}},
		Graph: onnx.Graph{
			Name:    id,
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
	p := filepath.Join(dir, id+registry.OnnxExt)
	if err := onnx.WriteFile(p, m); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

// writeIdentityEngine writes the source and compiles it next to it.
func writeIdentityEngine(t *testing.T, dir, id string, weightMB int) {
	t.Helper()
	src := writeIdentitySource(t, dir, id, weightMB)
	if _, err := compiler.Compile(context.Background(), emulator.New(emulator.Options{}), src, compiler.Options{WorkspaceMiB: 64}); err != nil {
		t.Fatalf("compile %s: %v", id, err)
	}
}

// newServerForDirWithConfig scans modelsDir into cfg.Registry and serves a
// manager over an httptest server.
func newServerForDirWithConfig(t *testing.T, modelsDir string, cfg manager.ManagerConfig) (*httptest.Server, *manager.Manager) {
	t.Helper()
	reg, err := registry.LoadDir(modelsDir)
	if err != nil {
		t.Fatalf("scan models: %v", err)
	}
	cfg.Registry = reg
	mgr := manager.NewWithConfig(cfg)
	srv := httptest.NewServer(httpapi.NewMux(mgr))
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Close()
	})
	return srv, mgr
}

func do(t *testing.T, method, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	return do(t, http.MethodGet, url, nil)
}

func httpPostJSON(t *testing.T, url string, v any) (*http.Response, []byte) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return do(t, http.MethodPost, url, b)
}

func decode(t *testing.T, b []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(b, v); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
}
