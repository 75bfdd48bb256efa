package manager

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"trtd/pkg/types"
)

func TestInfer_IdentityRoundTrip(t *testing.T) {
	m := readyManager(t, ManagerConfig{})
	in := []float32{1, 2, 3, 4}
	resp, err := m.Infer(testCtx(t), types.InferRequest{Inputs: map[string][]float32{"x": in}})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	want := []types.TensorData{{Name: "y", Shape: []int64{2, 2}, Data: in}}
	if diff := cmp.Diff(want, resp.Outputs); diff != "" {
		t.Fatalf("outputs (-want +got):\n%s", diff)
	}
	if resp.Model != "m" {
		t.Fatalf("model=%q", resp.Model)
	}
}

func TestInfer_SelectedOutputs(t *testing.T) {
	m := readyManager(t, ManagerConfig{})
	resp, err := m.Infer(testCtx(t), types.InferRequest{
		Model:   "m",
		Inputs:  map[string][]float32{"x": {5, 6, 7, 8}},
		Outputs: []string{"y"},
	})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if len(resp.Outputs) != 1 || resp.Outputs[0].Data[3] != 8 {
		t.Fatalf("outputs=%+v", resp.Outputs)
	}
}

func TestInfer_InvalidInput(t *testing.T) {
	m := readyManager(t, ManagerConfig{})
	cases := map[string]types.InferRequest{
		"missing":         {Inputs: map[string][]float32{}},
		"short":           {Inputs: map[string][]float32{"x": {1, 2, 3}}},
		"unknown input":   {Inputs: map[string][]float32{"x": {1, 2, 3, 4}, "z": {1}}},
		"output as input": {Inputs: map[string][]float32{"x": {1, 2, 3, 4}, "y": {1, 2, 3, 4}}},
		"unknown output":  {Inputs: map[string][]float32{"x": {1, 2, 3, 4}}, Outputs: []string{"nope"}},
		"input as output": {Inputs: map[string][]float32{"x": {1, 2, 3, 4}}, Outputs: []string{"x"}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := m.Infer(testCtx(t), req); !IsInvalidInput(err) {
				t.Fatalf("want invalid input, got %v", err)
			}
		})
	}
}

func TestInfer_UnknownModel(t *testing.T) {
	m := readyManager(t, ManagerConfig{})
	_, err := m.Infer(testCtx(t), types.InferRequest{Model: "nope", Inputs: map[string][]float32{"x": {1}}})
	if !IsModelNotFound(err) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestInfer_ReloadsAfterUnload(t *testing.T) {
	m := readyManager(t, ManagerConfig{})
	if err := m.Unload("m"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if _, err := m.Infer(testCtx(t), types.InferRequest{Inputs: map[string][]float32{"x": {1, 2, 3, 4}}}); err != nil {
		t.Fatalf("infer after unload: %v", err)
	}
	if m.loads.Load() != 2 {
		t.Fatalf("loads=%d want 2", m.loads.Load())
	}
}

func TestBindings(t *testing.T) {
	m := readyManager(t, ManagerConfig{})
	b, err := m.Bindings(testCtx(t), "")
	if err != nil {
		t.Fatalf("bindings: %v", err)
	}
	if b.Model != "m" || len(b.Inputs) != 1 || len(b.Outputs) != 1 {
		t.Fatalf("bindings=%+v", b)
	}
	if b.Inputs[0].Name != "x" || b.Inputs[0].Mode != types.IOModeInput {
		t.Fatalf("input binding=%+v", b.Inputs[0])
	}
}
