package compiler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"trtd/internal/emulator"
	"trtd/internal/onnx"
	"trtd/internal/trt"
	"trtd/pkg/types"
)

func writeModel(t *testing.T, name string) string {
	t.Helper()
	m := &onnx.Model{
		IRVersion: 8,
		Opset:     []onnx.OperatorSet{{Version: 17}},
		Graph: onnx.Graph{
			Name: "classifier",
			Nodes: []onnx.Node{
				{Name: "gap", OpType: "GlobalAveragePool", Inputs: []string{"images"}, Outputs: []string{"pooled"}},
				{Name: "fc", OpType: "Gemm", Inputs: []string{"pooled", "w"}, Outputs: []string{"logits"}},
			},
			Inputs: []onnx.ValueInfo{
				{Name: "images", ElemType: onnx.TypeFloat, Dims: []onnx.Dim{{Value: 1}, {Value: 3}, {Value: 224}, {Value: 224}}},
			},
			Outputs: []onnx.ValueInfo{
				{Name: "logits", ElemType: onnx.TypeFloat, Dims: []onnx.Dim{{Value: 1}, {Value: 1000}}},
			},
			Initializers: []onnx.Tensor{
				{Name: "w", DataType: onnx.TypeFloat, Dims: []int64{3}, FloatData: []float32{0.1, 0.2, 0.3}},
			},
		},
	}
	p := filepath.Join(t.TempDir(), name)
	if err := onnx.WriteFile(p, m); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return p
}

func TestOutputPath(t *testing.T) {
	if got := OutputPath("/models/resnet50.onnx"); got != "/models/resnet50.engine" {
		t.Fatalf("OutputPath = %q", got)
	}
}

func TestCompileWritesLoadableEngine(t *testing.T) {
	src := writeModel(t, "resnet.onnx")
	p := emulator.New(emulator.Options{})
	res, err := Compile(context.Background(), p, src, Options{WorkspaceMiB: 256})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if res.EnginePath != OutputPath(src) || res.Bytes == 0 || res.FP16 {
		t.Fatalf("unexpected result: %+v", res)
	}
	plan, err := os.ReadFile(res.EnginePath)
	if err != nil || len(plan) != res.Bytes {
		t.Fatalf("engine file: %d bytes, err=%v", len(plan), err)
	}
	wantIn := []types.Binding{{Name: "images", Index: 0, Mode: types.IOModeInput, Shape: dims(t, 1, 3, 224, 224)}}
	if diff := cmp.Diff(wantIn, res.Inputs); diff != "" {
		t.Fatalf("inputs (-want +got):\n%s", diff)
	}
	if len(res.Outputs) != 1 || res.Outputs[0].Name != "logits" || res.Outputs[0].Index != 1 {
		t.Fatalf("outputs: %+v", res.Outputs)
	}

	rt, _ := p.NewRuntime(nil)
	defer rt.Close()
	e, err := rt.DeserializeEngine(plan)
	if err != nil {
		t.Fatalf("deserialize compiled engine: %v", err)
	}
	_ = e.Close()
	if n := p.Emulated().Allocations(); n != 0 {
		t.Fatalf("compile leaked %d device allocations", n)
	}
}

func TestCompileFP16WhenPlatformSupportsIt(t *testing.T) {
	src := writeModel(t, "m.onnx")
	res, err := Compile(context.Background(), emulator.New(emulator.Options{FastFP16: true}), src, Options{})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !res.FP16 {
		t.Fatalf("expected fp16 build")
	}
}

func TestCompileParseFailureLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "broken.onnx")
	if err := os.WriteFile(src, []byte("not a model"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Compile(context.Background(), emulator.New(emulator.Options{}), src, Options{})
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageParse {
		t.Fatalf("expected parse StageError, got %v", err)
	}
	if !errors.Is(err, trt.ErrFormat) {
		t.Fatalf("expected ErrFormat in chain, got %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected only the source file, found %d entries", len(entries))
	}
}

func TestCompileRejectsNegativeWorkspace(t *testing.T) {
	src := writeModel(t, "m.onnx")
	_, err := Compile(context.Background(), emulator.New(emulator.Options{}), src, Options{WorkspaceMiB: -1})
	if !errors.Is(err, ErrInvalidWorkspace) {
		t.Fatalf("expected ErrInvalidWorkspace, got %v", err)
	}
	if _, statErr := os.Stat(OutputPath(src)); !os.IsNotExist(statErr) {
		t.Fatalf("engine must not be written")
	}
}

func TestCompileHonorsCanceledContext(t *testing.T) {
	src := writeModel(t, "m.onnx")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Compile(ctx, emulator.New(emulator.Options{}), src, Options{})
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageBuilder || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled at builder stage, got %v", err)
	}
}

func TestCompileMissingSource(t *testing.T) {
	_, err := Compile(context.Background(), emulator.New(emulator.Options{}), filepath.Join(t.TempDir(), "none.onnx"), Options{})
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageParse {
		t.Fatalf("expected parse failure, got %v", err)
	}
}

func dims(t *testing.T, v ...int64) types.Dims {
	t.Helper()
	d, err := types.DimsOf(v...)
	if err != nil {
		t.Fatal(err)
	}
	return d
}
