package emulator

import (
	"encoding/binary"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/encoding/protowire"

	"trtd/internal/onnx"
	"trtd/internal/trt"
	"trtd/pkg/types"
)

func TestDeviceCapacityAndFree(t *testing.T) {
	d := NewDevice(1024)
	a, err := d.Malloc(100)
	if err != nil {
		t.Fatalf("malloc: %v", err)
	}
	if free, total := d.MemInfo(); total != 1024 || free != 1024-alignment {
		t.Fatalf("meminfo = %d/%d", free, total)
	}
	if _, err := d.Malloc(1024); !errors.Is(err, trt.ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
	if _, err := d.Malloc(0); err == nil {
		t.Fatalf("expected error for zero-byte malloc")
	}
	if err := d.Free(a); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := d.Free(a); !errors.Is(err, trt.ErrInvalidPointer) {
		t.Fatalf("double free should fail with ErrInvalidPointer, got %v", err)
	}
	if d.Allocations() != 0 {
		t.Fatalf("allocations = %d", d.Allocations())
	}
}

func TestStreamOrdering(t *testing.T) {
	d := NewDevice(1 << 20)
	s, _ := d.NewStream()
	defer s.Close()
	ptr, _ := d.Malloc(4)

	first := make([]byte, 4)
	if err := d.MemcpyHtoDAsync(ptr, []byte{1, 2, 3, 4}, s); err != nil {
		t.Fatalf("h2d: %v", err)
	}
	if err := d.MemcpyDtoHAsync(first, ptr, s); err != nil {
		t.Fatalf("d2h: %v", err)
	}
	src := []byte{9, 9, 9, 9}
	if err := d.MemcpyHtoDAsync(ptr, src, s); err != nil {
		t.Fatalf("h2d: %v", err)
	}
	src[0] = 0 // staged at enqueue time
	second := make([]byte, 4)
	_ = d.MemcpyDtoHAsync(second, ptr, s)
	if err := s.Synchronize(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if diff := cmp.Diff([]byte{1, 2, 3, 4}, first); diff != "" {
		t.Fatalf("first read (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{9, 9, 9, 9}, second); diff != "" {
		t.Fatalf("second read (-want +got):\n%s", diff)
	}
}

func TestStreamCopyValidation(t *testing.T) {
	d := NewDevice(1 << 20)
	s, _ := d.NewStream()
	ptr, _ := d.Malloc(4)
	if err := d.MemcpyHtoDAsync(ptr, make([]byte, 8), s); err == nil {
		t.Fatalf("expected oversize copy to fail")
	}
	if err := d.MemcpyHtoDAsync(ptr+1, make([]byte, 1), s); !errors.Is(err, trt.ErrInvalidPointer) {
		t.Fatalf("expected ErrInvalidPointer, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := d.MemcpyHtoDAsync(ptr, []byte{1}, s); !errors.Is(err, trt.ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestPlanRoundTrip(t *testing.T) {
	want := &plan{
		Name: "g",
		Tensors: []planTensor{
			{Name: "in", Input: true, Shape: mustDims(t, 1, 3)},
			{Name: "out", Shape: mustDims(t, -1, 3)},
		},
		Aliases:        []planAlias{{Output: "out", Input: "in"}},
		Weights:        []planWeight{{Name: "w", Dims: []int64{2}, FP16: true, Bytes: []byte{0, 60, 0, 64}}},
		Layers:         3,
		WorkspaceBytes: 256 << 20,
		FP16:           true,
	}
	got, err := unmarshalPlan(want.marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(plan{}, planTensor{}, planAlias{}, planWeight{})); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanRejectsForeignBytes(t *testing.T) {
	for name, b := range map[string][]byte{
		"empty":   nil,
		"garbage": []byte("definitely not an engine"),
		"version": append(append([]byte(nil), planMagic...), 99, 0, 0, 0),
	} {
		if _, err := unmarshalPlan(b); !errors.Is(err, trt.ErrFormat) {
			t.Fatalf("%s: expected ErrFormat, got %v", name, err)
		}
	}
	rt, _ := New(Options{}).NewRuntime(nil)
	if _, err := rt.DeserializeEngine([]byte("nope")); !errors.Is(err, trt.ErrFormat) {
		t.Fatalf("expected ErrFormat from runtime, got %v", err)
	}
}

func TestPlanRejectsDimensionBeyondInt32(t *testing.T) {
	var tb []byte
	tb = appendString(tb, 1, "x")
	tb = appendBool(tb, 2, true)
	tb = protowire.AppendTag(tb, 3, protowire.VarintType)
	tb = protowire.AppendVarint(tb, 2)
	for _, d := range []int64{1<<32 + 2, 2} {
		tb = protowire.AppendTag(tb, 4, protowire.VarintType)
		tb = protowire.AppendVarint(tb, protowire.EncodeZigZag(d))
	}
	b := append(append([]byte(nil), planMagic...), 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(b[len(planMagic):], PlanVersion)
	b = appendBytes(b, fTensor, tb)

	_, err := unmarshalPlan(b)
	if !errors.Is(err, trt.ErrFormat) || !errors.Is(err, types.ErrDimOutOfRange) {
		t.Fatalf("expected out-of-range format error, got %v", err)
	}
}

func identityModel() *onnx.Model {
	return &onnx.Model{
		IRVersion: 8,
		Opset:     []onnx.OperatorSet{{Version: 17}},
		Graph: onnx.Graph{
			Name:  "identity",
			Nodes: []onnx.Node{{Name: "id", OpType: "Identity", Inputs: []string{"x"}, Outputs: []string{"y"}}},
			Inputs: []onnx.ValueInfo{
				{Name: "x", ElemType: onnx.TypeFloat, Dims: []onnx.Dim{{Value: 2}, {Value: 2}}},
			},
			Outputs: []onnx.ValueInfo{
				{Name: "y", ElemType: onnx.TypeFloat, Dims: []onnx.Dim{{Value: 2}, {Value: 2}}},
			},
			Initializers: []onnx.Tensor{
				{Name: "scale", DataType: onnx.TypeFloat, Dims: []int64{2}, FloatData: []float32{1, 0.5}},
			},
		},
	}
}

func buildFrom(t *testing.T, p *Platform, m *onnx.Model, fp16 bool) trt.Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "m.onnx")
	if err := onnx.WriteFile(path, m); err != nil {
		t.Fatalf("write onnx: %v", err)
	}
	b, _ := p.NewBuilder(nil)
	defer b.Close()
	net, err := b.CreateNetwork(trt.NetworkExplicitBatch)
	if err != nil {
		t.Fatalf("network: %v", err)
	}
	ps, _ := p.NewOnnxParser(net, nil)
	if err := ps.ParseFromFile(path, trt.SeverityWarning); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg, _ := b.CreateBuilderConfig()
	cfg.SetMemoryPoolLimit(trt.MemoryPoolWorkspace, 1<<20)
	if fp16 {
		cfg.SetFlag(trt.BuilderFlagFP16)
	}
	e, err := b.BuildEngine(net, cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return e
}

func TestBuildAndExecuteIdentity(t *testing.T) {
	p := New(Options{MemoryBytes: 1 << 20})
	built := buildFrom(t, p, identityModel(), false)
	plan, err := built.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	built.Close()

	rt, _ := p.NewRuntime(nil)
	e, err := rt.DeserializeEngine(plan)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	defer e.Close()
	if e.NumIOTensors() != 2 || e.IOTensorName(0) != "x" || e.IOTensorName(1) != "y" || e.IOTensorName(2) != "" {
		t.Fatalf("unexpected tensors")
	}
	if e.TensorIOMode("x") != types.IOModeInput || e.TensorIOMode("y") != types.IOModeOutput || e.TensorIOMode("z") != types.IOModeNone {
		t.Fatalf("unexpected io modes")
	}
	if got := e.TensorShape("y").String(); got != "[2 2]" {
		t.Fatalf("shape = %s", got)
	}

	dev := p.Device()
	s, _ := dev.NewStream()
	defer s.Close()
	x, _ := dev.Malloc(16)
	y, _ := dev.Malloc(16)
	ctx, _ := e.CreateExecutionContext()
	defer ctx.Close()
	if err := ctx.EnqueueV3(s); err == nil {
		t.Fatalf("expected unbound tensors to be rejected")
	}
	_ = ctx.SetTensorAddress("x", x)
	_ = ctx.SetTensorAddress("y", y)

	in := make([]byte, 16)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(in[4*i:], math.Float32bits(float32(i)+0.5))
	}
	out := make([]byte, 16)
	_ = dev.MemcpyHtoDAsync(x, in, s)
	if err := ctx.EnqueueV3(s); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_ = dev.MemcpyDtoHAsync(out, y, s)
	if err := s.Synchronize(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("identity output (-want +got):\n%s", diff)
	}
}

func TestBuildFP16Weights(t *testing.T) {
	p := New(Options{FastFP16: true})
	e := buildFrom(t, p, identityModel(), true)
	defer e.Close()
	got := e.(*engine).plan
	if !got.FP16 || len(got.Weights) != 1 || !got.Weights[0].FP16 {
		t.Fatalf("expected fp16 weights: %+v", got)
	}
	// 1.0 and 0.5 in IEEE half precision
	if diff := cmp.Diff([]byte{0x00, 0x3c, 0x00, 0x38}, got.Weights[0].Bytes); diff != "" {
		t.Fatalf("weights (-want +got):\n%s", diff)
	}

	slow := New(Options{})
	e2 := buildFrom(t, slow, identityModel(), true)
	defer e2.Close()
	if e2.(*engine).plan.FP16 {
		t.Fatalf("fp16 flag must be ignored without fast fp16")
	}
}

func TestEngineWeightsOccupyDevice(t *testing.T) {
	p := New(Options{MemoryBytes: 1 << 20})
	e := buildFrom(t, p, identityModel(), false)
	if p.Emulated().Allocations() != 1 {
		t.Fatalf("weights should be resident, allocations = %d", p.Emulated().Allocations())
	}
	_ = e.Close()
	_ = e.Close()
	if p.Emulated().Allocations() != 0 {
		t.Fatalf("allocations after close = %d", p.Emulated().Allocations())
	}
}

func TestBuildRejects(t *testing.T) {
	p := New(Options{})
	b, _ := p.NewBuilder(nil)
	if _, err := b.CreateNetwork(0); !errors.Is(err, trt.ErrConstruction) {
		t.Fatalf("implicit batch: expected ErrConstruction, got %v", err)
	}
	net, _ := b.CreateNetwork(trt.NetworkExplicitBatch)
	cfg, _ := b.CreateBuilderConfig()
	if _, err := b.BuildEngine(net, cfg); !errors.Is(err, trt.ErrConstruction) {
		t.Fatalf("empty network: expected ErrConstruction, got %v", err)
	}

	m := identityModel()
	m.Graph.Inputs[0].ElemType = onnx.TypeInt64
	path := filepath.Join(t.TempDir(), "int.onnx")
	_ = onnx.WriteFile(path, m)
	ps, _ := p.NewOnnxParser(net, nil)
	if err := ps.ParseFromFile(path, trt.SeverityWarning); !errors.Is(err, trt.ErrFormat) {
		t.Fatalf("int64 input: expected ErrFormat, got %v", err)
	}
	if err := ps.ParseFromFile(filepath.Join(t.TempDir(), "missing.onnx"), trt.SeverityWarning); !errors.Is(err, trt.ErrFormat) {
		t.Fatalf("missing file: expected ErrFormat, got %v", err)
	}
}

func mustDims(t *testing.T, v ...int64) types.Dims {
	t.Helper()
	d, err := types.DimsOf(v...)
	if err != nil {
		t.Fatal(err)
	}
	return d
}
