package emulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	goruntime "runtime"

	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"

	"trtd/internal/onnx"
	"trtd/internal/trt"
)

type builder struct {
	dev      *Device
	log      trt.Logger
	fastFP16 bool
	closed   bool
}

func (b *builder) CreateNetwork(flags trt.NetworkFlags) (trt.Network, error) {
	if b.closed {
		return nil, fmt.Errorf("emulator: builder: %w", trt.ErrClosed)
	}
	if flags&trt.NetworkExplicitBatch == 0 {
		b.log.Log(trt.SeverityError, "implicit batch networks are not supported")
		return nil, fmt.Errorf("%w: network requires explicit batch", trt.ErrConstruction)
	}
	return &network{}, nil
}

func (b *builder) CreateBuilderConfig() (trt.BuilderConfig, error) {
	if b.closed {
		return nil, fmt.Errorf("emulator: builder: %w", trt.ErrClosed)
	}
	return &builderConfig{}, nil
}

func (b *builder) PlatformHasFastFP16() bool { return b.fastFP16 }

func (b *builder) BuildEngine(n trt.Network, c trt.BuilderConfig) (trt.Engine, error) {
	if b.closed {
		return nil, fmt.Errorf("emulator: builder: %w", trt.ErrClosed)
	}
	net, ok := n.(*network)
	if !ok || net == nil {
		return nil, errors.New("emulator: network was not created by the emulator builder")
	}
	cfg, ok := c.(*builderConfig)
	if !ok || cfg == nil {
		return nil, errors.New("emulator: builder config was not created by the emulator builder")
	}
	if net.model == nil {
		return nil, fmt.Errorf("%w: network is empty", trt.ErrConstruction)
	}
	if len(net.inputs) == 0 || len(net.outputs) == 0 {
		b.log.Log(trt.SeverityError, "network must have at least one input and one output")
		return nil, fmt.Errorf("%w: network has %d inputs and %d outputs", trt.ErrConstruction, len(net.inputs), len(net.outputs))
	}
	for _, t := range append(append([]planTensor(nil), net.inputs...), net.outputs...) {
		if !t.Shape.Resolved() {
			b.log.Log(trt.SeverityWarning, fmt.Sprintf("tensor %q has dynamic shape %s and no optimization profile", t.Name, t.Shape))
		}
	}

	fp16 := cfg.fp16 && b.fastFP16
	weights, err := packWeights(net.model.Graph.Initializers, fp16)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", trt.ErrConstruction, err)
	}
	p := &plan{
		Name:           net.model.Graph.Name,
		Tensors:        append(append([]planTensor(nil), net.inputs...), net.outputs...),
		Aliases:        net.aliases,
		Weights:        weights,
		Layers:         len(net.model.Graph.Nodes),
		WorkspaceBytes: cfg.workspace,
		FP16:           fp16,
	}
	e, err := newEngine(b.dev, p)
	if err != nil {
		return nil, err
	}
	b.log.Log(trt.SeverityInfo, fmt.Sprintf("built engine %q: %d layers, fp16=%t", p.Name, p.Layers, fp16))
	return e, nil
}

func (b *builder) Close() error {
	b.closed = true
	return nil
}

// packWeights stores float initializers as little-endian float32 or, in FP16
// mode, as IEEE half precision. Tensors are converted in parallel.
func packWeights(inits []onnx.Tensor, fp16 bool) ([]planWeight, error) {
	out := make([]planWeight, len(inits))
	var g errgroup.Group
	g.SetLimit(goruntime.GOMAXPROCS(0))
	for i := range inits {
		i := i
		t := &inits[i]
		g.Go(func() error {
			w := planWeight{Name: t.Name, Dims: append([]int64(nil), t.Dims...)}
			vals := t.Floats()
			if vals == nil {
				if t.DataType != onnx.TypeFloat16 {
					return fmt.Errorf("initializer %q: unsupported data type %d", t.Name, t.DataType)
				}
				w.FP16 = true
				w.Bytes = append([]byte(nil), t.RawData...)
				out[i] = w
				return nil
			}
			if int64(len(vals)) != t.ElementCount() {
				return fmt.Errorf("initializer %q: %d values for %d elements", t.Name, len(vals), t.ElementCount())
			}
			if fp16 {
				w.FP16 = true
				w.Bytes = make([]byte, 2*len(vals))
				for j, v := range vals {
					binary.LittleEndian.PutUint16(w.Bytes[2*j:], float16.Fromfloat32(v).Bits())
				}
			} else {
				w.Bytes = make([]byte, 4*len(vals))
				for j, v := range vals {
					binary.LittleEndian.PutUint32(w.Bytes[4*j:], math.Float32bits(v))
				}
			}
			out[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

type network struct {
	model   *onnx.Model
	inputs  []planTensor
	outputs []planTensor
	aliases []planAlias
}

func (n *network) NumInputs() int  { return len(n.inputs) }
func (n *network) NumOutputs() int { return len(n.outputs) }

func (n *network) NumLayers() int {
	if n.model == nil {
		return 0
	}
	return len(n.model.Graph.Nodes)
}

func (n *network) Close() error { return nil }

type builderConfig struct {
	workspace uint64
	fp16      bool
}

func (c *builderConfig) SetMemoryPoolLimit(pool trt.MemoryPool, bytes uint64) {
	if pool == trt.MemoryPoolWorkspace {
		c.workspace = bytes
	}
}

func (c *builderConfig) SetFlag(flag trt.BuilderFlag) {
	if flag == trt.BuilderFlagFP16 {
		c.fp16 = true
	}
}

func (c *builderConfig) Close() error { return nil }

type parser struct {
	net *network
	log trt.Logger
}

// ParseFromFile reads an ONNX model into the parser's network. Diagnostics
// less severe than verbosity are suppressed.
func (p *parser) ParseFromFile(path string, verbosity trt.Severity) error {
	logf := func(sev trt.Severity, format string, args ...any) {
		if sev <= verbosity {
			p.log.Log(sev, fmt.Sprintf(format, args...))
		}
	}
	m, err := onnx.ReadFile(path)
	if err != nil {
		logf(trt.SeverityError, "failed to parse onnx file %s: %v", path, err)
		return fmt.Errorf("%w: %v", trt.ErrFormat, err)
	}

	var inputs, outputs []planTensor
	for _, vi := range m.Graph.RuntimeInputs() {
		t, err := tensorOf(vi, true)
		if err != nil {
			logf(trt.SeverityError, "%v", err)
			return err
		}
		if !vi.Static() {
			logf(trt.SeverityWarning, "input %q has dynamic dimensions %s", vi.Name, t.Shape)
		}
		inputs = append(inputs, t)
	}
	for _, vi := range m.Graph.Outputs {
		t, err := tensorOf(vi, false)
		if err != nil {
			logf(trt.SeverityError, "%v", err)
			return err
		}
		outputs = append(outputs, t)
	}

	isInput := make(map[string]bool, len(inputs))
	for _, t := range inputs {
		isInput[t.Name] = true
	}
	isOutput := make(map[string]bool, len(outputs))
	for _, t := range outputs {
		isOutput[t.Name] = true
	}
	var aliases []planAlias
	for _, nd := range m.Graph.Nodes {
		if nd.OpType != "Identity" || len(nd.Inputs) != 1 || len(nd.Outputs) != 1 {
			continue
		}
		if isInput[nd.Inputs[0]] && isOutput[nd.Outputs[0]] {
			aliases = append(aliases, planAlias{Output: nd.Outputs[0], Input: nd.Inputs[0]})
		}
	}

	p.net.model = m
	p.net.inputs = inputs
	p.net.outputs = outputs
	p.net.aliases = aliases
	logf(trt.SeverityInfo, "parsed %s: %d inputs, %d outputs, %d nodes", path, len(inputs), len(outputs), len(m.Graph.Nodes))
	return nil
}

func (p *parser) Close() error { return nil }

func tensorOf(vi onnx.ValueInfo, input bool) (planTensor, error) {
	if vi.ElemType != onnx.TypeFloat {
		return planTensor{}, fmt.Errorf("%w: tensor %q has element type %d, only float is supported", trt.ErrFormat, vi.Name, vi.ElemType)
	}
	shape, err := vi.Shape()
	if err != nil {
		return planTensor{}, fmt.Errorf("%w: tensor %q: %w", trt.ErrFormat, vi.Name, err)
	}
	return planTensor{Name: vi.Name, Input: input, Shape: shape}, nil
}
