package emulator

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"trtd/internal/trt"
	"trtd/pkg/types"
)

// planMagic prefixes every serialized emulator engine.
var planMagic = []byte("TRTDEMU\x00")

// PlanVersion is bumped whenever the plan layout changes. Plans written by a
// different version are rejected, like TensorRT plans across releases.
const PlanVersion uint32 = 1

// plan is the serialized form of an emulated engine.
type plan struct {
	Name           string
	Tensors        []planTensor
	Aliases        []planAlias
	Weights        []planWeight
	Layers         int
	WorkspaceBytes uint64
	FP16           bool
}

type planTensor struct {
	Name  string
	Input bool
	Shape types.Dims
}

// planAlias makes execution copy an input binding into an output binding,
// which is how the emulator realizes Identity nodes.
type planAlias struct {
	Output string
	Input  string
}

type planWeight struct {
	Name  string
	Dims  []int64
	FP16  bool
	Bytes []byte
}

// plan field numbers
const (
	fName      = 1
	fTensor    = 2
	fAlias     = 3
	fWeight    = 4
	fLayers    = 5
	fWorkspace = 6
	fFP16      = 7
)

func (p *plan) marshal() []byte {
	var msg []byte
	msg = appendString(msg, fName, p.Name)
	for _, t := range p.Tensors {
		var tb []byte
		tb = appendString(tb, 1, t.Name)
		tb = appendBool(tb, 2, t.Input)
		tb = protowire.AppendTag(tb, 3, protowire.VarintType)
		tb = protowire.AppendVarint(tb, uint64(t.Shape.NbDims))
		for i := 0; i < int(t.Shape.NbDims); i++ {
			tb = protowire.AppendTag(tb, 4, protowire.VarintType)
			tb = protowire.AppendVarint(tb, protowire.EncodeZigZag(int64(t.Shape.D[i])))
		}
		msg = appendBytes(msg, fTensor, tb)
	}
	for _, a := range p.Aliases {
		var ab []byte
		ab = appendString(ab, 1, a.Output)
		ab = appendString(ab, 2, a.Input)
		msg = appendBytes(msg, fAlias, ab)
	}
	for _, w := range p.Weights {
		var wb []byte
		wb = appendString(wb, 1, w.Name)
		for _, d := range w.Dims {
			wb = protowire.AppendTag(wb, 2, protowire.VarintType)
			wb = protowire.AppendVarint(wb, uint64(d))
		}
		wb = appendBool(wb, 3, w.FP16)
		wb = appendBytes(wb, 4, w.Bytes)
		msg = appendBytes(msg, fWeight, wb)
	}
	msg = protowire.AppendTag(msg, fLayers, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(p.Layers))
	msg = protowire.AppendTag(msg, fWorkspace, protowire.VarintType)
	msg = protowire.AppendVarint(msg, p.WorkspaceBytes)
	msg = appendBool(msg, fFP16, p.FP16)

	out := make([]byte, 0, len(planMagic)+4+len(msg))
	out = append(out, planMagic...)
	out = binary.LittleEndian.AppendUint32(out, PlanVersion)
	return append(out, msg...)
}

func unmarshalPlan(b []byte) (*plan, error) {
	if len(b) < len(planMagic)+4 || !bytes.Equal(b[:len(planMagic)], planMagic) {
		return nil, fmt.Errorf("%w: not an emulator engine plan", trt.ErrFormat)
	}
	b = b[len(planMagic):]
	if v := binary.LittleEndian.Uint32(b); v != PlanVersion {
		return nil, fmt.Errorf("%w: plan version %d, runtime expects %d", trt.ErrFormat, v, PlanVersion)
	}
	b = b[4:]

	p := &plan{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case fName:
			p.Name = string(v)
		case fTensor:
			t, err := unmarshalTensor(v)
			if err != nil {
				return err
			}
			p.Tensors = append(p.Tensors, t)
		case fAlias:
			var a planAlias
			err := walk(v, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
				switch num {
				case 1:
					a.Output = string(v)
				case 2:
					a.Input = string(v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			p.Aliases = append(p.Aliases, a)
		case fWeight:
			var w planWeight
			err := walk(v, func(num protowire.Number, _ protowire.Type, v []byte, x uint64) error {
				switch num {
				case 1:
					w.Name = string(v)
				case 2:
					w.Dims = append(w.Dims, int64(x))
				case 3:
					w.FP16 = x != 0
				case 4:
					w.Bytes = append([]byte(nil), v...)
				}
				return nil
			})
			if err != nil {
				return err
			}
			p.Weights = append(p.Weights, w)
		case fLayers:
			p.Layers = int(x)
		case fWorkspace:
			p.WorkspaceBytes = x
		case fFP16:
			p.FP16 = x != 0
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", trt.ErrFormat, err)
	}
	return p, p.validate()
}

func unmarshalTensor(b []byte) (planTensor, error) {
	var t planTensor
	var dims []int64
	err := walk(b, func(num protowire.Number, _ protowire.Type, v []byte, x uint64) error {
		switch num {
		case 1:
			t.Name = string(v)
		case 2:
			t.Input = x != 0
		case 3:
			t.Shape.NbDims = int32(x)
		case 4:
			dims = append(dims, protowire.DecodeZigZag(x))
		}
		return nil
	})
	if err != nil {
		return t, err
	}
	if int(t.Shape.NbDims) != len(dims) || len(dims) > types.MaxDims {
		return t, fmt.Errorf("tensor %q: rank %d with %d dims", t.Name, t.Shape.NbDims, len(dims))
	}
	shape, err := types.DimsOf(dims...)
	if err != nil {
		return t, fmt.Errorf("tensor %q: %w", t.Name, err)
	}
	t.Shape = shape
	return t, nil
}

func (p *plan) validate() error {
	seen := make(map[string]bool, len(p.Tensors))
	for _, t := range p.Tensors {
		if t.Name == "" {
			return fmt.Errorf("%w: unnamed tensor", trt.ErrFormat)
		}
		if seen[t.Name] {
			return fmt.Errorf("%w: duplicate tensor %q", trt.ErrFormat, t.Name)
		}
		seen[t.Name] = true
	}
	for _, a := range p.Aliases {
		if !seen[a.Input] || !seen[a.Output] {
			return fmt.Errorf("%w: alias %q <- %q references unknown tensor", trt.ErrFormat, a.Output, a.Input)
		}
	}
	return nil
}

// walk visits every field of a protowire message. Bytes fields arrive in v,
// varint fields in x.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			b = b[m:]
		case protowire.VarintType:
			x, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			if err := fn(num, typ, nil, x); err != nil {
				return err
			}
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}
