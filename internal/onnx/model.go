// Package onnx reads and writes the subset of the ONNX protobuf schema that
// engine building needs: graph inputs/outputs with their static shapes, node
// topology, and float initializers.
//
// Decoding and encoding go through google.golang.org/protobuf/encoding/protowire,
// so no generated code is required.
package onnx

import (
	"math"

	"trtd/pkg/types"
)

// Element types (TensorProto.DataType).
const (
	TypeUndefined int32 = 0
	TypeFloat     int32 = 1
	TypeUint8     int32 = 2
	TypeInt8      int32 = 3
	TypeInt32     int32 = 6
	TypeInt64     int32 = 7
	TypeBool      int32 = 9
	TypeFloat16   int32 = 10
	TypeDouble    int32 = 11
)

// Model is a decoded ONNX ModelProto.
type Model struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	ModelVersion    int64
	Opset           []OperatorSet
	Graph           Graph
}

// OperatorSet is an opset import.
type OperatorSet struct {
	Domain  string
	Version int64
}

// Graph is a decoded GraphProto.
type Graph struct {
	Name         string
	Nodes        []Node
	Inputs       []ValueInfo
	Outputs      []ValueInfo
	Initializers []Tensor
}

// Node is a single operator application.
type Node struct {
	Name    string
	OpType  string
	Domain  string
	Inputs  []string
	Outputs []string
}

// Dim is one tensor dimension: either a static value or a symbolic parameter.
type Dim struct {
	Value int64
	Param string
}

// ValueInfo describes a graph input or output.
type ValueInfo struct {
	Name     string
	ElemType int32
	Dims     []Dim
}

// Tensor is an initializer (weight) tensor.
type Tensor struct {
	Name      string
	DataType  int32
	Dims      []int64
	RawData   []byte
	FloatData []float32
}

// Shape converts v's dimensions to a Dims descriptor. Symbolic or missing
// dimensions become -1. Shapes with more than types.MaxDims dimensions are
// rejected.
func (v ValueInfo) Shape() (types.Dims, error) {
	vals := make([]int64, len(v.Dims))
	for i, d := range v.Dims {
		if d.Param != "" || d.Value <= 0 {
			vals[i] = -1
			continue
		}
		vals[i] = d.Value
	}
	return types.DimsOf(vals...)
}

// Static reports whether every dimension of v has a concrete positive value.
func (v ValueInfo) Static() bool {
	for _, d := range v.Dims {
		if d.Param != "" || d.Value <= 0 {
			return false
		}
	}
	return true
}

// RuntimeInputs returns the graph inputs that are not initializers. Models
// exported with IR version < 4 list weights among the inputs.
func (g Graph) RuntimeInputs() []ValueInfo {
	inits := make(map[string]struct{}, len(g.Initializers))
	for _, t := range g.Initializers {
		inits[t.Name] = struct{}{}
	}
	out := make([]ValueInfo, 0, len(g.Inputs))
	for _, in := range g.Inputs {
		if _, ok := inits[in.Name]; ok {
			continue
		}
		out = append(out, in)
	}
	return out
}

// Floats returns the tensor's values as float32, decoding raw little-endian
// data when present. Non-float tensors return nil.
func (t Tensor) Floats() []float32 {
	if t.DataType != TypeFloat {
		return nil
	}
	if len(t.RawData) == 0 {
		return t.FloatData
	}
	out := make([]float32, len(t.RawData)/4)
	for i := range out {
		b := t.RawData[i*4:]
		out[i] = math.Float32frombits(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
	}
	return out
}

// ElementCount returns the product of the tensor's dims (1 for scalars).
func (t Tensor) ElementCount() int64 {
	n := int64(1)
	for _, d := range t.Dims {
		n *= d
	}
	return n
}
