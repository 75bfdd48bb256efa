package onnx

import (
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// Encode serializes m as an ONNX ModelProto.
func Encode(m *Model) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(m.IRVersion))
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	b = appendVarint(b, 5, uint64(m.ModelVersion))
	b = appendMessage(b, 7, encodeGraph(&m.Graph))
	for _, set := range m.Opset {
		var sb []byte
		sb = appendString(sb, 1, set.Domain)
		sb = appendVarint(sb, 2, uint64(set.Version))
		b = appendMessage(b, 8, sb)
	}
	return b
}

// WriteFile encodes m to path.
func WriteFile(path string, m *Model) error {
	return os.WriteFile(path, Encode(m), 0o644)
}

func encodeGraph(g *Graph) []byte {
	var b []byte
	for _, n := range g.Nodes {
		var nb []byte
		for _, in := range n.Inputs {
			nb = protowire.AppendTag(nb, 1, protowire.BytesType)
			nb = protowire.AppendString(nb, in)
		}
		for _, out := range n.Outputs {
			nb = protowire.AppendTag(nb, 2, protowire.BytesType)
			nb = protowire.AppendString(nb, out)
		}
		nb = appendString(nb, 3, n.Name)
		nb = appendString(nb, 4, n.OpType)
		nb = appendString(nb, 7, n.Domain)
		b = appendMessage(b, 1, nb)
	}
	b = appendString(b, 2, g.Name)
	for _, t := range g.Initializers {
		b = appendMessage(b, 5, encodeTensor(&t))
	}
	for _, in := range g.Inputs {
		b = appendMessage(b, 11, encodeValueInfo(&in))
	}
	for _, out := range g.Outputs {
		b = appendMessage(b, 12, encodeValueInfo(&out))
	}
	return b
}

func encodeTensor(t *Tensor) []byte {
	var b []byte
	if len(t.Dims) > 0 {
		var packed []byte
		for _, d := range t.Dims {
			packed = protowire.AppendVarint(packed, uint64(d))
		}
		b = appendMessage(b, 1, packed)
	}
	b = appendVarint(b, 2, uint64(t.DataType))
	if len(t.FloatData) > 0 {
		var packed []byte
		for _, f := range t.FloatData {
			packed = protowire.AppendFixed32(packed, math.Float32bits(f))
		}
		b = appendMessage(b, 4, packed)
	}
	b = appendString(b, 8, t.Name)
	if len(t.RawData) > 0 {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, t.RawData)
	}
	return b
}

func encodeValueInfo(vi *ValueInfo) []byte {
	var shape []byte
	for _, d := range vi.Dims {
		var db []byte
		if d.Param != "" {
			db = appendString(db, 2, d.Param)
		} else {
			db = protowire.AppendTag(db, 1, protowire.VarintType)
			db = protowire.AppendVarint(db, uint64(d.Value))
		}
		shape = appendMessage(shape, 1, db)
	}
	var tt []byte
	tt = appendVarint(tt, 1, uint64(vi.ElemType))
	tt = appendMessage(tt, 2, shape)

	var b []byte
	b = appendString(b, 1, vi.Name)
	b = appendMessage(b, 2, appendMessage(nil, 1, tt))
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}
