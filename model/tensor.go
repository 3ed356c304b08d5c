package model

import (
	"fmt"
	"strings"
)

// Format is a primary tensor layout.
type Format uint8

const (
	FormatND Format = iota
	FormatNCHW
	FormatNHWC
	FormatHWCN
	FormatCHWN
	FormatNC1HWC0
	FormatFractalZ
	FormatFractalNZ
	FormatC1HWNCoC0
	FormatNC1HWC0C04
	FormatFractalZC04
	FormatNCDHW
	FormatNDHWC
	FormatDHWCN
	FormatDHWNC
	FormatNDC1HWC0
	FormatFractalZ3D
	FormatFractalZnLSTM
	FormatFractalZnRNN
	FormatNDRNNBias
	FormatReserved
)

var formatNames = [...]string{
	FormatND:            "ND",
	FormatNCHW:          "NCHW",
	FormatNHWC:          "NHWC",
	FormatHWCN:          "HWCN",
	FormatCHWN:          "CHWN",
	FormatNC1HWC0:       "NC1HWC0",
	FormatFractalZ:      "FRACTAL_Z",
	FormatFractalNZ:     "FRACTAL_NZ",
	FormatC1HWNCoC0:     "C1HWNCoC0",
	FormatNC1HWC0C04:    "NC1HWC0_C04",
	FormatFractalZC04:   "FRACTAL_Z_C04",
	FormatNCDHW:         "NCDHW",
	FormatNDHWC:         "NDHWC",
	FormatDHWCN:         "DHWCN",
	FormatDHWNC:         "DHWNC",
	FormatNDC1HWC0:      "NDC1HWC0",
	FormatFractalZ3D:    "FRACTAL_Z_3D",
	FormatFractalZnLSTM: "FRACTAL_ZN_LSTM",
	FormatFractalZnRNN:  "FRACTAL_ZN_RNN",
	FormatNDRNNBias:     "ND_RNN_BIAS",
	FormatReserved:      "RESERVED",
}

func (f Format) String() string {
	if int(f) < len(formatNames) {
		return formatNames[f]
	}
	return fmt.Sprintf("Format(%d)", uint8(f))
}

// ParseFormat resolves a format name as printed by Format.String.
func ParseFormat(s string) (Format, error) {
	for i, name := range formatNames {
		if strings.EqualFold(name, s) {
			return Format(i), nil
		}
	}
	return FormatReserved, fmt.Errorf("unknown format %q", s)
}

// DataType is a tensor element type.
type DataType uint8

const (
	DTFloat32 DataType = iota
	DTFloat16
	DTBFloat16
	DTInt8
	DTUInt8
	DTInt16
	DTInt32
	DTInt64
	DTBool
	DTFloat64
	DTInt4
	DTUndefined
)

var dtypeInfo = [...]struct {
	name string
	bits int
}{
	DTFloat32:   {"float32", 32},
	DTFloat16:   {"float16", 16},
	DTBFloat16:  {"bfloat16", 16},
	DTInt8:      {"int8", 8},
	DTUInt8:     {"uint8", 8},
	DTInt16:     {"int16", 16},
	DTInt32:     {"int32", 32},
	DTInt64:     {"int64", 64},
	DTBool:      {"bool", 8},
	DTFloat64:   {"float64", 64},
	DTInt4:      {"int4", 4},
	DTUndefined: {"undefined", 0},
}

func (d DataType) String() string {
	if int(d) < len(dtypeInfo) {
		return dtypeInfo[d].name
	}
	return fmt.Sprintf("DataType(%d)", uint8(d))
}

// Bits returns the element width in bits, 0 when unknown.
func (d DataType) Bits() int {
	if int(d) < len(dtypeInfo) {
		return dtypeInfo[d].bits
	}
	return 0
}

// ParseDataType resolves a dtype name as printed by DataType.String.
func ParseDataType(s string) (DataType, error) {
	for i, info := range dtypeInfo {
		if strings.EqualFold(info.name, s) {
			return DataType(i), nil
		}
	}
	return DTUndefined, fmt.Errorf("unknown data type %q", s)
}

// TensorDesc describes one input or output anchor of an operator.
type TensorDesc struct {
	Format       Format
	SubFormat    int32
	C0           int64 // 0 selects the dtype default
	DType        DataType
	Shape        []int64
	OriginFormat Format
	OriginShape  []int64
	ReshapeType  string
	ShapeRange   [][2]int64
	Attrs        Attrs
}

// C0Size returns the cube block size along C for blocked formats.
func (t *TensorDesc) C0Size() int64 {
	if t.C0 > 0 {
		return t.C0
	}
	switch t.DType {
	case DTInt8, DTUInt8:
		return 32
	case DTInt4:
		return 64
	default:
		return 16
	}
}

// Clone returns a deep copy of the descriptor.
func (t TensorDesc) Clone() TensorDesc {
	c := t
	c.Shape = append([]int64(nil), t.Shape...)
	c.OriginShape = append([]int64(nil), t.OriginShape...)
	if t.ShapeRange != nil {
		c.ShapeRange = append([][2]int64(nil), t.ShapeRange...)
	}
	c.Attrs = t.Attrs.Clone()
	return c
}

// ShapeEqual reports whether two shapes are identical.
func ShapeEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ShapeSize returns the element count, or -1 when any dimension is unknown.
func ShapeSize(s []int64) int64 {
	n := int64(1)
	for _, d := range s {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}
