// Package transop inserts and merges the layout conversion operators that
// reconcile a producer's output tensor with what its consumer expects.
//
// Every mismatched data edge gets an ordered chain of conversion steps looked
// up in a static strategy table keyed by a packed StrategyID. Generators
// materialize each step as one operator between producer and consumer.
// MergeAllTransOps later cancels adjacent conversions that undo each other.
package transop

import (
	"github.com/sbl8/ffts/model"
)

type family uint8

const (
	famOther family = iota
	famND
	famPlain2D // NCHW NHWC HWCN CHWN
	famPlain3D // NCDHW NDHWC DHWCN DHWNC
	famBlocked2D
	famBlocked3D
	famNZ
	famRNN
)

var axisLetters = map[model.Format]string{
	model.FormatNCHW:  "NCHW",
	model.FormatNHWC:  "NHWC",
	model.FormatHWCN:  "HWCN",
	model.FormatCHWN:  "CHWN",
	model.FormatNCDHW: "NCDHW",
	model.FormatNDHWC: "NDHWC",
	model.FormatDHWCN: "DHWCN",
	model.FormatDHWNC: "DHWNC",
}

func familyOf(f model.Format) family {
	switch f {
	case model.FormatND:
		return famND
	case model.FormatNCHW, model.FormatNHWC, model.FormatHWCN, model.FormatCHWN:
		return famPlain2D
	case model.FormatNCDHW, model.FormatNDHWC, model.FormatDHWCN, model.FormatDHWNC:
		return famPlain3D
	case model.FormatNC1HWC0, model.FormatFractalZ, model.FormatC1HWNCoC0,
		model.FormatNC1HWC0C04, model.FormatFractalZC04, model.FormatFractalZnLSTM:
		return famBlocked2D
	case model.FormatNDC1HWC0, model.FormatFractalZ3D:
		return famBlocked3D
	case model.FormatFractalNZ:
		return famNZ
	case model.FormatFractalZnRNN, model.FormatNDRNNBias:
		return famRNN
	}
	return famOther
}

// isHeavy reports whether f is a blocked or tiled hardware layout.
func isHeavy(f model.Format) bool {
	switch familyOf(f) {
	case famBlocked2D, famBlocked3D, famNZ, famRNN:
		return true
	}
	return false
}

// isC0Blocked reports whether f splits C into C1 x C0 as its last axis.
func isC0Blocked(f model.Format) bool {
	switch f {
	case model.FormatNC1HWC0, model.FormatNDC1HWC0, model.FormatNC1HWC0C04:
		return true
	}
	return false
}

// groupSensitive formats fold the convolution group count into their shape.
func groupSensitive(f model.Format) bool {
	switch f {
	case model.FormatFractalZ, model.FormatFractalZ3D, model.FormatFractalZC04:
		return true
	}
	return false
}

// hubOf returns the plain format a blocked format converts through.
func hubOf(f model.Format) model.Format {
	switch f {
	case model.FormatC1HWNCoC0, model.FormatFractalZnLSTM:
		return model.FormatHWCN
	}
	if familyOf(f) == famBlocked3D {
		return model.FormatNCDHW
	}
	return model.FormatNCHW
}

// directTransData lists the plain formats each blocked format converts to and
// from in a single TransData.
var directTransData = map[model.Format][]model.Format{
	model.FormatNC1HWC0:       {model.FormatNCHW, model.FormatNHWC},
	model.FormatFractalZ:      {model.FormatNCHW, model.FormatNHWC, model.FormatHWCN},
	model.FormatC1HWNCoC0:     {model.FormatHWCN},
	model.FormatNC1HWC0C04:    {model.FormatNCHW, model.FormatNHWC},
	model.FormatFractalZC04:   {model.FormatNCHW},
	model.FormatFractalZnLSTM: {model.FormatHWCN},
	model.FormatNDC1HWC0:      {model.FormatNCDHW, model.FormatNDHWC},
	model.FormatFractalZ3D:    {model.FormatNCDHW, model.FormatNDHWC, model.FormatDHWCN},
}

func hasDirect(blocked, plain model.Format) bool {
	for _, f := range directTransData[blocked] {
		if f == plain {
			return true
		}
	}
	return false
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func lcm(a, b int64) int64 {
	x, y := a, b
	for y != 0 {
		x, y = y, x%y
	}
	if x == 0 {
		return 0
	}
	return a / x * b
}

// axisDims maps each axis letter of basis onto its dimension. A rank-4 ND
// shape reads as NCHW and a rank-5 one as NCDHW.
func axisDims(basis model.Format, shape []int64) (map[byte]int64, bool) {
	letters, ok := axisLetters[basis]
	if !ok && basis == model.FormatND {
		switch len(shape) {
		case 4:
			letters, ok = "NCHW", true
		case 5:
			letters, ok = "NCDHW", true
		}
	}
	if !ok || len(letters) != len(shape) {
		return nil, false
	}
	dims := make(map[byte]int64, len(letters))
	for i := 0; i < len(letters); i++ {
		dims[letters[i]] = shape[i]
	}
	return dims, true
}

// TransShape expands shape, laid out in basis, into the dst format. c0 is the
// cube block along C and groups the convolution group count.
func TransShape(dst, basis model.Format, shape []int64, c0, groups int64) ([]int64, bool) {
	for _, d := range shape {
		if d < 0 {
			return nil, false
		}
	}
	if dst == model.FormatND {
		return append([]int64(nil), shape...), true
	}
	if dst == model.FormatFractalNZ {
		return nzShape(shape, c0)
	}
	dims, ok := axisDims(basis, shape)
	if !ok {
		return nil, false
	}
	if letters, ok := axisLetters[dst]; ok {
		out := make([]int64, len(letters))
		for i := 0; i < len(letters); i++ {
			v, ok := dims[letters[i]]
			if !ok {
				return nil, false
			}
			out[i] = v
		}
		return out, true
	}

	n, c, h, w := dims['N'], dims['C'], dims['H'], dims['W']
	d, has3D := dims['D']
	if groups < 1 {
		groups = 1
	}
	switch dst {
	case model.FormatNC1HWC0:
		return []int64{n, ceilDiv(c, c0), h, w, c0}, true
	case model.FormatNC1HWC0C04:
		return []int64{n, ceilDiv(c, 4), h, w, 4}, true
	case model.FormatFractalZ:
		if groups > 1 {
			return groupedFractalZ(n, c, h*w, c0, groups), true
		}
		return []int64{ceilDiv(c, c0) * h * w, ceilDiv(n, 16), 16, c0}, true
	case model.FormatFractalZC04:
		return []int64{ceilDiv(4*h*w, c0), ceilDiv(n, 16), 16, c0}, true
	case model.FormatFractalZnLSTM:
		return []int64{ceilDiv(c, c0) * h * w, ceilDiv(n, 16), 16, c0}, true
	case model.FormatC1HWNCoC0:
		return []int64{ceilDiv(c, c0), h, w, n, c0, c0}, true
	case model.FormatNDC1HWC0:
		if !has3D {
			return nil, false
		}
		return []int64{n, d, ceilDiv(c, c0), h, w, c0}, true
	case model.FormatFractalZ3D:
		if !has3D {
			return nil, false
		}
		if groups > 1 {
			return groupedFractalZ(n, c, d*h*w, c0, groups), true
		}
		return []int64{d * ceilDiv(c, c0) * h * w, ceilDiv(n, 16), 16, c0}, true
	}
	return nil, false
}

// groupedFractalZ applies the group enlargement of grouped convolution
// weights: e groups are packed into one cube when channels allow.
func groupedFractalZ(n, cin, spatial, c0, groups int64) []int64 {
	ng := n / groups
	if ng == 0 || cin == 0 {
		return []int64{ceilDiv(cin, c0) * spatial * groups, ceilDiv(n, 16), 16, c0}
	}
	e := lcm(lcm(cin, c0)/cin, lcm(ng, 16)/ng)
	if e > groups {
		e = groups
	}
	cinOpt := ceilDiv(e*cin, c0) * c0
	coutOpt := ceilDiv(e*ng, 16) * 16
	groupOpt := ceilDiv(groups, e)
	return []int64{groupOpt * cinOpt / c0 * spatial, coutOpt / 16, 16, c0}
}

func nzShape(shape []int64, c0 int64) ([]int64, bool) {
	if len(shape) == 0 {
		return nil, false
	}
	s := shape
	if len(s) == 1 {
		s = []int64{1, s[0]}
	}
	r := len(s)
	out := append([]int64(nil), s[:r-2]...)
	return append(out, ceilDiv(s[r-1], c0), ceilDiv(s[r-2], 16), 16, c0), true
}

// reshapeTypeMask marks the axes of f absent from the reshape-type hint: bit
// i set means axis i was synthesized. An empty hint marks nothing.
func reshapeTypeMask(f model.Format, reshapeType string) int64 {
	letters, ok := axisLetters[f]
	if !ok || reshapeType == "" {
		return 0
	}
	var mask int64
	for i := 0; i < len(letters); i++ {
		found := false
		for j := 0; j < len(reshapeType); j++ {
			if reshapeType[j] == letters[i] {
				found = true
				break
			}
		}
		if !found {
			mask |= 1 << uint(i)
		}
	}
	return mask
}
