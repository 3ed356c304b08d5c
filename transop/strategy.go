package transop

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/sbl8/ffts/core"
	"github.com/sbl8/ffts/model"
)

// Kind is one conversion operator family.
type Kind uint8

const (
	KindReshape Kind = iota
	KindTranspose
	KindCast
	KindTransData
	KindTransDataRNN
	KindReformat
	KindSqueezeV2
	KindUnsqueezeV2
)

var kindTypes = [...]string{
	KindReshape:      model.TypeReshape,
	KindTranspose:    model.TypeTranspose,
	KindCast:         model.TypeCast,
	KindTransData:    model.TypeTransData,
	KindTransDataRNN: model.TypeTransDataRNN,
	KindReformat:     model.TypeReformat,
	KindSqueezeV2:    model.TypeSqueezeV2,
	KindUnsqueezeV2:  model.TypeUnsqueezeV2,
}

// OpType returns the operator type a generator emits for k.
func (k Kind) OpType() string {
	if int(k) < len(kindTypes) {
		return kindTypes[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func (k Kind) String() string { return k.OpType() }

// kindOf maps an operator type back to its conversion kind.
func kindOf(typ string) (Kind, bool) {
	for k, t := range kindTypes {
		if t == typ {
			return Kind(k), true
		}
	}
	return 0, false
}

// Step is one conversion in a chain. Format is the layout the step produces;
// Cast steps leave it unused.
type Step struct {
	Kind   Kind
	Format model.Format
}

func (s Step) String() string {
	if s.Kind == KindCast {
		return s.Kind.String()
	}
	return s.Kind.String() + "(" + s.Format.String() + ")"
}

// Extra bits disambiguating chains for the same format pair.
const (
	// ExtraLowRank marks a source below the rank its destination family needs.
	ExtraLowRank uint16 = 1 << iota
	// ExtraLowRankDst marks a destination below the rank of its source family.
	ExtraLowRankDst
)

// StrategyID packs a conversion request: destination format in bits 48-63,
// source format in 32-47, destination dtype in 24-31, source dtype in 16-23
// and the extra bits in 0-15.
type StrategyID uint64

// NewStrategyID packs the request fields.
func NewStrategyID(src, dst model.Format, srcDT, dstDT model.DataType, extra uint16) StrategyID {
	return StrategyID(uint64(dst)<<48 | uint64(src)<<32 | uint64(dstDT)<<24 | uint64(srcDT)<<16 | uint64(extra))
}

func (id StrategyID) SrcFormat() model.Format  { return model.Format(uint16(id >> 32)) }
func (id StrategyID) DstFormat() model.Format  { return model.Format(uint16(id >> 48)) }
func (id StrategyID) SrcDType() model.DataType { return model.DataType(uint8(id >> 16)) }
func (id StrategyID) DstDType() model.DataType { return model.DataType(uint8(id >> 24)) }
func (id StrategyID) Extra() uint16            { return uint16(id) }

// layoutKey drops the dtype fields; the table is keyed by layout only.
func (id StrategyID) layoutKey() StrategyID {
	return id &^ (0xFFFF << 16)
}

func (id StrategyID) String() string {
	return fmt.Sprintf("%s/%s->%s/%s+%#x", id.SrcFormat(), id.SrcDType(), id.DstFormat(), id.DstDType(), id.Extra())
}

var (
	tableOnce sync.Once
	table     map[StrategyID][]Step
)

func strategyTable() map[StrategyID][]Step {
	tableOnce.Do(func() {
		table = buildTable()
	})
	return table
}

// Lookup returns the layout chain for id. Cast steps are not part of the
// table; see Chain.
func Lookup(id StrategyID) ([]Step, error) {
	steps, ok := strategyTable()[id.layoutKey()]
	if !ok {
		return nil, errors.Wrapf(core.ErrUnsupportedFormat, "%s -> %s (extra %#x)", id.SrcFormat(), id.DstFormat(), id.Extra())
	}
	return append([]Step(nil), steps...), nil
}

// extraBits derives the rank disambiguators for a src -> dst conversion.
func extraBits(src, dst *model.TensorDesc) uint16 {
	var extra uint16
	if src.Format != dst.Format && lowRank(src) && needsFullRank(dst.Format) {
		extra |= ExtraLowRank
	}
	if src.Format != dst.Format && lowRank(dst) && needsFullRank(src.Format) {
		extra |= ExtraLowRankDst
	}
	return extra
}

func lowRank(t *model.TensorDesc) bool {
	r := len(t.Shape)
	if r == 0 || r >= 4 {
		return false
	}
	f := familyOf(t.Format)
	return f == famPlain2D || f == famND
}

func needsFullRank(f model.Format) bool {
	fam := familyOf(f)
	return fam == famPlain2D || fam == famBlocked2D
}

// StrategyFor packs the request for converting src into dst.
func StrategyFor(src, dst *model.TensorDesc) StrategyID {
	return NewStrategyID(src.Format, dst.Format, src.DType, dst.DType, extraBits(src, dst))
}

// Chain returns the full conversion chain for src -> dst: the layout steps
// from the table plus a Cast placed by IsInsertCastFirst when dtypes differ.
// Equal formats with reshaped but size-preserving shapes yield a Reshape.
func Chain(src, dst *model.TensorDesc) ([]Step, error) {
	steps, err := layoutChain(src, dst)
	if err != nil {
		return nil, err
	}
	if src.DType == dst.DType {
		return steps, nil
	}
	cast := Step{Kind: KindCast}
	if IsInsertCastFirst(src, dst) {
		return append([]Step{cast}, steps...), nil
	}
	return append(steps, cast), nil
}

func layoutChain(src, dst *model.TensorDesc) ([]Step, error) {
	if src.Format == dst.Format {
		if len(src.Shape) > 0 && len(dst.Shape) > 0 && !model.ShapeEqual(src.Shape, dst.Shape) {
			return []Step{{Kind: KindReshape, Format: dst.Format}}, nil
		}
		return nil, nil
	}
	return Lookup(StrategyFor(src, dst))
}

// IsInsertCastFirst reports whether a dtype change goes before the layout
// conversion rather than after it. Rules apply in order.
func IsInsertCastFirst(src, dst *model.TensorDesc) bool {
	sc, dc := src.C0Size(), dst.C0Size()
	if dc == 8 && sc != 8 {
		return true
	}
	if isHeavy(dst.Format) && !isHeavy(src.Format) {
		return true
	}
	if src.DType.Bits() > dst.DType.Bits() && sc != 8 {
		return true
	}
	return false
}

func buildTable() map[StrategyID][]Step {
	t := make(map[StrategyID][]Step)
	for s := model.FormatND; s < model.FormatReserved; s++ {
		for d := model.FormatND; d < model.FormatReserved; d++ {
			if s == d {
				continue
			}
			for _, extra := range []uint16{0, ExtraLowRank, ExtraLowRankDst, ExtraLowRank | ExtraLowRankDst} {
				steps, ok := pairChain(s, d)
				if !ok {
					continue
				}
				if extra&ExtraLowRank != 0 {
					if !(familyOf(s) == famPlain2D || familyOf(s) == famND) || !needsFullRank(d) {
						continue
					}
					steps = append([]Step{{Kind: KindUnsqueezeV2, Format: s}}, steps...)
				}
				if extra&ExtraLowRankDst != 0 {
					if !(familyOf(d) == famPlain2D || familyOf(d) == famND) || !needsFullRank(s) {
						continue
					}
					steps = append(steps, Step{Kind: KindSqueezeV2, Format: d})
				}
				t[NewStrategyID(s, d, 0, 0, extra)] = steps
			}
		}
	}
	return t
}

// pairChain is the layout routing between two distinct formats.
func pairChain(s, d model.Format) ([]Step, bool) {
	fs, fd := familyOf(s), familyOf(d)
	td := func(f model.Format) Step { return Step{Kind: KindTransData, Format: f} }
	tp := func(f model.Format) Step { return Step{Kind: KindTranspose, Format: f} }
	rf := func(f model.Format) Step { return Step{Kind: KindReformat, Format: f} }

	switch {
	case fs == famPlain2D && fd == famPlain2D, fs == famPlain3D && fd == famPlain3D:
		return []Step{tp(d)}, true
	case fs == famND && (fd == famPlain2D || fd == famPlain3D),
		(fs == famPlain2D || fs == famPlain3D) && fd == famND:
		return []Step{rf(d)}, true

	case fs == famPlain2D && fd == famPlain3D:
		var steps []Step
		if s != model.FormatNCHW {
			steps = append(steps, tp(model.FormatNCHW))
		}
		steps = append(steps, Step{Kind: KindUnsqueezeV2, Format: model.FormatNCDHW})
		if d != model.FormatNCDHW {
			steps = append(steps, tp(d))
		}
		return steps, true
	case fs == famPlain3D && fd == famPlain2D:
		var steps []Step
		if s != model.FormatNCDHW {
			steps = append(steps, tp(model.FormatNCDHW))
		}
		steps = append(steps, Step{Kind: KindSqueezeV2, Format: model.FormatNCHW})
		if d != model.FormatNCHW {
			steps = append(steps, tp(d))
		}
		return steps, true

	case fs == famND && fd == famNZ, fs == famNZ && fd == famND:
		return []Step{td(d)}, true
	case fs == famNZ && (fd == famPlain2D || fd == famPlain3D):
		return []Step{td(model.FormatND), rf(d)}, true
	case (fs == famPlain2D || fs == famPlain3D) && fd == famNZ:
		return []Step{rf(model.FormatND), td(d)}, true

	case fs == famND && fd == famRNN, fs == famRNN && fd == famND:
		return []Step{{Kind: KindTransDataRNN, Format: d}}, true

	case fs == famPlain2D && fd == famBlocked2D, fs == famPlain3D && fd == famBlocked3D:
		if hasDirect(d, s) {
			return []Step{td(d)}, true
		}
		return []Step{tp(hubOf(d)), td(d)}, true
	case fs == famBlocked2D && fd == famPlain2D, fs == famBlocked3D && fd == famPlain3D:
		if hasDirect(s, d) {
			return []Step{td(d)}, true
		}
		return []Step{td(hubOf(s)), tp(d)}, true

	case fs == famND && (fd == famBlocked2D || fd == famBlocked3D):
		return []Step{rf(hubOf(d)), td(d)}, true
	case (fs == famBlocked2D || fs == famBlocked3D) && fd == famND:
		return []Step{td(hubOf(s)), rf(d)}, true

	case fs == famBlocked2D && fd == famBlocked2D, fs == famBlocked3D && fd == famBlocked3D:
		steps := []Step{td(hubOf(s))}
		if hubOf(s) != hubOf(d) {
			steps = append(steps, tp(hubOf(d)))
		}
		return append(steps, td(d)), true
	}
	return nil, false
}
