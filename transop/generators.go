package transop

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sbl8/ffts/core"
	"github.com/sbl8/ffts/model"
)

// Attributes written on inserted nodes and their tensors.
const (
	AttrSrcType         = "src_type"
	AttrDstType         = "dst_type"
	AttrSrcFormat       = "src_format"
	AttrDstFormat       = "dst_format"
	AttrGroups          = "groups"
	AttrAxes            = "axes"
	AttrShape           = "shape"
	AttrValue           = "value"
	AttrReshapeTypeMask = "_reshape_type_mask"
	AttrHiddenSize      = "hidden_size"
	AttrInputSize       = "input_size"
	AttrStateSize       = "state_size"
	AttrOpPattern       = "_op_pattern"
	AttrKeepDims        = "keep_dims"

	opPatternReduce = "Reduce"
)

// generator materializes one step. A step that finds nothing to do returns
// nil without touching the graph.
type generator func(e *Engine, info *TransInfo, s Step) error

var generators = map[Kind]generator{
	KindCast:         genCast,
	KindReformat:     genReformat,
	KindTransData:    genTransData,
	KindTransDataRNN: genTransDataRNN,
	KindTranspose:    genTranspose,
	KindUnsqueezeV2:  genUnsqueeze,
	KindSqueezeV2:    genSqueeze,
	KindReshape:      genReshape,
}

func skip(info *TransInfo, s Step, reason string) {
	logrus.WithFields(logrus.Fields{
		"src":  info.Src.Name,
		"dst":  info.Dst.Name,
		"step": s.String(),
	}).Debug(reason)
}

func setDescAttr(t *model.TensorDesc, key string, v any) error {
	if t.Attrs == nil {
		t.Attrs = make(model.Attrs)
	}
	return t.Attrs.Set(key, v)
}

func setAll(n *model.Node, kv ...any) error {
	for i := 0; i+1 < len(kv); i += 2 {
		if err := n.SetAttr(kv[i].(string), kv[i+1]); err != nil {
			return core.Internalf("%v", err)
		}
	}
	return nil
}

func genCast(e *Engine, info *TransInfo, s Step) error {
	from, to := info.Cur.DType, info.Target.DType
	if from == to {
		skip(info, s, "dtypes already match")
		return nil
	}
	out := info.Cur.Clone()
	out.DType = to
	n, err := e.insert(info, KindCast, out)
	if err != nil {
		return err
	}
	if err := setAll(n, AttrSrcType, int64(from), AttrDstType, int64(to)); err != nil {
		return err
	}
	if !isC0Blocked(info.DstDesc.Format) {
		return nil
	}
	mask := reshapeTypeMask(info.DstDesc.OriginFormat, info.DstDesc.ReshapeType)
	if err := setDescAttr(&n.Inputs[0], AttrReshapeTypeMask, mask); err != nil {
		return core.Internalf("%v", err)
	}
	if err := setDescAttr(&n.Outputs[0], AttrReshapeTypeMask, mask); err != nil {
		return core.Internalf("%v", err)
	}
	return setDescAttr(&info.Cur, AttrReshapeTypeMask, mask)
}

func isNZPair(a, b model.Format) bool {
	return (a == model.FormatND && b == model.FormatFractalNZ) || (a == model.FormatFractalNZ && b == model.FormatND)
}

func genReformat(e *Engine, info *TransInfo, s Step) error {
	from, to := info.Cur.Format, s.Format
	if from == to || isNZPair(from, to) {
		skip(info, s, "reformat not needed")
		return nil
	}
	if from != model.FormatND && to != model.FormatND {
		to = model.FormatND
	}
	out := info.Cur.Clone()
	out.Format = to
	if info.finalShape && to == info.Target.Format && len(info.Target.Shape) > 0 {
		out.Shape = append([]int64(nil), info.Target.Shape...)
	}
	n, err := e.insert(info, KindReformat, out)
	if err != nil {
		return err
	}
	return setAll(n, AttrSrcFormat, from.String(), AttrDstFormat, to.String())
}

// basisOverride fixes the plain layout group-sensitive pairs expand from.
var basisOverride = map[[2]model.Format]model.Format{
	{model.FormatFractalZ, model.FormatNC1HWC0}: model.FormatNCHW,
	{model.FormatNC1HWC0, model.FormatFractalZ}: model.FormatNCHW,
	{model.FormatFractalZ3D, model.FormatNDC1HWC0}: model.FormatNCDHW,
	{model.FormatNDC1HWC0, model.FormatFractalZ3D}: model.FormatNCDHW,
}

// safeTransDataType reports the dtypes every TransData kernel handles.
func safeTransDataType(dt model.DataType) bool {
	return dt == model.DTFloat16 || dt == model.DTFloat32
}

func (e *Engine) groups(info *TransInfo) int64 {
	g := e.opts.DefaultGroups
	for _, n := range []*model.Node{info.Src, info.Dst} {
		if v, ok := n.Attrs.Int(AttrGroups); ok && v > g {
			g = v
		}
	}
	return g
}

func genTransData(e *Engine, info *TransInfo, s Step) error {
	from, to := info.Cur.Format, s.Format
	if from == to {
		skip(info, s, "layout already matches")
		return nil
	}
	nz := from == model.FormatFractalNZ || to == model.FormatFractalNZ
	if e.unsupported[[2]model.Format{from, to}] && !nz && safeTransDataType(info.Cur.DType) {
		skip(info, s, "transdata pair not accuracy supported")
		return nil
	}
	groups := int64(1)
	sensitive := groupSensitive(from) || groupSensitive(to)
	if sensitive {
		groups = e.groups(info)
	}
	shape, err := transDataShape(info, from, to, groups)
	if err != nil {
		return err
	}
	out := info.Cur.Clone()
	out.Format = to
	out.Shape = shape
	n, err := e.insert(info, KindTransData, out)
	if err != nil {
		return err
	}
	if err := setAll(n, AttrSrcFormat, from.String(), AttrDstFormat, to.String()); err != nil {
		return err
	}
	if sensitive {
		return setAll(n, AttrGroups, groups)
	}
	return nil
}

// transDataShape computes the output shape of a TransData. Plain inputs
// expand from their own shape; blocked or shapeless inputs expand from the
// producer's original shape.
func transDataShape(info *TransInfo, from, to model.Format, groups int64) ([]int64, error) {
	if info.finalShape && to == info.Target.Format && len(info.Target.Shape) > 0 {
		return append([]int64(nil), info.Target.Shape...), nil
	}
	basis, shape := from, info.Cur.Shape
	switch familyOf(from) {
	case famPlain2D, famPlain3D:
	case famND:
		if to != model.FormatFractalNZ && len(shape) != 4 && len(shape) != 5 {
			basis, shape = info.SrcDesc.OriginFormat, info.SrcDesc.OriginShape
		}
	default:
		basis, shape = info.SrcDesc.OriginFormat, info.SrcDesc.OriginShape
	}
	if ob, ok := basisOverride[[2]model.Format{from, to}]; ok && ob != basis {
		if perm, ok := Permutation(basis, ob); ok {
			if p, ok := permute(shape, perm); ok {
				basis, shape = ob, p
			}
		}
	}
	out, ok := TransShape(to, basis, shape, info.Cur.C0Size(), groups)
	if !ok {
		return nil, errors.Wrapf(core.ErrUnsupportedFormat, "cannot expand %s %v into %s", basis, shape, to)
	}
	return out, nil
}

func genTransDataRNN(e *Engine, info *TransInfo, s Step) error {
	from, to := info.Cur.Format, s.Format
	if from == to {
		skip(info, s, "layout already matches")
		return nil
	}
	owner := info.Dst
	if familyOf(info.SrcDesc.Format) == famRNN {
		owner = info.Src
	}
	var sizes [3]int64
	for i, key := range []string{AttrHiddenSize, AttrInputSize, AttrStateSize} {
		v, ok := owner.Attrs.Int(key)
		if !ok || (key == AttrHiddenSize && v <= 0) {
			return core.Malformedf("node %s: %s conversion needs %s", owner.Name, to, key)
		}
		sizes[i] = v
	}
	hidden, input, state := sizes[0], sizes[1], sizes[2]

	var shape []int64
	var ok bool
	switch {
	case info.finalShape && to == info.Target.Format && len(info.Target.Shape) > 0:
		shape = append([]int64(nil), info.Target.Shape...)
	default:
		shape, ok = rnnShape(to, info, hidden, input)
		if !ok {
			return errors.Wrapf(core.ErrUnsupportedFormat, "cannot expand %v into %s", info.Cur.Shape, to)
		}
	}
	out := info.Cur.Clone()
	out.Format = to
	out.Shape = shape
	n, err := e.insert(info, KindTransDataRNN, out)
	if err != nil {
		return err
	}
	return setAll(n,
		AttrSrcFormat, from.String(), AttrDstFormat, to.String(),
		AttrHiddenSize, hidden, AttrInputSize, input, AttrStateSize, state)
}

func rnnShape(to model.Format, info *TransInfo, hidden, input int64) ([]int64, bool) {
	s := info.Cur.Shape
	switch to {
	case model.FormatFractalZnRNN:
		if len(s) != 2 {
			return nil, false
		}
		return []int64{ceilDiv(input, 16) + ceilDiv(hidden, 16), s[1] / hidden * ceilDiv(hidden, 16), 16, 16}, true
	case model.FormatNDRNNBias:
		if len(s) != 1 {
			return nil, false
		}
		return []int64{s[0] / hidden * ceilDiv(hidden, 16) * 16}, true
	case model.FormatND:
		return append([]int64(nil), info.SrcDesc.OriginShape...), len(info.SrcDesc.OriginShape) > 0
	}
	return nil, false
}

func genTranspose(e *Engine, info *TransInfo, s Step) error {
	from, to := info.Cur.Format, s.Format
	if from == to {
		skip(info, s, "layout already matches")
		return nil
	}
	perm, ok := Permutation(from, to)
	if !ok {
		skip(info, s, "no direct transpose, keeping source layout")
		return nil
	}
	shape, ok := permute(info.Cur.Shape, perm)
	if !ok {
		if !info.finalShape || len(info.Target.Shape) != len(perm) {
			return core.Malformedf("node %s: cannot transpose shape %v by %v", info.Src.Name, info.Cur.Shape, perm)
		}
		shape = append([]int64(nil), info.Target.Shape...)
	}
	out := info.Cur.Clone()
	out.Format = to
	out.Shape = shape
	n, err := e.insert(info, KindTranspose, out)
	if err != nil {
		return err
	}

	c := e.g.AddNode(n.Name+"_perm", model.TypeConst)
	permDesc := model.TensorDesc{
		Format:       model.FormatND,
		DType:        model.DTInt64,
		Shape:        []int64{int64(len(perm))},
		OriginFormat: model.FormatND,
		OriginShape:  []int64{int64(len(perm))},
	}
	c.Outputs = []model.TensorDesc{permDesc}
	if err := setAll(c, AttrValue, perm); err != nil {
		return err
	}
	n.Inputs = append(n.Inputs, permDesc.Clone())
	if err := e.g.AddEdge(model.Anchor{Node: c.ID}, model.Anchor{Node: n.ID, Index: 1}); err != nil {
		return core.Internalf("%v", err)
	}
	info.Inserted = append(info.Inserted, c)
	return nil
}

func rankOf(f model.Format) int {
	if l, ok := axisLetters[f]; ok {
		return len(l)
	}
	return 4
}

// unsqueezeShape pads shape to rank want. Letters present in both layouts
// keep their dimension; a reshape-type hint names which axes the source
// holds; otherwise the source is right aligned.
func unsqueezeShape(cur *model.TensorDesc, to model.Format, want int) ([]int64, []int64) {
	shape := make([]int64, want)
	for i := range shape {
		shape[i] = 1
	}
	held := make([]bool, want)
	dst := axisLetters[to]
	if dst == "" {
		dst = "NCHW"
	}
	src, srcOK := axisLetters[cur.Format]
	switch {
	case srcOK && len(src) == len(cur.Shape):
		for i := 0; i < len(dst); i++ {
			for j := 0; j < len(src); j++ {
				if src[j] == dst[i] {
					shape[i], held[i] = cur.Shape[j], true
				}
			}
		}
	case len(cur.ReshapeType) == len(cur.Shape):
		for j := 0; j < len(cur.ReshapeType); j++ {
			for i := 0; i < len(dst); i++ {
				if dst[i] == cur.ReshapeType[j] {
					shape[i], held[i] = cur.Shape[j], true
				}
			}
		}
	default:
		off := want - len(cur.Shape)
		for j, d := range cur.Shape {
			shape[off+j], held[off+j] = d, true
		}
	}
	var axes []int64
	for i, h := range held {
		if !h {
			axes = append(axes, int64(i))
		}
	}
	return shape, axes
}

func axesMask(axes []int64) int64 {
	var m int64
	for _, a := range axes {
		m |= 1 << uint(a)
	}
	return m
}

func genUnsqueeze(e *Engine, info *TransInfo, s Step) error {
	r, want := len(info.Cur.Shape), rankOf(s.Format)
	if r == 0 || r >= want {
		skip(info, s, "rank expansion not applicable")
		return nil
	}
	shape, axes := unsqueezeShape(&info.Cur, s.Format, want)
	if len(axes) != want-r {
		skip(info, s, "source axes do not fit the destination layout")
		return nil
	}
	out := info.Cur.Clone()
	out.Format = s.Format
	out.Shape = shape
	n, err := e.insert(info, KindUnsqueezeV2, out)
	if err != nil {
		return err
	}
	return setAll(n, AttrAxes, axes, AttrReshapeTypeMask, axesMask(axes))
}

func genSqueeze(e *Engine, info *TransInfo, s Step) error {
	r := len(info.Cur.Shape)
	want := rankOf(s.Format)
	if info.finalShape && s.Format == info.Target.Format && len(info.Target.Shape) > 0 {
		want = len(info.Target.Shape)
	}
	if want == 0 || want >= r {
		skip(info, s, "rank reduction not applicable")
		return nil
	}

	var axes []int64
	src, srcOK := axisLetters[info.Cur.Format]
	dst, dstOK := axisLetters[s.Format]
	if srcOK && dstOK && len(src) == r && len(dst) == want {
		for i := 0; i < len(src); i++ {
			found := false
			for j := 0; j < len(dst); j++ {
				found = found || dst[j] == src[i]
			}
			if !found {
				axes = append(axes, int64(i))
			}
		}
	} else {
		for i := 0; i < r-want; i++ {
			axes = append(axes, int64(i))
		}
	}
	shape := make([]int64, 0, want)
	for i, d := range info.Cur.Shape {
		dropped := false
		for _, a := range axes {
			dropped = dropped || int(a) == i
		}
		if !dropped {
			shape = append(shape, d)
		} else if d != 1 {
			skip(info, s, "squeezed axis is not unit sized")
			return nil
		}
	}
	out := info.Cur.Clone()
	out.Format = s.Format
	out.Shape = shape
	n, err := e.insert(info, KindSqueezeV2, out)
	if err != nil {
		return err
	}
	return setAll(n, AttrAxes, axes, AttrReshapeTypeMask, axesMask(axes))
}

func genReshape(e *Engine, info *TransInfo, s Step) error {
	target := info.Target.Shape
	if model.ShapeEqual(info.Cur.Shape, target) {
		skip(info, s, "shape already matches")
		return nil
	}
	size := model.ShapeSize(info.Cur.Shape)
	if size < 0 || size != model.ShapeSize(target) {
		skip(info, s, "element count not provably unchanged")
		return nil
	}
	if folded, err := foldIntoReduce(e, info, target); err != nil || folded {
		return err
	}
	out := info.Cur.Clone()
	out.Format = s.Format
	out.Shape = append([]int64(nil), target...)
	n, err := e.insert(info, KindReshape, out)
	if err != nil {
		return err
	}
	return setAll(n, AttrShape, append([]int64(nil), target...))
}

// foldIntoReduce drops the reduced unit axes of a keep_dims reduction that
// feeds the edge directly, instead of adding a Reshape after it.
func foldIntoReduce(e *Engine, info *TransInfo, target []int64) (bool, error) {
	red := info.Src
	if info.Tail != info.Edge.Src || !red.Attrs.Bool(AttrKeepDims) || len(e.g.Consumers(info.Edge.Src)) != 1 {
		return false, nil
	}
	if p, _ := red.Attrs.Str(AttrOpPattern); p != opPatternReduce {
		return false, nil
	}
	axes, ok := red.Attrs.Ints(AttrAxes)
	if !ok {
		return false, nil
	}
	cur := info.Cur.Shape
	drop := make(map[int]bool, len(axes))
	for _, a := range axes {
		if a < 0 {
			a += int64(len(cur))
		}
		if a < 0 || int(a) >= len(cur) || cur[a] != 1 {
			return false, nil
		}
		drop[int(a)] = true
	}
	var squeezed []int64
	for i, d := range cur {
		if !drop[i] {
			squeezed = append(squeezed, d)
		}
	}
	if !model.ShapeEqual(squeezed, target) {
		return false, nil
	}
	if err := red.SetAttr(AttrKeepDims, false); err != nil {
		return false, core.Internalf("%v", err)
	}
	red.Output(info.Edge.Src.Index).Shape = append([]int64(nil), target...)
	info.Cur.Shape = append([]int64(nil), target...)
	info.SrcDesc.Shape = append([]int64(nil), target...)
	logrus.WithFields(logrus.Fields{"node": red.Name, "shape": target}).Debug("reshape folded into reduction")
	return true, nil
}
