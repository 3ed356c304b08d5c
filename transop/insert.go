package transop

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sbl8/ffts/core"
	"github.com/sbl8/ffts/model"
)

// Options configures the trans-node engine.
type Options struct {
	// DumpEnabled routes every edge through the original formats so dumped
	// tensors stay in their framework layout.
	DumpEnabled bool
	// UnsupportedTransData lists format pairs the TransData kernel cannot
	// convert accurately.
	UnsupportedTransData [][2]model.Format
	// DefaultGroups is the minimum group count on group-sensitive TransData.
	DefaultGroups int64
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		DefaultGroups: 1,
		UnsupportedTransData: [][2]model.Format{
			{model.FormatNC1HWC0C04, model.FormatNHWC},
			{model.FormatFractalZC04, model.FormatNCHW},
		},
	}
}

// conflictPairs always take the by-original route.
var conflictPairs = [][2]model.Format{
	{model.FormatFractalZ, model.FormatFractalZnLSTM},
}

// TransInfo tracks one edge while its chain is materialized. Cur describes
// the tensor currently reaching the consumer and Tail the anchor producing it.
type TransInfo struct {
	Src, Dst   *model.Node
	Edge       model.Edge
	SrcDesc    model.TensorDesc
	DstDesc    model.TensorDesc
	Cur        model.TensorDesc
	Target     model.TensorDesc
	Tail       model.Anchor
	Inserted   []*model.Node
	finalShape bool
}

// Engine inserts conversion chains into one graph. It is not safe for
// concurrent use.
type Engine struct {
	g           *model.Graph
	opts        Options
	unsupported map[[2]model.Format]bool
	seq         int
}

// NewEngine binds an engine to g.
func NewEngine(g *model.Graph, opts Options) *Engine {
	if opts.DefaultGroups < 1 {
		opts.DefaultGroups = 1
	}
	e := &Engine{g: g, opts: opts, unsupported: make(map[[2]model.Format]bool)}
	for _, p := range opts.UnsupportedTransData {
		e.unsupported[p] = true
	}
	return e
}

// InsertAll reconciles every mismatched data edge present when called and
// returns how many nodes were inserted.
func (e *Engine) InsertAll() (int, error) {
	total := 0
	for _, edge := range e.g.Edges() {
		nodes, err := e.InsertEdge(edge)
		if err != nil {
			return total, err
		}
		total += len(nodes)
	}
	logrus.WithFields(logrus.Fields{"graph": e.g.Name, "inserted": total}).Debug("trans nodes inserted")
	return total, nil
}

// InsertEdge inserts the conversion chain for one edge and returns the new
// nodes in data order.
func (e *Engine) InsertEdge(edge model.Edge) ([]*model.Node, error) {
	info, err := e.newInfo(edge)
	if err != nil || info == nil {
		return nil, err
	}
	if !mismatched(&info.SrcDesc, &info.DstDesc) {
		return nil, nil
	}
	if e.byOriginal(info) {
		err = e.insertByOriginal(info)
	} else {
		err = e.insertConsecutive(info)
	}
	if err != nil {
		return info.Inserted, errors.Wrapf(err, "edge %s:%d -> %s:%d", info.Src.Name, edge.Src.Index, info.Dst.Name, edge.Dst.Index)
	}
	return info.Inserted, nil
}

// newInfo returns nil for an edge whose ends carry no tensor description.
func (e *Engine) newInfo(edge model.Edge) (*TransInfo, error) {
	src, dst := e.g.Node(edge.Src.Node), e.g.Node(edge.Dst.Node)
	if src == nil || dst == nil {
		return nil, core.Malformedf("graph %s: edge %v -> %v references a removed node", e.g.Name, edge.Src, edge.Dst)
	}
	if edge.Src.Index >= len(src.Outputs) || edge.Dst.Index >= len(dst.Inputs) {
		return nil, nil
	}
	info := &TransInfo{
		Src:     src,
		Dst:     dst,
		Edge:    edge,
		SrcDesc: src.Outputs[edge.Src.Index].Clone(),
		DstDesc: dst.Inputs[edge.Dst.Index].Clone(),
		Tail:    edge.Src,
	}
	fillOrigin(&info.SrcDesc)
	fillOrigin(&info.DstDesc)
	info.Cur = info.SrcDesc.Clone()
	return info, nil
}

// fillOrigin treats a descriptor without origin data as already original.
func fillOrigin(t *model.TensorDesc) {
	if t.OriginShape == nil && t.OriginFormat == model.FormatND && t.Format != model.FormatND {
		t.OriginFormat = t.Format
	}
	if t.OriginShape == nil {
		t.OriginShape = append([]int64(nil), t.Shape...)
	}
}

func mismatched(a, b *model.TensorDesc) bool {
	if a.Format != b.Format || a.DType != b.DType {
		return true
	}
	return len(a.Shape) > 0 && len(b.Shape) > 0 && !model.ShapeEqual(a.Shape, b.Shape)
}

func (e *Engine) byOriginal(info *TransInfo) bool {
	if e.opts.DumpEnabled {
		return true
	}
	s, d := &info.SrcDesc, &info.DstDesc
	if s.OriginFormat != d.OriginFormat || !model.ShapeEqual(s.OriginShape, d.OriginShape) {
		return true
	}
	for _, p := range conflictPairs {
		if (s.Format == p[0] && d.Format == p[1]) || (s.Format == p[1] && d.Format == p[0]) {
			return true
		}
	}
	return false
}

func (e *Engine) insertConsecutive(info *TransInfo) error {
	steps, err := Chain(&info.SrcDesc, &info.DstDesc)
	if err != nil {
		return err
	}
	info.Target = info.DstDesc.Clone()
	logrus.WithFields(logrus.Fields{"src": info.Src.Name, "dst": info.Dst.Name, "steps": steps}).Debug("consecutive trans chain")
	return e.run(info, steps)
}

// insertByOriginal converts in stages: producer layout to its original
// layout, original to original, then the consumer's original layout to its
// current one. The dtype change is placed once for the whole edge.
func (e *Engine) insertByOriginal(info *TransInfo) error {
	src, dst := &info.SrcDesc, &info.DstDesc
	cast := src.DType != dst.DType
	castFirst := cast && IsInsertCastFirst(src, dst)
	if castFirst {
		info.Target = info.Cur.Clone()
		info.Target.DType = dst.DType
		if err := e.run(info, []Step{{Kind: KindCast}}); err != nil {
			return err
		}
	}

	srcOrig := src.Clone()
	srcOrig.Format, srcOrig.Shape = src.OriginFormat, append([]int64(nil), src.OriginShape...)
	dstOrig := dst.Clone()
	dstOrig.Format, dstOrig.Shape = dst.OriginFormat, append([]int64(nil), dst.OriginShape...)
	for _, to := range []model.TensorDesc{srcOrig, dstOrig, dst.Clone()} {
		steps, err := layoutChain(&info.Cur, &to)
		if err != nil {
			return err
		}
		info.Target = to
		info.Target.DType = info.Cur.DType
		logrus.WithFields(logrus.Fields{"src": info.Src.Name, "dst": info.Dst.Name, "to": to.Format, "steps": steps}).Debug("by-original trans stage")
		if err := e.run(info, steps); err != nil {
			return err
		}
	}

	if cast && !castFirst {
		info.Target = info.Cur.Clone()
		info.Target.DType = dst.DType
		return e.run(info, []Step{{Kind: KindCast}})
	}
	return nil
}

// run materializes steps in order. The last layout step lands exactly on the
// target shape.
func (e *Engine) run(info *TransInfo, steps []Step) error {
	last := -1
	for i, s := range steps {
		if s.Kind != KindCast {
			last = i
		}
	}
	for i, s := range steps {
		info.finalShape = i == last
		gen, ok := generators[s.Kind]
		if !ok {
			return core.Internalf("no generator for %s", s.Kind)
		}
		if err := gen(e, info, s); err != nil {
			return err
		}
	}
	return nil
}

// insert wires a new single-input node between info.Tail and the consumer.
func (e *Engine) insert(info *TransInfo, k Kind, out model.TensorDesc) (*model.Node, error) {
	name := fmt.Sprintf("%s_%s_%d", info.Src.Name, k.OpType(), e.seq)
	for e.g.NodeByName(name) != nil {
		e.seq++
		name = fmt.Sprintf("%s_%s_%d", info.Src.Name, k.OpType(), e.seq)
	}
	e.seq++
	n := e.g.AddNode(name, k.OpType())
	n.Inputs = []model.TensorDesc{info.Cur.Clone()}
	n.Outputs = []model.TensorDesc{out.Clone()}

	head := model.Anchor{Node: n.ID}
	if err := e.g.RemoveEdge(info.Tail, info.Edge.Dst); err != nil {
		return nil, core.Internalf("%v", err)
	}
	if err := e.g.AddEdge(info.Tail, head); err != nil {
		return nil, core.Internalf("%v", err)
	}
	if err := e.g.AddEdge(head, info.Edge.Dst); err != nil {
		return nil, core.Internalf("%v", err)
	}
	info.Tail = head
	info.Cur = out.Clone()
	info.Inserted = append(info.Inserted, n)
	return n, nil
}
