package compiler

import (
	"strings"

	"github.com/sbl8/ffts/core"
	"github.com/sbl8/ffts/depgraph"
	"github.com/sbl8/ffts/kernels"
	"github.com/sbl8/ffts/model"
)

// Strategy numbers the contexts of one subgraph and emits them.
type Strategy interface {
	Name() string
	// GenerateContextIds assigns ids and records them as node attributes.
	GenerateContextIds(g *model.Graph) error
	// GenerateTaskDef emits the contexts in id order and wires them.
	GenerateTaskDef(g *model.Graph, b *depgraph.Builder) error
	// ReadyContextNum is the number of contexts that start with no
	// predecessor.
	ReadyContextNum() uint32
}

// Mode names accepted by the `_thread_mode` graph attribute.
const (
	ModeManual  = "manual"
	ModeAuto    = "auto"
	ModeDynamic = "dynamic"
	ModeMixL2   = "mixl2"
)

// SelectStrategy picks the thread-mode strategy for g: the `_thread_mode`
// graph attribute wins, then a `_mix_l2` node, then the first node slice
// info. Dynamic mode compiles with the Auto strategy.
func SelectStrategy(g *model.Graph, opts Options) (Strategy, error) {
	reg := opts.registry()
	mode, ok := g.Attrs.Str(AttrThreadMode)
	if !ok {
		mode = ModeManual
		for _, n := range g.Nodes() {
			if n.Attrs.Bool(AttrMixL2) {
				mode = ModeMixL2
				break
			}
		}
		if mode == ModeManual {
			for _, n := range g.Nodes() {
				if n.Slice == nil {
					continue
				}
				if n.Slice.ThreadMode != model.ThreadModeManual {
					mode = ModeAuto
				}
				break
			}
		}
	}
	switch strings.ToLower(mode) {
	case ModeManual:
		return newManual(reg), nil
	case ModeAuto, ModeDynamic:
		return newAuto(reg, opts.defaultWindow()), nil
	case ModeMixL2:
		return newMixL2(reg), nil
	}
	return nil, core.Malformedf("graph %s: unknown thread mode %q", g.Name, mode)
}

// memsetNode synthesizes the atomic-clean companion of the given owners.
func memsetNode(name string, owners ...*model.Node) *model.Node {
	n := &model.Node{ID: model.NoNode, Name: name, Type: model.TypeMemSet, Attrs: make(model.Attrs)}
	for _, o := range owners {
		n.Outputs = append(n.Outputs, o.Outputs...)
	}
	return n
}

// needsMemset reports whether n must be preceded by an atomic clean.
func needsMemset(n *model.Node) bool {
	return n.Attrs.Bool(AttrAtomicClean) || (n.Slice != nil && len(n.Slice.SameAtomicCleanNodes) > 0)
}

// inlineCalls inlines every single-body call wrapper of g.
func inlineCalls(g *model.Graph) error {
	for {
		var call *model.Node
		for _, n := range g.Nodes() {
			if n.Type == model.TypePartitionedCall && len(n.Subgraphs) == 1 {
				call = n
				break
			}
		}
		if call == nil {
			return nil
		}
		if err := g.InlineSubgraph(call.ID); err != nil {
			return core.Malformedf("graph %s: inline %s: %v", g.Name, call.Name, err)
		}
	}
}

// passThrough reports whether n has no context but forwards its inputs to its
// consumers.
func passThrough(reg *kernels.Registry, n *model.Node) bool {
	return !reg.HasTask(n) && !model.IsControlFlow(n.Type) && !model.IsBoundary(n.Type) && n.Type != model.TypeNetOutput
}
