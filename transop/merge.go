package transop

import (
	"github.com/sirupsen/logrus"

	"github.com/sbl8/ffts/core"
	"github.com/sbl8/ffts/model"
)

func isTrans(n *model.Node) bool {
	_, ok := kindOf(n.Type)
	return ok
}

// MergeAllTransOps removes adjacent conversions of the same kind that undo
// each other and reconnects their producer to their consumers. Every chain
// hanging off a non-conversion node is unwound once with a stack: an inner
// pair cancels first, exposing the next pair around it. Unpaired nodes stay.
// It returns how many conversion nodes were removed.
func MergeAllTransOps(g *model.Graph) (int, error) {
	removed := 0
	for _, n := range g.Nodes() {
		if g.Node(n.ID) == nil || isTrans(n) {
			continue
		}
		for _, e := range g.OutEdges(n.ID) {
			chain := transChain(g, e.Dst)
			if len(chain) < 2 {
				continue
			}
			var stack, dead []*model.Node
			for _, t := range chain {
				if k := len(stack); k > 0 && inverse(g, stack[k-1], t) {
					dead = append(dead, stack[k-1], t)
					stack = stack[:k-1]
					continue
				}
				stack = append(stack, t)
			}
			for _, t := range dead {
				if err := bypass(g, t); err != nil {
					return removed, err
				}
				removed++
			}
			if len(stack) > 0 {
				logrus.WithFields(logrus.Fields{"graph": g.Name, "from": n.Name, "residual": len(stack)}).Debug("trans chain left unpaired nodes")
			}
		}
	}
	logrus.WithFields(logrus.Fields{"graph": g.Name, "removed": removed}).Debug("trans nodes merged")
	return removed, nil
}

// transChain follows single-consumer conversions downstream from head. The
// last node collected may fan out.
func transChain(g *model.Graph, head model.Anchor) []*model.Node {
	var chain []*model.Node
	at := head
	for {
		n := g.Node(at.Node)
		if n == nil || at.Index != 0 || !isTrans(n) || len(n.Inputs) == 0 || len(n.Outputs) != 1 {
			return chain
		}
		chain = append(chain, n)
		next := g.Consumers(model.Anchor{Node: n.ID})
		if len(next) != 1 {
			return chain
		}
		at = next[0]
	}
}

// inverse reports whether b undoes a: both are the same kind and b's output
// describes exactly the tensor a consumed.
func inverse(g *model.Graph, a, b *model.Node) bool {
	if a.Type != b.Type || len(a.Inputs) == 0 || len(b.Outputs) == 0 {
		return false
	}
	in, out := &a.Inputs[0], &b.Outputs[0]
	if in.Format != out.Format || in.DType != out.DType || !model.ShapeEqual(in.Shape, out.Shape) {
		return false
	}
	if a.Type != model.TypeTranspose {
		return true
	}
	pa, okA := constPerm(g, a)
	pb, okB := constPerm(g, b)
	return okA && okB && isIdentityComposition(pa, pb)
}

// constPerm decodes the permutation fed to a transpose's second input.
func constPerm(g *model.Graph, t *model.Node) ([]int64, bool) {
	p, ok := g.Producer(model.Anchor{Node: t.ID, Index: 1})
	if !ok {
		return nil, false
	}
	c := g.Node(p.Node)
	if c == nil {
		return nil, false
	}
	return c.Attrs.Ints(AttrValue)
}

// bypass removes t, joining its producer to its consumers. Control edges on
// t move to the surviving ends: incoming ones onto the consumers, outgoing
// ones onto the producer.
func bypass(g *model.Graph, t *model.Node) error {
	p, ok := g.Producer(model.Anchor{Node: t.ID})
	if !ok {
		return core.Internalf("graph %s: conversion %s has no producer", g.Name, t.Name)
	}
	consumers := g.Consumers(model.Anchor{Node: t.ID})
	ctrlIn := g.InControlNodes(t.ID)
	ctrlOut := g.OutControlNodes(t.ID)
	var consts []*model.Node
	for _, e := range g.InEdges(t.ID) {
		if e.Dst.Index > 0 {
			if c := g.Node(e.Src.Node); c != nil && c.Type == model.TypeConst {
				consts = append(consts, c)
			}
		}
	}

	if err := g.RemoveNode(t.ID); err != nil {
		return core.Internalf("%v", err)
	}
	for _, c := range consumers {
		if err := g.AddEdge(p, c); err != nil {
			return core.Internalf("%v", err)
		}
	}
	for _, in := range ctrlIn {
		for _, c := range consumers {
			if in.ID == c.Node {
				continue
			}
			if err := g.AddControlEdge(in.ID, c.Node); err != nil {
				return core.Internalf("%v", err)
			}
		}
	}
	for _, out := range ctrlOut {
		if out.ID == p.Node {
			continue
		}
		if err := g.AddControlEdge(p.Node, out.ID); err != nil {
			return core.Internalf("%v", err)
		}
	}
	for _, c := range consts {
		if len(g.OutEdges(c.ID)) == 0 && len(g.OutControlNodes(c.ID)) == 0 {
			if err := g.RemoveNode(c.ID); err != nil {
				return core.Internalf("%v", err)
			}
		}
	}
	return nil
}
