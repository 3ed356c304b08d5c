// Package depgraph wires context dependencies into a task descriptor and
// removes the redundant ones afterwards.
//
// Every dependency edge added through a Builder is also recorded as a
// ContextPath for its target: the set of contexts listing that target as a
// successor. RemoveDuplicates walks those records once, ordered by their
// highest predecessor id, and drops a direct edge A->C whenever A already
// reaches another predecessor B of C.
package depgraph

import (
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/sbl8/ffts/core"
)

// ContextPath records the dependency predecessors of one target context in
// the order they were wired.
type ContextPath struct {
	Target uint32
	Preds  []uint32
	order  int
}

func (p *ContextPath) maxPred() uint32 {
	var m uint32
	for _, v := range p.Preds {
		if v > m {
			m = v
		}
	}
	return m
}

// Builder adds successor edges to a descriptor and remembers them.
type Builder struct {
	td    *core.TaskDef
	paths map[uint32]*ContextPath
	next  int
}

// NewBuilder wraps td.
func NewBuilder(td *core.TaskDef) *Builder {
	return &Builder{td: td, paths: make(map[uint32]*ContextPath)}
}

// TaskDef returns the descriptor being wired.
func (b *Builder) TaskDef() *core.TaskDef {
	return b.td
}

// Connect adds a dependency edge from -> to on the default successor list.
func (b *Builder) Connect(from, to uint32) (bool, error) {
	return b.ConnectSlot(from, to, 0)
}

// ConnectSlot adds from -> to on the successor list selected by slot. The
// target's predecessor count grows only for dependency lists and only when
// the edge is new.
func (b *Builder) ConnectSlot(from, to uint32, slot int) (bool, error) {
	owner, err := b.td.Context(from)
	if err != nil {
		return false, err
	}
	if _, err := b.td.Context(to); err != nil {
		return false, err
	}
	if from == to {
		return false, core.Internalf("context %d: self dependency", from)
	}
	kind, ok := owner.ListKindAt(slot)
	added, err := b.td.UpdateSuccessorList(from, to, slot, true)
	if err != nil || !added || !ok || kind != core.ListDependency {
		return added, err
	}
	if err := b.td.UpdatePredecessorCount(to, 1); err != nil {
		return true, err
	}
	p, ok := b.paths[to]
	if !ok {
		p = &ContextPath{Target: to, order: b.next}
		b.next++
		b.paths[to] = p
	}
	p.Preds = append(p.Preds, from)
	return true, nil
}

// Paths returns the recorded paths sorted by highest predecessor id, ties
// broken by discovery order.
func (b *Builder) Paths() []*ContextPath {
	out := make([]*ContextPath, 0, len(b.paths))
	for _, p := range b.paths {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		mi, mj := out[i].maxPred(), out[j].maxPred()
		if mi != mj {
			return mi < mj
		}
		return out[i].order < out[j].order
	})
	return out
}

// RemoveDuplicates drops every recorded edge A->C for which A reaches another
// recorded predecessor of C in the retained graph. It is a single greedy pass
// and returns the number of removed edges.
func (b *Builder) RemoveDuplicates() (int, error) {
	g := Reachability(b.td)
	removed := 0
	for _, p := range b.Paths() {
		if len(p.Preds) < 2 {
			continue
		}
		kept := make([]uint32, 0, len(p.Preds))
		for i, a := range p.Preds {
			if !reachesOther(g, a, p.Preds[i+1:], kept) {
				kept = append(kept, a)
				continue
			}
			ok, err := b.td.RemoveSuccessor(a, p.Target)
			if err != nil {
				return removed, err
			}
			if !ok {
				return removed, core.Internalf("context %d: recorded successor %d missing", a, p.Target)
			}
			if err := b.td.UpdatePredecessorCount(p.Target, -1); err != nil {
				return removed, err
			}
			g.RemoveEdge(int64(a), int64(p.Target))
			removed++
			logrus.WithFields(logrus.Fields{"from": a, "to": p.Target}).Debug("dropped redundant dependency")
		}
		p.Preds = kept
	}
	return removed, nil
}

func reachesOther(g *simple.DirectedGraph, a uint32, rest, kept []uint32) bool {
	for _, set := range [][]uint32{kept, rest} {
		for _, b := range set {
			if b != a && topo.PathExistsIn(g, simple.Node(int64(a)), simple.Node(int64(b))) {
				return true
			}
		}
	}
	return false
}

// Reachability builds the ordering graph of td: dependency and counted
// successor edges. Rearm and jump edges loop back and are left out.
func Reachability(td *core.TaskDef) *simple.DirectedGraph {
	g := simple.NewDirectedGraph()
	for _, c := range td.Contexts {
		g.AddNode(simple.Node(int64(c.ID)))
	}
	for _, c := range td.Contexts {
		for _, s := range c.Successors(core.ListDependency, core.ListCounted) {
			if s == c.ID || int(s) >= len(td.Contexts) {
				continue
			}
			g.SetEdge(g.NewEdge(simple.Node(int64(c.ID)), simple.Node(int64(s))))
		}
	}
	return g
}

// CheckAcyclic fails when the ordering graph of td has a cycle.
func CheckAcyclic(td *core.TaskDef) error {
	if _, err := topo.Sort(Reachability(td)); err != nil {
		return core.Internalf("context dependency cycle: %v", err)
	}
	return nil
}
