package compiler

import (
	"github.com/sbl8/ffts/core"
	"github.com/sbl8/ffts/depgraph"
	"github.com/sbl8/ffts/kernels"
	"github.com/sbl8/ffts/model"
)

// mixL2 schedules a single fused cube/vector node, optionally preceded by
// its memset.
type mixL2 struct {
	reg    *kernels.Registry
	node   *model.Node
	memset *model.Node
	ready  uint32
}

func newMixL2(reg *kernels.Registry) *mixL2 {
	return &mixL2{reg: reg}
}

func (m *mixL2) Name() string { return ModeMixL2 }

func (m *mixL2) ReadyContextNum() uint32 { return m.ready }

func (m *mixL2) GenerateContextIds(g *model.Graph) error {
	for _, n := range g.Nodes() {
		if !m.reg.HasTask(n) && !n.Attrs.Bool(AttrMixL2) {
			continue
		}
		if m.node != nil {
			return core.Malformedf("graph %s: mix l2 mode allows one node, found %s and %s", g.Name, m.node.Name, n.Name)
		}
		m.node = n
	}
	if m.node == nil {
		return core.Malformedf("graph %s: mix l2 mode without a schedulable node", g.Name)
	}

	m.ready = 1
	if needsMemset(m.node) {
		m.memset = memsetNode(m.node.Name+"_memset", m.node)
		if err := mustSet(m.node, AttrAtomicContextIDList, []uint32{0}); err != nil {
			return err
		}
		if err := mustSet(m.node, AttrContextIDList, []uint32{1}); err != nil {
			return err
		}
	} else if err := mustSet(m.node, AttrContextIDList, []uint32{0}); err != nil {
		return err
	}
	total := uint32(1)
	if m.memset != nil {
		total = 2
	}
	advise(g, AttrReadyContextNum, m.ready)
	advise(g, AttrTotalContextNum, total)
	return nil
}

func (m *mixL2) GenerateTaskDef(g *model.Graph, b *depgraph.Builder) error {
	if m.node == nil {
		return core.Internalf("graph %s: mix l2 task def before context ids", g.Name)
	}
	td := b.TaskDef()
	ids, err := requireIDs(m.node, AttrContextIDList)
	if err != nil {
		return err
	}
	var ms uint32
	if m.memset != nil {
		atomic, err := requireIDs(m.node, AttrAtomicContextIDList)
		if err != nil {
			return err
		}
		if len(atomic) != 1 {
			return core.Malformedf("node %s: %d atomic ids, want 1", m.node.Name, len(atomic))
		}
		if ms, err = m.reg.Build(m.memset, td, kernels.Thread{}); err != nil {
			return err
		}
		if ms != atomic[0] {
			return core.Internalf("node %s: memset emitted at %d, numbered %d", m.node.Name, ms, atomic[0])
		}
	}
	if err := kernels.MixL2.GenerateTaskDef(m.node, td, kernels.Thread{}); err != nil {
		return err
	}
	id := td.Len() - 1
	if len(ids) != 1 || ids[0] != id {
		return core.Internalf("node %s: emitted at %d, numbered %v", m.node.Name, id, ids)
	}
	if m.memset != nil {
		if _, err := b.Connect(ms, id); err != nil {
			return err
		}
	}
	return nil
}
