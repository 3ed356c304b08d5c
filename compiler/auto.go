package compiler

import (
	"github.com/sirupsen/logrus"

	"github.com/sbl8/ffts/core"
	"github.com/sbl8/ffts/depgraph"
	"github.com/sbl8/ffts/kernels"
	"github.com/sbl8/ffts/model"
)

const (
	maxWindowSize = 0xFFFF
	unsetWindow   = 0xFFFFF
)

// windowed is the id block of one node: window slots of count contexts each.
type windowed struct {
	node    *model.Node
	count   uint32
	first   uint32
	memset  *model.Node
	msFirst uint32
	entry   bool
	exit    bool
}

// at returns the id of sub-task k in slot w.
func (b *windowed) at(w, k uint32) uint32 {
	return b.first + w*b.count + k
}

func (b *windowed) slotFirsts(window uint32) []uint32 {
	ids := make([]uint32, window)
	for w := range ids {
		ids[w] = b.at(uint32(w), 0)
	}
	return ids
}

// auto replicates every node over a parallel window bracketed by at-start and
// at-end barriers.
type auto struct {
	reg           *kernels.Registry
	defaultWindow uint32

	window    uint32
	instances uint32
	alloc     allocator
	blocks    []*windowed
	byNode    map[model.NodeID]*windowed
	in, out   uint32
	starts    []uint32
	ends      []uint32
	exits     int
}

func newAuto(reg *kernels.Registry, defaultWindow uint32) *auto {
	return &auto{reg: reg, defaultWindow: defaultWindow, byNode: make(map[model.NodeID]*windowed)}
}

func (a *auto) Name() string { return ModeAuto }

func (a *auto) ReadyContextNum() uint32 { return a.alloc.ready }

// Window returns the window size chosen by GenerateContextIds.
func (a *auto) Window() uint32 { return a.window }

func (a *auto) windowOf(g *model.Graph) (window, instances uint32) {
	window = unsetWindow
	for _, n := range g.Nodes() {
		if n.Slice != nil && n.Slice.ParallelWindowSize > 0 {
			window = n.Slice.ParallelWindowSize
			break
		}
	}
	if window > maxWindowSize && window != unsetWindow {
		logrus.WithFields(logrus.Fields{"graph": g.Name, "window": window}).Warn("parallel window size out of range, using default")
		window = unsetWindow
	}
	if window == unsetWindow {
		window = a.defaultWindow
	}
	for _, n := range g.Nodes() {
		if n.Slice != nil && n.Slice.SliceInstanceNum > 0 {
			return window, n.Slice.SliceInstanceNum
		}
	}
	return window, window
}

func sequence(first, n uint32) []uint32 {
	ids := make([]uint32, n)
	for i := range ids {
		ids[i] = first + uint32(i)
	}
	return ids
}

// GenerateContextIds lays the ids out as in-label, at-starts, node blocks
// (each atomic node followed by its memset block), at-ends and out-label.
func (a *auto) GenerateContextIds(g *model.Graph) error {
	if err := inlineCalls(g); err != nil {
		return err
	}
	for _, n := range g.Nodes() {
		if model.IsControlFlow(n.Type) {
			return core.Malformedf("graph %s: node %s: control flow in auto thread mode", g.Name, n.Name)
		}
	}
	a.window, a.instances = a.windowOf(g)
	if a.instances > maxWindowSize {
		return core.Malformedf("graph %s: slice instance num %d out of range", g.Name, a.instances)
	}

	order, err := g.TopologicalOrder()
	if err != nil {
		return core.Malformedf("%v", err)
	}
	var tasks []*model.Node
	for _, id := range order {
		if n := g.Node(id); a.reg.HasTask(n) {
			tasks = append(tasks, n)
		}
	}
	if len(tasks) == 0 {
		return core.Malformedf("graph %s: no schedulable node in auto thread mode", g.Name)
	}

	w := a.window
	if a.in, err = a.alloc.block(1); err != nil {
		return err
	}
	a.alloc.markReady()
	first, err := a.alloc.block(w)
	if err != nil {
		return err
	}
	a.starts = sequence(first, w)
	for _, n := range tasks {
		if _, done := a.byNode[n.ID]; done {
			continue
		}
		blk := &windowed{node: n, count: uint32(a.reg.ContextCount(n))}
		if blk.first, err = a.alloc.block(w * blk.count); err != nil {
			return err
		}
		if needsMemset(n) {
			blk.memset = memsetNode(n.Name+"_memset", n)
			if blk.msFirst, err = a.alloc.block(w); err != nil {
				return err
			}
		}
		a.blocks = append(a.blocks, blk)
		a.byNode[n.ID] = blk
	}
	if first, err = a.alloc.block(w); err != nil {
		return err
	}
	a.ends = sequence(first, w)
	if a.out, err = a.alloc.block(1); err != nil {
		return err
	}

	for _, blk := range a.blocks {
		blk.entry = a.isEntry(g, blk.node)
		blk.exit = a.isExit(g, blk.node)
		if blk.exit {
			a.exits++
		}
	}
	return a.writeAttrs(g)
}

func (a *auto) writeAttrs(g *model.Graph) error {
	all := append([]uint32{a.in}, a.starts...)
	all = append(all, a.ends...)
	all = append(all, a.out)

	inDone := false
	remaining := a.exits
	for _, blk := range a.blocks {
		n := blk.node
		ids := blk.slotFirsts(a.window)
		if list, ok := n.Attrs.Ints(AttrSuccessorIDList); ok && len(list) != len(ids) {
			return core.Malformedf("node %s: %s has %d entries, window is %d", n.Name, AttrSuccessorIDList, len(list), len(ids))
		}
		if err := mustSet(n, AttrContextIDList, ids); err != nil {
			return err
		}
		if blk.memset != nil {
			if err := mustSet(n, AttrAtomicContextIDList, sequence(blk.msFirst, a.window)); err != nil {
				return err
			}
		}
		if blk.entry {
			if !inDone {
				if err := mustSet(n, AttrInLabelCtxID, a.in); err != nil {
					return err
				}
				if err := mustSetGraph(g, AttrAllCtxIDList, all); err != nil {
					return err
				}
				inDone = true
			}
			if err := mustSet(n, AttrAtStartCtxIDList, a.starts); err != nil {
				return err
			}
		}
		if blk.exit {
			if err := mustSet(n, AttrAtEndCtxIDList, a.ends); err != nil {
				return err
			}
			if remaining--; remaining == 0 {
				if err := mustSet(n, AttrOutLabelCtxID, a.out); err != nil {
					return err
				}
				if err := mustSet(n, AttrAtEndPreCnt, a.exits); err != nil {
					return err
				}
			}
		}
	}
	advise(g, AttrWindowSize, a.window)
	advise(g, AttrSliceInstanceNum, a.instances)
	advise(g, AttrReadyContextNum, a.alloc.ready)
	advise(g, AttrTotalContextNum, a.alloc.total)
	logrus.WithFields(logrus.Fields{
		"graph": g.Name, "window": a.window, "instances": a.instances,
		"nodes": len(a.blocks), "exits": a.exits, "total": a.alloc.total,
	}).Debug("auto context ids assigned")
	return nil
}

// isEntry reports whether every upstream path of n through context-less
// nodes ends at a subgraph boundary.
func (a *auto) isEntry(g *model.Graph, n *model.Node) bool {
	visited := make(map[model.NodeID]bool)
	stack := inNodes(g, n.ID)
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[p.ID] {
			continue
		}
		visited[p.ID] = true
		switch {
		case a.byNode[p.ID] != nil:
			return false
		case passThrough(a.reg, p):
			stack = append(stack, inNodes(g, p.ID)...)
		}
	}
	return true
}

// consumers resolves the windowed nodes waiting for n and whether n feeds
// the subgraph output.
func (a *auto) consumers(g *model.Graph, n *model.Node) (out []*windowed, toOutput bool) {
	visited := make(map[model.NodeID]bool)
	stack := outNodes(g, n.ID)
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[c.ID] {
			continue
		}
		visited[c.ID] = true
		switch {
		case a.byNode[c.ID] != nil:
			out = append(out, a.byNode[c.ID])
		case c.Type == model.TypeNetOutput:
			toOutput = true
		case passThrough(a.reg, c):
			stack = append(stack, outNodes(g, c.ID)...)
		}
	}
	return out, toOutput
}

func (a *auto) isExit(g *model.Graph, n *model.Node) bool {
	out, toOutput := a.consumers(g, n)
	return toOutput || len(out) == 0
}

// GenerateTaskDef emits the window in id order and wires each slot
// independently.
func (a *auto) GenerateTaskDef(g *model.Graph, b *depgraph.Builder) error {
	in, starts, ends, out, preCnt, err := a.readAttrs()
	if err != nil {
		return err
	}
	if in != a.in || out != a.out {
		return core.Internalf("graph %s: label ids %d/%d disagree with %d/%d", g.Name, in, out, a.in, a.out)
	}

	td := b.TaskDef()
	window := uint16(a.window)
	label := func(name string, role core.LabelRole) {
		c := core.NewContext(core.ContextLabel, name)
		c.Label.Role = role
		td.AppendContext(c)
	}
	barrier := func(t core.ContextType, name string) {
		for w := uint16(0); w < window; w++ {
			c := core.NewContext(t, name)
			c.Aten, c.ThreadID, c.ThreadDim, c.WindowSize = true, w, uint16(a.instances), window
			td.AppendContext(c)
		}
	}

	label(g.Name+"_in_label", core.LabelIn)
	barrier(core.ContextAtStart, g.Name+"_at_start")
	for _, blk := range a.blocks {
		ids, err := requireIDs(blk.node, AttrContextIDList)
		if err != nil {
			return err
		}
		var atomic []uint32
		if blk.memset != nil {
			if atomic, err = requireIDs(blk.node, AttrAtomicContextIDList); err != nil {
				return err
			}
			if len(atomic) != len(ids) {
				return core.Malformedf("node %s: %d atomic ids for %d context ids", blk.node.Name, len(atomic), len(ids))
			}
		}
		for w := uint32(0); w < a.window; w++ {
			th := kernels.Thread{ID: uint16(w), Dim: uint16(a.instances), Window: window}
			first, err := a.reg.Build(blk.node, td, th)
			if err != nil {
				return err
			}
			if first != blk.at(w, 0) || int(w) >= len(ids) || ids[w] != first {
				return core.Internalf("node %s: slot %d emitted at %d, numbered %d", blk.node.Name, w, first, blk.at(w, 0))
			}
		}
		for w := uint32(0); w < uint32(len(atomic)); w++ {
			th := kernels.Thread{ID: uint16(w), Dim: uint16(a.instances), Window: window}
			first, err := a.reg.Build(blk.memset, td, th)
			if err != nil {
				return err
			}
			if first != atomic[w] {
				return core.Internalf("node %s: memset slot %d emitted at %d, numbered %d", blk.node.Name, w, first, atomic[w])
			}
		}
	}
	barrier(core.ContextAtEnd, g.Name+"_at_end")
	label(g.Name+"_out_label", core.LabelOut)

	if err := a.wire(g, b, in, starts, ends, out); err != nil {
		return err
	}
	for _, id := range ends {
		if c := td.Contexts[id]; c.PredCnt != preCnt {
			return core.Internalf("graph %s: at-end %d has %d predecessors, expected %d", g.Name, id, c.PredCnt, preCnt)
		}
	}
	return td.SetPredecessorCount(out, a.instances)
}

func (a *auto) wire(g *model.Graph, b *depgraph.Builder, in uint32, starts, ends []uint32, out uint32) error {
	connect := func(from, to uint32, slot int) error {
		_, err := b.ConnectSlot(from, to, slot)
		return err
	}
	for w := uint32(0); w < a.window; w++ {
		if err := connect(in, starts[w], 0); err != nil {
			return err
		}
		for _, blk := range a.blocks {
			last := blk.at(w, blk.count-1)
			if blk.entry {
				if err := connect(starts[w], blk.at(w, 0), 0); err != nil {
					return err
				}
			}
			if blk.memset != nil {
				ms := blk.msFirst + w
				if err := connect(starts[w], ms, 0); err != nil {
					return err
				}
				if err := connect(ms, blk.at(w, 0), 0); err != nil {
					return err
				}
			}
			succ, _ := a.consumers(g, blk.node)
			for _, c := range succ {
				if err := connect(last, c.at(w, 0), 0); err != nil {
					return err
				}
				if blk.memset != nil {
					if err := connect(blk.msFirst+w, c.at(w, 0), 0); err != nil {
						return err
					}
				}
			}
			if blk.exit {
				if err := connect(last, ends[w], 0); err != nil {
					return err
				}
			}
		}
		if err := connect(ends[w], starts[w], 0); err != nil {
			return err
		}
		if err := connect(ends[w], out, 1); err != nil {
			return err
		}
	}
	return nil
}

// readAttrs collects the barrier ids from the node attributes written by
// GenerateContextIds.
func (a *auto) readAttrs() (in uint32, starts, ends []uint32, out, preCnt uint32, err error) {
	var haveIn, haveOut bool
	for _, blk := range a.blocks {
		n := blk.node
		if blk.entry {
			if !haveIn {
				if in, err = requireID(n, AttrInLabelCtxID); err != nil {
					return
				}
				haveIn = true
			}
			if starts == nil {
				if starts, err = requireIDs(n, AttrAtStartCtxIDList); err != nil {
					return
				}
			}
		}
		if blk.exit {
			if ends == nil {
				if ends, err = requireIDs(n, AttrAtEndCtxIDList); err != nil {
					return
				}
			}
			if n.Attrs.Has(AttrOutLabelCtxID) {
				if out, err = requireID(n, AttrOutLabelCtxID); err != nil {
					return
				}
				if preCnt, err = requireID(n, AttrAtEndPreCnt); err != nil {
					return
				}
				haveOut = true
			}
		}
	}
	switch {
	case !haveIn || starts == nil:
		err = core.Malformedf("auto thread mode: no node carries %s and %s", AttrInLabelCtxID, AttrAtStartCtxIDList)
	case !haveOut || ends == nil:
		err = core.Malformedf("auto thread mode: no node carries %s, %s and %s", AttrOutLabelCtxID, AttrAtEndCtxIDList, AttrAtEndPreCnt)
	case uint32(len(starts)) != a.window || uint32(len(ends)) != a.window:
		err = core.Malformedf("auto thread mode: %d at-start and %d at-end ids for window %d", len(starts), len(ends), a.window)
	}
	return
}
