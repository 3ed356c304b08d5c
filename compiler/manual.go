package compiler

import (
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sbl8/ffts/core"
	"github.com/sbl8/ffts/depgraph"
	"github.com/sbl8/ffts/kernels"
	"github.com/sbl8/ffts/model"
)

const (
	maxControlDepth = 16
	maxDataWalk     = 7
)

// nodeRef addresses a node across the subgraph tree.
type nodeRef struct {
	g  *model.Graph
	id model.NodeID
}

type planEdge struct {
	to   *item
	slot int
}

// item is one schedulable unit before numbering: an operator, a branch label
// or a synthesized memset.
type item struct {
	node   *model.Node
	count  uint32
	role   core.LabelRole
	first  uint32
	preds  int
	succ   []planEdge
	owners []*model.Node
}

func (it *item) last() uint32 {
	return it.first + it.count - 1
}

// unit maps a graph node onto the items its producers feed and its consumers
// wait for. A control node enters at its dispatch and leaves at a label.
type unit struct {
	entry  []*item
	exit   []*item
	memset *item
}

type branch struct {
	g        *model.Graph
	entry    *item
	exit     *item
	dispatch *item
	sink     *item
	roles    map[model.NodeID]bool
}

// manual numbers one context per schedulable node and lowers If/While/Case
// into labels and switches.
type manual struct {
	reg     *kernels.Registry
	items   []*item
	units   map[nodeRef]*unit
	memsets map[string]*item
	alloc   allocator
}

func newManual(reg *kernels.Registry) *manual {
	return &manual{
		reg:     reg,
		units:   make(map[nodeRef]*unit),
		memsets: make(map[string]*item),
	}
}

func (m *manual) Name() string { return ModeManual }

func (m *manual) ReadyContextNum() uint32 { return m.alloc.ready }

func (m *manual) newItem(n *model.Node, count uint32) *item {
	it := &item{node: n, count: count}
	m.items = append(m.items, it)
	return it
}

func (m *manual) edge(from, to *item, slot int) {
	for _, e := range from.succ {
		if e.to == to && e.slot == slot {
			return
		}
	}
	from.succ = append(from.succ, planEdge{to: to, slot: slot})
	if kind, ok := labelSlotKind(from, slot); !ok || kind == core.ListDependency {
		to.preds++
	}
}

// labelSlotKind classifies planned edges out of labels, the only items
// planned with a non-dependency slot.
func labelSlotKind(from *item, slot int) (core.ListKind, bool) {
	if model.IsLabel(from.node.Type) && from.node.Type != model.TypeLabelSwitch && slot == 1 {
		return core.ListJump, true
	}
	return core.ListDependency, false
}

// GenerateContextIds plans the subgraph, then numbers ready items first.
func (m *manual) GenerateContextIds(g *model.Graph) error {
	if err := m.planGraph(g, 0, nil); err != nil {
		return err
	}

	for pass := 0; pass < 2; pass++ {
		for _, it := range m.items {
			if (it.preds == 0) != (pass == 0) {
				continue
			}
			first, err := m.alloc.block(it.count)
			if err != nil {
				return err
			}
			it.first = first
		}
		if pass == 0 {
			m.alloc.markReady()
		}
	}

	for _, it := range m.items {
		ids := make([]uint32, it.count)
		for i := range ids {
			ids[i] = it.first + uint32(i)
		}
		if list, ok := it.node.Attrs.Ints(AttrSuccessorIDList); ok && len(list) != len(ids) {
			return core.Malformedf("node %s: %s has %d entries, node owns %d contexts", it.node.Name, AttrSuccessorIDList, len(list), len(ids))
		}
		if err := mustSet(it.node, AttrContextIDList, ids); err != nil {
			return err
		}
		for _, o := range it.owners {
			if err := mustSet(o, AttrAtomicContextIDList, []uint32{it.first}); err != nil {
				return err
			}
		}
	}
	advise(g, AttrReadyContextNum, m.alloc.ready)
	advise(g, AttrTotalContextNum, m.alloc.total)
	logrus.WithFields(logrus.Fields{"graph": g.Name, "ready": m.alloc.ready, "total": m.alloc.total}).Debug("manual context ids assigned")
	return nil
}

// GenerateTaskDef emits the planned items in id order and wires the planned
// edges.
func (m *manual) GenerateTaskDef(g *model.Graph, b *depgraph.Builder) error {
	td := b.TaskDef()
	sorted := append([]*item(nil), m.items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].first < sorted[j].first })

	for _, it := range sorted {
		ids, err := requireIDs(it.node, AttrContextIDList)
		if err != nil {
			return err
		}
		if uint32(len(ids)) != it.count || ids[0] != it.first {
			return core.Internalf("node %s: %s %v disagrees with planned id %d", it.node.Name, AttrContextIDList, ids, it.first)
		}
		first, err := m.reg.Build(it.node, td, kernels.Thread{})
		if err != nil {
			return err
		}
		if first != it.first {
			return core.Internalf("node %s: emitted at %d, numbered %d", it.node.Name, first, it.first)
		}
		if c := td.Contexts[first]; c.Label != nil {
			c.Label.Role = it.role
		}
	}

	for _, it := range m.items {
		for _, e := range it.succ {
			if _, err := b.ConnectSlot(it.last(), e.to.first, e.slot); err != nil {
				return err
			}
		}
	}
	return nil
}

// planGraph creates items for g and plans their edges. br is nil for the
// compiled subgraph itself.
func (m *manual) planGraph(g *model.Graph, depth int, br *branch) error {
	if err := inlineCalls(g); err != nil {
		return err
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		return core.Malformedf("%v", err)
	}

	var local []*model.Node
	for _, id := range order {
		n := g.Node(id)
		if br != nil && br.roles[id] {
			continue
		}
		ref := nodeRef{g, id}
		switch {
		case model.IsControlFlow(n.Type):
			u, err := m.planControl(g, n, depth+1)
			if err != nil {
				return err
			}
			m.units[ref] = u
		case m.reg.HasTask(n):
			u := &unit{}
			if needsMemset(n) {
				u.memset = m.memsetFor(g, n)
			}
			it := m.newItem(n, uint32(m.reg.ContextCount(n)))
			u.entry, u.exit = []*item{it}, []*item{it}
			m.units[ref] = u
		default:
			continue
		}
		local = append(local, n)
	}

	for _, n := range local {
		u := m.units[nodeRef{g, n.ID}]
		prods, hasLocal := m.producers(g, n)
		if !hasLocal && br != nil {
			prods = append(prods, br.entry)
		}
		for _, p := range prods {
			for _, e := range u.entry {
				m.edge(p, e, 0)
			}
		}
		if u.memset != nil {
			if u.memset.preds == 0 && br != nil {
				m.edge(br.entry, u.memset, 0)
			}
			for _, e := range u.entry {
				m.edge(u.memset, e, 0)
			}
		}
		if br != nil && !m.hasLocalConsumer(g, n) {
			for _, x := range u.exit {
				m.edge(x, br.sink, 0)
			}
		}
	}
	if br != nil && br.sink.preds == 0 {
		m.edge(br.entry, br.sink, 0)
	}
	return nil
}

// memsetFor returns the memset item shared by n's atomic-clean group.
func (m *manual) memsetFor(g *model.Graph, n *model.Node) *item {
	key := n.Name
	if n.Slice != nil && len(n.Slice.SameAtomicCleanNodes) > 0 {
		names := append([]string(nil), n.Slice.SameAtomicCleanNodes...)
		sort.Strings(names)
		key = strings.Join(names, ",")
	}
	it, ok := m.memsets[key]
	if !ok {
		it = m.newItem(memsetNode(n.Name+"_memset", n), 1)
		m.memsets[key] = it
		logrus.WithFields(logrus.Fields{"graph": g.Name, "node": n.Name, "group": key}).Debug("memset companion created")
	}
	it.owners = append(it.owners, n)
	return it
}

// planControl lowers one If/While/Case node. Branches are planned before the
// dispatch so nested control flow numbers innermost first.
func (m *manual) planControl(g *model.Graph, n *model.Node, depth int) (*unit, error) {
	if depth > maxControlDepth {
		return nil, core.Malformedf("node %s: control flow nested deeper than %d", n.Name, maxControlDepth)
	}
	subs := make([]*model.Graph, len(n.Subgraphs))
	for i, name := range n.Subgraphs {
		if subs[i] = g.Subgraph(name); subs[i] == nil {
			return nil, core.Malformedf("node %s: subgraph %s missing", n.Name, name)
		}
	}

	switch {
	case model.IsWhile(n.Type):
		if len(subs) != 2 {
			return nil, core.Malformedf("node %s: while needs cond and body, has %d subgraphs", n.Name, len(subs))
		}
		cond, err := m.planBranch(subs[0], depth, true)
		if err != nil {
			return nil, err
		}
		body, err := m.planBranch(subs[1], depth, false)
		if err != nil {
			return nil, err
		}
		m.edge(cond.dispatch, cond.exit, 0)
		m.edge(cond.dispatch, body.entry, 1)
		m.edge(body.exit, cond.entry, 1)
		return &unit{entry: []*item{cond.entry}, exit: []*item{cond.exit}}, nil

	case n.Type == model.TypeIf || n.Type == model.TypeStatelessIf:
		if len(subs) != 2 {
			return nil, core.Malformedf("node %s: if needs then and else, has %d subgraphs", n.Name, len(subs))
		}
		then, err := m.planBranch(subs[0], depth, false)
		if err != nil {
			return nil, err
		}
		els, err := m.planBranch(subs[1], depth, false)
		if err != nil {
			return nil, err
		}
		disp := m.newItem(n, 1)
		m.edge(disp, els.entry, 0)
		m.edge(disp, then.entry, 1)
		m.edge(els.exit, then.exit, 1)
		return &unit{entry: []*item{disp}, exit: []*item{then.exit}}, nil

	default:
		if len(subs) == 0 {
			return nil, core.Malformedf("node %s: case without branches", n.Name)
		}
		branches := make([]*branch, len(subs))
		for i, sg := range subs {
			br, err := m.planBranch(sg, depth, false)
			if err != nil {
				return nil, err
			}
			branches[i] = br
		}
		disp := m.newItem(n, 1)
		for _, br := range branches {
			m.edge(disp, br.entry, 0)
		}
		for _, br := range branches[1:] {
			m.edge(br.exit, branches[0].exit, 1)
		}
		return &unit{entry: []*item{disp}, exit: []*item{branches[0].exit}}, nil
	}
}

// planBranch creates the label items of one branch subgraph and plans its
// body. A while cond branch also carries its dispatch switch.
func (m *manual) planBranch(g *model.Graph, depth int, cond bool) (*branch, error) {
	if err := inlineCalls(g); err != nil {
		return nil, err
	}
	var entry, exit, dispatch *model.Node
	for _, n := range g.Nodes() {
		switch {
		case n.Type == model.TypeLabelSet && entry == nil:
			entry = n
		case n.Type == model.TypeLabelGoto && exit == nil:
			exit = n
		case n.Type == model.TypeLabelSwitch && dispatch == nil && cond:
			dispatch = n
		}
	}
	switch {
	case entry == nil:
		return nil, core.Malformedf("branch %s: missing entry %s", g.Name, model.TypeLabelSet)
	case exit == nil:
		return nil, core.Malformedf("branch %s: missing exit %s", g.Name, model.TypeLabelGoto)
	case cond && dispatch == nil:
		return nil, core.Malformedf("branch %s: missing dispatch %s", g.Name, model.TypeLabelSwitch)
	}

	br := &branch{g: g, roles: map[model.NodeID]bool{entry.ID: true, exit.ID: true}}
	br.entry = m.newItem(entry, 1)
	br.entry.role = core.LabelBranchEntry
	br.sink = nil
	if cond {
		br.roles[dispatch.ID] = true
		br.dispatch = m.newItem(dispatch, 1)
		br.sink = br.dispatch
	}
	br.exit = m.newItem(exit, 1)
	br.exit.role = core.LabelBranchExit
	if br.sink == nil {
		br.sink = br.exit
	}
	if err := m.planGraph(g, depth, br); err != nil {
		return nil, err
	}
	return br, nil
}

// producers resolves the items n waits for, looking through pass-through
// nodes. hasLocal reports whether any of them lives in g.
func (m *manual) producers(g *model.Graph, n *model.Node) (out []*item, hasLocal bool) {
	seen := make(map[*item]bool)
	add := func(items []*item, local bool) {
		for _, it := range items {
			if !seen[it] {
				seen[it] = true
				out = append(out, it)
			}
		}
		hasLocal = hasLocal || (local && len(items) > 0)
	}

	visited := make(map[model.NodeID]bool)
	stack := inNodes(g, n.ID)
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[p.ID] {
			continue
		}
		visited[p.ID] = true
		if u, ok := m.units[nodeRef{g, p.ID}]; ok {
			add(u.exit, true)
			continue
		}
		if p.Type == model.TypeData && model.IsControlFlow(n.Type) {
			add(m.ultimateProducer(g, p), false)
			continue
		}
		if passThrough(m.reg, p) {
			stack = append(stack, inNodes(g, p.ID)...)
		}
	}
	return out, hasLocal
}

// ultimateProducer follows a Data placeholder up through enclosing subgraphs
// to the items that produce its value. Pass-through nodes met on the way are
// looked through as in producers. At most maxDataWalk levels are climbed.
func (m *manual) ultimateProducer(g *model.Graph, data *model.Node) []*item {
	type step struct {
		g     *model.Graph
		n     *model.Node
		level int
	}
	var out []*item
	seen := make(map[nodeRef]bool)
	done := make(map[*item]bool)
	stack := []step{{g, data, 0}}
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		ref := nodeRef{s.g, s.n.ID}
		if seen[ref] {
			continue
		}
		seen[ref] = true

		if u, ok := m.units[ref]; ok {
			for _, it := range u.exit {
				if !done[it] {
					done[it] = true
					out = append(out, it)
				}
			}
			continue
		}
		if s.n.Type != model.TypeData {
			if passThrough(m.reg, s.n) {
				for _, p := range inNodes(s.g, s.n.ID) {
					stack = append(stack, step{s.g, p, s.level})
				}
			}
			continue
		}

		owner := s.g.ParentOwner()
		if owner == nil {
			continue
		}
		if s.level == maxDataWalk {
			logrus.WithFields(logrus.Fields{"graph": g.Name, "node": data.Name}).Warnf("data placeholder chain deeper than %d", maxDataWalk)
			continue
		}
		idx, _ := s.n.Attrs.Int(model.AttrIndex)
		slot := int(idx)
		if !model.IsWhile(owner.Type) {
			// If and Case take the predicate or branch index as input 0.
			slot++
		}
		parent := s.g.Parent
		src, ok := parent.Producer(model.Anchor{Node: owner.ID, Index: slot})
		if !ok {
			continue
		}
		if p := parent.Node(src.Node); p != nil {
			stack = append(stack, step{parent, p, s.level + 1})
		}
	}
	return out
}

// hasLocalConsumer reports whether a context-bearing node of g waits for n.
func (m *manual) hasLocalConsumer(g *model.Graph, n *model.Node) bool {
	visited := make(map[model.NodeID]bool)
	stack := outNodes(g, n.ID)
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[c.ID] {
			continue
		}
		visited[c.ID] = true
		if _, ok := m.units[nodeRef{g, c.ID}]; ok {
			return true
		}
		if passThrough(m.reg, c) {
			stack = append(stack, outNodes(g, c.ID)...)
		}
	}
	return false
}

func inNodes(g *model.Graph, id model.NodeID) []*model.Node {
	return append(g.InDataNodes(id), g.InControlNodes(id)...)
}

func outNodes(g *model.Graph, id model.NodeID) []*model.Node {
	return append(g.OutDataNodes(id), g.OutControlNodes(id)...)
}
