// Package model defines the compute-graph representation consumed by the FFTS+
// scheduler and the trans-node engine.
//
// Nodes live in an arena owned by their Graph and are addressed by NodeID. Every
// cross reference (edge endpoints, subgraph owner, label targets kept by the
// compiler) is an index into that arena rather than a pointer, so removing a node
// never leaves a dangling owner cycle behind.
//
// Key data structures:
//   - Node: operator with typed attributes and input/output tensor descriptors
//   - Graph: arena of nodes with data edges (anchors) and control edges
//   - SliceInfo: per-node thread-slice metadata from the partitioning pass
//
// Subgraphs (control-flow branches, call bodies) are registered on the root
// graph by name and point back to their owner through Parent/ParentNode.
package model

import (
	"fmt"
	"sort"
)

// NodeID indexes a node inside its graph's arena.
type NodeID int32

// NoNode is the invalid node handle.
const NoNode NodeID = -1

// Anchor is one input or output slot of a node.
type Anchor struct {
	Node  NodeID
	Index int
}

// Edge is a data edge from an output anchor to an input anchor.
type Edge struct {
	Src Anchor
	Dst Anchor
}

// CtrlEdge orders Dst after Src without carrying data.
type CtrlEdge struct {
	Src NodeID
	Dst NodeID
}

// ThreadMode is the slicing discipline chosen by the partitioner.
type ThreadMode uint8

const (
	ThreadModeManual ThreadMode = iota
	ThreadModeAuto
	ThreadModeDynamic
)

func (m ThreadMode) String() string {
	switch m {
	case ThreadModeManual:
		return "manual"
	case ThreadModeAuto:
		return "auto"
	case ThreadModeDynamic:
		return "dynamic"
	}
	return fmt.Sprintf("ThreadMode(%d)", uint8(m))
}

// SliceInfo is the read-only thread-slice map entry of one node.
type SliceInfo struct {
	ThreadMode           ThreadMode
	ParallelWindowSize   uint32
	SliceInstanceNum     uint32
	SameAtomicCleanNodes []string
}

// Node represents one operator.
type Node struct {
	ID        NodeID
	Name      string
	Type      string
	Inputs    []TensorDesc
	Outputs   []TensorDesc
	Attrs     Attrs
	Subgraphs []string // owned subgraph names, in source order
	Slice     *SliceInfo
}

// SetAttr stores a typed attribute on the node.
func (n *Node) SetAttr(key string, v any) error {
	if n == nil {
		return fmt.Errorf("set attr %q on nil node", key)
	}
	if n.Attrs == nil {
		n.Attrs = make(Attrs)
	}
	if err := n.Attrs.Set(key, v); err != nil {
		return fmt.Errorf("node %s: %w", n.Name, err)
	}
	return nil
}

// Input returns the i-th input descriptor, growing the list when needed.
func (n *Node) Input(i int) *TensorDesc {
	for len(n.Inputs) <= i {
		n.Inputs = append(n.Inputs, TensorDesc{})
	}
	return &n.Inputs[i]
}

// Output returns the i-th output descriptor, growing the list when needed.
func (n *Node) Output(i int) *TensorDesc {
	for len(n.Outputs) <= i {
		n.Outputs = append(n.Outputs, TensorDesc{})
	}
	return &n.Outputs[i]
}

// Graph is an arena of nodes plus their edges.
type Graph struct {
	Name       string
	Attrs      Attrs
	Parent     *Graph
	ParentNode NodeID

	nodes     []*Node
	edges     []Edge
	ctrl      []CtrlEdge
	subgraphs map[string]*Graph
}

// NewGraph creates an empty root graph.
func NewGraph(name string) *Graph {
	return &Graph{
		Name:       name,
		Attrs:      make(Attrs),
		ParentNode: NoNode,
		subgraphs:  make(map[string]*Graph),
	}
}

// AddNode appends a node to the arena.
func (g *Graph) AddNode(name, typ string) *Node {
	n := &Node{
		ID:    NodeID(len(g.nodes)),
		Name:  name,
		Type:  typ,
		Attrs: make(Attrs),
	}
	g.nodes = append(g.nodes, n)
	return n
}

// Node returns the live node with the given id, or nil.
func (g *Graph) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(g.nodes) {
		return nil
	}
	return g.nodes[id]
}

// NodeByName finds a live node by name.
func (g *Graph) NodeByName(name string) *Node {
	for _, n := range g.nodes {
		if n != nil && n.Name == name {
			return n
		}
	}
	return nil
}

// Nodes returns the live nodes in arena order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

// NodeCount returns the number of live nodes.
func (g *Graph) NodeCount() int {
	c := 0
	for _, n := range g.nodes {
		if n != nil {
			c++
		}
	}
	return c
}

// RemoveNode drops a node and every edge touching it.
func (g *Graph) RemoveNode(id NodeID) error {
	if g.Node(id) == nil {
		return fmt.Errorf("graph %s: remove unknown node %d", g.Name, id)
	}
	edges := g.edges[:0]
	for _, e := range g.edges {
		if e.Src.Node != id && e.Dst.Node != id {
			edges = append(edges, e)
		}
	}
	g.edges = edges
	ctrl := g.ctrl[:0]
	for _, e := range g.ctrl {
		if e.Src != id && e.Dst != id {
			ctrl = append(ctrl, e)
		}
	}
	g.ctrl = ctrl
	g.nodes[id] = nil
	return nil
}

// AddEdge connects src output anchor to dst input anchor. An input anchor
// accepts a single producer.
func (g *Graph) AddEdge(src, dst Anchor) error {
	if g.Node(src.Node) == nil || g.Node(dst.Node) == nil {
		return fmt.Errorf("graph %s: edge %v->%v references unknown node", g.Name, src, dst)
	}
	if src.Index < 0 || dst.Index < 0 {
		return fmt.Errorf("graph %s: negative anchor index in edge %v->%v", g.Name, src, dst)
	}
	if p, ok := g.Producer(dst); ok {
		return fmt.Errorf("graph %s: input %s:%d already fed by %s:%d", g.Name,
			g.nodes[dst.Node].Name, dst.Index, g.nodes[p.Node].Name, p.Index)
	}
	g.edges = append(g.edges, Edge{Src: src, Dst: dst})
	return nil
}

// RemoveEdge deletes one data edge.
func (g *Graph) RemoveEdge(src, dst Anchor) error {
	for i, e := range g.edges {
		if e.Src == src && e.Dst == dst {
			g.edges = append(g.edges[:i], g.edges[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("graph %s: no edge %v->%v", g.Name, src, dst)
}

// AddControlEdge orders dst after src. Duplicates are ignored.
func (g *Graph) AddControlEdge(src, dst NodeID) error {
	if g.Node(src) == nil || g.Node(dst) == nil {
		return fmt.Errorf("graph %s: control edge %d->%d references unknown node", g.Name, src, dst)
	}
	for _, e := range g.ctrl {
		if e.Src == src && e.Dst == dst {
			return nil
		}
	}
	g.ctrl = append(g.ctrl, CtrlEdge{Src: src, Dst: dst})
	return nil
}

// RemoveControlEdge deletes one control edge if present.
func (g *Graph) RemoveControlEdge(src, dst NodeID) {
	for i, e := range g.ctrl {
		if e.Src == src && e.Dst == dst {
			g.ctrl = append(g.ctrl[:i], g.ctrl[i+1:]...)
			return
		}
	}
}

// Producer returns the output anchor feeding dst.
func (g *Graph) Producer(dst Anchor) (Anchor, bool) {
	for _, e := range g.edges {
		if e.Dst == dst {
			return e.Src, true
		}
	}
	return Anchor{Node: NoNode}, false
}

// Consumers returns the input anchors fed by src, in edge order.
func (g *Graph) Consumers(src Anchor) []Anchor {
	var out []Anchor
	for _, e := range g.edges {
		if e.Src == src {
			out = append(out, e.Dst)
		}
	}
	return out
}

// InEdges returns the data edges into id ordered by input index.
func (g *Graph) InEdges(id NodeID) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.Dst.Node == id {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Dst.Index < out[j].Dst.Index })
	return out
}

// OutEdges returns the data edges out of id ordered by output index.
func (g *Graph) OutEdges(id NodeID) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.Src.Node == id {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Src.Index < out[j].Src.Index })
	return out
}

// Edges returns a snapshot of all data edges.
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// InDataNodes returns distinct producers of id in input order.
func (g *Graph) InDataNodes(id NodeID) []*Node {
	var out []*Node
	seen := make(map[NodeID]bool)
	for _, e := range g.InEdges(id) {
		if !seen[e.Src.Node] {
			seen[e.Src.Node] = true
			out = append(out, g.nodes[e.Src.Node])
		}
	}
	return out
}

// OutDataNodes returns distinct consumers of id in output order.
func (g *Graph) OutDataNodes(id NodeID) []*Node {
	var out []*Node
	seen := make(map[NodeID]bool)
	for _, e := range g.OutEdges(id) {
		if !seen[e.Dst.Node] {
			seen[e.Dst.Node] = true
			out = append(out, g.nodes[e.Dst.Node])
		}
	}
	return out
}

// InControlNodes returns the control predecessors of id.
func (g *Graph) InControlNodes(id NodeID) []*Node {
	var out []*Node
	for _, e := range g.ctrl {
		if e.Dst == id {
			out = append(out, g.nodes[e.Src])
		}
	}
	return out
}

// OutControlNodes returns the control successors of id.
func (g *Graph) OutControlNodes(id NodeID) []*Node {
	var out []*Node
	for _, e := range g.ctrl {
		if e.Src == id {
			out = append(out, g.nodes[e.Dst])
		}
	}
	return out
}

// Root returns the outermost graph.
func (g *Graph) Root() *Graph {
	r := g
	for r.Parent != nil {
		r = r.Parent
	}
	return r
}

// AddSubgraph registers sub as owned by node owner of g.
func (g *Graph) AddSubgraph(owner NodeID, sub *Graph) error {
	n := g.Node(owner)
	if n == nil {
		return fmt.Errorf("graph %s: subgraph %s owner %d unknown", g.Name, sub.Name, owner)
	}
	root := g.Root()
	if _, dup := root.subgraphs[sub.Name]; dup {
		return fmt.Errorf("graph %s: duplicate subgraph %s", root.Name, sub.Name)
	}
	sub.Parent = g
	sub.ParentNode = owner
	root.subgraphs[sub.Name] = sub
	n.Subgraphs = append(n.Subgraphs, sub.Name)
	return nil
}

// Subgraph looks a subgraph up by name.
func (g *Graph) Subgraph(name string) *Graph {
	return g.Root().subgraphs[name]
}

// SubgraphNames returns every registered subgraph name, sorted.
func (g *Graph) SubgraphNames() []string {
	root := g.Root()
	names := make([]string, 0, len(root.subgraphs))
	for name := range root.subgraphs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParentOwner returns the node owning this subgraph, or nil for a root.
func (g *Graph) ParentOwner() *Node {
	if g.Parent == nil {
		return nil
	}
	return g.Parent.Node(g.ParentNode)
}

// Validate checks graph consistency.
func (g *Graph) Validate() error {
	if g.NodeCount() == 0 {
		return fmt.Errorf("graph %s has no nodes", g.Name)
	}

	names := make(map[string]bool)
	for _, n := range g.Nodes() {
		if names[n.Name] {
			return fmt.Errorf("graph %s: duplicate node name %s", g.Name, n.Name)
		}
		names[n.Name] = true
		for _, sub := range n.Subgraphs {
			if g.Subgraph(sub) == nil {
				return fmt.Errorf("graph %s: node %s references missing subgraph %s", g.Name, n.Name, sub)
			}
		}
	}

	for _, e := range g.edges {
		if g.Node(e.Src.Node) == nil || g.Node(e.Dst.Node) == nil {
			return fmt.Errorf("graph %s: dangling edge %v->%v", g.Name, e.Src, e.Dst)
		}
	}

	if _, err := g.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder returns live node ids in dependency order (data and control
// edges). Ties keep arena order.
func (g *Graph) TopologicalOrder() ([]NodeID, error) {
	inDegree := make(map[NodeID]int)
	adj := make(map[NodeID][]NodeID)
	for _, n := range g.Nodes() {
		inDegree[n.ID] = 0
	}
	for _, e := range g.edges {
		adj[e.Src.Node] = append(adj[e.Src.Node], e.Dst.Node)
		inDegree[e.Dst.Node]++
	}
	for _, e := range g.ctrl {
		adj[e.Src] = append(adj[e.Src], e.Dst)
		inDegree[e.Dst]++
	}

	// Kahn's algorithm
	queue := make([]NodeID, 0)
	for _, n := range g.Nodes() {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	order := make([]NodeID, 0, len(inDegree))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		for _, next := range adj[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(inDegree) {
		return nil, fmt.Errorf("graph %s: cycle detected", g.Name)
	}
	return order, nil
}
