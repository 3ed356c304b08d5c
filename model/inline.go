package model

import "fmt"

// InlineSubgraph replaces a single-body call wrapper with the body's nodes.
// Body Data placeholders are bypassed to the wrapper's producers and body
// NetOutput inputs are forwarded to the wrapper's consumers. Control edges on
// the wrapper move to the inlined entry and exit nodes.
func (g *Graph) InlineSubgraph(call NodeID) error {
	c := g.Node(call)
	if c == nil {
		return fmt.Errorf("graph %s: inline unknown node %d", g.Name, call)
	}
	if len(c.Subgraphs) != 1 {
		return fmt.Errorf("graph %s: call %s owns %d subgraphs, want 1", g.Name, c.Name, len(c.Subgraphs))
	}
	body := g.Subgraph(c.Subgraphs[0])
	if body == nil {
		return fmt.Errorf("graph %s: call %s body %s missing", g.Name, c.Name, c.Subgraphs[0])
	}

	producers := make(map[int]Anchor)
	for _, e := range g.InEdges(call) {
		producers[e.Dst.Index] = e.Src
	}
	consumers := make(map[int][]Anchor)
	for _, e := range g.OutEdges(call) {
		consumers[e.Src.Index] = append(consumers[e.Src.Index], e.Dst)
	}
	ctrlIn := g.InControlNodes(call)
	ctrlOut := g.OutControlNodes(call)

	remap := make(map[NodeID]NodeID)
	for _, bn := range body.Nodes() {
		if bn.Type == TypeData || bn.Type == TypeNetOutput {
			continue
		}
		name := bn.Name
		if g.NodeByName(name) != nil {
			name = c.Name + "/" + bn.Name
		}
		nn := g.AddNode(name, bn.Type)
		nn.Inputs = cloneDescs(bn.Inputs)
		nn.Outputs = cloneDescs(bn.Outputs)
		nn.Attrs = bn.Attrs.Clone()
		nn.Subgraphs = append([]string(nil), bn.Subgraphs...)
		nn.Slice = bn.Slice
		remap[bn.ID] = nn.ID
		for _, sub := range nn.Subgraphs {
			if sg := g.Subgraph(sub); sg != nil {
				sg.Parent = g
				sg.ParentNode = nn.ID
			}
		}
	}

	resolveSrc := func(a Anchor) (Anchor, bool) {
		bn := body.Node(a.Node)
		if bn.Type == TypeData {
			idx, _ := bn.Attrs.Int(AttrIndex)
			p, ok := producers[int(idx)]
			return p, ok
		}
		return Anchor{Node: remap[a.Node], Index: a.Index}, true
	}

	if err := g.RemoveNode(call); err != nil {
		return err
	}

	hasIn := make(map[NodeID]bool)
	hasOut := make(map[NodeID]bool)
	for _, e := range body.Edges() {
		src, ok := resolveSrc(e.Src)
		if !ok {
			continue
		}
		dn := body.Node(e.Dst.Node)
		if dn.Type == TypeNetOutput {
			for _, dst := range consumers[e.Dst.Index] {
				if err := g.AddEdge(src, dst); err != nil {
					return err
				}
			}
			continue
		}
		dst := Anchor{Node: remap[e.Dst.Node], Index: e.Dst.Index}
		if err := g.AddEdge(src, dst); err != nil {
			return err
		}
		if body.Node(e.Src.Node).Type != TypeData {
			hasIn[dst.Node] = true
			hasOut[src.Node] = true
		}
	}
	for _, ce := range body.ctrl {
		s, okS := remap[ce.Src]
		d, okD := remap[ce.Dst]
		if okS && okD {
			if err := g.AddControlEdge(s, d); err != nil {
				return err
			}
			hasIn[d] = true
			hasOut[s] = true
		}
	}

	for _, bn := range body.Nodes() {
		id, ok := remap[bn.ID]
		if !ok {
			continue
		}
		if !hasIn[id] {
			for _, p := range ctrlIn {
				if err := g.AddControlEdge(p.ID, id); err != nil {
					return err
				}
			}
		}
		if !hasOut[id] {
			for _, s := range ctrlOut {
				if err := g.AddControlEdge(id, s.ID); err != nil {
					return err
				}
			}
		}
	}

	delete(g.Root().subgraphs, body.Name)
	return nil
}

func cloneDescs(in []TensorDesc) []TensorDesc {
	out := make([]TensorDesc, len(in))
	for i, d := range in {
		out[i] = d.Clone()
	}
	return out
}
