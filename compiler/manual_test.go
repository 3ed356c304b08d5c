package compiler

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sbl8/ffts/model"
)

// compileNoDedup keeps every planned edge so cross-level dependencies stay
// visible in the descriptor.
func compileNoDedup(t *testing.T, src string) *Result {
	t.Helper()
	opts := DefaultOptions()
	opts.DedupDependencies = false
	res, err := Compile(mustParse(t, src), opts)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return res
}

func containsID(list []uint32, id uint32) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func TestManualIfInWhileThroughReshape(t *testing.T) {
	t.Parallel()
	res := compileNoDedup(t, `
graph nested
node x Data index=0
node mm MatMul _core_type=AIC
node r Reshape
node w While
node out NetOutput
edge x:0 mm:0
edge mm:0 r:0
edge r:0 w:0
edge w:0 out:0
subgraph w cond {
  node d Data index=0
  node ce LabelSet
  node less Less _core_type=AIV
  node cd LabelSwitchByIndex
  node cx LabelGotoEx
  edge d:0 less:0
  edge less:0 cd:0
}
subgraph w body {
  node d Data index=0
  node be LabelSet
  node inner If
  node bx LabelGotoEx
  edge d:0 inner:0
  subgraph inner yes {
    node ye LabelSet
    node yx LabelGotoEx
  }
  subgraph inner no {
    node ne LabelSet
    node nx LabelGotoEx
  }
}
`)
	td, root := res.TaskDef, res.Graph
	cond, body := root.Subgraph("cond"), root.Subgraph("body")
	mm := td.Contexts[nodeIDs(t, root, "mm", AttrContextIDList)[0]]
	inner := nodeIDs(t, body, "inner", AttrContextIDList)[0]
	ce := nodeIDs(t, cond, "ce", AttrContextIDList)[0]

	if !containsID(mm.Kernel.SuccessorList, ce) {
		t.Errorf("mm successors %v lack the loop entry %d", mm.Kernel.SuccessorList, ce)
	}
	if !containsID(mm.Kernel.SuccessorList, inner) {
		t.Errorf("mm successors %v lack the nested dispatch %d", mm.Kernel.SuccessorList, inner)
	}
	if c := td.Contexts[inner]; c.PredCntInit != 2 {
		t.Errorf("nested dispatch pred = %d, want 2 (body entry and mm)", c.PredCntInit)
	}
}

// nestedIfs builds If n0 in the root fed by mm, then n1..n<levels> each in
// the then branch of the previous one and fed by that branch's Data
// placeholder. Resolving n<levels> back to mm climbs levels subgraphs.
func nestedIfs(levels int) string {
	var b strings.Builder
	b.WriteString(`graph deep
node x Data index=0
node mm MatMul _core_type=AIC
node n0 If
node out NetOutput
edge x:0 mm:0
edge mm:0 n0:1
edge n0:0 out:0
`)
	var branch func(k int)
	branch = func(k int) {
		fmt.Fprintf(&b, "subgraph n%d t%d {\nnode te%d LabelSet\nnode tx%d LabelGotoEx\n", k, k, k, k)
		if k < levels {
			fmt.Fprintf(&b, "node d%d Data index=0\nnode n%d If\nedge d%d:0 n%d:1\n", k, k+1, k, k+1)
			branch(k + 1)
		}
		b.WriteString("}\n")
		fmt.Fprintf(&b, "subgraph n%d f%d {\nnode fe%d LabelSet\nnode fx%d LabelGotoEx\n}\n", k, k, k, k)
	}
	branch(0)
	return b.String()
}

func TestManualDataWalkDepth(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		levels   int
		wantEdge bool
	}{
		{"one level", 1, true},
		{"at the walk limit", maxDataWalk, true},
		{"past the walk limit", maxDataWalk + 1, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := compileNoDedup(t, nestedIfs(tt.levels))
			td, root := res.TaskDef, res.Graph
			mm := td.Contexts[nodeIDs(t, root, "mm", AttrContextIDList)[0]]
			id := func(level int) uint32 {
				g := root
				if level > 0 {
					g = root.Subgraph(fmt.Sprintf("t%d", level-1))
				}
				return nodeIDs(t, g, fmt.Sprintf("n%d", level), AttrContextIDList)[0]
			}
			if got := containsID(mm.Kernel.SuccessorList, id(tt.levels)); got != tt.wantEdge {
				t.Errorf("mm -> n%d edge = %v, want %v (successors %v)", tt.levels, got, tt.wantEdge, mm.Kernel.SuccessorList)
			}
			for level := 0; level < tt.levels && level <= maxDataWalk; level++ {
				if !containsID(mm.Kernel.SuccessorList, id(level)) {
					t.Errorf("mm successors %v lack n%d", mm.Kernel.SuccessorList, level)
				}
			}
		})
	}
}

func TestNestedIfsShape(t *testing.T) {
	t.Parallel()
	g := mustParse(t, nestedIfs(2))
	for _, name := range []string{"t0", "f0", "t1", "f1", "t2", "f2"} {
		if g.Subgraph(name) == nil {
			t.Errorf("subgraph %s missing", name)
		}
	}
	if n := g.Subgraph("t1").NodeByName("n2"); n == nil || n.Type != model.TypeIf {
		t.Errorf("t1 does not hold If n2")
	}
}
