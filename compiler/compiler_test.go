package compiler

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sbl8/ffts/core"
	"github.com/sbl8/ffts/model"
)

func mustParse(t *testing.T, src string) *model.Graph {
	t.Helper()
	g, err := ParseGraph([]byte(src))
	if err != nil {
		t.Fatalf("ParseGraph() error = %v", err)
	}
	return g
}

func mustCompile(t *testing.T, src string) *Result {
	t.Helper()
	res, err := Compile(mustParse(t, src), DefaultOptions())
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return res
}

func equalIDs(a []uint32, b ...uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func nodeIDs(t *testing.T, g *model.Graph, node, key string) []uint32 {
	t.Helper()
	n := g.NodeByName(node)
	if n == nil {
		t.Fatalf("node %s missing", node)
	}
	ids, ok := n.Attrs.Uint32s(key)
	if !ok {
		t.Fatalf("node %s: %s missing", node, key)
	}
	return ids
}

const autoSingle = `
graph single
mode auto
window 2 instances 2
node x Data index=0
node relu Relu _core_type=AIV
node out NetOutput
edge x:0 relu:0
edge relu:0 out:0
`

func TestAutoSingleNode(t *testing.T) {
	t.Parallel()
	res := mustCompile(t, autoSingle)
	td := res.TaskDef
	if res.Mode != ModeAuto {
		t.Errorf("mode = %s, want %s", res.Mode, ModeAuto)
	}
	if td.Len() != 8 || td.ReadyContextNum != 1 {
		t.Fatalf("contexts = %d ready = %d, want 8 and 1", td.Len(), td.ReadyContextNum)
	}

	in := td.Contexts[0]
	if in.Type != core.ContextLabel || in.Label.Role != core.LabelIn || !equalIDs(in.Label.SuccessorList, 1, 2) {
		t.Errorf("in-label = %s %v %v", in.Type, in.Label.Role, in.Label.SuccessorList)
	}
	for i, want := range []struct {
		typ  core.ContextType
		pred uint32
		tid  uint16
	}{
		{core.ContextAtStart, 1, 0}, {core.ContextAtStart, 1, 1},
		{core.ContextAIV, 1, 0}, {core.ContextAIV, 1, 1},
		{core.ContextAtEnd, 1, 0}, {core.ContextAtEnd, 1, 1},
	} {
		c := td.Contexts[i+1]
		if c.Type != want.typ || c.PredCntInit != want.pred || c.ThreadID != want.tid || c.WindowSize != 2 || !c.Aten {
			t.Errorf("context %d = %s pred %d thread %d window %d, want %s pred %d thread %d window 2",
				i+1, c.Type, c.PredCntInit, c.ThreadID, c.WindowSize, want.typ, want.pred, want.tid)
		}
	}
	if out := td.Contexts[7]; out.Label.Role != core.LabelOut || out.PredCntInit != 2 {
		t.Errorf("out-label role %v pred %d, want LabelOut and 2", out.Label.Role, out.PredCntInit)
	}
	if end := td.Contexts[5]; !equalIDs(end.AtEnd.SuccAtStartSlot, 1) || !equalIDs(end.AtEnd.SuccOutLabelSlot, 7) {
		t.Errorf("at-end successors %v %v", end.AtEnd.SuccAtStartSlot, end.AtEnd.SuccOutLabelSlot)
	}

	g := res.Graph
	if ids := nodeIDs(t, g, "relu", AttrContextIDList); !equalIDs(ids, 3, 4) {
		t.Errorf("%s = %v", AttrContextIDList, ids)
	}
	if ids := nodeIDs(t, g, "relu", AttrAtStartCtxIDList); !equalIDs(ids, 1, 2) {
		t.Errorf("%s = %v", AttrAtStartCtxIDList, ids)
	}
	if ids := nodeIDs(t, g, "relu", AttrAtEndCtxIDList); !equalIDs(ids, 5, 6) {
		t.Errorf("%s = %v", AttrAtEndCtxIDList, ids)
	}
	if all, _ := g.Attrs.Uint32s(AttrAllCtxIDList); !equalIDs(all, 0, 1, 2, 5, 6, 7) {
		t.Errorf("%s = %v", AttrAllCtxIDList, all)
	}
	if v, _ := g.NodeByName("relu").Attrs.Int(AttrAtEndPreCnt); v != 1 {
		t.Errorf("%s = %d, want 1", AttrAtEndPreCnt, v)
	}
	if len(res.Data) < core.PrefetchRegionSize+core.HeaderSize {
		t.Errorf("encoded descriptor has %d bytes", len(res.Data))
	}
}

func TestAutoChainWithMemset(t *testing.T) {
	t.Parallel()
	res := mustCompile(t, `
graph chain
mode auto
window 2
node x Data index=0
node relu Relu _core_type=AIV
node add Add _core_type=AIV _atomic_clean=true
node out NetOutput
edge x:0 relu:0
edge relu:0 add:0
edge add:0 out:0
`)
	td, g := res.TaskDef, res.Graph
	if td.Len() != 12 {
		t.Fatalf("contexts = %d, want 12", td.Len())
	}
	if ids := nodeIDs(t, g, "add", AttrContextIDList); !equalIDs(ids, 5, 6) {
		t.Errorf("add ids = %v, want [5 6]", ids)
	}
	if ids := nodeIDs(t, g, "add", AttrAtomicContextIDList); !equalIDs(ids, 7, 8) {
		t.Errorf("add memset ids = %v, want [7 8]", ids)
	}
	if g.NodeByName("relu").Attrs.Has(AttrAtEndCtxIDList) {
		t.Errorf("interior node relu marked as exit")
	}
	if g.NodeByName("add").Attrs.Has(AttrAtStartCtxIDList) {
		t.Errorf("interior node add marked as entry")
	}
	for _, id := range []uint32{7, 8} {
		c := td.Contexts[id]
		if c.Type != core.ContextAIV || !c.Kernel.Atomic || c.PredCntInit != 1 {
			t.Errorf("memset %d = %s atomic %v pred %d", id, c.Type, c.Kernel.Atomic, c.PredCntInit)
		}
	}
	if c := td.Contexts[5]; c.PredCntInit != 2 {
		t.Errorf("add pred = %d, want relu and memset", c.PredCntInit)
	}
	if c := td.Contexts[9]; c.PredCntInit != 1 {
		t.Errorf("at-end pred = %d, want 1 exit", c.PredCntInit)
	}
}

func TestAutoIdleSlots(t *testing.T) {
	t.Parallel()
	src := strings.Replace(autoSingle, "window 2 instances 2", "window 4 instances 3", 1)
	res := mustCompile(t, src)
	if got := res.TaskDef.Contexts[res.TaskDef.Len()-1].PredCntInit; got != 3 {
		t.Errorf("out-label pred = %d, want 3", got)
	}
	if w, _ := res.Graph.Attrs.Int(AttrWindowSize); w != 4 {
		t.Errorf("%s = %d, want 4", AttrWindowSize, w)
	}
}

func TestAutoDefaultWindow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		window string
		want   uint32
	}{
		{"unset", "", 4},
		{"explicit", "window 3", 3},
		{"out of range", "window 70000", 4},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src := strings.Replace(autoSingle, "window 2 instances 2", tt.window, 1)
			g := mustParse(t, src)
			s := newAuto(DefaultOptions().registry(), DefaultOptions().defaultWindow())
			if err := s.GenerateContextIds(g); err != nil {
				t.Fatal(err)
			}
			if s.Window() != tt.want {
				t.Errorf("window = %d, want %d", s.Window(), tt.want)
			}
			if ids := nodeIDs(t, g, "relu", AttrContextIDList); uint32(len(ids)) != tt.want {
				t.Errorf("relu holds %d ids, want %d", len(ids), tt.want)
			}
		})
	}
}

const manualIf = `
graph root
node x Data index=0
node cond If
node relu Relu _core_type=AIV
node out NetOutput
edge x:0 cond:0
edge cond:0 relu:0
edge relu:0 out:0
subgraph cond then {
  node d Data index=0
  node e1 LabelSet
  node add Add _core_type=AIV
  node x1 LabelGotoEx
  node o NetOutput
  edge d:0 add:0
  edge add:0 o:0
}
subgraph cond else {
  node e2 LabelSet
  node x2 LabelGotoEx
}
`

func TestManualIf(t *testing.T) {
	t.Parallel()
	res := mustCompile(t, manualIf)
	td, root := res.TaskDef, res.Graph
	if res.Mode != ModeManual || td.Len() != 7 || td.ReadyContextNum != 1 {
		t.Fatalf("mode %s contexts %d ready %d, want manual 7 1", res.Mode, td.Len(), td.ReadyContextNum)
	}
	id := func(g *model.Graph, name string) uint32 {
		return nodeIDs(t, g, name, AttrContextIDList)[0]
	}
	then, els := root.Subgraph("then"), root.Subgraph("else")
	disp := td.Contexts[id(root, "cond")]
	if disp.Type != core.ContextCondSwitch || disp.ID != 0 {
		t.Fatalf("dispatch = %s at %d", disp.Type, disp.ID)
	}
	if !equalIDs(disp.CondSwitch.FalseSuccessorList, id(els, "e2")) || !equalIDs(disp.CondSwitch.TrueSuccessorList, id(then, "e1")) {
		t.Errorf("dispatch lists false %v true %v", disp.CondSwitch.FalseSuccessorList, disp.CondSwitch.TrueSuccessorList)
	}
	if c := td.Contexts[id(then, "e1")]; c.Label.Role != core.LabelBranchEntry {
		t.Errorf("then entry role = %v", c.Label.Role)
	}
	x1 := td.Contexts[id(then, "x1")]
	if x1.Label.Role != core.LabelBranchExit || !equalIDs(x1.Label.SuccessorList, id(root, "relu")) {
		t.Errorf("then exit role %v successors %v", x1.Label.Role, x1.Label.SuccessorList)
	}
	if x2 := td.Contexts[id(els, "x2")]; !equalIDs(x2.Label.JumpTarget, x1.ID) {
		t.Errorf("else exit jump = %v, want [%d]", x2.Label.JumpTarget, x1.ID)
	}
	for _, c := range td.Contexts[1:] {
		if c.PredCntInit != 1 {
			t.Errorf("context %d (%s) pred = %d, want 1", c.ID, c.Name, c.PredCntInit)
		}
	}
}

func TestManualWhile(t *testing.T) {
	t.Parallel()
	res := mustCompile(t, `
graph loop
node x Data index=0
node w While
node out NetOutput
edge x:0 w:0
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
  node inc Add _core_type=AIV
  node bx LabelGotoEx
  node o NetOutput
  edge d:0 inc:0
  edge inc:0 o:0
}
`)
	td, root := res.TaskDef, res.Graph
	cond, body := root.Subgraph("cond"), root.Subgraph("body")
	id := func(g *model.Graph, name string) uint32 {
		return nodeIDs(t, g, name, AttrContextIDList)[0]
	}
	if td.ReadyContextNum != 1 || id(cond, "ce") != 0 {
		t.Fatalf("ready %d, cond entry at %d; want the cond entry alone ready", td.ReadyContextNum, id(cond, "ce"))
	}
	cd := td.Contexts[id(cond, "cd")]
	if !equalIDs(cd.CondSwitch.FalseSuccessorList, id(cond, "cx")) || !equalIDs(cd.CondSwitch.TrueSuccessorList, id(body, "be")) {
		t.Errorf("loop dispatch false %v true %v", cd.CondSwitch.FalseSuccessorList, cd.CondSwitch.TrueSuccessorList)
	}
	if bx := td.Contexts[id(body, "bx")]; !equalIDs(bx.Label.JumpTarget, id(cond, "ce")) {
		t.Errorf("body exit jump = %v, want cond entry", bx.Label.JumpTarget)
	}
	if c := td.Contexts[id(cond, "less")]; c.PredCntInit != 1 {
		t.Errorf("cond body pred = %d, want 1", c.PredCntInit)
	}
}

func TestManualCase(t *testing.T) {
	t.Parallel()
	res := mustCompile(t, `
graph sel
node x Data index=0
node c Case
edge x:0 c:0
subgraph c b0 {
  node e LabelSet
  node k Relu _core_type=AIC
  node g LabelGotoEx
}
subgraph c b1 {
  node e LabelSet
  node g LabelGotoEx
}
subgraph c b2 {
  node e LabelSet
  node g LabelGotoEx
}
`)
	td, root := res.TaskDef, res.Graph
	disp := td.Contexts[nodeIDs(t, root, "c", AttrContextIDList)[0]]
	var want []uint32
	for _, name := range []string{"b0", "b1", "b2"} {
		want = append(want, nodeIDs(t, root.Subgraph(name), "e", AttrContextIDList)[0])
	}
	if disp.Type != core.ContextCaseSwitch || !equalIDs(disp.CaseSwitch.SuccessorList, want...) {
		t.Errorf("case dispatch %s successors %v, want %v", disp.Type, disp.CaseSwitch.SuccessorList, want)
	}
}

func TestManualMemsetGroup(t *testing.T) {
	t.Parallel()
	res := mustCompile(t, `
graph atomic
node x Data index=0
node a Conv _core_type=AIC
node b Conv _core_type=AIC
node out NetOutput
edge x:0 a:0
edge x:0 b:0
edge a:0 out:0
edge b:0 out:1
slice a atomic=b,a
slice b atomic=a,b
`)
	g, td := res.Graph, res.TaskDef
	ma := nodeIDs(t, g, "a", AttrAtomicContextIDList)
	mb := nodeIDs(t, g, "b", AttrAtomicContextIDList)
	if !equalIDs(ma, mb...) || len(ma) != 1 {
		t.Fatalf("memset ids a=%v b=%v, want one shared id", ma, mb)
	}
	if td.Len() != 3 || td.ReadyContextNum != 1 || ma[0] != 0 {
		t.Errorf("contexts %d ready %d memset %d, want 3 1 0", td.Len(), td.ReadyContextNum, ma[0])
	}
	if got := td.Contexts[0].Kernel.SuccessorList; len(got) != 2 {
		t.Errorf("memset successors = %v, want both owners", got)
	}
}

func TestMixL2(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		atomic   string
		contexts uint32
	}{
		{"plain", "", 1},
		{"with memset", "_atomic_clean=true", 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := mustCompile(t, `
graph mix
node x Data index=0
node mm MatMul _mix_l2=true _cube_kernel_name=mm_cube _vector_kernel_name=mm_vec `+tt.atomic+`
node out NetOutput
edge x:0 mm:0
edge mm:0 out:0
`)
			td := res.TaskDef
			if res.Mode != ModeMixL2 || td.Len() != tt.contexts || td.ReadyContextNum != 1 {
				t.Fatalf("mode %s contexts %d ready %d", res.Mode, td.Len(), td.ReadyContextNum)
			}
			last := td.Contexts[td.Len()-1]
			if last.Type != core.ContextMixAIC || last.Mix.CubeKernel != "mm_cube" {
				t.Errorf("fused context = %s %q", last.Type, last.Mix.CubeKernel)
			}
			if tt.contexts == 2 && !equalIDs(td.Contexts[0].Kernel.SuccessorList, 1) {
				t.Errorf("memset successors = %v, want [1]", td.Contexts[0].Kernel.SuccessorList)
			}
		})
	}
}

func TestCompileRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		src  string
	}{
		{"missing branch exit", `
graph g
node c Case
subgraph c b0 {
  node e LabelSet
}
`},
		{"if with one branch", `
graph g
node c If
subgraph c then {
  node e LabelSet
  node x LabelGotoEx
}
`},
		{"control flow in auto mode", strings.Replace(manualIf, "graph root", "graph root\nmode auto", 1)},
		{"auto without tasks", `
graph g
mode auto
node x Data index=0
node out NetOutput
edge x:0 out:0
`},
		{"two mix l2 nodes", `
graph g
mode mixl2
node a MatMul _mix_l2=true _cube_kernel_name=a
node b MatMul _mix_l2=true _cube_kernel_name=b
`},
		{"successor list length", `
graph g
node a Relu _core_type=AIV successor_id_list=[1,2]
`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g, err := ParseGraph([]byte(tt.src))
			if err != nil {
				if !errors.Is(err, core.ErrMalformed) {
					t.Fatalf("ParseGraph() error = %v, want ErrMalformed", err)
				}
				return
			}
			if _, err := Compile(g, DefaultOptions()); !errors.Is(err, core.ErrMalformed) {
				t.Errorf("Compile() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestSelectStrategy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mode    string
		slice   string
		want    string
		wantErr bool
	}{
		{"default manual", "", "", ModeManual, false},
		{"slice auto", "", "slice a mode=auto window=2", ModeAuto, false},
		{"dynamic runs auto", "dynamic", "", ModeAuto, false},
		{"explicit mixl2", "mixl2", "", ModeMixL2, false},
		{"unknown", "sideways", "", "", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := mustParse(t, "graph g\nnode a Relu _core_type=AIV\n"+tt.slice+"\n")
			if tt.mode != "" {
				_ = g.Attrs.Set(AttrThreadMode, tt.mode)
			}
			s, err := SelectStrategy(g, DefaultOptions())
			if (err != nil) != tt.wantErr {
				t.Fatalf("SelectStrategy() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && s.Name() != tt.want {
				t.Errorf("strategy = %s, want %s", s.Name(), tt.want)
			}
		})
	}
}

func TestCompileAll(t *testing.T) {
	t.Parallel()
	graphs := []*model.Graph{mustParse(t, autoSingle), mustParse(t, manualIf), mustParse(t, autoSingle)}
	results, err := CompileAll(context.Background(), graphs, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	for i, res := range results {
		if res.Graph != graphs[i] {
			t.Errorf("result %d belongs to graph %s", i, res.Graph.Name)
		}
	}
	if results[1].Mode != ModeManual || results[0].Mode != ModeAuto {
		t.Errorf("modes = %s %s", results[0].Mode, results[1].Mode)
	}

	bad := mustParse(t, "graph bad\nmode mixl2\nnode x Data index=0\n")
	if _, err := CompileAll(context.Background(), []*model.Graph{mustParse(t, autoSingle), bad}, DefaultOptions()); !errors.Is(err, core.ErrMalformed) {
		t.Errorf("CompileAll() error = %v, want ErrMalformed", err)
	}
}

func TestEncodedDescriptorRoundTrip(t *testing.T) {
	t.Parallel()
	res := mustCompile(t, manualIf)
	td, err := core.UnmarshalTaskDef(res.Data)
	if err != nil {
		t.Fatalf("UnmarshalTaskDef() error = %v", err)
	}
	if td.Len() != res.TaskDef.Len() || td.ReadyContextNum != res.TaskDef.ReadyContextNum {
		t.Errorf("decoded %d contexts ready %d, want %d ready %d", td.Len(), td.ReadyContextNum, res.TaskDef.Len(), res.TaskDef.ReadyContextNum)
	}
}

func TestAllocateBlock(t *testing.T) {
	t.Parallel()
	first, total, err := AllocateBlock(5, 3)
	if err != nil || first != 5 || total != 8 {
		t.Errorf("AllocateBlock(5, 3) = %d, %d, %v", first, total, err)
	}
	if _, _, err := AllocateBlock(^uint32(0), 2); !errors.Is(err, core.ErrInternal) {
		t.Errorf("overflow error = %v, want ErrInternal", err)
	}
}
