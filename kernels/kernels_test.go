package kernels

import (
	"errors"
	"testing"

	"github.com/sbl8/ffts/core"
	"github.com/sbl8/ffts/model"
)

func newNode(name, typ string, attrs map[string]any) *model.Node {
	g := model.NewGraph("kernels_test")
	n := g.AddNode(name, typ)
	for k, v := range attrs {
		if err := n.SetAttr(k, v); err != nil {
			panic(err)
		}
	}
	return n
}

func TestRegistryLookup(t *testing.T) {
	t.Parallel()
	r := DefaultRegistry()
	tests := []struct {
		name     string
		typ      string
		attrs    map[string]any
		wantTask bool
		wantType core.ContextType
		wantN    int
	}{
		{"aic by core type", "Conv2D", map[string]any{AttrCoreType: CoreAIC}, true, core.ContextAIC, 1},
		{"aiv by core type", "Add", map[string]any{AttrCoreType: CoreAIV}, true, core.ContextAIV, 1},
		{"mix", "MatMulV3", map[string]any{AttrCoreType: CoreMixAIC, AttrCubeKernelName: "mm"}, true, core.ContextMixAIC, 1},
		{"aicpu", "TopK", map[string]any{AttrCoreType: CoreAICPU}, true, core.ContextAICPU, 1},
		{"label set", model.TypeLabelSet, nil, true, core.ContextLabel, 1},
		{"if dispatch", model.TypeIf, nil, true, core.ContextCondSwitch, 1},
		{"case dispatch", model.TypeCase, nil, true, core.ContextCaseSwitch, 1},
		{"memcpy", TypeMemcpyAsync, nil, true, core.ContextSDMA, 1},
		{"send", TypeSend, map[string]any{AttrNotifyID: 3}, true, core.ContextNotifyRecord, 1},
		{"hccl block", TypeHcomAllReduce, map[string]any{AttrHcclSubTaskNum: 3}, true, core.ContextSDMA, 3},
		{"data has no task", model.TypeData, nil, false, 0, 0},
		{"while has no task", model.TypeWhile, nil, false, 0, 0},
		{"no task attr", "Add", map[string]any{AttrCoreType: CoreAIV, AttrNoTask: true}, false, 0, 0},
		{"unknown type", "Mystery", nil, false, 0, 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			n := newNode("n", tt.typ, tt.attrs)
			if got := r.HasTask(n); got != tt.wantTask {
				t.Fatalf("HasTask() = %v, want %v", got, tt.wantTask)
			}
			if got := r.ContextCount(n); got != tt.wantN {
				t.Errorf("ContextCount() = %d, want %d", got, tt.wantN)
			}
			if !tt.wantTask {
				return
			}
			td := core.NewTaskDef()
			first, err := r.Build(n, td, Thread{})
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if first != 0 || int(td.Len()) != tt.wantN {
				t.Errorf("Build() first=%d len=%d, want 0/%d", first, td.Len(), tt.wantN)
			}
			if td.Contexts[0].Type != tt.wantType {
				t.Errorf("context type = %s, want %s", td.Contexts[0].Type, tt.wantType)
			}
		})
	}
}

func TestHcclChain(t *testing.T) {
	t.Parallel()
	r := DefaultRegistry()
	td := core.NewTaskDef()
	td.AppendContext(core.NewContext(core.ContextLabel, "pad"))
	n := newNode("allreduce", TypeHcomAllReduce, map[string]any{AttrHcclSubTaskNum: 3})
	first, err := r.Build(n, td, Thread{})
	if err != nil {
		t.Fatal(err)
	}
	if first != 1 {
		t.Fatalf("first = %d, want 1", first)
	}
	for i := uint32(1); i < 3; i++ {
		c := td.Contexts[i]
		if len(c.Sdma.SuccessorList) != 1 || c.Sdma.SuccessorList[0] != i+1 {
			t.Errorf("sub-task %d successors = %v, want [%d]", i, c.Sdma.SuccessorList, i+1)
		}
		if next := td.Contexts[i+1]; next.PredCnt != 1 || next.PredCntInit != 1 {
			t.Errorf("sub-task %d pred = %d/%d, want 1/1", i+1, next.PredCnt, next.PredCntInit)
		}
	}
}

func TestKernelBuilderAttributes(t *testing.T) {
	t.Parallel()
	r := DefaultRegistry()
	n := newNode("conv", "Conv2D", map[string]any{
		AttrCoreType:        CoreAIC,
		AttrKernelName:      "conv2d_fp16_k3",
		AttrBlockDim:        16,
		AttrPersistentCache: int64(3*core.MB + 1),
		AttrPrefetch:        true,
	})
	n.Input(1)
	n.Output(0)
	td := core.NewTaskDef()
	if _, err := r.Build(n, td, Thread{ID: 1, Dim: 4, Window: 2}); err != nil {
		t.Fatal(err)
	}
	c := td.Contexts[0]
	if c.Kernel.KernelName != "conv2d_fp16_k3" || c.Kernel.BlockDim != 16 {
		t.Errorf("kernel = %q/%d", c.Kernel.KernelName, c.Kernel.BlockDim)
	}
	if c.Kernel.PersistentCacheMB != 4 {
		t.Errorf("PersistentCacheMB = %d, want 4", c.Kernel.PersistentCacheMB)
	}
	if !c.Prefetch || !c.Aten || c.ThreadID != 1 || c.ThreadDim != 4 || c.WindowSize != 2 {
		t.Errorf("thread fields = %+v", c)
	}
	if c.AddrNum != 3 || td.AddrSize != 3*core.AddrEntryBytes {
		t.Errorf("AddrNum=%d AddrSize=%d, want 3/%d", c.AddrNum, td.AddrSize, 3*core.AddrEntryBytes)
	}
}

func TestBuilderErrors(t *testing.T) {
	t.Parallel()
	r := DefaultRegistry()
	tests := []struct {
		name string
		node *model.Node
	}{
		{"cache too large", newNode("big", "Conv2D", map[string]any{AttrCoreType: CoreAIC, AttrPersistentCache: int64(70000 * core.MB)})},
		{"notify without id", newNode("recv", TypeRecv, nil)},
		{"mix without kernels", newNode("mix", "Fused", map[string]any{AttrCoreType: CoreMixAIV})},
		{"no builder", newNode("x", "Mystery", nil)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := r.Build(tt.node, core.NewTaskDef(), Thread{})
			if !errors.Is(err, core.ErrMalformed) {
				t.Errorf("Build() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestMemSetIsAtomic(t *testing.T) {
	t.Parallel()
	td := core.NewTaskDef()
	n := newNode("conv_memset", model.TypeMemSet, nil)
	if _, err := DefaultRegistry().Build(n, td, Thread{}); err != nil {
		t.Fatal(err)
	}
	c := td.Contexts[0]
	if c.Type != core.ContextAIV || !c.Kernel.Atomic {
		t.Errorf("memset context = %s atomic=%v", c.Type, c.Kernel.Atomic)
	}
}
