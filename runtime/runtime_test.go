package runtime

import (
	"errors"
	"testing"

	"github.com/sbl8/ffts/core"
	"github.com/sbl8/ffts/depgraph"
)

// windowedTaskDef builds in-label, window at-starts, one kernel per slot,
// window at-ends and the out-label.
func windowedTaskDef(t *testing.T, window uint16, instances uint32) *core.TaskDef {
	t.Helper()
	td := core.NewTaskDef()
	in := core.NewContext(core.ContextLabel, "in_label")
	in.Label.Role = core.LabelIn
	inID := td.AppendContext(in)

	slot := func(typ core.ContextType, name string) []uint32 {
		ids := make([]uint32, window)
		for w := uint16(0); w < window; w++ {
			c := core.NewContext(typ, name)
			c.Aten, c.ThreadID, c.ThreadDim, c.WindowSize = true, w, uint16(instances), window
			ids[w] = td.AppendContext(c)
		}
		return ids
	}
	starts := slot(core.ContextAtStart, "at_start")
	nodes := slot(core.ContextAIV, "relu")
	ends := slot(core.ContextAtEnd, "at_end")
	out := core.NewContext(core.ContextLabel, "out_label")
	out.Label.Role = core.LabelOut
	outID := td.AppendContext(out)

	b := depgraph.NewBuilder(td)
	for w := 0; w < int(window); w++ {
		for _, e := range [][3]uint32{{inID, starts[w], 0}, {starts[w], nodes[w], 0}, {nodes[w], ends[w], 0}, {ends[w], starts[w], 0}, {ends[w], outID, 1}} {
			if _, err := b.ConnectSlot(e[0], e[1], int(e[2])); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := td.SetPredecessorCount(outID, instances); err != nil {
		t.Fatal(err)
	}
	td.ReadyContextNum = 1
	return td
}

func TestReplayWindowed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		window      uint16
		instances   uint32
		wantFirings int
		wantRearms  int
	}{
		{"one round", 2, 2, 1 + 3*2 + 1, 0},
		{"two rounds", 2, 4, 1 + 3*4 + 1, 2},
		{"uneven rounds", 2, 3, 1 + 3*3 + 1, 1},
		{"idle slot", 2, 1, 1 + 3*1 + 1, 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			td := windowedTaskDef(t, tt.window, tt.instances)
			e, err := NewEngine(td, nil)
			if err != nil {
				t.Fatal(err)
			}
			order, err := e.Run()
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			st := e.Stats()
			if st.Firings != tt.wantFirings || len(order) != tt.wantFirings {
				t.Errorf("firings = %d (order %d), want %d", st.Firings, len(order), tt.wantFirings)
			}
			if st.Rearms != tt.wantRearms {
				t.Errorf("rearms = %d, want %d", st.Rearms, tt.wantRearms)
			}
			if last := order[len(order)-1]; last != td.Len()-1 {
				t.Errorf("last firing = %d, want out-label %d", last, td.Len()-1)
			}
			if err := Check(td); err != nil {
				t.Errorf("Check() = %v", err)
			}
		})
	}
}

func TestReplayChain(t *testing.T) {
	t.Parallel()
	td := core.NewTaskDef()
	for i := 0; i < 4; i++ {
		td.AppendContext(core.NewContext(core.ContextAIC, "k"))
	}
	b := depgraph.NewBuilder(td)
	for _, e := range [][2]uint32{{0, 2}, {1, 2}, {2, 3}} {
		if _, err := b.Connect(e[0], e[1]); err != nil {
			t.Fatal(err)
		}
	}
	td.ReadyContextNum = 2
	order, err := Replay(td)
	if err != nil {
		t.Fatal(err)
	}
	want := []uint32{0, 1, 2, 3}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestCheckRejects(t *testing.T) {
	t.Parallel()
	chain := func() *core.TaskDef {
		td := core.NewTaskDef()
		for i := 0; i < 3; i++ {
			td.AppendContext(core.NewContext(core.ContextAIV, "k"))
		}
		b := depgraph.NewBuilder(td)
		_, _ = b.Connect(0, 1)
		_, _ = b.Connect(1, 2)
		td.ReadyContextNum = 1
		return td
	}
	if err := Check(chain()); err != nil {
		t.Fatalf("Check() on valid chain = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(td *core.TaskDef)
	}{
		{"id mismatch", func(td *core.TaskDef) { td.Contexts[1].ID = 7 }},
		{"asymmetric pred", func(td *core.TaskDef) { _ = td.UpdatePredecessorCount(2, 1) }},
		{"ready with predecessor", func(td *core.TaskDef) { td.ReadyContextNum = 2 }},
		{"orphan not ready", func(td *core.TaskDef) {
			td.AppendContext(core.NewContext(core.ContextAIV, "orphan"))
		}},
		{"successor out of range", func(td *core.TaskDef) {
			td.Contexts[2].Kernel.SuccessorList = []uint32{9}
		}},
		{"cycle", func(td *core.TaskDef) {
			_, _ = td.UpdateSuccessorList(2, 1, 0, true)
			_ = td.UpdatePredecessorCount(1, 1)
		}},
		{"window size disagrees", func(td *core.TaskDef) {
			td.Contexts[1].Aten, td.Contexts[1].WindowSize = true, 2
			td.Contexts[2].Aten, td.Contexts[2].WindowSize = true, 3
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			td := chain()
			tt.mutate(td)
			if err := Check(td); !errors.Is(err, core.ErrInternal) {
				t.Errorf("Check() = %v, want ErrInternal", err)
			}
		})
	}
}
