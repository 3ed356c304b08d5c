package core

import (
	"errors"
	"reflect"
	"testing"
)

func sampleTaskDef() *TaskDef {
	td := NewTaskDef()
	in := NewContext(ContextLabel, "in_label")
	in.Label.Role = LabelIn
	td.AppendContext(in)

	aic := NewContext(ContextAIC, "conv")
	aic.Kernel.KernelName = "conv2d_fp16"
	aic.Kernel.BlockDim = 8
	aic.Kernel.PersistentCacheMB = 3
	aic.Prefetch = true
	aic.AddrNum = 4
	td.AppendContext(aic)

	mix := NewContext(ContextMixAIC, "matmul")
	mix.Mix.CubeKernel = "mm_cube"
	mix.Mix.VectorKernel = "mm_vec"
	mix.Mix.BlockDim = 2
	td.AppendContext(mix)

	sw := NewContext(ContextCondSwitch, "if")
	td.AppendContext(sw)

	end := NewContext(ContextAtEnd, "at_end")
	end.Aten = true
	end.ThreadID = 1
	end.ThreadDim = 4
	end.WindowSize = 2
	td.AppendContext(end)

	sdma := NewContext(ContextSDMA, "copy")
	sdma.Sdma.SrcAddr = 0x1000
	sdma.Sdma.DstAddr = 0x2000
	sdma.Sdma.Length = 512
	td.AppendContext(sdma)

	cpu := NewContext(ContextAICPU, "topk")
	cpu.Aicpu.KernelName = "TopK"
	cpu.Aicpu.SoName = "libcpu_kernels.so"
	td.AppendContext(cpu)

	mustSucc := func(owner, succ uint32, idx int) {
		if _, err := td.UpdateSuccessorList(owner, succ, idx, true); err != nil {
			panic(err)
		}
		if err := td.UpdatePredecessorCount(succ, 1); err != nil {
			panic(err)
		}
	}
	mustSucc(0, 1, 0)
	mustSucc(1, 2, 0)
	mustSucc(2, 3, 0)
	mustSucc(3, 5, 0)
	mustSucc(3, 6, 1)
	mustSucc(4, 5, 0)
	aic.Kernel.SrcSlot = []uint32{0}
	td.ReadyContextNum = 1
	td.AddrSize = uint64(aic.AddrNum) * AddrEntryBytes
	return td
}

func TestUpdateSuccessorList(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		typ      ContextType
		index    int
		dedupe   bool
		prefill  []uint32
		wantAdd  bool
		wantList func(c *Context) []uint32
	}{
		{"aic default list", ContextAIC, 0, false, nil, true, func(c *Context) []uint32 { return c.Kernel.SuccessorList }},
		{"index ignored on single list", ContextAIV, 5, false, nil, true, func(c *Context) []uint32 { return c.Kernel.SuccessorList }},
		{"at end at-start slot", ContextAtEnd, 0, false, nil, true, func(c *Context) []uint32 { return c.AtEnd.SuccAtStartSlot }},
		{"at end out-label slot", ContextAtEnd, 1, false, nil, true, func(c *Context) []uint32 { return c.AtEnd.SuccOutLabelSlot }},
		{"label jump target", ContextLabel, 1, false, nil, true, func(c *Context) []uint32 { return c.Label.JumpTarget }},
		{"cond switch true branch", ContextCondSwitch, 1, false, nil, true, func(c *Context) []uint32 { return c.CondSwitch.TrueSuccessorList }},
		{"dedupe suppresses repeat", ContextSDMA, 0, true, []uint32{1}, false, func(c *Context) []uint32 { return c.Sdma.SuccessorList }},
		{"no dedupe appends repeat", ContextSDMA, 0, false, []uint32{1}, true, func(c *Context) []uint32 { return c.Sdma.SuccessorList }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			td := NewTaskDef()
			owner := td.AppendContext(NewContext(tt.typ, "owner"))
			td.AppendContext(NewContext(ContextAIV, "succ"))
			for _, s := range tt.prefill {
				if _, err := td.UpdateSuccessorList(owner, s, tt.index, false); err != nil {
					t.Fatal(err)
				}
			}
			added, err := td.UpdateSuccessorList(owner, 1, tt.index, tt.dedupe)
			if err != nil {
				t.Fatalf("UpdateSuccessorList() error = %v", err)
			}
			if added != tt.wantAdd {
				t.Errorf("added = %v, want %v", added, tt.wantAdd)
			}
			list := tt.wantList(td.Contexts[owner])
			if len(list) == 0 || list[len(list)-1] != 1 {
				t.Errorf("list = %v, want trailing 1", list)
			}
		})
	}
}

func TestUpdateSuccessorListErrors(t *testing.T) {
	t.Parallel()
	td := NewTaskDef()
	td.AppendContext(&Context{Type: ContextUnknown})
	td.AppendContext(NewContext(ContextAtEnd, "end"))

	added, err := td.UpdateSuccessorList(0, 1, 0, false)
	if err != nil || added {
		t.Errorf("unknown type: added=%v err=%v, want silent no-op", added, err)
	}
	if _, err := td.UpdateSuccessorList(7, 1, 0, false); !errors.Is(err, ErrInternal) {
		t.Errorf("owner out of range: err = %v, want ErrInternal", err)
	}
	if _, err := td.UpdateSuccessorList(1, 0, 2, false); !errors.Is(err, ErrMalformed) {
		t.Errorf("list index out of range: err = %v, want ErrMalformed", err)
	}
	if _, err := td.UpdateSuccessorList(1, 0, -1, false); !errors.Is(err, ErrMalformed) {
		t.Errorf("negative list index: err = %v, want ErrMalformed", err)
	}
}

func TestUpdatePredecessorCount(t *testing.T) {
	t.Parallel()
	td := NewTaskDef()
	td.AppendContext(NewContext(ContextAIC, "a"))
	if err := td.UpdatePredecessorCount(0, 3); err != nil {
		t.Fatal(err)
	}
	if err := td.UpdatePredecessorCount(0, -1); err != nil {
		t.Fatal(err)
	}
	c := td.Contexts[0]
	if c.PredCnt != 2 || c.PredCntInit != 2 {
		t.Errorf("pred = %d/%d, want 2/2", c.PredCnt, c.PredCntInit)
	}
	if err := td.UpdatePredecessorCount(0, -3); !errors.Is(err, ErrInternal) {
		t.Errorf("underflow err = %v, want ErrInternal", err)
	}
}

func TestRemapContextIdsRoundTrip(t *testing.T) {
	t.Parallel()
	td := sampleTaskDef()
	want := sampleTaskDef()

	n := td.Len()
	oldToNew := make(map[uint32]uint32)
	newToOld := make(map[uint32]uint32)
	for i := uint32(0); i < n; i++ {
		oldToNew[i] = n - 1 - i
		newToOld[n-1-i] = i
	}
	if err := td.RemapContextIds(oldToNew, newToOld); err != nil {
		t.Fatalf("forward remap: %v", err)
	}
	if td.Contexts[0].Name != "topk" || td.Contexts[n-1].Name != "in_label" {
		t.Errorf("forward remap order: first=%s last=%s", td.Contexts[0].Name, td.Contexts[n-1].Name)
	}
	if got := td.Contexts[n-1].Label.SuccessorList; !reflect.DeepEqual(got, []uint32{n - 2}) {
		t.Errorf("in label successors = %v, want [%d]", got, n-2)
	}
	if err := td.RemapContextIds(newToOld, oldToNew); err != nil {
		t.Fatalf("inverse remap: %v", err)
	}
	if !reflect.DeepEqual(td, want) {
		t.Errorf("remap round trip changed the descriptor")
	}
}

func TestRemapContextIdsMissingEntry(t *testing.T) {
	t.Parallel()
	td := sampleTaskDef()
	oldToNew := make(map[uint32]uint32)
	newToOld := make(map[uint32]uint32)
	for i := uint32(0); i < td.Len(); i++ {
		oldToNew[i] = i
		newToOld[i] = i
	}
	delete(oldToNew, 3)
	if err := td.RemapContextIds(oldToNew, newToOld); !errors.Is(err, ErrInternal) {
		t.Errorf("err = %v, want ErrInternal", err)
	}
}

func TestCompact(t *testing.T) {
	t.Parallel()
	td := sampleTaskDef()
	// Dropping the switch releases the predecessors it held on 5 and 6.
	if err := td.Compact(map[uint32]bool{3: true}); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if td.Len() != 6 {
		t.Fatalf("Len() = %d, want 6", td.Len())
	}
	for i, c := range td.Contexts {
		if c.ID != uint32(i) {
			t.Errorf("context %d carries id %d", i, c.ID)
		}
	}
	if got := td.Contexts[2].Mix.SuccessorList; len(got) != 0 {
		t.Errorf("mix successors = %v, want none", got)
	}
	sdma := td.Contexts[4]
	if sdma.Name != "copy" || sdma.PredCnt != 1 || sdma.PredCntInit != 1 {
		t.Errorf("sdma %s pred = %d/%d, want copy 1/1", sdma.Name, sdma.PredCnt, sdma.PredCntInit)
	}
	if got := td.Contexts[3].AtEnd.SuccAtStartSlot; !reflect.DeepEqual(got, []uint32{4}) {
		t.Errorf("at end successors = %v, want [4]", got)
	}
	if td.ReadyContextNum != 1 {
		t.Errorf("ReadyContextNum = %d, want 1", td.ReadyContextNum)
	}
	if td.AddrSize != 4*AddrEntryBytes {
		t.Errorf("AddrSize = %d, want %d", td.AddrSize, 4*AddrEntryBytes)
	}
}

func TestCompactAddrSize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		removed map[uint32]bool
		want    uint64
	}{
		{"keeps addressed context", map[uint32]bool{6: true}, 4 * AddrEntryBytes},
		{"drops addressed context", map[uint32]bool{1: true}, 0},
		{"stale total is rebuilt", map[uint32]bool{5: true}, 4 * AddrEntryBytes},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			td := sampleTaskDef()
			td.AddrSize += 1000
			if err := td.Compact(tt.removed); err != nil {
				t.Fatalf("Compact() error = %v", err)
			}
			if td.AddrSize != tt.want {
				t.Errorf("AddrSize = %d, want %d", td.AddrSize, tt.want)
			}
		})
	}
}

func TestMarshalLengthPrefixBound(t *testing.T) {
	t.Parallel()
	long := make([]byte, 1<<16)
	for i := range long {
		long[i] = 'x'
	}
	tests := []struct {
		name  string
		build func() *TaskDef
	}{
		{"long name", func() *TaskDef {
			td := NewTaskDef()
			c := NewContext(ContextAIC, string(long))
			c.Kernel.KernelName = "k"
			td.AppendContext(c)
			return td
		}},
		{"long successor list", func() *TaskDef {
			td := NewTaskDef()
			c := NewContext(ContextAIC, "fan")
			c.Kernel.KernelName = "k"
			td.AppendContext(c)
			c.Kernel.SuccessorList = make([]uint32, 1<<16)
			return td
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := tt.build().MarshalBinary(); !errors.Is(err, ErrInternal) {
				t.Errorf("MarshalBinary() err = %v, want ErrInternal", err)
			}
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	t.Parallel()
	td := sampleTaskDef()
	data, err := td.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}
	if err := td.WritePrefetchBitmapToFirst64Bytes(data); err != nil {
		t.Fatal(err)
	}
	if data[0] != 0x02 {
		t.Errorf("prefetch byte 0 = %#x, want 0x02", data[0])
	}
	got, err := UnmarshalTaskDef(data)
	if err != nil {
		t.Fatalf("UnmarshalTaskDef() error = %v", err)
	}
	if !reflect.DeepEqual(got, td) {
		t.Errorf("round trip mismatch\ngot  %+v\nwant %+v", got, td)
	}
}

func TestUnmarshalRejects(t *testing.T) {
	t.Parallel()
	data, err := sampleTaskDef().MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	corrupt := func(f func(b []byte) []byte) []byte {
		b := append([]byte(nil), data...)
		return f(b)
	}
	tests := []struct {
		name string
		data []byte
	}{
		{"short", data[:PrefetchRegionSize+4]},
		{"bad magic", corrupt(func(b []byte) []byte { b[PrefetchRegionSize] ^= 0xFF; return b })},
		{"bad checksum", corrupt(func(b []byte) []byte { b[len(b)-1] ^= 0xFF; return b })},
		{"truncated records", corrupt(func(b []byte) []byte { return b[:len(b)-3] })},
		{"stale prefetch bitmap", corrupt(func(b []byte) []byte { b[10] = 0x80; return b })},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := UnmarshalTaskDef(tt.data); !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestPrefetchBitmap(t *testing.T) {
	t.Parallel()
	td := NewTaskDef()
	for i := 0; i < 600; i++ {
		c := NewContext(ContextAIV, "k")
		c.Prefetch = i == 0 || i == 9 || i == 511 || i == 599
		td.AppendContext(c)
	}
	bm := td.PrefetchBitmap()
	if bm[0] != 0x01 || bm[1] != 0x02 || bm[63] != 0x80 {
		t.Errorf("bitmap bytes = %#x %#x %#x, want 0x01 0x02 0x80", bm[0], bm[1], bm[63])
	}
	ones := 0
	for _, b := range bm {
		for ; b != 0; b &= b - 1 {
			ones++
		}
	}
	if ones != 3 {
		t.Errorf("bitmap has %d bits set, want 3", ones)
	}
}

func TestPersistentCacheSizeMB(t *testing.T) {
	t.Parallel()
	tests := []struct {
		bytes   uint64
		want    uint16
		wantErr bool
	}{
		{0, 0, false},
		{1, 1, false},
		{MB, 1, false},
		{MB + 1, 2, false},
		{65535 * MB, 65535, false},
		{65535*MB + 1, 0, true},
		{^uint64(0), 0, true},
	}
	for _, tt := range tests {
		got, err := PersistentCacheSizeMB(tt.bytes)
		if (err != nil) != tt.wantErr {
			t.Errorf("PersistentCacheSizeMB(%d) error = %v, wantErr %v", tt.bytes, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrMalformed) {
			t.Errorf("PersistentCacheSizeMB(%d) error kind = %v", tt.bytes, err)
		}
		if got != tt.want {
			t.Errorf("PersistentCacheSizeMB(%d) = %d, want %d", tt.bytes, got, tt.want)
		}
	}
}

func TestUnsupportedFormatIsMalformed(t *testing.T) {
	t.Parallel()
	if !IsMalformed(ErrUnsupportedFormat) {
		t.Error("ErrUnsupportedFormat should classify as malformed")
	}
	if IsInternal(Malformedf("x")) || !IsInternal(Internalf("y")) {
		t.Error("error kinds misclassified")
	}
}
