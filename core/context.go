// Package core provides the FFTS+ task descriptor: contexts, their typed
// successor lists and the append-only TaskDef container that the thread-mode
// strategies fill and later amend.
//
// Key components:
//   - Context: one schedulable unit with a type tag, id and predecessor counts
//   - ContextType: closed enum with a side table of successor-list accessors
//   - TaskDef: ordered contexts plus append, update, remap and compaction passes
//   - Binary encoding with a reserved prefetch bitmap region
//
// A context fires when its predecessor count reaches zero; windowed contexts
// then reload the count from PredCntInit for the next parallel instance, which
// is why every predecessor update touches both fields.
package core

import "fmt"

// ContextType tags the hardware shape of a context.
type ContextType uint8

const (
	ContextUnknown ContextType = iota
	ContextAIC
	ContextAIV
	ContextMixAIC
	ContextMixAIV
	ContextSDMA
	ContextNotifyWait
	ContextNotifyRecord
	ContextWriteValue
	ContextInvalidate
	ContextFlush
	ContextWriteback
	ContextLabel
	ContextAtStart
	ContextAtEnd
	ContextCaseSwitch
	ContextCondSwitch
	ContextDSA
	ContextAICPU
	contextTypeCount
)

var contextTypeNames = [contextTypeCount]string{
	ContextUnknown:      "UNKNOWN",
	ContextAIC:          "AIC",
	ContextAIV:          "AIV",
	ContextMixAIC:       "MIX_AIC",
	ContextMixAIV:       "MIX_AIV",
	ContextSDMA:         "SDMA",
	ContextNotifyWait:   "NOTIFY_WAIT",
	ContextNotifyRecord: "NOTIFY_RECORD",
	ContextWriteValue:   "WRITE_VALUE",
	ContextInvalidate:   "INVALIDATE",
	ContextFlush:        "FLUSH",
	ContextWriteback:    "WRITEBACK",
	ContextLabel:        "LABEL",
	ContextAtStart:      "AT_START",
	ContextAtEnd:        "AT_END",
	ContextCaseSwitch:   "CASE_SWITCH",
	ContextCondSwitch:   "COND_SWITCH",
	ContextDSA:          "DSA",
	ContextAICPU:        "AICPU",
}

func (t ContextType) String() string {
	if t < contextTypeCount {
		return contextTypeNames[t]
	}
	return fmt.Sprintf("ContextType(%d)", uint8(t))
}

// LabelRole distinguishes the label contexts a strategy synthesizes.
type LabelRole uint8

const (
	LabelPlain LabelRole = iota
	LabelIn
	LabelOut
	LabelBranchEntry
	LabelBranchExit
)

// KernelCtx is the payload of AIC and AIV contexts.
type KernelCtx struct {
	KernelName        string
	BlockDim          uint32
	PersistentCacheMB uint16
	Atomic            bool
	SuccessorList     []uint32
	SrcSlot           []uint32
}

// MixCtx is the payload of mixed cube/vector contexts.
type MixCtx struct {
	CubeKernel    string
	VectorKernel  string
	BlockDim      uint32
	SuccessorList []uint32
	SrcSlot       []uint32
}

// SdmaCtx is a DMA copy.
type SdmaCtx struct {
	SrcAddr       uint64
	DstAddr       uint64
	Length        uint32
	SuccessorList []uint32
}

// NotifyCtx is a notify wait or record.
type NotifyCtx struct {
	NotifyID      uint32
	SuccessorList []uint32
}

// WriteValueCtx writes an immediate to device memory.
type WriteValueCtx struct {
	Addr          uint64
	Value         uint64
	SuccessorList []uint32
}

// CacheCtx is an invalidate, flush or writeback over an address range.
type CacheCtx struct {
	Addr          uint64
	Length        uint32
	SuccessorList []uint32
}

// LabelCtx is a label. JumpTarget holds the goto destination, if any.
type LabelCtx struct {
	Role          LabelRole
	SuccessorList []uint32
	JumpTarget    []uint32
}

// AtStartCtx opens one slot of a parallel window.
type AtStartCtx struct {
	SuccessorList []uint32
}

// AtEndCtx closes one slot of a parallel window.
type AtEndCtx struct {
	SuccAtStartSlot  []uint32
	SuccOutLabelSlot []uint32
}

// CaseSwitchCtx dispatches to one of N branches, in branch order.
type CaseSwitchCtx struct {
	SuccessorList []uint32
}

// CondSwitchCtx dispatches on a boolean.
type CondSwitchCtx struct {
	FalseSuccessorList []uint32
	TrueSuccessorList  []uint32
}

// DsaCtx is a data-streaming-accelerator context.
type DsaCtx struct {
	Op            uint32
	SuccessorList []uint32
}

// AicpuCtx runs an AICPU kernel.
type AicpuCtx struct {
	KernelName    string
	SoName        string
	SuccessorList []uint32
}

// Context is one record of the task descriptor. Exactly one payload pointer,
// selected by Type, is set.
type Context struct {
	Type        ContextType
	ID          uint32
	PredCnt     uint32
	PredCntInit uint32
	Aten        bool
	Prefetch    bool
	ThreadID    uint16
	ThreadDim   uint16
	WindowSize  uint16
	AddrNum     uint32
	Name        string

	Kernel     *KernelCtx
	Mix        *MixCtx
	Sdma       *SdmaCtx
	Notify     *NotifyCtx
	WriteValue *WriteValueCtx
	Cache      *CacheCtx
	Label      *LabelCtx
	AtStart    *AtStartCtx
	AtEnd      *AtEndCtx
	CaseSwitch *CaseSwitchCtx
	CondSwitch *CondSwitchCtx
	Dsa        *DsaCtx
	Aicpu      *AicpuCtx
}

// NewContext allocates a context of type t with its payload.
func NewContext(t ContextType, name string) *Context {
	c := &Context{Type: t, Name: name}
	switch t {
	case ContextAIC, ContextAIV:
		c.Kernel = &KernelCtx{}
	case ContextMixAIC, ContextMixAIV:
		c.Mix = &MixCtx{}
	case ContextSDMA:
		c.Sdma = &SdmaCtx{}
	case ContextNotifyWait, ContextNotifyRecord:
		c.Notify = &NotifyCtx{}
	case ContextWriteValue:
		c.WriteValue = &WriteValueCtx{}
	case ContextInvalidate, ContextFlush, ContextWriteback:
		c.Cache = &CacheCtx{}
	case ContextLabel:
		c.Label = &LabelCtx{}
	case ContextAtStart:
		c.AtStart = &AtStartCtx{}
	case ContextAtEnd:
		c.AtEnd = &AtEndCtx{}
	case ContextCaseSwitch:
		c.CaseSwitch = &CaseSwitchCtx{}
	case ContextCondSwitch:
		c.CondSwitch = &CondSwitchCtx{}
	case ContextDSA:
		c.Dsa = &DsaCtx{}
	case ContextAICPU:
		c.Aicpu = &AicpuCtx{}
	}
	return c
}

// ListKind says how the runtime treats a successor list.
type ListKind uint8

const (
	// ListDependency decrements the successor's predecessor count.
	ListDependency ListKind = iota
	// ListCounted orders the successor but its count is set from the
	// instance number rather than from edges.
	ListCounted
	// ListRearm reloads a window slot for the next instance.
	ListRearm
	// ListJump is a goto target.
	ListJump
)

type successorField struct {
	name string
	kind ListKind
	get  func(c *Context) *[]uint32
}

// successorFields maps a context type to its successor lists. Index 0 is the
// default list written by UpdateSuccessorList.
var successorFields = [contextTypeCount][]successorField{
	ContextAIC:          {{"successor_list", ListDependency, func(c *Context) *[]uint32 { return &c.Kernel.SuccessorList }}},
	ContextAIV:          {{"successor_list", ListDependency, func(c *Context) *[]uint32 { return &c.Kernel.SuccessorList }}},
	ContextMixAIC:       {{"successor_list", ListDependency, func(c *Context) *[]uint32 { return &c.Mix.SuccessorList }}},
	ContextMixAIV:       {{"successor_list", ListDependency, func(c *Context) *[]uint32 { return &c.Mix.SuccessorList }}},
	ContextSDMA:         {{"successor_list", ListDependency, func(c *Context) *[]uint32 { return &c.Sdma.SuccessorList }}},
	ContextNotifyWait:   {{"successor_list", ListDependency, func(c *Context) *[]uint32 { return &c.Notify.SuccessorList }}},
	ContextNotifyRecord: {{"successor_list", ListDependency, func(c *Context) *[]uint32 { return &c.Notify.SuccessorList }}},
	ContextWriteValue:   {{"successor_list", ListDependency, func(c *Context) *[]uint32 { return &c.WriteValue.SuccessorList }}},
	ContextInvalidate:   {{"successor_list", ListDependency, func(c *Context) *[]uint32 { return &c.Cache.SuccessorList }}},
	ContextFlush:        {{"successor_list", ListDependency, func(c *Context) *[]uint32 { return &c.Cache.SuccessorList }}},
	ContextWriteback:    {{"successor_list", ListDependency, func(c *Context) *[]uint32 { return &c.Cache.SuccessorList }}},
	ContextLabel: {
		{"successor_list", ListDependency, func(c *Context) *[]uint32 { return &c.Label.SuccessorList }},
		{"jump_target", ListJump, func(c *Context) *[]uint32 { return &c.Label.JumpTarget }},
	},
	ContextAtStart: {{"successor_list", ListDependency, func(c *Context) *[]uint32 { return &c.AtStart.SuccessorList }}},
	ContextAtEnd: {
		{"succ_at_start_slot", ListRearm, func(c *Context) *[]uint32 { return &c.AtEnd.SuccAtStartSlot }},
		{"succ_out_label_slot", ListCounted, func(c *Context) *[]uint32 { return &c.AtEnd.SuccOutLabelSlot }},
	},
	ContextCaseSwitch: {{"successor_list", ListDependency, func(c *Context) *[]uint32 { return &c.CaseSwitch.SuccessorList }}},
	ContextCondSwitch: {
		{"false_successor_list", ListDependency, func(c *Context) *[]uint32 { return &c.CondSwitch.FalseSuccessorList }},
		{"true_successor_list", ListDependency, func(c *Context) *[]uint32 { return &c.CondSwitch.TrueSuccessorList }},
	},
	ContextDSA:   {{"successor_list", ListDependency, func(c *Context) *[]uint32 { return &c.Dsa.SuccessorList }}},
	ContextAICPU: {{"successor_list", ListDependency, func(c *Context) *[]uint32 { return &c.Aicpu.SuccessorList }}},
}

// fieldsOf returns the successor accessors of c; nil for unknown types or a
// context whose payload was never allocated.
func fieldsOf(c *Context) []successorField {
	if c == nil || c.Type >= contextTypeCount || !c.hasPayload() {
		return nil
	}
	return successorFields[c.Type]
}

func (c *Context) hasPayload() bool {
	switch c.Type {
	case ContextAIC, ContextAIV:
		return c.Kernel != nil
	case ContextMixAIC, ContextMixAIV:
		return c.Mix != nil
	case ContextSDMA:
		return c.Sdma != nil
	case ContextNotifyWait, ContextNotifyRecord:
		return c.Notify != nil
	case ContextWriteValue:
		return c.WriteValue != nil
	case ContextInvalidate, ContextFlush, ContextWriteback:
		return c.Cache != nil
	case ContextLabel:
		return c.Label != nil
	case ContextAtStart:
		return c.AtStart != nil
	case ContextAtEnd:
		return c.AtEnd != nil
	case ContextCaseSwitch:
		return c.CaseSwitch != nil
	case ContextCondSwitch:
		return c.CondSwitch != nil
	case ContextDSA:
		return c.Dsa != nil
	case ContextAICPU:
		return c.Aicpu != nil
	}
	return false
}

// srcSlot returns the source-slot list of compute contexts.
func (c *Context) srcSlot() *[]uint32 {
	switch {
	case c.Kernel != nil:
		return &c.Kernel.SrcSlot
	case c.Mix != nil:
		return &c.Mix.SrcSlot
	}
	return nil
}

// SuccessorLists returns the field names and contents of every successor list
// of c, in side-table order.
func (c *Context) SuccessorLists() (names []string, kinds []ListKind, lists [][]uint32) {
	for _, f := range fieldsOf(c) {
		names = append(names, f.name)
		kinds = append(kinds, f.kind)
		lists = append(lists, *f.get(c))
	}
	return names, kinds, lists
}

// Successors returns the union of lists of the requested kinds, in list order.
func (c *Context) Successors(kinds ...ListKind) []uint32 {
	var out []uint32
	for _, f := range fieldsOf(c) {
		for _, k := range kinds {
			if f.kind == k {
				out = append(out, *f.get(c)...)
				break
			}
		}
	}
	return out
}

// SrcSlots returns the source-slot list of compute contexts, nil otherwise.
func (c *Context) SrcSlots() []uint32 {
	if p := c.srcSlot(); p != nil {
		return *p
	}
	return nil
}

// SetSrcSlots replaces the source-slot list of a compute context.
func (c *Context) SetSrcSlots(slots []uint32) bool {
	p := c.srcSlot()
	if p == nil {
		return false
	}
	*p = append([]uint32(nil), slots...)
	return true
}

// ListKindAt returns the kind of the list UpdateSuccessorList writes for
// windowIndex, and false when c has no successor list.
func (c *Context) ListKindAt(windowIndex int) (ListKind, bool) {
	fields := fieldsOf(c)
	switch {
	case len(fields) == 0:
		return 0, false
	case len(fields) == 1:
		return fields[0].kind, true
	case windowIndex < 0 || windowIndex >= len(fields):
		return 0, false
	}
	return fields[windowIndex].kind, true
}
