// Package kernels provides the per-node-type task builders that turn one
// scheduled operator into FFTS+ contexts.
//
// Every builder appends its contexts to the descriptor in order; the caller
// has already reserved the id block, so a builder must append exactly
// ContextCount(node) contexts. Successor lists and predecessor counts are
// left to the scheduler.
//
// Builders are registered in a Registry keyed by operator type, with a
// fallback keyed by the node's `_core_type` attribute:
//   - Compute: AIC, AIV, MIX_AIC, MIX_AIV, AICPU, DSA
//   - Memory: SDMA copies, write-value, cache invalidate/flush/writeback
//   - Sync: notify wait/record, labels, cond and case switches
//   - Collective: HCCL ops, emitted as a chain of SDMA sub-tasks
//   - Atomic clean: MemSet, an AIV context flagged atomic
package kernels

import (
	"github.com/sbl8/ffts/core"
	"github.com/sbl8/ffts/model"
)

// Attribute keys read by the builders.
const (
	AttrKernelName      = "kernel_name"
	AttrCubeKernelName  = "_cube_kernel_name"
	AttrVectorKernel    = "_vector_kernel_name"
	AttrSoName          = "so_name"
	AttrBlockDim        = "block_dim"
	AttrCoreType        = "_core_type"
	AttrNoTask          = "_no_task"
	AttrPersistentCache = "_persistent_cache_size"
	AttrPrefetch        = "_prefetch_enable"
	AttrHcclSubTaskNum  = "_hccl_sub_task_num"
	AttrNotifyID        = "notify_id"
	AttrAddr            = "addr"
	AttrValue           = "value"
	AttrLength          = "length"
	AttrDsaOp           = "dsa_op"
)

// Core types understood by the `_core_type` fallback.
const (
	CoreAIC    = "AIC"
	CoreAIV    = "AIV"
	CoreMixAIC = "MIX_AIC"
	CoreMixAIV = "MIX_AIV"
	CoreAICPU  = "AICPU"
	CoreDSA    = "DSA"
	CoreHCCL   = "HCCL"
)

// Operator types with a dedicated builder.
const (
	TypeMemcpyAsync     = "MemcpyAsync"
	TypeSend            = "Send"
	TypeRecv            = "Recv"
	TypeWriteValue      = "WriteValue"
	TypeCacheInvalidate = "CacheInvalidate"
	TypeCacheFlush      = "CacheFlush"
	TypeCacheWriteback  = "CacheWriteback"
	TypeHcomAllReduce   = "HcomAllReduce"
	TypeHcomAllGather   = "HcomAllGather"
	TypeHcomBroadcast   = "HcomBroadcast"
	TypeHcomReduceScat  = "HcomReduceScatter"
)

// Thread selects the window slot a context is built for. A zero Window means
// the context is not replicated.
type Thread struct {
	ID     uint16
	Dim    uint16
	Window uint16
}

// TaskBuilder emits the contexts of one operator.
type TaskBuilder interface {
	GenerateTaskDef(n *model.Node, td *core.TaskDef, th Thread) error
}

// BuilderFunc adapts a function to TaskBuilder.
type BuilderFunc func(n *model.Node, td *core.TaskDef, th Thread) error

// GenerateTaskDef calls f.
func (f BuilderFunc) GenerateTaskDef(n *model.Node, td *core.TaskDef, th Thread) error {
	return f(n, td, th)
}

func newContext(t core.ContextType, n *model.Node, th Thread) *core.Context {
	c := core.NewContext(t, n.Name)
	if th.Window > 0 {
		c.Aten = true
		c.ThreadID = th.ID
		c.ThreadDim = th.Dim
		c.WindowSize = th.Window
	}
	return c
}

// appendWithAddrs appends c and accounts its address table in td.
func appendWithAddrs(td *core.TaskDef, n *model.Node, c *core.Context) {
	c.AddrNum = uint32(len(n.Inputs) + len(n.Outputs))
	td.AddrSize += uint64(c.AddrNum) * core.AddrEntryBytes
	td.AppendContext(c)
}

func kernelName(n *model.Node) string {
	if s, ok := n.Attrs.Str(AttrKernelName); ok {
		return s
	}
	return n.Name
}

func blockDim(n *model.Node) uint32 {
	if v, ok := n.Attrs.Int(AttrBlockDim); ok && v > 0 {
		return uint32(v)
	}
	return 1
}

func kernelBuilder(t core.ContextType) BuilderFunc {
	return func(n *model.Node, td *core.TaskDef, th Thread) error {
		c := newContext(t, n, th)
		c.Kernel.KernelName = kernelName(n)
		c.Kernel.BlockDim = blockDim(n)
		if v, ok := n.Attrs.Int(AttrPersistentCache); ok {
			if v < 0 {
				return core.Malformedf("node %s: negative %s %d", n.Name, AttrPersistentCache, v)
			}
			mb, err := core.PersistentCacheSizeMB(uint64(v))
			if err != nil {
				return err
			}
			c.Kernel.PersistentCacheMB = mb
		}
		c.Prefetch = n.Attrs.Bool(AttrPrefetch)
		appendWithAddrs(td, n, c)
		return nil
	}
}

func mixBuilder(t core.ContextType) BuilderFunc {
	return func(n *model.Node, td *core.TaskDef, th Thread) error {
		c := newContext(t, n, th)
		cube, okC := n.Attrs.Str(AttrCubeKernelName)
		vec, okV := n.Attrs.Str(AttrVectorKernel)
		if !okC && !okV {
			return core.Malformedf("node %s: mix kernel without %s or %s", n.Name, AttrCubeKernelName, AttrVectorKernel)
		}
		c.Mix.CubeKernel = cube
		c.Mix.VectorKernel = vec
		c.Mix.BlockDim = blockDim(n)
		c.Prefetch = n.Attrs.Bool(AttrPrefetch)
		appendWithAddrs(td, n, c)
		return nil
	}
}

// MixL2 builds the single fused context of a MixL2 subgraph. The cube side
// decides the context type; a vector-only node becomes MIX_AIV.
var MixL2 = BuilderFunc(func(n *model.Node, td *core.TaskDef, th Thread) error {
	if _, ok := n.Attrs.Str(AttrCubeKernelName); ok {
		return mixBuilder(core.ContextMixAIC)(n, td, th)
	}
	return mixBuilder(core.ContextMixAIV)(n, td, th)
})

func aicpuBuilder(n *model.Node, td *core.TaskDef, th Thread) error {
	c := newContext(core.ContextAICPU, n, th)
	c.Aicpu.KernelName = kernelName(n)
	c.Aicpu.SoName, _ = n.Attrs.Str(AttrSoName)
	appendWithAddrs(td, n, c)
	return nil
}

func dsaBuilder(n *model.Node, td *core.TaskDef, th Thread) error {
	c := newContext(core.ContextDSA, n, th)
	if v, ok := n.Attrs.Int(AttrDsaOp); ok {
		c.Dsa.Op = uint32(v)
	}
	appendWithAddrs(td, n, c)
	return nil
}

func sdmaBuilder(n *model.Node, td *core.TaskDef, th Thread) error {
	c := newContext(core.ContextSDMA, n, th)
	c.Sdma.Length = uint32(tensorBytes(n))
	appendWithAddrs(td, n, c)
	return nil
}

func notifyBuilder(t core.ContextType) BuilderFunc {
	return func(n *model.Node, td *core.TaskDef, th Thread) error {
		id, ok := n.Attrs.Int(AttrNotifyID)
		if !ok {
			return core.Malformedf("node %s (%s): missing %s", n.Name, n.Type, AttrNotifyID)
		}
		c := newContext(t, n, th)
		c.Notify.NotifyID = uint32(id)
		td.AppendContext(c)
		return nil
	}
}

func writeValueBuilder(n *model.Node, td *core.TaskDef, th Thread) error {
	c := newContext(core.ContextWriteValue, n, th)
	if v, ok := n.Attrs.Int(AttrAddr); ok {
		c.WriteValue.Addr = uint64(v)
	}
	if v, ok := n.Attrs.Int(AttrValue); ok {
		c.WriteValue.Value = uint64(v)
	}
	td.AppendContext(c)
	return nil
}

func cacheBuilder(t core.ContextType) BuilderFunc {
	return func(n *model.Node, td *core.TaskDef, th Thread) error {
		c := newContext(t, n, th)
		if v, ok := n.Attrs.Int(AttrAddr); ok {
			c.Cache.Addr = uint64(v)
		}
		if v, ok := n.Attrs.Int(AttrLength); ok {
			c.Cache.Length = uint32(v)
		} else {
			c.Cache.Length = uint32(tensorBytes(n))
		}
		td.AppendContext(c)
		return nil
	}
}

func labelBuilder(n *model.Node, td *core.TaskDef, th Thread) error {
	td.AppendContext(newContext(core.ContextLabel, n, th))
	return nil
}

func condSwitchBuilder(n *model.Node, td *core.TaskDef, th Thread) error {
	td.AppendContext(newContext(core.ContextCondSwitch, n, th))
	return nil
}

func caseSwitchBuilder(n *model.Node, td *core.TaskDef, th Thread) error {
	td.AppendContext(newContext(core.ContextCaseSwitch, n, th))
	return nil
}

// hcclBuilder emits ContextCount(n) SDMA sub-tasks chained in order.
func hcclBuilder(n *model.Node, td *core.TaskDef, th Thread) error {
	count := hcclSubTasks(n)
	first := td.Len()
	for i := 0; i < count; i++ {
		c := newContext(core.ContextSDMA, n, th)
		c.Sdma.Length = uint32(tensorBytes(n))
		appendWithAddrs(td, n, c)
	}
	for i := 1; i < count; i++ {
		prev, cur := first+uint32(i-1), first+uint32(i)
		if _, err := td.UpdateSuccessorList(prev, cur, 0, true); err != nil {
			return err
		}
		if err := td.UpdatePredecessorCount(cur, 1); err != nil {
			return err
		}
	}
	return nil
}

// MemSet builds the atomic-clean context that zeroes an owner's outputs.
var MemSet = BuilderFunc(func(n *model.Node, td *core.TaskDef, th Thread) error {
	c := newContext(core.ContextAIV, n, th)
	c.Kernel.KernelName = "MemSet"
	c.Kernel.BlockDim = 1
	c.Kernel.Atomic = true
	appendWithAddrs(td, n, c)
	return nil
})

func hcclSubTasks(n *model.Node) int {
	if v, ok := n.Attrs.Int(AttrHcclSubTaskNum); ok && v > 0 {
		return int(v)
	}
	return 1
}

// tensorBytes sums the static output sizes of n; unknown dims count as zero.
func tensorBytes(n *model.Node) int64 {
	var total int64
	for _, d := range n.Outputs {
		if sz := model.ShapeSize(d.Shape); sz > 0 {
			total += sz * int64((d.DType.Bits()+7)/8)
		}
	}
	return total
}
