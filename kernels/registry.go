package kernels

import (
	"github.com/pkg/errors"

	"github.com/sbl8/ffts/core"
	"github.com/sbl8/ffts/model"
)

// Registry maps operator types to task builders.
type Registry struct {
	byType map[string]TaskBuilder
	byCore map[string]TaskBuilder
	noTask map[string]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[string]TaskBuilder),
		byCore: make(map[string]TaskBuilder),
		noTask: make(map[string]bool),
	}
}

// DefaultRegistry returns a registry populated with every built-in builder.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterCoreType(CoreAIC, kernelBuilder(core.ContextAIC))
	r.RegisterCoreType(CoreAIV, kernelBuilder(core.ContextAIV))
	r.RegisterCoreType(CoreMixAIC, mixBuilder(core.ContextMixAIC))
	r.RegisterCoreType(CoreMixAIV, mixBuilder(core.ContextMixAIV))
	r.RegisterCoreType(CoreAICPU, BuilderFunc(aicpuBuilder))
	r.RegisterCoreType(CoreDSA, BuilderFunc(dsaBuilder))
	r.RegisterCoreType(CoreHCCL, BuilderFunc(hcclBuilder))

	r.Register(TypeMemcpyAsync, BuilderFunc(sdmaBuilder))
	r.Register(TypeRecv, notifyBuilder(core.ContextNotifyWait))
	r.Register(TypeSend, notifyBuilder(core.ContextNotifyRecord))
	r.Register(TypeWriteValue, BuilderFunc(writeValueBuilder))
	r.Register(TypeCacheInvalidate, cacheBuilder(core.ContextInvalidate))
	r.Register(TypeCacheFlush, cacheBuilder(core.ContextFlush))
	r.Register(TypeCacheWriteback, cacheBuilder(core.ContextWriteback))
	for _, t := range []string{TypeHcomAllReduce, TypeHcomAllGather, TypeHcomBroadcast, TypeHcomReduceScat} {
		r.Register(t, BuilderFunc(hcclBuilder))
	}

	r.Register(model.TypeLabelSet, BuilderFunc(labelBuilder))
	r.Register(model.TypeLabelGoto, BuilderFunc(labelBuilder))
	r.Register(model.TypeLabelSwitch, BuilderFunc(condSwitchBuilder))
	r.Register(model.TypeIf, BuilderFunc(condSwitchBuilder))
	r.Register(model.TypeStatelessIf, BuilderFunc(condSwitchBuilder))
	r.Register(model.TypeCase, BuilderFunc(caseSwitchBuilder))
	r.Register(model.TypeMemSet, MemSet)

	for _, t := range []string{
		model.TypeData, model.TypeConst, model.TypeConstant, model.TypeVariable,
		model.TypeNetOutput, model.TypeWhile, model.TypeStatelessWhile,
		model.TypePartitionedCall, model.TypeReshape, "Squeeze", "Unsqueeze",
		"ExpandDims", "Flatten",
	} {
		r.MarkNoTask(t)
	}
	return r
}

// Register binds a builder to an operator type.
func (r *Registry) Register(typ string, b TaskBuilder) {
	r.byType[typ] = b
	delete(r.noTask, typ)
}

// RegisterCoreType binds a builder to a `_core_type` value.
func (r *Registry) RegisterCoreType(coreType string, b TaskBuilder) {
	r.byCore[coreType] = b
}

// MarkNoTask declares that operators of typ never produce a context.
func (r *Registry) MarkNoTask(typ string) {
	r.noTask[typ] = true
	delete(r.byType, typ)
}

// HasTask reports whether n is scheduled as at least one context.
func (r *Registry) HasTask(n *model.Node) bool {
	if n == nil || r.noTask[n.Type] || n.Attrs.Bool(AttrNoTask) {
		return false
	}
	_, ok := r.Lookup(n)
	return ok
}

// Lookup returns the builder for n: by operator type first, then by
// `_core_type`.
func (r *Registry) Lookup(n *model.Node) (TaskBuilder, bool) {
	if b, ok := r.byType[n.Type]; ok {
		return b, true
	}
	if ct, ok := n.Attrs.Str(AttrCoreType); ok {
		if b, ok := r.byCore[ct]; ok {
			return b, true
		}
	}
	return nil, false
}

// ContextCount returns the number of ids n occupies per window slot.
func (r *Registry) ContextCount(n *model.Node) int {
	if !r.HasTask(n) {
		return 0
	}
	if r.isHccl(n) {
		return hcclSubTasks(n)
	}
	return 1
}

func (r *Registry) isHccl(n *model.Node) bool {
	if ct, ok := n.Attrs.Str(AttrCoreType); ok && ct == CoreHCCL {
		return true
	}
	switch n.Type {
	case TypeHcomAllReduce, TypeHcomAllGather, TypeHcomBroadcast, TypeHcomReduceScat:
		return true
	}
	return false
}

// Build runs the builder of n and checks it appended exactly ContextCount(n)
// contexts.
func (r *Registry) Build(n *model.Node, td *core.TaskDef, th Thread) (uint32, error) {
	b, ok := r.Lookup(n)
	if !ok {
		return 0, core.Malformedf("node %s: no task builder for type %s", n.Name, n.Type)
	}
	first := td.Len()
	if err := b.GenerateTaskDef(n, td, th); err != nil {
		return 0, errorsWithNode(err, n)
	}
	if got, want := int(td.Len()-first), r.ContextCount(n); got != want {
		return 0, core.Internalf("node %s: builder appended %d contexts, expected %d", n.Name, got, want)
	}
	return first, nil
}

func errorsWithNode(err error, n *model.Node) error {
	return errors.Wrapf(err, "node %s (%s)", n.Name, n.Type)
}
