package compiler

import (
	"github.com/sirupsen/logrus"

	"github.com/sbl8/ffts/core"
	"github.com/sbl8/ffts/model"
)

// Attributes read from the input graph.
const (
	AttrThreadMode      = "_thread_mode"
	AttrMixL2           = "_mix_l2"
	AttrAtomicClean     = "_atomic_clean"
	AttrSuccessorIDList = "successor_id_list"
)

// Attributes written by the strategies.
const (
	AttrContextIDList       = "_context_id_list"
	AttrAtomicContextIDList = "_atomic_context_id_list"
	AttrInLabelCtxID        = "_in_label_ctx_id"
	AttrOutLabelCtxID       = "_out_label_ctx_id"
	AttrAtStartCtxIDList    = "_at_start_ctx_id_list"
	AttrAtEndCtxIDList      = "_at_end_ctx_id_list"
	AttrAtEndPreCnt         = "_at_end_pre_cnt"
	AttrAllCtxIDList        = "_all_ctx_id_list"
	AttrReadyContextNum     = "_ready_context_num"
	AttrTotalContextNum     = "_total_context_num"
	AttrWindowSize          = "_parallel_window_size"
	AttrSliceInstanceNum    = "_slice_instance_num"
)

// mustSet writes an attribute later passes depend on.
func mustSet(n *model.Node, key string, v any) error {
	if err := n.SetAttr(key, v); err != nil {
		return core.Internalf("set %s: %v", key, err)
	}
	return nil
}

// mustSetGraph writes a graph attribute later passes depend on.
func mustSetGraph(g *model.Graph, key string, v any) error {
	if err := g.Attrs.Set(key, v); err != nil {
		return core.Internalf("graph %s: set %s: %v", g.Name, key, err)
	}
	return nil
}

// advise writes an informational graph attribute; failure is logged only.
func advise(g *model.Graph, key string, v any) {
	if err := g.Attrs.Set(key, v); err != nil {
		logrus.WithFields(logrus.Fields{"graph": g.Name, "attr": key}).WithError(err).Warn("advisory attribute not written")
	}
}

func requireIDs(n *model.Node, key string) ([]uint32, error) {
	ids, ok := n.Attrs.Uint32s(key)
	if !ok {
		return nil, core.Malformedf("node %s: missing %s", n.Name, key)
	}
	return ids, nil
}

func requireID(n *model.Node, key string) (uint32, error) {
	v, ok := n.Attrs.Int(key)
	if !ok {
		return 0, core.Malformedf("node %s: missing %s", n.Name, key)
	}
	return uint32(v), nil
}
