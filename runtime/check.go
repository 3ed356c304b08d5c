package runtime

import (
	"sort"

	"github.com/sbl8/ffts/core"
	"github.com/sbl8/ffts/depgraph"
)

// Check verifies a finished descriptor:
//   - ids form the range [0, n) in order
//   - exactly the contexts below ready_context_num start with no predecessor
//   - every pred_init equals the number of distinct dependency predecessors;
//     targets of counted edges are exempt
//   - windowed contexts agree on the window size and every window slot holds
//     the same contexts
//   - the ordering graph is acyclic and a replay reaches every context
func Check(td *core.TaskDef) error {
	n := len(td.Contexts)
	if int(td.ReadyContextNum) > n {
		return core.Internalf("ready_context_num %d exceeds %d contexts", td.ReadyContextNum, n)
	}

	preds := make([]map[uint32]bool, n)
	counted := make([]bool, n)
	for i, c := range td.Contexts {
		if c.ID != uint32(i) {
			return core.Internalf("context at index %d carries id %d", i, c.ID)
		}
		for _, s := range c.Successors(core.ListDependency, core.ListCounted, core.ListRearm, core.ListJump) {
			if int(s) >= n {
				return core.Internalf("context %d lists successor %d beyond %d contexts", c.ID, s, n)
			}
		}
		for _, s := range c.Successors(core.ListDependency) {
			if preds[s] == nil {
				preds[s] = make(map[uint32]bool)
			}
			preds[s][c.ID] = true
		}
		for _, s := range c.Successors(core.ListCounted) {
			counted[s] = true
		}
	}

	for i, c := range td.Contexts {
		ready := uint32(i) < td.ReadyContextNum
		if ready && c.PredCntInit != 0 {
			return core.Internalf("ready context %d (%s) has pred_init %d", i, c.Name, c.PredCntInit)
		}
		if !ready && c.PredCntInit == 0 {
			return core.Internalf("context %d (%s) has no predecessor but is not ready", i, c.Name)
		}
		if c.PredCnt != c.PredCntInit {
			return core.Internalf("context %d: pred %d differs from pred_init %d", i, c.PredCnt, c.PredCntInit)
		}
		if counted[i] {
			continue
		}
		if want := uint32(len(preds[i])); c.PredCntInit != want {
			return core.Internalf("context %d (%s): pred_init %d, %d distinct predecessors", i, c.Name, c.PredCntInit, want)
		}
	}

	if err := checkWindows(td); err != nil {
		return err
	}
	if err := depgraph.CheckAcyclic(td); err != nil {
		return err
	}
	_, err := Replay(td)
	return err
}

func checkWindows(td *core.TaskDef) error {
	var window uint16
	perSlot := make(map[uint16]map[string]int)
	var starts, ends int
	for _, c := range td.Contexts {
		if !c.Aten {
			continue
		}
		if window == 0 {
			window = c.WindowSize
		}
		if c.WindowSize != window || c.WindowSize == 0 {
			return core.Internalf("context %d: window size %d, expected %d", c.ID, c.WindowSize, window)
		}
		if c.ThreadID >= c.WindowSize {
			return core.Internalf("context %d: thread id %d outside window %d", c.ID, c.ThreadID, window)
		}
		switch c.Type {
		case core.ContextAtStart:
			starts++
		case core.ContextAtEnd:
			ends++
		}
		if perSlot[c.ThreadID] == nil {
			perSlot[c.ThreadID] = make(map[string]int)
		}
		perSlot[c.ThreadID][c.Type.String()+"/"+c.Name]++
	}
	if window == 0 {
		return nil
	}
	if starts != int(window) || ends != int(window) {
		return core.Internalf("window %d has %d at-start and %d at-end contexts", window, starts, ends)
	}
	ref := perSlot[0]
	for slot := uint16(1); slot < window; slot++ {
		got := perSlot[slot]
		if len(got) != len(ref) {
			return core.Internalf("window slot %d holds %d context groups, slot 0 holds %d", slot, len(got), len(ref))
		}
		for _, k := range sortedKeys(ref) {
			if got[k] != ref[k] {
				return core.Internalf("window slot %d holds %d of %s, slot 0 holds %d", slot, got[k], k, ref[k])
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
