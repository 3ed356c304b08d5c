package core

import (
	"sort"

	"github.com/sirupsen/logrus"
)

const (
	// MaxPrefetchContexts is the number of context ids the prefetch bitmap covers.
	MaxPrefetchContexts = PrefetchRegionSize * 8
	// AddrEntryBytes is the width of one entry in the task address table.
	AddrEntryBytes = 8
)

// TaskDef is the FFTS+ task descriptor of one partitioned subgraph. Context
// ids equal their index in Contexts.
type TaskDef struct {
	Contexts        []*Context
	ReadyContextNum uint32
	AddrSize        uint64

	// Data is the serialized descriptor, filled by the compiler after the
	// prefetch bitmap has been written.
	Data []byte
}

// NewTaskDef returns an empty descriptor.
func NewTaskDef() *TaskDef {
	return &TaskDef{}
}

// Len returns the number of contexts.
func (td *TaskDef) Len() uint32 {
	return uint32(len(td.Contexts))
}

// Context returns the context with the given id.
func (td *TaskDef) Context(id uint32) (*Context, error) {
	if int(id) >= len(td.Contexts) {
		return nil, Internalf("context id %d out of range [0,%d)", id, len(td.Contexts))
	}
	return td.Contexts[id], nil
}

// AppendContext adds c with the next free id and returns that id.
func (td *TaskDef) AppendContext(c *Context) uint32 {
	id := uint32(len(td.Contexts))
	c.ID = id
	td.Contexts = append(td.Contexts, c)
	return id
}

// UpdateSuccessorList appends succ to a successor list of owner. windowIndex
// selects the list on types that carry several (AT_END: 0 at-start slot, 1
// out-label slot; LABEL: 0 successors, 1 jump target; COND_SWITCH: 0 false,
// 1 true) and is ignored otherwise. With dedupe set an id already present is
// not appended again. Types without successor lists are left untouched.
// The returned flag reports whether succ was appended.
func (td *TaskDef) UpdateSuccessorList(owner, succ uint32, windowIndex int, dedupe bool) (bool, error) {
	c, err := td.Context(owner)
	if err != nil {
		return false, err
	}
	fields := fieldsOf(c)
	if len(fields) == 0 {
		logrus.WithFields(logrus.Fields{"owner": owner, "type": c.Type}).Debug("context type has no successor list")
		return false, nil
	}
	idx := 0
	if len(fields) > 1 {
		if windowIndex < 0 || windowIndex >= len(fields) {
			return false, Malformedf("context %d (%s): successor list index %d out of range", owner, c.Type, windowIndex)
		}
		idx = windowIndex
	}
	list := fields[idx].get(c)
	if dedupe {
		for _, s := range *list {
			if s == succ {
				return false, nil
			}
		}
	}
	*list = append(*list, succ)
	return true, nil
}

// RemoveSuccessor deletes succ from every dependency list of owner and reports
// whether anything was removed.
func (td *TaskDef) RemoveSuccessor(owner, succ uint32) (bool, error) {
	c, err := td.Context(owner)
	if err != nil {
		return false, err
	}
	removed := false
	for _, f := range fieldsOf(c) {
		if f.kind != ListDependency {
			continue
		}
		list := f.get(c)
		kept := (*list)[:0]
		for _, s := range *list {
			if s == succ {
				removed = true
				continue
			}
			kept = append(kept, s)
		}
		*list = kept
	}
	return removed, nil
}

// UpdatePredecessorCount adds delta to both the live and the initial
// predecessor count of owner.
func (td *TaskDef) UpdatePredecessorCount(owner uint32, delta int) error {
	c, err := td.Context(owner)
	if err != nil {
		return err
	}
	pred := int64(c.PredCnt) + int64(delta)
	init := int64(c.PredCntInit) + int64(delta)
	if pred < 0 || init < 0 {
		return Internalf("context %d: predecessor count underflow (%d/%d%+d)", owner, c.PredCnt, c.PredCntInit, delta)
	}
	c.PredCnt = uint32(pred)
	c.PredCntInit = uint32(init)
	return nil
}

// SetPredecessorCount overwrites both predecessor counts of owner.
func (td *TaskDef) SetPredecessorCount(owner, n uint32) error {
	c, err := td.Context(owner)
	if err != nil {
		return err
	}
	c.PredCnt = n
	c.PredCntInit = n
	return nil
}

// RemapContextIds renumbers the descriptor. newToOld lists, for every new id,
// the context that takes it; oldToNew is its inverse and must cover every id
// referenced by a retained context. The descriptor is validated before any
// context is touched.
func (td *TaskDef) RemapContextIds(oldToNew, newToOld map[uint32]uint32) error {
	n := len(newToOld)
	out := make([]*Context, n)
	for i := 0; i < n; i++ {
		old, ok := newToOld[uint32(i)]
		if !ok {
			return Internalf("remap: new id %d has no source context", i)
		}
		c, err := td.Context(old)
		if err != nil {
			return err
		}
		if back, ok := oldToNew[old]; !ok || back != uint32(i) {
			return Internalf("remap: context %d maps to %d, expected %d", old, back, i)
		}
		out[i] = c
	}
	for _, c := range out {
		for _, f := range fieldsOf(c) {
			for _, s := range *f.get(c) {
				if _, ok := oldToNew[s]; !ok {
					return Internalf("remap: context %d references %d which has no new id", c.ID, s)
				}
			}
		}
		for _, s := range c.SrcSlots() {
			if _, ok := oldToNew[s]; !ok {
				return Internalf("remap: context %d source slot %d has no new id", c.ID, s)
			}
		}
	}

	for i, c := range out {
		c.ID = uint32(i)
		for _, f := range fieldsOf(c) {
			list := f.get(c)
			for j, s := range *list {
				(*list)[j] = oldToNew[s]
			}
		}
		if p := c.srcSlot(); p != nil {
			for j, s := range *p {
				(*p)[j] = oldToNew[s]
			}
		}
	}
	td.Contexts = out
	return nil
}

// Compact drops the removed contexts, strips references to them and
// decrements the predecessor counts they contributed, then renumbers the rest
// keeping their relative order. AddrSize is recomputed from the survivors.
func (td *TaskDef) Compact(removed map[uint32]bool) error {
	if len(removed) == 0 {
		return nil
	}
	for id := range removed {
		if _, err := td.Context(id); err != nil {
			return err
		}
	}
	ids := make([]uint32, 0, len(removed))
	for id := range removed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		c := td.Contexts[id]
		for _, s := range c.Successors(ListDependency) {
			if removed[s] {
				continue
			}
			if err := td.UpdatePredecessorCount(s, -1); err != nil {
				return err
			}
		}
	}

	oldToNew := make(map[uint32]uint32)
	newToOld := make(map[uint32]uint32)
	ready := uint32(0)
	for _, c := range td.Contexts {
		if removed[c.ID] {
			continue
		}
		nid := uint32(len(newToOld))
		oldToNew[c.ID] = nid
		newToOld[nid] = c.ID
		if c.ID < td.ReadyContextNum {
			ready++
		}
		for _, f := range fieldsOf(c) {
			list := f.get(c)
			kept := (*list)[:0]
			for _, s := range *list {
				if !removed[s] {
					kept = append(kept, s)
				}
			}
			*list = kept
		}
		if p := c.srcSlot(); p != nil {
			kept := (*p)[:0]
			for _, s := range *p {
				if !removed[s] {
					kept = append(kept, s)
				}
			}
			*p = kept
		}
	}
	if err := td.RemapContextIds(oldToNew, newToOld); err != nil {
		return err
	}
	td.ReadyContextNum = ready
	td.AddrSize = 0
	for _, c := range td.Contexts {
		td.AddrSize += uint64(c.AddrNum) * AddrEntryBytes
	}
	return nil
}

// PrefetchBitmap returns one bit per context id flagged for prefetch. Ids at
// or beyond MaxPrefetchContexts are not represented.
func (td *TaskDef) PrefetchBitmap() [PrefetchRegionSize]byte {
	var bm [PrefetchRegionSize]byte
	for _, c := range td.Contexts {
		if !c.Prefetch || c.ID >= MaxPrefetchContexts {
			continue
		}
		bm[c.ID/8] |= 1 << (c.ID % 8)
	}
	return bm
}

// WritePrefetchBitmapToFirst64Bytes stamps the prefetch bitmap into the
// reserved leading region of an encoded descriptor. It must run after every
// other mutation of the descriptor.
func (td *TaskDef) WritePrefetchBitmapToFirst64Bytes(buf []byte) error {
	if len(buf) < PrefetchRegionSize {
		return Internalf("descriptor buffer of %d bytes has no prefetch region", len(buf))
	}
	bm := td.PrefetchBitmap()
	copy(buf[:PrefetchRegionSize], bm[:])
	return nil
}
