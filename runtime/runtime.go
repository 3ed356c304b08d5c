// Package runtime replays FFTS+ task descriptors the way the hardware
// scheduler consumes them, and checks the invariants a descriptor must hold
// before it is handed over.
//
// Key components:
//   - Engine: single-threaded replay of predecessor counts and successor lists
//   - ExecutionStats: per-replay firing counts
//   - Check: structural verification of a finished descriptor
//
// Execution model:
//  1. Contexts [0, ready_context_num) fire at invocation time
//  2. A firing context decrements every dependency and counted successor
//  3. A context whose count reaches zero fires next (FIFO)
//  4. An at-end context re-arms its window slot while instances remain: every
//     context of that thread slot reloads its count from the init value and
//     the slot's at-start fires again
//
// Label jump targets are not followed; a loop body replays once.
package runtime

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sbl8/ffts/core"
)

// EngineOptions configures a replay.
type EngineOptions struct {
	// MaxFirings aborts a replay that does not terminate. Zero derives a
	// bound from the descriptor size and instance count.
	MaxFirings  int
	EnableStats bool
}

// DefaultEngineOptions returns replay defaults.
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{EnableStats: true}
}

// ExecutionStats summarizes one replay.
type ExecutionStats struct {
	Firings   int
	Rearms    int
	Instances uint32
	PerType   map[core.ContextType]int
	Duration  time.Duration
}

// Engine replays one descriptor.
type Engine struct {
	td    *core.TaskDef
	opts  EngineOptions
	stats ExecutionStats

	counters  []uint32
	fired     []int
	slots     map[uint16][]uint32 // thread id -> windowed contexts
	instances uint32
	launched  uint32
	granted   map[uint32]bool // at-starts queued by a re-arm
}

// NewEngine prepares a replay of td.
func NewEngine(td *core.TaskDef, opts *EngineOptions) (*Engine, error) {
	if td == nil {
		return nil, core.Internalf("replay of nil descriptor")
	}
	o := DefaultEngineOptions()
	if opts != nil {
		o = *opts
	}
	e := &Engine{td: td, opts: o, slots: make(map[uint16][]uint32)}
	for i, c := range td.Contexts {
		if c.ID != uint32(i) {
			return nil, core.Internalf("context at index %d carries id %d", i, c.ID)
		}
		for _, s := range c.Successors(core.ListDependency, core.ListCounted, core.ListRearm, core.ListJump) {
			if int(s) >= len(td.Contexts) {
				return nil, core.Internalf("context %d lists successor %d beyond %d contexts", c.ID, s, len(td.Contexts))
			}
		}
		if c.Aten {
			e.slots[c.ThreadID] = append(e.slots[c.ThreadID], c.ID)
		}
		if c.Type == core.ContextLabel && c.Label.Role == core.LabelOut && c.PredCntInit > e.instances {
			e.instances = c.PredCntInit
		}
	}
	return e, nil
}

// Stats returns the statistics of the last Run.
func (e *Engine) Stats() ExecutionStats {
	return e.stats
}

// Fired returns how often each context fired in the last Run.
func (e *Engine) Fired() []int {
	return e.fired
}

// Run replays the descriptor and returns the firing order.
func (e *Engine) Run() ([]uint32, error) {
	start := time.Now()
	n := len(e.td.Contexts)
	e.counters = make([]uint32, n)
	e.fired = make([]int, n)
	e.launched = 0
	e.granted = make(map[uint32]bool)
	e.stats = ExecutionStats{Instances: e.instances}
	if e.opts.EnableStats {
		e.stats.PerType = make(map[core.ContextType]int)
	}
	for i, c := range e.td.Contexts {
		e.counters[i] = c.PredCntInit
	}

	limit := e.opts.MaxFirings
	if limit == 0 {
		rounds := int(e.instances) + 1
		limit = (n + 1) * rounds * 2
	}

	var queue []uint32
	for i := uint32(0); i < e.td.ReadyContextNum && int(i) < n; i++ {
		if e.counters[i] != 0 {
			return nil, core.Internalf("ready context %d has %d predecessors", i, e.counters[i])
		}
		queue = append(queue, i)
	}

	order := make([]uint32, 0, n)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		c := e.td.Contexts[id]

		if c.Type == core.ContextAtStart && e.instances > 0 {
			switch {
			case e.granted[id]:
				delete(e.granted, id)
			case e.launched >= e.instances:
				continue
			default:
				e.launched++
			}
		}

		order = append(order, id)
		e.fired[id]++
		e.stats.Firings++
		if e.stats.PerType != nil {
			e.stats.PerType[c.Type]++
		}
		if e.stats.Firings > limit {
			return order, core.Internalf("replay exceeded %d firings", limit)
		}

		for _, s := range c.Successors(core.ListDependency, core.ListCounted) {
			if e.counters[s] == 0 {
				return order, core.Internalf("context %d over-notifies %d", id, s)
			}
			e.counters[s]--
			if e.counters[s] == 0 {
				queue = append(queue, s)
			}
		}
		for _, s := range c.Successors(core.ListRearm) {
			if e.launched >= e.instances {
				break
			}
			e.launched++
			e.granted[s] = true
			e.rearm(e.td.Contexts[s].ThreadID)
			e.stats.Rearms++
			queue = append(queue, s)
		}
	}
	e.stats.Duration = time.Since(start)
	logrus.WithFields(logrus.Fields{"firings": e.stats.Firings, "rearms": e.stats.Rearms}).Debug("descriptor replayed")
	return order, nil
}

func (e *Engine) rearm(slot uint16) {
	for _, id := range e.slots[slot] {
		e.counters[id] = e.td.Contexts[id].PredCntInit
	}
	// The at-start of the slot is fired directly by the at-end.
	for _, id := range e.slots[slot] {
		if e.td.Contexts[id].Type == core.ContextAtStart {
			e.counters[id] = 0
		}
	}
}

// Replay runs a default replay and fails when a context never fires. Window
// slots beyond the instance count are allowed to stay idle.
func Replay(td *core.TaskDef) ([]uint32, error) {
	e, err := NewEngine(td, nil)
	if err != nil {
		return nil, err
	}
	order, err := e.Run()
	if err != nil {
		return order, err
	}
	idle := make(map[uint16]bool)
	for slot, ids := range e.slots {
		for _, id := range ids {
			if td.Contexts[id].Type == core.ContextAtStart && e.fired[id] == 0 {
				idle[slot] = true
			}
		}
	}
	for i, c := range td.Contexts {
		if e.fired[i] == 0 && !(c.Aten && idle[c.ThreadID]) {
			return order, core.Internalf("context %d (%s %s) never fired", i, c.Type, c.Name)
		}
	}
	return order, nil
}
