// Package ffts compiles partitioned compute subgraphs into FFTS+ task
// descriptors: flat lists of hardware contexts that the accelerator's
// scheduler fires as their predecessor counts drop to zero.
//
// # Architecture Overview
//
// The compiler is a chain of passes over one subgraph at a time:
//
//   - transop: inserts format, dtype and rank conversions on mismatched edges
//     and cancels adjacent conversions that undo each other
//   - compiler: picks the thread-mode strategy (Manual, Auto, MixL2), numbers
//     contexts and emits them through the kernel registry
//   - depgraph: wires successor lists and drops transitively implied
//     dependencies
//   - core: the context records, the task descriptor and its binary encoding
//   - runtime: replays a descriptor the way the hardware scheduler would and
//     checks its invariants
//
// # Thread Modes
//
// Manual mode gives every node one context and lowers If, Case and While
// subgraphs onto label, switch and goto contexts. Auto mode slices every
// kernel into a parallel window bracketed by at-start and at-end barrier
// contexts that re-arm until all slice instances have run. MixL2 schedules a
// single fused cube and vector node.
//
// # Basic Usage
//
//	// Compile a graph description
//	fftsc -v block.ffts block.bin
//
//	// Or from Go
//	g, err := compiler.ParseGraphFile("block.ffts")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := compiler.Compile(g, compiler.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(res.TaskDef.Len(), "contexts")
//
// # Package Structure
//
//   - model: compute graph arena, tensor descriptors and attributes
//   - core: contexts, task descriptor, encoding and error kinds
//   - kernels: per-core-type task builders
//   - compiler: strategies, context id allocation and the graph DSL
//   - depgraph: dependency wiring and deduplication
//   - runtime: descriptor replay and verification
//   - transop: trans-node insertion and merging
//   - cmd: command-line tools (fftsc, fftsdump, fftsbench)
package ffts
