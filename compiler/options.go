package compiler

import (
	"runtime"

	"github.com/sbl8/ffts/kernels"
)

// Options configures compilation.
type Options struct {
	DefaultWindowSize uint32 // Auto window when no node carries one
	DedupDependencies bool   // Drop transitively implied dependencies
	Verify            bool   // Replay and check every descriptor
	Parallelism       int    // CompileAll concurrency limit
	Registry          *kernels.Registry
}

// DefaultOptions provides sensible compilation defaults
func DefaultOptions() Options {
	return Options{
		DefaultWindowSize: 4,
		DedupDependencies: true,
		Verify:            true,
		Parallelism:       runtime.NumCPU(),
	}
}

func (o Options) registry() *kernels.Registry {
	if o.Registry != nil {
		return o.Registry
	}
	return kernels.DefaultRegistry()
}

func (o Options) defaultWindow() uint32 {
	if o.DefaultWindowSize == 0 || o.DefaultWindowSize > maxWindowSize {
		return 4
	}
	return o.DefaultWindowSize
}
