package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sbl8/ffts/compiler"
	"github.com/sbl8/ffts/model"
)

var (
	mode    = flag.String("mode", "all", "Graph shape: all, auto, manual")
	graphs  = flag.Int("graphs", 64, "Subgraphs per round")
	nodes   = flag.Int("nodes", 16, "Maximum kernels per subgraph")
	window  = flag.Int("window", 4, "Parallel window size for auto graphs")
	iter    = flag.Int("iter", 10, "Number of rounds")
	workers = flag.Int("workers", runtime.NumCPU(), "CompileAll concurrency limit")
	seed    = flag.Int64("seed", 1, "Random seed for graph generation")
	verbose = flag.Bool("v", false, "Enable debug logging")
)

func main() {
	flag.Parse()
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	fmt.Printf("FFTS+ Compiler Throughput\n")
	fmt.Printf("=========================\n")
	fmt.Printf("Go Version: %s\n", runtime.Version())
	fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("Workers: %d\n", *workers)
	fmt.Printf("Graphs per round: %d, rounds: %d\n\n", *graphs, *iter)

	switch *mode {
	case "all":
		run("auto", autoGraph)
		run("manual", manualGraph)
	case "auto":
		run("auto", autoGraph)
	case "manual":
		run("manual", manualGraph)
	default:
		fmt.Printf("Unknown mode: %s\n", *mode)
		os.Exit(1)
	}
}

// autoGraph is a chain of AIV kernels sliced into a window.
func autoGraph(r *rand.Rand, name string) string {
	var b strings.Builder
	k := 1 + r.Intn(*nodes)
	fmt.Fprintf(&b, "graph %s\nmode auto\nwindow %d instances %d\n", name, *window, 1+r.Intn(2*(*window)))
	b.WriteString("node x Data index=0\n")
	fmt.Fprintf(&b, "iterate i 0 %d {\n  node k$i Relu _core_type=AIV\n}\n", k-1)
	b.WriteString("node out NetOutput\nedge x:0 k0:0\n")
	for i := 1; i < k; i++ {
		fmt.Fprintf(&b, "edge k%d:0 k%d:0\n", i-1, i)
	}
	fmt.Fprintf(&b, "edge k%d:0 out:0\n", k-1)
	return b.String()
}

// manualGraph is a random DAG of AIC/AIV kernels with forward edges only.
func manualGraph(r *rand.Rand, name string) string {
	var b strings.Builder
	k := 2 + r.Intn(*nodes)
	fmt.Fprintf(&b, "graph %s\nnode x Data index=0\n", name)
	for i := 0; i < k; i++ {
		core := "AIV"
		if r.Intn(3) == 0 {
			core = "AIC"
		}
		fmt.Fprintf(&b, "node k%d Conv _core_type=%s\n", i, core)
	}
	b.WriteString("edge x:0 k0:0\n")
	for i := 1; i < k; i++ {
		fmt.Fprintf(&b, "edge k%d:0 k%d:0\n", r.Intn(i), i)
		if i > 1 && r.Intn(2) == 0 {
			fmt.Fprintf(&b, "ctrl k%d k%d\n", r.Intn(i-1), i)
		}
	}
	return b.String()
}

func run(label string, gen func(*rand.Rand, string) string) {
	fmt.Printf("%s graphs\n", label)
	fmt.Printf("%s\n", strings.Repeat("-", len(label)+7))

	r := rand.New(rand.NewSource(*seed))
	opts := compiler.DefaultOptions()
	opts.Parallelism = *workers
	opts.DefaultWindowSize = uint32(*window)

	var (
		total    time.Duration
		contexts uint32
		removed  int
	)
	for round := 0; round < *iter; round++ {
		batch := make([]*model.Graph, *graphs)
		for i := range batch {
			g, err := compiler.ParseGraph([]byte(gen(r, fmt.Sprintf("%s%d_%d", label, round, i))))
			if err != nil {
				logrus.WithError(err).Fatal("generated graph rejected")
			}
			batch[i] = g
		}
		start := time.Now()
		results, err := compiler.CompileAll(context.Background(), batch, opts)
		if err != nil {
			logrus.WithError(err).Fatal("compilation failed")
		}
		total += time.Since(start)
		for _, res := range results {
			contexts += res.TaskDef.Len()
			removed += res.Removed
		}
	}

	n := *graphs * *iter
	fmt.Printf("Compiled %d graphs in %v (%.0f graphs/s)\n", n, total, float64(n)/total.Seconds())
	fmt.Printf("Contexts: %d (%.1f per graph), dependencies dropped: %d\n\n",
		contexts, float64(contexts)/float64(n), removed)
}
