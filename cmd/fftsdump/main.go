package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sbl8/ffts/core"
	"github.com/sbl8/ffts/runtime"
)

func main() {
	var (
		replay  = flag.Bool("replay", false, "Replay the descriptor and print firing statistics")
		check   = flag.Bool("check", false, "Verify descriptor invariants")
		verbose = flag.Bool("v", false, "Enable debug logging")
		version = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Println("fftsdump - FFTS+ task descriptor inspector v1.0.0")
		return
	}
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <descriptor.bin>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		logrus.WithError(err).Fatal("read failed")
	}
	td, err := core.UnmarshalTaskDef(data)
	if err != nil {
		logrus.WithError(err).Fatal("decode failed")
	}

	printTaskDef(td)

	if *check {
		if err := runtime.Check(td); err != nil {
			logrus.WithError(err).Fatal("descriptor check failed")
		}
		fmt.Println("check: ok")
	}
	if *replay {
		runReplay(td)
	}
}

func printTaskDef(td *core.TaskDef) {
	fmt.Printf("contexts: %d  ready: %d  addr size: %d\n", td.Len(), td.ReadyContextNum, td.AddrSize)
	bitmap := td.PrefetchBitmap()
	var prefetch []string
	for id := 0; id < len(bitmap)*8 && id < int(td.Len()); id++ {
		if bitmap[id/8]&(1<<uint(id%8)) != 0 {
			prefetch = append(prefetch, fmt.Sprint(id))
		}
	}
	if len(prefetch) > 0 {
		fmt.Printf("prefetch: %s\n", strings.Join(prefetch, ","))
	}

	for _, c := range td.Contexts {
		fmt.Printf("%4d %-12s %-24s pred %d/%d", c.ID, c.Type, c.Name, c.PredCnt, c.PredCntInit)
		if c.Aten {
			fmt.Printf(" thread %d/%d window %d", c.ThreadID, c.ThreadDim, c.WindowSize)
		}
		names, _, lists := c.SuccessorLists()
		for i, name := range names {
			if len(lists[i]) > 0 {
				fmt.Printf(" %s=%v", name, lists[i])
			}
		}
		fmt.Println()
	}
}

func runReplay(td *core.TaskDef) {
	e, err := runtime.NewEngine(td, nil)
	if err != nil {
		logrus.WithError(err).Fatal("replay setup failed")
	}
	order, err := e.Run()
	if err != nil {
		logrus.WithError(err).Fatal("replay failed")
	}
	stats := e.Stats()
	fmt.Printf("replay: %d firings, %d rearms, %d instances in %v\n",
		stats.Firings, stats.Rearms, stats.Instances, stats.Duration)
	for t, n := range stats.PerType {
		fmt.Printf("  %-12s %d\n", t, n)
	}
	if len(order) > 0 {
		fmt.Printf("first fired: %d  last fired: %d\n", order[0], order[len(order)-1])
	}
}
