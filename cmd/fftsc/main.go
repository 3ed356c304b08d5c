package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/sbl8/ffts/compiler"
	"github.com/sbl8/ffts/transop"
)

func main() {
	var (
		window  = flag.Uint("window", 4, "Default parallel window size for auto mode")
		dedup   = flag.Bool("dedup", true, "Drop transitively implied dependencies")
		verify  = flag.Bool("verify", true, "Replay and check the descriptor")
		trans   = flag.Bool("trans", false, "Insert and merge format conversions before scheduling")
		dump    = flag.Bool("dump", false, "Route conversions through original formats")
		verbose = flag.Bool("v", false, "Enable debug logging")
		version = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Println("fftsc - FFTS+ task descriptor compiler v1.0.0")
		return
	}
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	args := flag.Args()
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <graph.ffts> <out.bin>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}
	srcFile, outFile := args[0], args[1]

	g, err := compiler.ParseGraphFile(srcFile)
	if err != nil {
		logrus.WithError(err).Fatal("parse failed")
	}

	if *trans {
		opts := transop.DefaultOptions()
		opts.DumpEnabled = *dump
		inserted, err := transop.NewEngine(g, opts).InsertAll()
		if err != nil {
			logrus.WithError(err).Fatal("format conversion failed")
		}
		merged, err := transop.MergeAllTransOps(g)
		if err != nil {
			logrus.WithError(err).Fatal("conversion merge failed")
		}
		logrus.WithFields(logrus.Fields{"inserted": inserted, "merged": merged}).Info("format conversions applied")
	}

	opts := compiler.DefaultOptions()
	opts.DefaultWindowSize = uint32(*window)
	opts.DedupDependencies = *dedup
	opts.Verify = *verify

	res, err := compiler.Compile(g, opts)
	if err != nil {
		logrus.WithError(err).Fatal("compilation failed")
	}
	if err := os.WriteFile(outFile, res.Data, 0o644); err != nil {
		logrus.WithError(err).Fatal("write failed")
	}

	fmt.Printf("Compiled %s -> %s (%s mode, %d contexts, %d ready, %d dependencies dropped)\n",
		srcFile, outFile, res.Mode, res.TaskDef.Len(), res.TaskDef.ReadyContextNum, res.Removed)
}
