// Package compiler turns sliced compute subgraphs into FFTS+ task
// descriptors.
//
// Compilation pipeline:
//  1. Validate the subgraph structure
//  2. Pick the thread-mode strategy (Manual, Auto or MixL2)
//  3. Assign context ids and record them as node attributes
//  4. Emit contexts in id order and wire their successor lists
//  5. Drop transitively implied dependencies
//  6. Replay and check the descriptor
//  7. Encode it with the prefetch bitmap in the leading 64 bytes
//
// Independent subgraphs compile in parallel through CompileAll. Graphs are
// described in a small text language, see ParseGraph.
package compiler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sbl8/ffts/core"
	"github.com/sbl8/ffts/depgraph"
	"github.com/sbl8/ffts/model"
	"github.com/sbl8/ffts/runtime"
)

// Result is the outcome of compiling one subgraph.
type Result struct {
	Graph   *model.Graph
	Mode    string
	TaskDef *core.TaskDef
	Data    []byte
	Removed int // dependencies dropped by deduplication
}

// Compile schedules g and returns its encoded task descriptor. g is
// annotated in place with the assigned context ids.
func Compile(g *model.Graph, opts Options) (*Result, error) {
	res, err := compile(g, opts)
	if err != nil {
		fields := logrus.Fields{"graph": g.Name}
		switch {
		case core.IsMalformed(err):
			logrus.WithFields(fields).WithError(err).Warn("rejected malformed subgraph")
		case core.IsInternal(err):
			logrus.WithFields(fields).WithError(err).Error("task descriptor inconsistent")
		}
		return nil, err
	}
	return res, nil
}

func compile(g *model.Graph, opts Options) (*Result, error) {
	start := time.Now()
	if err := g.Validate(); err != nil {
		return nil, core.Malformedf("%v", err)
	}
	s, err := SelectStrategy(g, opts)
	if err != nil {
		return nil, err
	}
	if err := s.GenerateContextIds(g); err != nil {
		return nil, err
	}

	td := core.NewTaskDef()
	b := depgraph.NewBuilder(td)
	if err := s.GenerateTaskDef(g, b); err != nil {
		return nil, err
	}
	td.ReadyContextNum = s.ReadyContextNum()

	res := &Result{Graph: g, Mode: s.Name(), TaskDef: td}
	if opts.DedupDependencies {
		if res.Removed, err = b.RemoveDuplicates(); err != nil {
			return nil, err
		}
	}
	if opts.Verify {
		if err := runtime.Check(td); err != nil {
			return nil, err
		}
	}

	data, err := td.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if err := td.WritePrefetchBitmapToFirst64Bytes(data); err != nil {
		return nil, err
	}
	td.Data = data
	res.Data = data

	logrus.WithFields(logrus.Fields{
		"graph":    g.Name,
		"mode":     res.Mode,
		"contexts": td.Len(),
		"ready":    td.ReadyContextNum,
		"removed":  res.Removed,
		"elapsed":  time.Since(start),
	}).Debug("compiled subgraph")
	return res, nil
}

// CompileAll compiles independent subgraphs concurrently, at most
// opts.Parallelism at a time. The first failure cancels the rest.
func CompileAll(ctx context.Context, graphs []*model.Graph, opts Options) ([]*Result, error) {
	results := make([]*Result, len(graphs))
	eg, ctx := errgroup.WithContext(ctx)
	if opts.Parallelism > 0 {
		eg.SetLimit(opts.Parallelism)
	}
	for i, g := range graphs {
		i, g := i, g
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := Compile(g, opts)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// CompileFile parses a graph description file and compiles it.
func CompileFile(src string, opts Options) (*Result, error) {
	g, err := ParseGraphFile(src)
	if err != nil {
		return nil, err
	}
	return Compile(g, opts)
}
