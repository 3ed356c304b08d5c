package compiler

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/sbl8/ffts/core"
	"github.com/sbl8/ffts/model"
)

// ParseGraph parses the graph description language:
//
//	graph <name>
//	mode manual|auto|dynamic|mixl2
//	window <n> [instances <m>]
//	node <name> <type> [key=value ...]
//	edge <src>:<out> <dst>:<in>
//	ctrl <src> <dst>
//	tensor <node> in|out <idx> <format> <dtype> <shape> [origin=<format>] [oshape=<shape>]
//	attr <node> key=value ...
//	slice <node> [mode=...] [window=n] [instances=m] [atomic=a,b]
//	subgraph <owner> <name> { ... }
//	iterate <var> <start> <end> { ... }
//
// Values are integers, [1,2,3] lists, true/false or strings. Inside an
// iterate block every field equal to <var> and every $<var> is replaced by
// the loop value.
func ParseGraph(src []byte) (*model.Graph, error) {
	lines := strings.Split(string(src), "\n")
	g := model.NewGraph("graph")
	p := &dslParser{g: g}
	named := false
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if fields[0] == "graph" {
			if named || len(fields) != 2 || g.NodeCount() > 0 {
				return nil, core.Malformedf("line %d: graph directive must come first, once, with a name", i+1)
			}
			g.Name, named = fields[1], true
			continue
		}
		next, err := p.parseLine(lines, i)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", i+1)
		}
		i = next
	}
	return g, nil
}

// ParseGraphFile reads and parses a graph description file.
func ParseGraphFile(path string) (*model.Graph, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read graph description")
	}
	return ParseGraph(src)
}

// dslParser fills one graph; subgraph blocks get their own parser.
type dslParser struct {
	g     *model.Graph
	slice *model.SliceInfo
}

// parseLine processes the directive at idx and returns the index of its
// last line.
func (p *dslParser) parseLine(lines []string, idx int) (int, error) {
	fields := strings.Fields(strings.TrimSpace(lines[idx]))
	switch fields[0] {
	case "iterate":
		return p.parseIterateBlock(lines, idx, fields)
	case "subgraph":
		return p.parseSubgraphBlock(lines, idx, fields)
	default:
		return idx, p.processSimpleLine(fields)
	}
}

func (p *dslParser) parseIterateBlock(lines []string, idx int, fields []string) (int, error) {
	if len(fields) < 4 {
		return idx, core.Malformedf("invalid iterate directive: %s", strings.Join(fields, " "))
	}
	varName, start, end, err := parseIterateParams(fields)
	if err != nil {
		return idx, err
	}
	blockStart, err := openBrace(lines, idx, fields)
	if err != nil {
		return idx, err
	}
	block, blockEnd, err := collectBlockLines(lines, blockStart)
	if err != nil {
		return idx, err
	}
	for v := start; v <= end; v++ {
		expanded := make([]string, len(block))
		for i, line := range block {
			expanded[i] = expandVariable(line, varName, v)
		}
		for i := 0; i < len(expanded); i++ {
			next, err := p.parseLine(expanded, i)
			if err != nil {
				return idx, errors.Wrapf(err, "iterate %s=%d", varName, v)
			}
			i = next
		}
	}
	return blockEnd, nil
}

func (p *dslParser) parseSubgraphBlock(lines []string, idx int, fields []string) (int, error) {
	if len(fields) < 3 {
		return idx, core.Malformedf("invalid subgraph directive: %s", strings.Join(fields, " "))
	}
	owner := p.g.NodeByName(fields[1])
	if owner == nil {
		return idx, core.Malformedf("subgraph %s: unknown owner %s", fields[2], fields[1])
	}
	blockStart, err := openBrace(lines, idx, fields)
	if err != nil {
		return idx, err
	}
	block, blockEnd, err := collectBlockLines(lines, blockStart)
	if err != nil {
		return idx, err
	}
	sub := model.NewGraph(fields[2])
	if err := p.g.AddSubgraph(owner.ID, sub); err != nil {
		return idx, core.Malformedf("%v", err)
	}
	child := &dslParser{g: sub, slice: p.slice}
	for i := 0; i < len(block); i++ {
		next, err := child.parseLine(block, i)
		if err != nil {
			return idx, errors.Wrapf(err, "subgraph %s", sub.Name)
		}
		i = next
	}
	return blockEnd, nil
}

// openBrace returns the line holding the block's opening brace.
func openBrace(lines []string, idx int, fields []string) (int, error) {
	if fields[len(fields)-1] == "{" {
		return idx, nil
	}
	i := idx + 1
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i >= len(lines) || strings.TrimSpace(lines[i]) != "{" {
		return idx, core.Malformedf("missing '{' after %s", fields[0])
	}
	return i, nil
}

func (p *dslParser) processSimpleLine(fields []string) error {
	switch fields[0] {
	case "mode":
		return p.parseMode(fields)
	case "window":
		return p.parseWindow(fields)
	case "node":
		return p.parseNodeLine(fields)
	case "edge":
		return p.parseEdgeLine(fields)
	case "ctrl":
		return p.parseCtrlLine(fields)
	case "tensor":
		return p.parseTensorLine(fields)
	case "attr":
		return p.parseAttrLine(fields)
	case "slice":
		return p.parseSliceLine(fields)
	default:
		return core.Malformedf("unknown directive: %s", fields[0])
	}
}

func (p *dslParser) parseMode(fields []string) error {
	if len(fields) != 2 {
		return core.Malformedf("invalid mode directive: %s", strings.Join(fields, " "))
	}
	switch fields[1] {
	case ModeManual, ModeAuto, ModeDynamic, ModeMixL2:
	default:
		return core.Malformedf("unknown mode %q", fields[1])
	}
	return p.g.Attrs.Set(AttrThreadMode, fields[1])
}

func (p *dslParser) parseWindow(fields []string) error {
	if len(fields) != 2 && !(len(fields) == 4 && fields[2] == "instances") {
		return core.Malformedf("invalid window directive: %s", strings.Join(fields, " "))
	}
	window, err := parseUint32(fields[1])
	if err != nil {
		return err
	}
	s := &model.SliceInfo{ThreadMode: model.ThreadModeAuto, ParallelWindowSize: window}
	if len(fields) == 4 {
		if s.SliceInstanceNum, err = parseUint32(fields[3]); err != nil {
			return err
		}
	}
	p.slice = s
	return nil
}

func (p *dslParser) parseNodeLine(fields []string) error {
	if len(fields) < 3 {
		return core.Malformedf("invalid node directive: needs a name and a type")
	}
	if p.g.NodeByName(fields[1]) != nil {
		return core.Malformedf("duplicate node %s", fields[1])
	}
	n := p.g.AddNode(fields[1], fields[2])
	if p.slice != nil {
		s := *p.slice
		n.Slice = &s
	}
	return setAttrs(n, fields[3:])
}

func (p *dslParser) parseEdgeLine(fields []string) error {
	if len(fields) != 3 {
		return core.Malformedf("invalid edge directive: %s", strings.Join(fields, " "))
	}
	src, err := p.anchor(fields[1])
	if err != nil {
		return err
	}
	dst, err := p.anchor(fields[2])
	if err != nil {
		return err
	}
	if err := p.g.AddEdge(src, dst); err != nil {
		return core.Malformedf("%v", err)
	}
	return nil
}

func (p *dslParser) parseCtrlLine(fields []string) error {
	if len(fields) != 3 {
		return core.Malformedf("invalid ctrl directive: %s", strings.Join(fields, " "))
	}
	src, err := p.node(fields[1])
	if err != nil {
		return err
	}
	dst, err := p.node(fields[2])
	if err != nil {
		return err
	}
	if err := p.g.AddControlEdge(src.ID, dst.ID); err != nil {
		return core.Malformedf("%v", err)
	}
	return nil
}

func (p *dslParser) parseTensorLine(fields []string) error {
	if len(fields) < 7 {
		return core.Malformedf("invalid tensor directive: needs node, direction, index, format, dtype and shape")
	}
	n, err := p.node(fields[1])
	if err != nil {
		return err
	}
	idx, err := strconv.Atoi(fields[3])
	if err != nil || idx < 0 {
		return core.Malformedf("invalid tensor index %q", fields[3])
	}
	var desc *model.TensorDesc
	switch fields[2] {
	case "in":
		desc = n.Input(idx)
	case "out":
		desc = n.Output(idx)
	default:
		return core.Malformedf("tensor direction %q, want in or out", fields[2])
	}
	if desc.Format, err = model.ParseFormat(fields[4]); err != nil {
		return core.Malformedf("%v", err)
	}
	if desc.DType, err = model.ParseDataType(fields[5]); err != nil {
		return core.Malformedf("%v", err)
	}
	if desc.Shape, err = parseShape(fields[6]); err != nil {
		return err
	}
	desc.OriginFormat, desc.OriginShape = desc.Format, append([]int64(nil), desc.Shape...)
	for _, kv := range fields[7:] {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return core.Malformedf("tensor option %q, want key=value", kv)
		}
		switch key {
		case "origin":
			if desc.OriginFormat, err = model.ParseFormat(val); err != nil {
				return core.Malformedf("%v", err)
			}
		case "oshape":
			if desc.OriginShape, err = parseShape(val); err != nil {
				return err
			}
		case "reshape":
			desc.ReshapeType = val
		case "c0":
			if desc.C0, err = strconv.ParseInt(val, 0, 64); err != nil {
				return core.Malformedf("invalid c0 %q", val)
			}
		default:
			return core.Malformedf("unknown tensor option %q", key)
		}
	}
	return nil
}

func (p *dslParser) parseAttrLine(fields []string) error {
	if len(fields) < 3 {
		return core.Malformedf("invalid attr directive: needs a node and key=value")
	}
	n, err := p.node(fields[1])
	if err != nil {
		return err
	}
	return setAttrs(n, fields[2:])
}

func (p *dslParser) parseSliceLine(fields []string) error {
	if len(fields) < 2 {
		return core.Malformedf("invalid slice directive: needs a node")
	}
	n, err := p.node(fields[1])
	if err != nil {
		return err
	}
	if n.Slice == nil {
		n.Slice = &model.SliceInfo{}
	}
	for _, kv := range fields[2:] {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return core.Malformedf("slice option %q, want key=value", kv)
		}
		switch key {
		case "mode":
			switch val {
			case "manual":
				n.Slice.ThreadMode = model.ThreadModeManual
			case "auto":
				n.Slice.ThreadMode = model.ThreadModeAuto
			case "dynamic":
				n.Slice.ThreadMode = model.ThreadModeDynamic
			default:
				return core.Malformedf("unknown slice mode %q", val)
			}
		case "window":
			if n.Slice.ParallelWindowSize, err = parseUint32(val); err != nil {
				return err
			}
		case "instances":
			if n.Slice.SliceInstanceNum, err = parseUint32(val); err != nil {
				return err
			}
		case "atomic":
			n.Slice.SameAtomicCleanNodes = strings.Split(val, ",")
		default:
			return core.Malformedf("unknown slice option %q", key)
		}
	}
	return nil
}

func (p *dslParser) node(name string) (*model.Node, error) {
	n := p.g.NodeByName(name)
	if n == nil {
		return nil, core.Malformedf("unknown node %s", name)
	}
	return n, nil
}

func (p *dslParser) anchor(s string) (model.Anchor, error) {
	name, idx, ok := strings.Cut(s, ":")
	if !ok {
		return model.Anchor{}, core.Malformedf("anchor %q, want node:index", s)
	}
	n, err := p.node(name)
	if err != nil {
		return model.Anchor{}, err
	}
	i, err := strconv.Atoi(idx)
	if err != nil || i < 0 {
		return model.Anchor{}, core.Malformedf("anchor %q: invalid index", s)
	}
	return model.Anchor{Node: n.ID, Index: i}, nil
}

func parseIterateParams(fields []string) (varName string, start, end int, err error) {
	varName = fields[1]
	if start, err = strconv.Atoi(fields[2]); err != nil {
		return "", 0, 0, core.Malformedf("invalid iterate start %q", fields[2])
	}
	if end, err = strconv.Atoi(fields[3]); err != nil {
		return "", 0, 0, core.Malformedf("invalid iterate end %q", fields[3])
	}
	return varName, start, end, nil
}

// collectBlockLines gathers the lines of the brace block opened at
// startIdx, nested blocks included, and returns the closing line index.
func collectBlockLines(lines []string, startIdx int) ([]string, int, error) {
	var block []string
	depth := 1
	for i := startIdx + 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		switch {
		case line == "}":
			depth--
			if depth == 0 {
				return block, i, nil
			}
		case strings.HasSuffix(line, "{"):
			depth++
		}
		if line != "" && !strings.HasPrefix(line, "#") {
			block = append(block, line)
		}
	}
	return nil, len(lines), core.Malformedf("unterminated block")
}

func expandVariable(line, varName string, value int) string {
	v := strconv.Itoa(value)
	fields := strings.Fields(strings.ReplaceAll(line, "$"+varName, v))
	for i, field := range fields {
		if field == varName {
			fields[i] = v
		}
	}
	return strings.Join(fields, " ")
}

func setAttrs(n *model.Node, kvs []string) error {
	for _, kv := range kvs {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return core.Malformedf("node %s: attribute %q, want key=value", n.Name, kv)
		}
		v, err := parseValue(val)
		if err != nil {
			return errors.Wrapf(err, "node %s: attribute %s", n.Name, key)
		}
		if err := n.SetAttr(key, v); err != nil {
			return core.Malformedf("%v", err)
		}
	}
	return nil
}

func parseValue(s string) (any, error) {
	switch {
	case s == "true":
		return true, nil
	case s == "false":
		return false, nil
	case strings.HasPrefix(s, "["):
		return parseShape(s)
	}
	if v, err := strconv.ParseInt(s, 0, 64); err == nil {
		return v, nil
	}
	return s, nil
}

// parseShape reads a bracketed integer list such as [1,3,224,224].
func parseShape(s string) ([]int64, error) {
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, core.Malformedf("list %q, want [a,b,...]", s)
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		return []int64{}, nil
	}
	parts := strings.Split(body, ",")
	out := make([]int64, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(part), 0, 64)
		if err != nil {
			return nil, core.Malformedf("list %q: invalid element %q", s, part)
		}
		out[i] = v
	}
	return out, nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, core.Malformedf("invalid count %q", s)
	}
	return uint32(v), nil
}
