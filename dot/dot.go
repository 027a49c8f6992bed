// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dot implements the debug-artifact dumper of spec.md §6: at named
// checkpoints the pipeline may render its in-progress Code Graph to
// Graphviz DOT form for a human to inspect with `dot -Tpng`. Dumping is
// strictly optional and never affects the result of a run.
package dot

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	godot "github.com/emicklei/dot"

	"github.com/go-interpreter/pydeobf/cfg"
	"github.com/go-interpreter/pydeobf/internal/telemetry"
)

// Dumper writes cycling "<label>-<n>.dot" files under Dir, so repeated
// dumps of the same checkpoint across a run (or across runs sharing a
// working directory) never overwrite one another.
type Dumper struct {
	Dir string
}

// Dump renders g as a Graphviz digraph and writes it to
// "<Dir>/<label>-<n>.dot", returning the path written.
func (d Dumper) Dump(g *cfg.Graph, label string) (string, error) {
	n := telemetry.DotDumps.Next()
	name := label + "-" + strconv.FormatUint(n, 10) + ".dot"
	path := name
	if d.Dir != "" {
		if err := os.MkdirAll(d.Dir, 0o755); err != nil {
			return "", err
		}
		path = filepath.Join(d.Dir, name)
	}
	if err := os.WriteFile(path, []byte(Render(g)), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Render returns g's Graphviz DOT source without touching the filesystem,
// used directly by tests, by Dumper.Dump, and by cmd/pydeobf's "dot"
// subcommand, which writes the result to the output path it was given.
func Render(g *cfg.Graph) string {
	gv := godot.NewGraph(godot.Directed)

	nodes := make(map[cfg.BlockID]godot.Node, len(g.Blocks))
	for id, b := range g.Blocks {
		nid := fmt.Sprintf("b%d", id)
		label := fmt.Sprintf("block %d\n[%d,%d)\n%d instrs", id, b.StartOffset, b.EndOffset, len(b.Instrs))
		n := gv.Node(nid).Label(label)
		if id == g.Root {
			n = n.Attr("shape", "doublecircle")
		}
		if b.HasBad() {
			n = n.Attr("color", "red")
		}
		nodes[id] = n
	}

	for from, edges := range g.Edges {
		for _, e := range edges {
			target, ok := nodes[e.To]
			if !ok {
				continue
			}
			gv.Edge(nodes[from], target).Label(e.Label.String())
		}
	}

	return gv.String()
}
