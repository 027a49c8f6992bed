// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cfg

// JoinBlocks implements spec.md §4.5: repeatedly merges a block into its
// sole predecessor when that predecessor has no other successor, until no
// more merges are possible. It reports whether any merge happened, so
// callers that interleave this with RemoveConstConditions (§4.6, which can
// open up new joining opportunities by deleting an edge) know whether to
// run another round.
func JoinBlocks(g *Graph) bool {
	merged := false
	for {
		did := false
		for _, id := range sortedBlockIDs(g) {
			b, ok := g.Blocks[id]
			if !ok {
				continue
			}
			edges := g.Edges[id]
			if len(edges) != 1 || (edges[0].Label != Unconditional && edges[0].Label != Fallthrough) {
				continue
			}
			succID := edges[0].To
			if succID == id {
				continue // self-loop: joining would lose the edge entirely
			}
			if succID == g.Root {
				continue // never absorb the entry block into a predecessor
			}
			if len(predecessorsOf(g, succID)) != 1 {
				continue
			}
			succ := g.Blocks[succID]
			// RemoveConstConditions can leave a block with no instructions
			// at all (its predicate and the dropped jump were all it held).
			if n := len(b.Instrs); n > 0 {
				last := b.Instrs[n-1]
				if !last.Bad && last.Instr.Op.IsConditionalJump() {
					continue
				}
				if edges[0].Label == Unconditional && !last.Bad && last.Instr.Op.IsJump() {
					// A's only job was jumping straight to B; once B's
					// instructions follow directly, the jump is redundant.
					b.Instrs = b.Instrs[:n-1]
				}
			}

			b.Instrs = append(b.Instrs, succ.Instrs...)
			g.Edges[id] = g.Edges[succID]
			delete(g.Blocks, succID)
			delete(g.Edges, succID)
			did = true
			merged = true
		}
		if !did {
			break
		}
	}
	return merged
}
