package highway

import (
	"sort"

	"github.com/ahwlsqja/highway-casper/types"
)

type blockNode struct {
	block *types.Block
	hash  types.Hash
	depth int // 0 for the era's first blocks
	unit  types.Hash
}

// BlockTree indexes the blocks proposed in one era by parent.
// The zero hash stands for the virtual root every first block hangs off.
type BlockTree struct {
	nodes    map[types.Hash]*blockNode
	children map[types.Hash][]types.Hash
}

func NewBlockTree() *BlockTree {
	return &BlockTree{
		nodes:    make(map[types.Hash]*blockNode),
		children: make(map[types.Hash][]types.Hash),
	}
}

// Add records a block proposed by the given unit. The parent must already be present.
func (t *BlockTree) Add(b *types.Block, unit types.Hash) types.Hash {
	h := b.Hash()
	if _, ok := t.nodes[h]; ok {
		return h
	}
	depth := 0
	if parent, ok := t.nodes[b.ParentHash]; ok {
		depth = parent.depth + 1
	}
	t.nodes[h] = &blockNode{block: b, hash: h, depth: depth, unit: unit}
	t.children[b.ParentHash] = append(t.children[b.ParentHash], h)
	return h
}

// Get returns a block by hash.
func (t *BlockTree) Get(h types.Hash) (*types.Block, bool) {
	n, ok := t.nodes[h]
	if !ok {
		return nil, false
	}
	return n.block, true
}

// Has reports whether the block is known.
func (t *BlockTree) Has(h types.Hash) bool {
	_, ok := t.nodes[h]
	return ok
}

// ProposalUnit returns the hash of the unit that proposed block h.
func (t *BlockTree) ProposalUnit(h types.Hash) (types.Hash, bool) {
	n, ok := t.nodes[h]
	if !ok {
		return types.ZeroHash, false
	}
	return n.unit, true
}

// Children returns the children of h ordered by hash.
func (t *BlockTree) Children(h types.Hash) []types.Hash {
	kids := append([]types.Hash(nil), t.children[h]...)
	sort.Slice(kids, func(i, j int) bool { return kids[i].Less(kids[j]) })
	return kids
}

// Len returns the number of known blocks.
func (t *BlockTree) Len() int {
	return len(t.nodes)
}

// Descends reports whether desc equals anc or has it as an ancestor.
// The zero hash is an ancestor of every block.
func (t *BlockTree) Descends(desc, anc types.Hash) bool {
	if anc.IsZero() {
		return true
	}
	target, ok := t.nodes[anc]
	if !ok {
		return false
	}
	n, ok := t.nodes[desc]
	for ok && n.depth > target.depth {
		n, ok = t.nodes[n.block.ParentHash]
	}
	return ok && n.hash == anc
}

// Ancestors walks from h up to, but excluding, stop and calls fn for every block.
func (t *BlockTree) Ancestors(h, stop types.Hash, fn func(types.Hash, *types.Block)) {
	for n, ok := t.nodes[h]; ok && n.hash != stop; n, ok = t.nodes[n.block.ParentHash] {
		fn(n.hash, n.block)
	}
}

// ForkChoice runs GHOST from root: at every step it descends into the child carrying the
// most weight from the latest votes of correct validators. Ties go to the smaller hash.
func ForkChoice(dag *DAG, tree *BlockTree, root types.Hash) types.Hash {
	score := make(map[types.Hash]uint64)
	vs := dag.Validators()
	for v := 0; v < vs.Len(); v++ {
		if dag.IsFaulty(v) {
			continue
		}
		latest, ok := dag.Latest(v)
		if !ok || latest.VotedBlock.IsZero() || !tree.Descends(latest.VotedBlock, root) {
			continue
		}
		w := vs.Weight(v)
		tree.Ancestors(latest.VotedBlock, root, func(h types.Hash, _ *types.Block) {
			score[h] += w
		})
	}

	tip := root
	for {
		var best types.Hash
		var bestScore uint64
		for _, c := range tree.Children(tip) {
			if s := score[c]; s > bestScore {
				best, bestScore = c, s
			}
		}
		if bestScore == 0 {
			return tip
		}
		tip = best
	}
}
