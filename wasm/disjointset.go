package wasm

// disjointSet is a union-by-size, path-splitting disjoint-set forest over
// the dense index space [0, size). It backs the structural-equivalence
// check for recursive GC type groups, where two type indices are
// considered equal once anything has unified their sets.
type disjointSet struct {
	nodes []disjointSetNode
}

type disjointSetNode struct {
	parent uint32
	size   int
}

// newDisjointSet returns a forest of size singleton sets, {0}, {1}, ....
func newDisjointSet(size int) *disjointSet {
	nodes := make([]disjointSetNode, size)
	for i := range nodes {
		nodes[i] = disjointSetNode{parent: uint32(i), size: 1}
	}
	return &disjointSet{nodes: nodes}
}

// find returns the representative (root) index for x's set, using path
// splitting: every node visited on the way up is re-pointed at its
// grandparent, so repeated finds flatten the tree over time.
func (d *disjointSet) find(x uint32) uint32 {
	for d.nodes[x].parent != x {
		next := d.nodes[x].parent
		d.nodes[x].parent = d.nodes[next].parent
		x = next
	}
	return x
}

// sameSet reports whether x and y are currently in the same set.
func (d *disjointSet) sameSet(x, y uint32) bool {
	return d.find(x) == d.find(y)
}

// union merges the sets containing x and y, attaching the smaller tree
// under the larger one's root to keep find() paths short.
func (d *disjointSet) union(x, y uint32) {
	xroot, yroot := d.find(x), d.find(y)
	if xroot == yroot {
		return
	}
	xn, yn := &d.nodes[xroot], &d.nodes[yroot]
	if xn.size < yn.size {
		xn, yn = yn, xn
		xroot, yroot = yroot, xroot
	}
	yn.parent = xroot
	xn.size += yn.size
}
