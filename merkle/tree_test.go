package merkle

import "testing"

func TestBuildTreePromotesLoneTrailingNode(t *testing.T) {
	h := newPoseidonHasher()
	leaves := []*Node{
		h.newLeaf([]byte("a"), 1),
		h.newLeaf([]byte("b"), 2),
		h.newLeaf([]byte("c"), 3),
	}
	root := h.buildTree(leaves)
	if root == nil {
		t.Fatal("expected non-nil root")
	}
	// Three leaves: level one pairs (a,b) into an internal node and
	// promotes c unchanged, level two combines them. The promoted leaf
	// must appear byte-for-byte as a child, not re-hashed alone.
	if root.Right == nil || string(root.Right.Hash) != string(leaves[2].Hash) {
		t.Fatal("expected lone trailing leaf promoted unchanged into the next level")
	}
}

func TestBuildTreeEmptyIsNil(t *testing.T) {
	h := newPoseidonHasher()
	if h.buildTree(nil) != nil {
		t.Fatal("expected nil root for no leaves")
	}
}

func TestBuildTreeSingleLeafIsRoot(t *testing.T) {
	h := newPoseidonHasher()
	leaf := h.newLeaf([]byte("solo"), 1)
	root := h.buildTree([]*Node{leaf})
	if root != leaf {
		t.Fatal("expected single leaf returned as-is")
	}
}

func TestHashLeafIsDeterministicAndDistinguishesInputs(t *testing.T) {
	h := newPoseidonHasher()
	a := h.hashLeaf([]byte("payload-a"))
	b := h.hashLeaf([]byte("payload-a"))
	c := h.hashLeaf([]byte("payload-b"))
	if string(a) != string(b) {
		t.Fatal("hashLeaf must be deterministic for identical input")
	}
	if string(a) == string(c) {
		t.Fatal("hashLeaf must distinguish different inputs")
	}
}

func TestHashNodesDistinguishesFromHashLeaf(t *testing.T) {
	h := newPoseidonHasher()
	left := h.hashLeaf([]byte("left"))
	right := h.hashLeaf([]byte("right"))
	internal := h.hashNodes(left, right)
	if string(internal) == string(left) || string(internal) == string(right) {
		t.Fatal("internal node hash must differ from either child hash")
	}
}
