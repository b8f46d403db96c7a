package merkle

// Node is a Merkle tree node. Leaves carry EventData; internal nodes
// carry Left/Right and no EventData, per spec.md §3.
type Node struct {
	Hash            []byte
	TimestampMicros int64
	Left            *Node
	Right           *Node
	EventData       []byte
}

func (h *poseidonHasher) newLeaf(data []byte, timestampMicros int64) *Node {
	return &Node{
		Hash:            h.hashLeaf(data),
		TimestampMicros: timestampMicros,
		EventData:       append([]byte(nil), data...),
	}
}

func (h *poseidonHasher) newInternal(left, right *Node) *Node {
	ts := left.TimestampMicros
	if right.TimestampMicros > ts {
		ts = right.TimestampMicros
	}
	return &Node{
		Hash:            h.hashNodes(left.Hash, right.Hash),
		TimestampMicros: ts,
		Left:            left,
		Right:           right,
	}
}

// buildTree folds leaves (already in ascending key order) bottom-up
// into a single root. A lone trailing node at any level is promoted
// unchanged rather than duplicated, per spec.md §4.I step 2. buildTree
// is pure and is run identically whether called live during rotation
// or later to recompute a historical root from its stored leaves
// (spec.md invariant 7).
func (h *poseidonHasher) buildTree(leaves []*Node) *Node {
	if len(leaves) == 0 {
		return nil
	}
	level := leaves
	for len(level) > 1 {
		next := make([]*Node, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, h.newInternal(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}
	return level[0]
}
