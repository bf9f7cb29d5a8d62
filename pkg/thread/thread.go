// Package thread assembles flat message records into threaded
// conversations. Assembly is a pure function over its input: no I/O, no
// shared state, deterministic output for a fixed input set regardless of
// input order.
package thread

import (
	"sort"

	"github.com/driftmsg/drift/pkg/store"
)

// Node is one message plus its direct replies, ordered for display.
// Derived state only; rebuilt on demand from the flat message set.
type Node struct {
	Message  *store.Message
	Children []*Node
}

// Assemble converts a flat, possibly-unordered message slice into a forest
// of threads.
//
// A message whose declared parent is absent from the input set (deleted,
// or simply not fetched yet) becomes a root rather than being dropped;
// this tolerates partial and incremental loading. Attachment runs as a
// single pass over an index, so a message is attached at most once and a
// malformed parent pointer cannot produce a cycle.
//
// Roots are ordered newest-first. Within a node, children are ordered
// oldest-first (chronological reading order), recursively. Ties on
// timestamp break by ID so output stays deterministic.
func Assemble(messages []*store.Message) []*Node {
	if len(messages) == 0 {
		return nil
	}

	nodes := make(map[int64]*Node, len(messages))
	order := make([]int64, 0, len(messages))
	for _, msg := range messages {
		if _, seen := nodes[msg.ID]; seen {
			// Duplicate IDs in the input collapse to one node
			continue
		}
		nodes[msg.ID] = &Node{Message: msg}
		order = append(order, msg.ID)
	}

	var roots []*Node
	for _, id := range order {
		node := nodes[id]
		parentID := node.Message.ParentID
		if parentID == nil {
			roots = append(roots, node)
			continue
		}
		parent, ok := nodes[*parentID]
		if !ok || *parentID >= id {
			// Parent outside the loaded set, or a malformed pointer at a
			// newer message (IDs order by creation, so a real parent is
			// always older): promote to root instead of dropping. The
			// older-parent rule means attachment edges always point
			// forward in time, so cycles cannot form structurally.
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}

	sortRoots(roots)
	for _, root := range roots {
		sortChildren(root)
	}
	return roots
}

// Flatten returns every message in the forest in depth-first order.
func Flatten(roots []*Node) []*store.Message {
	var out []*store.Message
	var walk func(n *Node)
	walk = func(n *Node) {
		out = append(out, n.Message)
		for _, child := range n.Children {
			walk(child)
		}
	}
	for _, root := range roots {
		walk(root)
	}
	return out
}

func sortRoots(roots []*Node) {
	sort.Slice(roots, func(i, j int) bool {
		a, b := roots[i].Message, roots[j].Message
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return a.ID > b.ID
	})
}

func sortChildren(node *Node) {
	sort.Slice(node.Children, func(i, j int) bool {
		a, b := node.Children[i].Message, node.Children[j].Message
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
	for _, child := range node.Children {
		sortChildren(child)
	}
}
