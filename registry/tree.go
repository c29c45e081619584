package registry

import (
	"fmt"

	"github.com/hupe1980/flowmesh/core"
)

// Node is a derived tree view of a session and its descendants.
type Node struct {
	Session  *core.Session `json:"session"`
	Children []*Node       `json:"children"`
}

// Walk visits n and its descendants depth-first; depth starts at 0.
func (n *Node) Walk(fn func(n *Node, depth int)) {
	var walk func(*Node, int)
	walk = func(cur *Node, depth int) {
		fn(cur, depth)
		for _, c := range cur.Children {
			walk(c, depth+1)
		}
	}
	walk(n, 0)
}

// Sessions flattens the tree in depth-first order.
func (n *Node) Sessions() []*core.Session {
	var out []*core.Session
	n.Walk(func(cur *Node, _ int) { out = append(out, cur.Session) })
	return out
}

// Tree builds the tree rooted at rootID from a consistent snapshot.
func (r *Registry) Tree(rootID string) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.sessions[rootID]; !ok {
		return nil, fmt.Errorf("session %s: %w", rootID, core.ErrNotFound)
	}
	var build func(id string, seen map[string]bool) *Node
	build = func(id string, seen map[string]bool) *Node {
		s := r.sessions[id]
		n := &Node{Session: s.Clone(), Children: []*Node{}}
		seen[id] = true
		for _, cid := range s.ChildIDs {
			if _, ok := r.sessions[cid]; ok && !seen[cid] {
				n.Children = append(n.Children, build(cid, seen))
			}
		}
		return n
	}
	return build(rootID, map[string]bool{}), nil
}

// Forest returns the trees of every root in creation order.
func (r *Registry) Forest() []*Node {
	roots := r.Roots()
	out := make([]*Node, 0, len(roots))
	for _, root := range roots {
		if n, err := r.Tree(root.ID); err == nil {
			out = append(out, n)
		}
	}
	return out
}
