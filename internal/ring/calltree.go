package ring

import (
	"encoding/json"
	"sort"
)

// Node is one frame in the merged call tree: a rose tree whose per-node
// counts approximate aggregate time-on-stack.
type Node struct {
	Address   uint64  `json:"address"`
	Symbol    string  `json:"symbol,omitempty"`
	Module    string  `json:"module,omitempty"`
	Count     int     `json:"count"`
	CPUWeight float64 `json:"cpu_weight,omitempty"`
	Children  []*Node `json:"children,omitempty"`
}

// CallTree merges stack samples top-to-bottom: at each depth the sample's
// address is matched against the existing siblings and inserted or
// incremented.
type CallTree struct {
	root *Node
}

// NewCallTree returns an empty tree.
func NewCallTree() *CallTree {
	return &CallTree{root: &Node{}}
}

// AddSample merges one sample into the tree, weighting every touched node
// by the sample's CPU share.
func (t *CallTree) AddSample(s Sample) {
	cur := t.root
	for _, addr := range s.Addrs {
		var child *Node
		for _, c := range cur.Children {
			if c.Address == addr {
				child = c
				break
			}
		}
		if child == nil {
			child = &Node{Address: addr}
			cur.Children = append(cur.Children, child)
		}
		child.Count++
		child.CPUWeight += s.CPUPercent
		cur = child
	}
}

// Sort orders every sibling list by descending repeat count.
func (t *CallTree) Sort() {
	var walk func(n *Node)
	walk = func(n *Node) {
		sort.SliceStable(n.Children, func(i, j int) bool {
			return n.Children[i].Count > n.Children[j].Count
		})
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(t.root)
}

// Visit calls fn on every node, parents before children.
func (t *CallTree) Visit(fn func(n *Node)) {
	var walk func(n *Node)
	walk = func(n *Node) {
		for _, c := range n.Children {
			fn(c)
			walk(c)
		}
	}
	walk(t.root)
}

// Roots returns the tree's first level.
func (t *CallTree) Roots() []*Node { return t.root.Children }

// MarshalJSON renders the tree as its root list.
func (t *CallTree) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.root.Children)
}

// Profile merges every sample currently in the ring into a sorted call
// tree and renders it as JSON.
func (r *Ring) Profile() ([]byte, error) {
	tree := NewCallTree()
	for _, s := range r.Samples() {
		tree.AddSample(s)
	}
	tree.Sort()
	return json.Marshal(tree)
}

// Tree merges every sample currently in the ring into a sorted call tree.
func (r *Ring) Tree() *CallTree {
	tree := NewCallTree()
	for _, s := range r.Samples() {
		tree.AddSample(s)
	}
	tree.Sort()
	return tree
}
