// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package merkleblob

import (
	"fmt"
	"net/url"
	"strings"
)

// DotLines builds a graphviz rendering of a tree, useful when debugging
// structural issues. Traversal orders can be layered on top as red edges.
type DotLines struct {
	Nodes       []string
	Connections []string
	PairBoxes   []string
	Traversal   []string
	Note        string

	lastTraversedIndex *TreeIndex
}

// Push merges the lines of another rendering into this one.
func (d *DotLines) Push(other *DotLines) {
	d.Nodes = append(d.Nodes, other.Nodes...)
	d.Connections = append(d.Connections, other.Connections...)
	d.PairBoxes = append(d.PairBoxes, other.PairBoxes...)
	d.Traversal = append(d.Traversal, other.Traversal...)
}

// PushTraversal appends a red traversal edge from the previously pushed
// index to the given one.
func (d *DotLines) PushTraversal(index TreeIndex) {
	if d.lastTraversedIndex != nil {
		d.Traversal = append(d.Traversal, fmt.Sprintf(
			`node_%d -> node_%d [constraint=false; color="red"]`,
			*d.lastTraversedIndex, index))
	}
	d.lastTraversedIndex = &index
}

// SetNote sets a comment emitted at the top of the dump.
func (d *DotLines) SetNote(note string) *DotLines {
	d.Note = note
	return d
}

// Dump renders the accumulated lines as a graphviz digraph.
func (d *DotLines) Dump() string {
	var result []string
	if d.Note != "" {
		result = append(result, "# "+d.Note, "")
	}
	result = append(result, "digraph {")
	result = append(result, d.Nodes...)
	result = append(result, d.Connections...)
	result = append(result, d.PairBoxes...)
	result = append(result, d.Traversal...)
	result = append(result, "}", "")

	return strings.Join(result, "\n")
}

// URL returns an edotor.net link rendering the graph, handy for pasting into
// a browser while debugging.
func (d *DotLines) URL() string {
	target := url.URL{
		Scheme:   "http",
		Host:     "edotor.net",
		RawQuery: url.Values{"engine": []string{"dot"}}.Encode(),
		Fragment: d.Dump(),
	}
	return target.String()
}

// toDot renders a single node and its edges.
func (n *Node) toDot(index TreeIndex) *DotLines {
	nodeToParent := ""
	if parent, ok := n.Parent.Get(); ok {
		nodeToParent = fmt.Sprintf("node_%d -> node_%d [constraint=false]", index, parent)
	}

	switch n.Type {
	case NodeTypeInternal:
		return &DotLines{
			Nodes: []string{
				fmt.Sprintf(`node_%d [label="%d"]`, index, index),
			},
			Connections: []string{
				fmt.Sprintf("node_%d -> node_%d;", index, n.Left),
				fmt.Sprintf("node_%d -> node_%d;", index, n.Right),
				nodeToParent,
			},
			PairBoxes: []string{
				fmt.Sprintf(
					"subgraph cluster_node_%d_children { style=invis; {rank = same; node_%d->node_%d[style=invis]; rankdir = LR} }",
					index, n.Left, n.Right),
			},
		}
	default:
		return &DotLines{
			Nodes: []string{
				fmt.Sprintf(`node_%d [shape=box, label="%d\nkey: %d\nvalue: %d"];`,
					index, index, n.Key, n.Value),
			},
			Connections: []string{nodeToParent},
		}
	}
}

// ToDot renders the whole tree.
func (m *MerkleBlob) ToDot() (*DotLines, error) {
	result := &DotLines{}
	iterator := NewLeftChildFirstIterator(m.blob, nil)
	for iterator.Next() {
		index, block := iterator.Item()
		result.Push(block.Node.toDot(index))
	}
	if err := iterator.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
