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
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// TreeIndex identifies one block inside a blob. Multiplying by BlockSize
// yields the block's byte offset.
type TreeIndex uint32

// KeyID and ValueID are opaque 64-bit identifiers supplied by the caller,
// typically row ids of an external store holding the actual key and value
// bytes. The tree only compares and never interprets them.
type (
	KeyID   int64
	ValueID int64
)

// Hash is a 32-byte node commitment. Leaf hashes are chosen by the caller;
// internal hashes are derived via InternalHash.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Parent is an optional reference to a node's parent block. The zero value
// means "no parent", which is only valid for the root at index 0.
type Parent struct {
	index TreeIndex
	valid bool
}

// SomeParent creates a reference to the given parent index.
func SomeParent(index TreeIndex) Parent {
	return Parent{index: index, valid: true}
}

// NoParent creates the absent parent reference held by the root.
func NoParent() Parent {
	return Parent{}
}

// Get returns the referenced index and whether a reference is present.
func (p Parent) Get() (TreeIndex, bool) {
	return p.index, p.valid
}

// Exists reports whether a parent reference is present.
func (p Parent) Exists() bool {
	return p.valid
}

// NodeType discriminates the two node variants stored in a block.
type NodeType byte

const (
	NodeTypeInternal NodeType = 0
	NodeTypeLeaf     NodeType = 1
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeInternal:
		return "internal"
	case NodeTypeLeaf:
		return "leaf"
	default:
		return fmt.Sprintf("invalid(%d)", byte(t))
	}
}

// Side distinguishes the two children of an internal node.
type Side byte

const (
	SideLeft  Side = 0
	SideRight Side = 1
)

func (s Side) String() string {
	switch s {
	case SideLeft:
		return "left"
	case SideRight:
		return "right"
	default:
		return fmt.Sprintf("invalid(%d)", byte(s))
	}
}

// Serialized block format. A block is a fixed two-byte header of
// [node type, dirty] followed by the streamed node fields, zero padded to a
// fixed size so node references are plain block indexes.
const (
	metadataSize = 2
	dataSize     = 53

	// BlockSize is the serialized size of one block. dataSize is the worst
	// case node encoding: a leaf with a present parent reference, being
	// 32 (hash) + 1 + 4 (parent) + 8 (key) + 8 (value) bytes.
	BlockSize = metadataSize + dataSize
)

// NodeMetadata is the decoded block header.
type NodeMetadata struct {
	Type  NodeType
	Dirty bool
}

// Node is one tree node. The variant is given by Type: Left and Right are
// meaningful only for internal nodes, Key and Value only for leaves. The
// shared header fields Hash and Parent are always meaningful. A flat struct
// is used rather than an interface so nodes stay comparable values that are
// cheap to decode on every access.
type Node struct {
	Type   NodeType
	Hash   Hash
	Parent Parent

	// internal fields
	Left  TreeIndex
	Right TreeIndex

	// leaf fields
	Key   KeyID
	Value ValueID
}

// SiblingIndex returns the other child of this internal node, given one of
// its children.
func (n *Node) SiblingIndex(index TreeIndex) (TreeIndex, error) {
	switch index {
	case n.Right:
		return n.Left, nil
	case n.Left:
		return n.Right, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrIndexIsNotAChild, index)
	}
}

// SiblingSide returns the side the sibling of the given child is on.
func (n *Node) SiblingSide(index TreeIndex) (Side, error) {
	switch index {
	case n.Left:
		return SideRight, nil
	case n.Right:
		return SideLeft, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrIndexIsNotAChild, index)
	}
}

// AsLeaf returns the node if it is a leaf and ErrNodeNotALeaf otherwise.
func (n Node) AsLeaf() (Node, error) {
	if n.Type != NodeTypeLeaf {
		return Node{}, fmt.Errorf("%w: %v", ErrNodeNotALeaf, n.Type)
	}
	return n, nil
}

// Block pairs a node with its header metadata.
//
// NOTE: the metadata node type and the node's own type are not verified for
// agreement; encoding uses the metadata.
type Block struct {
	Metadata NodeMetadata
	Node     Node
}

// blockRange returns the byte offsets of the given block within a blob.
func blockRange(index TreeIndex) (start, end int) {
	start = int(index) * BlockSize
	return start, start + BlockSize
}

// ToBytes encodes the block into its fixed-size serialized form. Node fields
// are streamed in declaration order: hash, parent (one tag byte, then the
// index only when present), then the variant fields, all big-endian, zero
// padded to the block size.
func (b *Block) ToBytes() [BlockSize]byte {
	var buffer [BlockSize]byte
	buffer[0] = byte(b.Metadata.Type)
	if b.Metadata.Dirty {
		buffer[1] = 1
	}

	data := buffer[metadataSize:]
	copy(data[:32], b.Node.Hash[:])
	offset := 32
	if index, ok := b.Node.Parent.Get(); ok {
		data[offset] = 1
		binary.BigEndian.PutUint32(data[offset+1:], uint32(index))
		offset += 5
	} else {
		offset++
	}

	switch b.Metadata.Type {
	case NodeTypeInternal:
		binary.BigEndian.PutUint32(data[offset:], uint32(b.Node.Left))
		binary.BigEndian.PutUint32(data[offset+4:], uint32(b.Node.Right))
	case NodeTypeLeaf:
		binary.BigEndian.PutUint64(data[offset:], uint64(b.Node.Key))
		binary.BigEndian.PutUint64(data[offset+8:], uint64(b.Node.Value))
	}

	return buffer
}

// BlockFromBytes decodes one block. Padding bytes beyond the encoded node
// are ignored.
func BlockFromBytes(buffer [BlockSize]byte) (Block, error) {
	metadata, err := nodeMetadataFromBytes(buffer[0], buffer[1])
	if err != nil {
		return Block{}, err
	}
	node, err := nodeFromBytes(metadata, buffer[metadataSize:])
	if err != nil {
		return Block{}, err
	}
	return Block{Metadata: metadata, Node: node}, nil
}

func nodeMetadataFromBytes(nodeType, dirty byte) (NodeMetadata, error) {
	metadata := NodeMetadata{Type: NodeType(nodeType)}
	switch metadata.Type {
	case NodeTypeInternal, NodeTypeLeaf:
	default:
		return NodeMetadata{}, fmt.Errorf("%w: %d", ErrInvalidNodeType, nodeType)
	}
	switch dirty {
	case 0:
	case 1:
		metadata.Dirty = true
	default:
		return NodeMetadata{}, fmt.Errorf("%w: %d", ErrInvalidDirtyByte, dirty)
	}
	return metadata, nil
}

func nodeFromBytes(metadata NodeMetadata, data []byte) (Node, error) {
	node := Node{Type: metadata.Type}
	copy(node.Hash[:], data[:32])
	offset := 32
	switch data[offset] {
	case 0:
		offset++
	case 1:
		node.Parent = SomeParent(TreeIndex(binary.BigEndian.Uint32(data[offset+1:])))
		offset += 5
	default:
		return Node{}, fmt.Errorf("%w: %d", ErrInvalidParentTag, data[offset])
	}

	switch metadata.Type {
	case NodeTypeInternal:
		node.Left = TreeIndex(binary.BigEndian.Uint32(data[offset:]))
		node.Right = TreeIndex(binary.BigEndian.Uint32(data[offset+4:]))
	case NodeTypeLeaf:
		node.Key = KeyID(binary.BigEndian.Uint64(data[offset:]))
		node.Value = ValueID(binary.BigEndian.Uint64(data[offset+8:]))
	}
	return node, nil
}

// updateHash recomputes the internal hash from the given child hashes and
// clears the dirty flag.
func (b *Block) updateHash(left, right Hash) {
	b.Node.Hash = InternalHash(left, right)
	b.Metadata.Dirty = false
}

// tryGetBlock decodes the block at the given index of a raw blob.
func tryGetBlock(blob []byte, index TreeIndex) (Block, error) {
	start, end := blockRange(index)
	if end > len(blob) {
		return Block{}, fmt.Errorf("%w: %d", ErrBlockIndexOutOfBounds, index)
	}
	return BlockFromBytes([BlockSize]byte(blob[start:end]))
}
