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
	"slices"
)

// Assumptions made throughout this file:
//  - the root is at index 0
//  - a tree with no keys has a zero length blob

// insertLocationKind discriminates the InsertLocation variants.
type insertLocationKind uint8

const (
	insertAuto insertLocationKind = iota
	insertAsRoot
	insertLeaf
)

// InsertLocation selects where Insert attaches a new leaf: automatically by a
// pseudo random walk derived from the key, as the root of an empty tree, or
// next to a specific existing leaf.
type InsertLocation struct {
	kind  insertLocationKind
	index TreeIndex
	side  Side
}

// InsertAuto selects a pseudo random location derived from the inserted key.
func InsertAuto() InsertLocation {
	return InsertLocation{kind: insertAuto}
}

// InsertAsRoot places the leaf as the root of an empty tree.
func InsertAsRoot() InsertLocation {
	return InsertLocation{kind: insertAsRoot}
}

// InsertAtLeaf places the new leaf next to the leaf at the given index, on
// the given side of the internal node that replaces it.
func InsertAtLeaf(index TreeIndex, side Side) InsertLocation {
	return InsertLocation{kind: insertLeaf, index: index, side: side}
}

// KeyValueHash is one entry of a batch insertion.
type KeyValueHash struct {
	Key   KeyID
	Value ValueID
	Hash  Hash
}

type (
	NodeHashToIndex           = map[Hash]TreeIndex
	NodeHashToDeltaReaderNode = map[Hash]DeltaReaderNode
)

// MerkleBlob stores a merkle tree in a contiguous byte buffer and
// deserializes blocks on each access so that only the parts presently in use
// are held in live objects. The bytes are grouped as blocks of equal size
// regardless of node variant so that block indexes can serve as node
// references and convert directly to byte offsets. Leaves do not hold key
// and value data but an id for each, letting the caller store the actual
// bytes as they see fit. Each node stores the hash for the merkle aspect of
// the tree.
//
// MerkleBlob is not safe for concurrent use.
type MerkleBlob struct {
	blob  []byte
	cache blockStatusCache
}

// NewMerkleBlob creates a tree over the given raw bytes, validating the
// structure and rebuilding the block status cache. An empty or nil slice
// creates an empty tree.
func NewMerkleBlob(blob []byte) (*MerkleBlob, error) {
	if remainder := len(blob) % BlockSize; remainder != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBlobLength, remainder)
	}

	cache, err := blockStatusCacheFromBlob(blob)
	if err != nil {
		return nil, err
	}

	return &MerkleBlob{blob: blob, cache: cache}, nil
}

// Clone creates an independent deep copy of the tree.
func (m *MerkleBlob) Clone() *MerkleBlob {
	return &MerkleBlob{
		blob:  slices.Clone(m.blob),
		cache: m.cache.clone(),
	}
}

// ReadBlob exposes the raw serialized bytes of the tree. The returned slice
// is the live buffer and must not be modified.
func (m *MerkleBlob) ReadBlob() []byte {
	return m.blob
}

// Empty reports whether the tree holds no keys.
func (m *MerkleBlob) Empty() bool {
	return m.cache.noKeys()
}

func (m *MerkleBlob) clear() {
	m.blob = m.blob[:0]
	m.cache.clear()
}

// Insert adds a new key/value pair with the given leaf hash at the requested
// location. It fails if the key or the hash is already present.
func (m *MerkleBlob) Insert(
	key KeyID,
	value ValueID,
	hash Hash,
	insertLocation InsertLocation,
) (TreeIndex, error) {
	if m.cache.containsKey(key) {
		return 0, fmt.Errorf("%w: %d", ErrKeyAlreadyPresent, key)
	}
	if m.cache.containsLeafHash(hash) {
		return 0, fmt.Errorf("%w: %x", ErrHashAlreadyPresent, hash)
	}

	if insertLocation.kind == insertAuto {
		resolved, err := m.getRandomInsertLocationByKeyID(key)
		if err != nil {
			return 0, err
		}
		insertLocation = resolved
	}

	switch insertLocation.kind {
	case insertAsRoot:
		if !m.cache.noKeys() {
			return 0, ErrUnableToInsertAsRootOfNonEmptyTree
		}
		return m.insertFirst(key, value, hash)
	case insertLeaf:
		oldLeaf, err := m.GetNode(insertLocation.index)
		if err != nil {
			return 0, err
		}
		if oldLeaf, err = oldLeaf.AsLeaf(); err != nil {
			return 0, err
		}

		var internalNodeHash Hash
		switch insertLocation.side {
		case SideLeft:
			internalNodeHash = InternalHash(hash, oldLeaf.Hash)
		case SideRight:
			internalNodeHash = InternalHash(oldLeaf.Hash, hash)
		}

		node := Node{
			Type:  NodeTypeLeaf,
			Hash:  hash,
			Key:   key,
			Value: value,
		}

		if m.cache.leafCount() == 1 {
			return m.insertSecond(node, &oldLeaf, internalNodeHash, insertLocation.side)
		}
		return m.insertThirdOrLater(node, &oldLeaf, insertLocation.index, internalNodeHash, insertLocation.side)
	default:
		panic(fmt.Sprintf("unresolved insert location kind: %d", insertLocation.kind))
	}
}

func (m *MerkleBlob) insertFirst(key KeyID, value ValueID, hash Hash) (TreeIndex, error) {
	newLeafBlock := Block{
		Metadata: NodeMetadata{Type: NodeTypeLeaf},
		Node: Node{
			Type:  NodeTypeLeaf,
			Hash:  hash,
			Key:   key,
			Value: value,
		},
	}

	index := m.extendIndex()
	if err := m.insertEntryToBlob(index, &newLeafBlock); err != nil {
		return 0, err
	}

	return index, nil
}

// insertSecond rebuilds the tree from scratch: a root internal node at index
// 0 with the old and the new leaf as its children at indexes 1 and 2.
func (m *MerkleBlob) insertSecond(
	node Node,
	oldLeaf *Node,
	internalNodeHash Hash,
	side Side,
) (TreeIndex, error) {
	m.clear()
	rootIndex := m.getNewIndex()
	leftIndex := m.getNewIndex()
	rightIndex := m.getNewIndex()

	newInternalBlock := Block{
		Metadata: NodeMetadata{Type: NodeTypeInternal},
		Node: Node{
			Type:  NodeTypeInternal,
			Hash:  internalNodeHash,
			Left:  leftIndex,
			Right: rightIndex,
		},
	}
	if err := m.insertEntryToBlob(rootIndex, &newInternalBlock); err != nil {
		return 0, err
	}

	node.Parent = SomeParent(0)

	oldLeafIndex, newLeafIndex := leftIndex, rightIndex
	if side == SideLeft {
		oldLeafIndex, newLeafIndex = rightIndex, leftIndex
	}

	oldLeafNode := Node{
		Type:   NodeTypeLeaf,
		Hash:   oldLeaf.Hash,
		Parent: SomeParent(0),
		Key:    oldLeaf.Key,
		Value:  oldLeaf.Value,
	}
	for _, entry := range []struct {
		index TreeIndex
		node  Node
	}{
		{oldLeafIndex, oldLeafNode},
		{newLeafIndex, node},
	} {
		block := Block{
			Metadata: NodeMetadata{Type: NodeTypeLeaf},
			Node:     entry.node,
		}
		if err := m.insertEntryToBlob(entry.index, &block); err != nil {
			return 0, err
		}
	}

	return newLeafIndex, nil
}

// insertThirdOrLater replaces the old leaf's position with a new internal
// node holding the old and the new leaf, and marks the lineage above it
// dirty.
func (m *MerkleBlob) insertThirdOrLater(
	node Node,
	oldLeaf *Node,
	oldLeafIndex TreeIndex,
	internalNodeHash Hash,
	side Side,
) (TreeIndex, error) {
	newLeafIndex := m.getNewIndex()
	newInternalNodeIndex := m.getNewIndex()

	node.Parent = SomeParent(newInternalNodeIndex)

	newLeafBlock := Block{
		Metadata: NodeMetadata{Type: NodeTypeLeaf},
		Node:     node,
	}
	if err := m.insertEntryToBlob(newLeafIndex, &newLeafBlock); err != nil {
		return 0, err
	}

	leftIndex, rightIndex := oldLeafIndex, newLeafIndex
	if side == SideLeft {
		leftIndex, rightIndex = newLeafIndex, oldLeafIndex
	}
	newInternalBlock := Block{
		Metadata: NodeMetadata{Type: NodeTypeInternal},
		Node: Node{
			Type:   NodeTypeInternal,
			Hash:   internalNodeHash,
			Parent: oldLeaf.Parent,
			Left:   leftIndex,
			Right:  rightIndex,
		},
	}
	if err := m.insertEntryToBlob(newInternalNodeIndex, &newInternalBlock); err != nil {
		return 0, err
	}

	oldParentIndex, ok := oldLeaf.Parent.Get()
	if !ok {
		panic("root found when not expected")
	}

	if _, err := m.updateParent(oldLeafIndex, SomeParent(newInternalNodeIndex)); err != nil {
		return 0, err
	}

	oldParentBlock, err := m.getBlock(oldParentIndex)
	if err != nil {
		return 0, err
	}
	if oldParentBlock.Metadata.Type != NodeTypeInternal {
		panic("expected internal node but found leaf")
	}
	switch oldLeafIndex {
	case oldParentBlock.Node.Left:
		oldParentBlock.Node.Left = newInternalNodeIndex
	case oldParentBlock.Node.Right:
		oldParentBlock.Node.Right = newInternalNodeIndex
	default:
		panic("child not a child of its parent")
	}
	if err := m.insertEntryToBlob(oldParentIndex, &oldParentBlock); err != nil {
		return 0, err
	}

	if err := m.markLineageAsDirty(oldParentIndex); err != nil {
		return 0, err
	}

	return newLeafIndex, nil
}

// BatchInsert adds many entries at once. Up to two entries are taken from
// the end of the list to bootstrap a small tree, the remainder is built
// bottom-up into a balanced subtree with resolved hashes and spliced in at
// the leaf closest to the root.
func (m *MerkleBlob) BatchInsert(keysValuesHashes []KeyValueHash) error {
	keysValuesHashes = slices.Clone(keysValuesHashes)
	var indexes []TreeIndex

	if m.cache.leafCount() <= 1 {
		for i := 0; i < 2; i++ {
			if len(keysValuesHashes) == 0 {
				return nil
			}
			entry := keysValuesHashes[len(keysValuesHashes)-1]
			keysValuesHashes = keysValuesHashes[:len(keysValuesHashes)-1]
			if _, err := m.Insert(entry.Key, entry.Value, entry.Hash, InsertAuto()); err != nil {
				return err
			}
		}
	}

	for _, entry := range keysValuesHashes {
		newLeafIndex := m.getNewIndex()
		newBlock := Block{
			Metadata: NodeMetadata{Type: NodeTypeLeaf},
			Node: Node{
				Type:  NodeTypeLeaf,
				Hash:  entry.Hash,
				Key:   entry.Key,
				Value: entry.Value,
			},
		}
		if err := m.insertEntryToBlob(newLeafIndex, &newBlock); err != nil {
			return err
		}
		indexes = append(indexes, newLeafIndex)
	}

	for len(indexes) > 1 {
		var newIndexes []TreeIndex

		for position := 0; position < len(indexes); position += 2 {
			if position+1 == len(indexes) {
				newIndexes = append(newIndexes, indexes[position])
				continue
			}
			index1, index2 := indexes[position], indexes[position+1]

			newInternalNodeIndex := m.getNewIndex()

			var hashes []Hash
			for _, index := range []TreeIndex{index1, index2} {
				block, err := m.updateParent(index, SomeParent(newInternalNodeIndex))
				if err != nil {
					return err
				}
				hashes = append(hashes, block.Node.Hash)
			}

			newBlock := Block{
				Metadata: NodeMetadata{Type: NodeTypeInternal},
				Node: Node{
					Type:  NodeTypeInternal,
					Hash:  InternalHash(hashes[0], hashes[1]),
					Left:  index1,
					Right: index2,
				},
			}
			if err := m.insertEntryToBlob(newInternalNodeIndex, &newBlock); err != nil {
				return err
			}
			newIndexes = append(newIndexes, newInternalNodeIndex)
		}

		indexes = newIndexes
	}

	if len(indexes) == 1 {
		minHeightLeaf, err := m.getMinHeightLeaf()
		if err != nil {
			return err
		}
		return m.insertSubtreeAtKey(minHeightLeaf.Key, indexes[0], SideLeft)
	}

	return nil
}

// insertSubtreeAtKey splices an already built subtree in next to the leaf
// holding the given key, on the given side.
func (m *MerkleBlob) insertSubtreeAtKey(
	oldLeafKey KeyID,
	newIndex TreeIndex,
	side Side,
) error {
	newInternalNodeIndex := m.getNewIndex()
	oldLeafIndex, oldLeaf, _, err := m.GetLeafByKey(oldLeafKey)
	if err != nil {
		return err
	}
	newNode, err := m.GetNode(newIndex)
	if err != nil {
		return err
	}

	leftIndex, rightIndex := oldLeafIndex, newIndex
	leftHash, rightHash := oldLeaf.Hash, newNode.Hash
	if side == SideLeft {
		leftIndex, rightIndex = newIndex, oldLeafIndex
		leftHash, rightHash = newNode.Hash, oldLeaf.Hash
	}

	block := Block{
		Metadata: NodeMetadata{Type: NodeTypeInternal},
		Node: Node{
			Type:   NodeTypeInternal,
			Hash:   InternalHash(leftHash, rightHash),
			Parent: oldLeaf.Parent,
			Left:   leftIndex,
			Right:  rightIndex,
		},
	}
	if err := m.insertEntryToBlob(newInternalNodeIndex, &block); err != nil {
		return err
	}
	if _, err := m.updateParent(newIndex, SomeParent(newInternalNodeIndex)); err != nil {
		return err
	}

	oldLeafParent, ok := oldLeaf.Parent.Get()
	if !ok {
		return ErrLeafCannotBeRootWhenInsertingSubtree
	}

	parent, err := m.getBlock(oldLeafParent)
	if err != nil {
		return err
	}
	if parent.Metadata.Type != NodeTypeInternal {
		panic("expected internal node but found leaf")
	}
	switch oldLeafIndex {
	case parent.Node.Left:
		parent.Node.Left = newInternalNodeIndex
	case parent.Node.Right:
		parent.Node.Right = newInternalNodeIndex
	default:
		panic("parent not a child of grandparent")
	}
	if err := m.insertEntryToBlob(oldLeafParent, &parent); err != nil {
		return err
	}
	if err := m.markLineageAsDirty(oldLeafParent); err != nil {
		return err
	}
	if _, err := m.updateParent(oldLeafIndex, SomeParent(newInternalNodeIndex)); err != nil {
		return err
	}

	return nil
}

func (m *MerkleBlob) getMinHeightLeaf() (Node, error) {
	iterator := NewBreadthFirstIterator(m.blob, nil)
	if !iterator.Next() {
		if err := iterator.Err(); err != nil {
			return Node{}, err
		}
		return Node{}, ErrUnableToFindALeaf
	}
	_, block := iterator.Item()

	return block.Node, nil
}

// Delete removes the leaf holding the given key. Its sibling takes the place
// of their shared parent, moving to index 0 if the parent was the root.
func (m *MerkleBlob) Delete(key KeyID) error {
	leafIndex, leaf, _, err := m.GetLeafByKey(key)
	if err != nil {
		return err
	}
	if err := m.cache.removeLeaf(&leaf); err != nil {
		return err
	}

	parentIndex, ok := leaf.Parent.Get()
	if !ok {
		m.clear()
		return nil
	}

	parent, err := m.GetNode(parentIndex)
	if err != nil {
		return err
	}
	if parent.Type != NodeTypeInternal {
		panic(fmt.Sprintf("parent node not internal: %d", parentIndex))
	}
	siblingIndex, err := parent.SiblingIndex(leafIndex)
	if err != nil {
		return err
	}
	siblingBlock, err := m.getBlock(siblingIndex)
	if err != nil {
		return err
	}

	grandparentIndex, ok := parent.Parent.Get()
	if !ok {
		siblingBlock.Node.Parent = NoParent()
		destination := TreeIndex(0)
		if siblingBlock.Metadata.Type == NodeTypeInternal {
			for _, childIndex := range []TreeIndex{siblingBlock.Node.Left, siblingBlock.Node.Right} {
				if _, err := m.updateParent(childIndex, SomeParent(destination)); err != nil {
					return err
				}
			}
		}

		if err := m.insertEntryToBlob(destination, &siblingBlock); err != nil {
			return err
		}
		return m.cache.moveIndex(siblingIndex, destination)
	}

	m.cache.removeInternal(parentIndex)
	grandparentBlock, err := m.getBlock(grandparentIndex)
	if err != nil {
		return err
	}

	siblingBlock.Node.Parent = SomeParent(grandparentIndex)
	if err := m.insertEntryToBlob(siblingIndex, &siblingBlock); err != nil {
		return err
	}

	if grandparentBlock.Metadata.Type != NodeTypeInternal {
		panic("grandparent not an internal node")
	}
	switch parentIndex {
	case grandparentBlock.Node.Left:
		grandparentBlock.Node.Left = siblingIndex
	case grandparentBlock.Node.Right:
		grandparentBlock.Node.Right = siblingIndex
	default:
		panic("parent not a child of grandparent")
	}
	if err := m.insertEntryToBlob(grandparentIndex, &grandparentBlock); err != nil {
		return err
	}

	return m.markLineageAsDirty(grandparentIndex)
}

// Upsert overwrites the value and hash of an existing key in place, or
// inserts at an automatic location when the key is absent.
func (m *MerkleBlob) Upsert(key KeyID, value ValueID, newHash Hash) error {
	leafIndex, leaf, block, err := m.GetLeafByKey(key)
	if err != nil {
		_, err := m.Insert(key, value, newHash, InsertAuto())
		return err
	}

	if err := m.cache.removeLeaf(&leaf); err != nil {
		return err
	}
	leaf.Hash = newHash
	leaf.Value = value
	block.Node = leaf
	if err := m.insertEntryToBlob(leafIndex, &block); err != nil {
		return err
	}

	if parent, ok := block.Node.Parent.Get(); ok {
		return m.markLineageAsDirty(parent)
	}

	return nil
}

// CheckIntegrity verifies the tree's structure and caches, then resolves all
// hashes on a clone and verifies again so that dirty trees are covered too.
func (m *MerkleBlob) CheckIntegrity() error {
	if err := m.checkJustIntegrity(); err != nil {
		return err
	}

	clone := m.Clone()
	if err := clone.CalculateLazyHashes(); err != nil {
		return err
	}
	return clone.checkJustIntegrity()
}

func (m *MerkleBlob) checkJustIntegrity() error {
	leafCount := 0
	internalCount := 0
	childToParent := map[TreeIndex]TreeIndex{}

	iterator := NewParentFirstIterator(m.blob, nil)
	for iterator.Next() {
		index, block := iterator.Item()
		if parent, ok := block.Node.Parent.Get(); ok {
			recorded, found := childToParent[index]
			delete(childToParent, index)
			if !found || recorded != parent {
				return fmt.Errorf("%w: %d", ErrIntegrityParentChildMismatch, index)
			}
		}
		switch block.Metadata.Type {
		case NodeTypeInternal:
			internalCount++
			childToParent[block.Node.Left] = index
			childToParent[block.Node.Right] = index
		case NodeTypeLeaf:
			leafCount++
			cachedIndex, ok := m.cache.getIndexByKey(block.Node.Key)
			if !ok {
				return fmt.Errorf("%w: %d", ErrIntegrityKeyNotInCache, block.Node.Key)
			}
			if cachedIndex != index {
				return fmt.Errorf("%w: key %d at %d cached as %d",
					ErrIntegrityKeyToIndexCacheIndex, block.Node.Key, index, cachedIndex)
			}
			if m.cache.isIndexFree(index) {
				return fmt.Errorf("%w: %d", ErrIntegrityActiveIndexInFreeList, index)
			}
		}
	}
	if err := iterator.Err(); err != nil {
		return err
	}

	if keyCacheLength := m.cache.leafCount(); leafCount != keyCacheLength {
		return fmt.Errorf("%w: %d leaves, %d cached",
			ErrIntegrityKeyToIndexCacheLength, leafCount, keyCacheLength)
	}
	if hashCacheLength := len(m.cache.leafHashToIndex); leafCount != hashCacheLength {
		return fmt.Errorf("%w: %d leaves, %d cached",
			ErrIntegrityLeafHashToIndexCacheLength, leafCount, hashCacheLength)
	}
	totalCount := leafCount + internalCount + m.cache.freeIndexCount()
	extendIndex := m.extendIndex()
	if totalCount != int(extendIndex) {
		return fmt.Errorf("%w: %d blocks, %d accounted",
			ErrIntegrityTotalNodeCount, extendIndex, totalCount)
	}
	if len(childToParent) != 0 {
		return fmt.Errorf("%w: %d",
			ErrIntegrityUnmatchedChildParentRelationships, len(childToParent))
	}

	return nil
}

func (m *MerkleBlob) updateParent(index TreeIndex, parent Parent) (Block, error) {
	block, err := m.getBlock(index)
	if err != nil {
		return Block{}, err
	}
	block.Node.Parent = parent
	if err := m.insertEntryToBlob(index, &block); err != nil {
		return Block{}, err
	}

	return block, nil
}

// markLineageAsDirty flags the block and all its ancestors for rehashing,
// stopping early at the first block that is already dirty.
func (m *MerkleBlob) markLineageAsDirty(index TreeIndex) error {
	nextIndex := SomeParent(index)

	for {
		thisIndex, ok := nextIndex.Get()
		if !ok {
			return nil
		}
		block, err := m.getBlock(thisIndex)
		if err != nil {
			return err
		}

		if block.Metadata.Dirty {
			return nil
		}

		block.Metadata.Dirty = true
		if err := m.insertEntryToBlob(thisIndex, &block); err != nil {
			return err
		}
		nextIndex = block.Node.Parent
	}
}

func (m *MerkleBlob) getNewIndex() TreeIndex {
	if index, ok := m.cache.popFreeIndex(); ok {
		return index
	}
	index := m.extendIndex()
	m.blob = append(m.blob, make([]byte, BlockSize)...)
	// NOTE: explicitly not marking the index as free since that would hazard
	//       two sequential calls through this path both returning it
	return index
}

// getRandomInsertLocationBySeed walks from the root to a leaf, consuming the
// seed bits to pick a child at each internal node. The first bit of the seed
// picks the side the new leaf ends up on; an exhausted seed is replaced by
// its own hash so arbitrarily deep trees terminate.
func (m *MerkleBlob) getRandomInsertLocationBySeed(seedBytes []byte) (InsertLocation, error) {
	if len(m.blob) == 0 {
		return InsertAsRoot(), nil
	}
	if len(seedBytes) == 0 {
		return InsertLocation{}, ErrZeroLengthSeedNotAllowed
	}

	finalSide := SideLeft
	if seedBytes[0]&(1<<7) != 0 {
		finalSide = SideRight
	}

	nextIndex := TreeIndex(0)
	node, err := m.GetNode(nextIndex)
	if err != nil {
		return InsertLocation{}, err
	}

	seedBytes = slices.Clone(seedBytes)
	slices.Reverse(seedBytes)
	for {
		for _, b := range seedBytes {
			for bitIndex := 0; bitIndex < 8; bitIndex++ {
				if node.Type == NodeTypeLeaf {
					return InsertAtLeaf(nextIndex, finalSide), nil
				}
				if b&(1<<bitIndex) != 0 {
					nextIndex = node.Right
				} else {
					nextIndex = node.Left
				}
				node, err = m.GetNode(nextIndex)
				if err != nil {
					return InsertLocation{}, err
				}
			}
		}

		rehashed := sha256Bytes(seedBytes)
		seedBytes = rehashed[:]
	}
}

func (m *MerkleBlob) getRandomInsertLocationByKeyID(seed KeyID) (InsertLocation, error) {
	hash := sha256Num(int64(seed))
	return m.getRandomInsertLocationBySeed(hash[:])
}

// GetHashAtIndex returns the hash of the node at the given index, or false
// when the tree is empty. It fails with ErrDirty when the node has not been
// rehashed yet.
func (m *MerkleBlob) GetHashAtIndex(index TreeIndex) (Hash, bool, error) {
	if m.cache.noKeys() {
		return Hash{}, false, nil
	}

	block, err := m.getBlock(index)
	if err != nil {
		return Hash{}, false, err
	}
	if block.Metadata.Dirty {
		return Hash{}, false, fmt.Errorf("%w: %d", ErrDirty, index)
	}

	return block.Node.Hash, true, nil
}

// GetRootHash returns the root hash of the tree, or false when the tree is
// empty.
func (m *MerkleBlob) GetRootHash() (Hash, bool, error) {
	return m.GetHashAtIndex(0)
}

func (m *MerkleBlob) extendIndex() TreeIndex {
	length := len(m.blob)
	if remainder := length % BlockSize; remainder != 0 {
		panic(fmt.Sprintf("blob length %d not a multiple of %d, remainder: %d",
			length, BlockSize, remainder))
	}
	return TreeIndex(length / BlockSize)
}

// insertEntryToBlob writes a block at the given index, appending when the
// index is the current end, and keeps the block status cache in sync.
func (m *MerkleBlob) insertEntryToBlob(index TreeIndex, block *Block) error {
	newBlockBytes := block.ToBytes()
	extendIndex := m.extendIndex()
	switch {
	case index > extendIndex:
		return fmt.Errorf("%w: %d", ErrBlockIndexOutOfBounds, index)
	case index == extendIndex:
		m.blob = append(m.blob, newBlockBytes[:]...)
	default:
		start, end := blockRange(index)
		copy(m.blob[start:end], newBlockBytes[:])
	}

	switch block.Metadata.Type {
	case NodeTypeLeaf:
		m.cache.addLeaf(index, &block.Node)
	case NodeTypeInternal:
		m.cache.addInternal(index)
	}

	return nil
}

func (m *MerkleBlob) getBlock(index TreeIndex) (Block, error) {
	return tryGetBlock(m.blob, index)
}

func (m *MerkleBlob) getHash(index TreeIndex) (Hash, error) {
	block, err := m.getBlock(index)
	if err != nil {
		return Hash{}, err
	}
	return block.Node.Hash, nil
}

// GetNode returns the decoded node at the given index.
func (m *MerkleBlob) GetNode(index TreeIndex) (Node, error) {
	block, err := m.getBlock(index)
	if err != nil {
		return Node{}, err
	}
	return block.Node, nil
}

// GetLeafByKey looks up the leaf holding the given key through the key
// cache.
func (m *MerkleBlob) GetLeafByKey(key KeyID) (TreeIndex, Node, Block, error) {
	index, ok := m.cache.getIndexByKey(key)
	if !ok {
		return 0, Node{}, Block{}, fmt.Errorf("%w: %d", ErrUnknownKey, key)
	}
	block, err := m.getBlock(index)
	if err != nil {
		return 0, Node{}, Block{}, err
	}
	if block.Metadata.Type != NodeTypeLeaf {
		panic(fmt.Sprintf("expected leaf for index from key cache: %d", index))
	}

	return index, block.Node, block, nil
}

// GetParentIndex returns the parent reference of the node at the given
// index.
func (m *MerkleBlob) GetParentIndex(index TreeIndex) (Parent, error) {
	block, err := m.getBlock(index)
	if err != nil {
		return Parent{}, err
	}
	return block.Node.Parent, nil
}

// IndexedBlock pairs a block with its index for lineage reporting.
type IndexedBlock struct {
	Index TreeIndex
	Block Block
}

// IndexedNode pairs a node with its index for lineage reporting.
type IndexedNode struct {
	Index TreeIndex
	Node  Node
}

// GetLineageBlocksWithIndexes returns the blocks from the given index up to
// and including the root.
func (m *MerkleBlob) GetLineageBlocksWithIndexes(index TreeIndex) ([]IndexedBlock, error) {
	nextIndex := SomeParent(index)
	var lineage []IndexedBlock

	for {
		thisIndex, ok := nextIndex.Get()
		if !ok {
			return lineage, nil
		}
		block, err := m.getBlock(thisIndex)
		if err != nil {
			return nil, err
		}
		nextIndex = block.Node.Parent
		lineage = append(lineage, IndexedBlock{Index: thisIndex, Block: block})
	}
}

// GetLineageWithIndexes returns the nodes from the given index up to and
// including the root.
func (m *MerkleBlob) GetLineageWithIndexes(index TreeIndex) ([]IndexedNode, error) {
	blocks, err := m.GetLineageBlocksWithIndexes(index)
	if err != nil {
		return nil, err
	}
	lineage := make([]IndexedNode, 0, len(blocks))
	for _, entry := range blocks {
		lineage = append(lineage, IndexedNode{Index: entry.Index, Node: entry.Block.Node})
	}
	return lineage, nil
}

// GetLineageIndexes returns the indexes from the given index up to and
// including the root.
func (m *MerkleBlob) GetLineageIndexes(index TreeIndex) ([]TreeIndex, error) {
	blocks, err := m.GetLineageBlocksWithIndexes(index)
	if err != nil {
		return nil, err
	}
	lineage := make([]TreeIndex, 0, len(blocks))
	for _, entry := range blocks {
		lineage = append(lineage, entry.Index)
	}
	return lineage, nil
}

// CalculateLazyHashes resolves the hashes of all dirty blocks, children
// before parents, and clears their dirty flags.
func (m *MerkleBlob) CalculateLazyHashes() error {
	iterator := NewLeftChildFirstIteratorWithPredicate(m.blob, nil,
		func(block *Block) bool { return block.Metadata.Dirty })
	var items []IndexedBlock
	for iterator.Next() {
		index, block := iterator.Item()
		items = append(items, IndexedBlock{Index: index, Block: block})
	}
	if err := iterator.Err(); err != nil {
		return err
	}

	for _, item := range items {
		block := item.Block
		if block.Metadata.Type != NodeTypeInternal {
			panic("leaves should not be dirty")
		}
		leftHash, err := m.getHash(block.Node.Left)
		if err != nil {
			return err
		}
		rightHash, err := m.getHash(block.Node.Right)
		if err != nil {
			return err
		}
		block.updateHash(leftHash, rightHash)
		if err := m.insertEntryToBlob(item.Index, &block); err != nil {
			return err
		}
	}

	return nil
}

// GetKeysValues returns all key/value pairs of the tree.
func (m *MerkleBlob) GetKeysValues() (map[KeyID]ValueID, error) {
	result := make(map[KeyID]ValueID, m.cache.leafCount())
	for key, index := range m.cache.keyToIndex {
		node, err := m.GetNode(index)
		if err != nil {
			return nil, err
		}
		if node.Type != NodeTypeLeaf {
			panic("key cache must only reference leaves")
		}
		result[key] = node.Value
	}

	return result, nil
}

// GetKeyIndex returns the block index of the leaf holding the given key.
func (m *MerkleBlob) GetKeyIndex(key KeyID) (TreeIndex, error) {
	index, ok := m.cache.getIndexByKey(key)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownKey, key)
	}
	return index, nil
}

// GetProofOfInclusion builds a proof of inclusion for the leaf holding the
// given key. The lineage must not be dirty.
func (m *MerkleBlob) GetProofOfInclusion(key KeyID) (ProofOfInclusion, error) {
	index, ok := m.cache.getIndexByKey(key)
	if !ok {
		return ProofOfInclusion{}, fmt.Errorf("%w: %d", ErrUnknownKey, key)
	}

	node, err := m.GetNode(index)
	if err != nil {
		return ProofOfInclusion{}, err
	}
	if node.Type != NodeTypeLeaf {
		panic("key cache must only reference leaves")
	}

	parents, err := m.GetLineageBlocksWithIndexes(index)
	if err != nil {
		return ProofOfInclusion{}, err
	}
	var layers []ProofOfInclusionLayer
	// the first entry of the lineage is the leaf itself
	for _, entry := range parents[1:] {
		if entry.Block.Metadata.Dirty {
			return ProofOfInclusion{}, fmt.Errorf("%w: %d", ErrDirty, entry.Index)
		}
		parent := entry.Block.Node
		if parent.Type != NodeTypeInternal {
			panic("all lineage nodes above the first must be internal")
		}
		siblingIndex, err := parent.SiblingIndex(index)
		if err != nil {
			return ProofOfInclusion{}, err
		}
		sibling, err := m.GetNode(siblingIndex)
		if err != nil {
			return ProofOfInclusion{}, err
		}
		side, err := parent.SiblingSide(index)
		if err != nil {
			return ProofOfInclusion{}, err
		}
		layers = append(layers, ProofOfInclusionLayer{
			OtherHashSide: side,
			OtherHash:     sibling.Hash,
			CombinedHash:  parent.Hash,
		})
		index = entry.Index
	}

	return ProofOfInclusion{NodeHash: node.Hash, Layers: layers}, nil
}

// GetNodeByHash returns the key/value pair of the leaf with the given hash.
func (m *MerkleBlob) GetNodeByHash(nodeHash Hash) (KeyID, ValueID, error) {
	index, ok := m.cache.getIndexByLeafHash(nodeHash)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %x", ErrLeafHashNotFound, nodeHash)
	}

	node, err := m.GetNode(index)
	if err != nil {
		return 0, 0, err
	}
	if node.Type != NodeTypeLeaf {
		panic("leaf hash cache must only reference leaves")
	}

	return node.Key, node.Value, nil
}

// GetHashes returns the set of all node hashes in the tree.
func (m *MerkleBlob) GetHashes() (map[Hash]struct{}, error) {
	hashes := map[Hash]struct{}{}

	if len(m.blob) == 0 {
		return hashes, nil
	}

	iterator := NewParentFirstIterator(m.blob, nil)
	for iterator.Next() {
		_, block := iterator.Item()
		hashes[block.Node.Hash] = struct{}{}
	}
	if err := iterator.Err(); err != nil {
		return nil, err
	}

	return hashes, nil
}

// GetHashesIndexes returns a mapping from node hash to block index, covering
// all nodes or only leaves.
func (m *MerkleBlob) GetHashesIndexes(leafsOnly bool) (NodeHashToIndex, error) {
	hashToIndex := NodeHashToIndex{}

	if len(m.blob) == 0 {
		return hashToIndex, nil
	}

	iterator := NewParentFirstIterator(m.blob, nil)
	for iterator.Next() {
		index, block := iterator.Item()

		if leafsOnly && block.Metadata.Type != NodeTypeLeaf {
			continue
		}

		hashToIndex[block.Node.Hash] = index
	}
	if err := iterator.Err(); err != nil {
		return nil, err
	}

	return hashToIndex, nil
}

// GetRandomLeafNode picks a leaf through the same seed walk used by
// automatic insertion.
func (m *MerkleBlob) GetRandomLeafNode(seed []byte) (Node, error) {
	insertLocation, err := m.getRandomInsertLocationBySeed(seed)
	if err != nil {
		return Node{}, err
	}
	if insertLocation.kind != insertLeaf {
		return Node{}, ErrUnableToFindALeaf
	}

	node, err := m.GetNode(insertLocation.index)
	if err != nil {
		return Node{}, err
	}
	return node.AsLeaf()
}

// ResolveInsertLocation translates an optional reference key and side into
// an insert location: neither given selects automatic placement, both given
// select the position next to the referenced key's leaf, and giving only one
// is an error.
func (m *MerkleBlob) ResolveInsertLocation(referenceKey *KeyID, side *Side) (InsertLocation, error) {
	switch {
	case referenceKey == nil && side == nil:
		return InsertAuto(), nil
	case referenceKey != nil && side != nil:
		index, err := m.GetKeyIndex(*referenceKey)
		if err != nil {
			return InsertLocation{}, err
		}
		return InsertAtLeaf(index, *side), nil
	default:
		return InsertLocation{}, ErrIncompleteInsertLocationParameters
	}
}

// BuildBlobFromNodeList builds a fresh tree from a pool of nodes keyed by
// hash, rooted at the given hash. Hashes used during the build are added to
// allUsedHashes so callers can discard unused pool entries afterwards.
func BuildBlobFromNodeList(
	nodes NodeHashToDeltaReaderNode,
	nodeHash Hash,
	allUsedHashes map[Hash]struct{},
) (*MerkleBlob, error) {
	merkleBlob, err := NewMerkleBlob(nil)
	if err != nil {
		return nil, err
	}
	if _, err := merkleBlob.buildFromNodeList(nodes, nodeHash, allUsedHashes); err != nil {
		return nil, err
	}

	return merkleBlob, nil
}

func (m *MerkleBlob) buildFromNodeList(
	nodes NodeHashToDeltaReaderNode,
	nodeHash Hash,
	allUsedHashes map[Hash]struct{},
) (TreeIndex, error) {
	node, ok := nodes[nodeHash]
	if !ok {
		return 0, fmt.Errorf("%w: %x", ErrNodeHashNotInNodeMaps, nodeHash)
	}

	index := m.getNewIndex()
	switch node.Type {
	case NodeTypeLeaf:
		block := Block{
			Metadata: NodeMetadata{Type: NodeTypeLeaf},
			Node: Node{
				Type:  NodeTypeLeaf,
				Hash:  nodeHash,
				Key:   node.Key,
				Value: node.Value,
			},
		}
		if err := m.insertEntryToBlob(index, &block); err != nil {
			return 0, err
		}
	case NodeTypeInternal:
		leftIndex, err := m.buildFromNodeList(nodes, node.Left, allUsedHashes)
		if err != nil {
			return 0, err
		}
		rightIndex, err := m.buildFromNodeList(nodes, node.Right, allUsedHashes)
		if err != nil {
			return 0, err
		}

		for _, childIndex := range []TreeIndex{leftIndex, rightIndex} {
			if _, err := m.updateParent(childIndex, SomeParent(index)); err != nil {
				return 0, err
			}
		}
		block := Block{
			Metadata: NodeMetadata{Type: NodeTypeInternal},
			Node: Node{
				Type:  NodeTypeInternal,
				Hash:  nodeHash,
				Left:  leftIndex,
				Right: rightIndex,
			},
		}
		if err := m.insertEntryToBlob(index, &block); err != nil {
			return 0, err
		}
	}

	allUsedHashes[nodeHash] = struct{}{}

	return index, nil
}

// CollectAndReturnFromMerkleBlob loads the tree stored at the given path and
// extracts the nodes belonging to the subtrees rooted at the given hashes,
// skipping subtrees the caller already knows. It also returns the full hash
// to index mapping of the visited nodes.
func CollectAndReturnFromMerkleBlob(
	path string,
	hashes map[Hash]struct{},
	known func(Hash) bool,
) (NodeHashToDeltaReaderNode, NodeHashToIndex, error) {
	nodes := NodeHashToDeltaReaderNode{}
	blob, err := zstdDecodePath(path)
	if err != nil {
		return nil, nil, err
	}
	nodeHashToIndex := NodeHashToIndex{}

	indexToHash := map[TreeIndex]Hash{}
	inSubtree := map[Hash]struct{}{}
	indexStack := []leftChildFirstItem{{index: 0}}
	for len(indexStack) > 0 {
		item := indexStack[len(indexStack)-1]
		indexStack = indexStack[:len(indexStack)-1]

		block, err := tryGetBlock(blob, item.index)
		if err != nil {
			return nil, nil, err
		}

		nodeHash := block.Node.Hash
		indexToHash[item.index] = nodeHash
		if known(nodeHash) {
			continue
		}

		switch block.Metadata.Type {
		case NodeTypeInternal:
			if item.visited {
				nodeHashToIndex[nodeHash] = item.index
				if len(inSubtree) > 0 {
					nodes[nodeHash] = DeltaReaderNode{
						Type:  NodeTypeInternal,
						Left:  indexToHash[block.Node.Left],
						Right: indexToHash[block.Node.Right],
					}
				}

				delete(inSubtree, nodeHash)
			} else {
				if _, ok := hashes[nodeHash]; ok {
					inSubtree[nodeHash] = struct{}{}
				}

				indexStack = append(indexStack,
					leftChildFirstItem{visited: true, index: item.index},
					leftChildFirstItem{index: block.Node.Right},
					leftChildFirstItem{index: block.Node.Left},
				)
			}
		case NodeTypeLeaf:
			_, interested := hashes[nodeHash]
			if len(inSubtree) > 0 || interested {
				nodes[nodeHash] = DeltaReaderNode{
					Type:  NodeTypeLeaf,
					Key:   block.Node.Key,
					Value: block.Node.Value,
				}
			}

			nodeHashToIndex[nodeHash] = item.index
		}
	}

	return nodes, nodeHashToIndex, nil
}

// IndexedDeltaNode pairs a collected delta node with the block index it was
// found at.
type IndexedDeltaNode struct {
	Index TreeIndex
	Node  DeltaReaderNode
}

// GetInternalTerminal collects all nodes of the subtrees rooted at the given
// indexes of a raw blob, keyed by node hash.
func GetInternalTerminal(
	blob []byte,
	indexes []TreeIndex,
) (map[Hash]IndexedDeltaNode, error) {
	nodes := map[Hash]IndexedDeltaNode{}
	indexToHash := map[TreeIndex]Hash{}

	for _, subrootIndex := range indexes {
		subrootIndex := subrootIndex
		iterator := NewLeftChildFirstIterator(blob, &subrootIndex)
		for iterator.Next() {
			index, block := iterator.Item()
			indexToHash[index] = block.Node.Hash
			switch block.Metadata.Type {
			case NodeTypeInternal:
				nodes[block.Node.Hash] = IndexedDeltaNode{
					Index: index,
					Node: DeltaReaderNode{
						Type:  NodeTypeInternal,
						Left:  indexToHash[block.Node.Left],
						Right: indexToHash[block.Node.Right],
					},
				}
			case NodeTypeLeaf:
				nodes[block.Node.Hash] = IndexedDeltaNode{
					Index: index,
					Node: DeltaReaderNode{
						Type:  NodeTypeLeaf,
						Key:   block.Node.Key,
						Value: block.Node.Value,
					},
				}
			}
		}
		if err := iterator.Err(); err != nil {
			return nil, err
		}
	}

	return nodes, nil
}
