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
)

// indexSet is a set of tree indexes that preserves insertion order. Free
// blocks are handed back oldest first so that the same mutation sequence
// always produces the same blob bytes.
type indexSet struct {
	order   []TreeIndex
	present map[TreeIndex]struct{}
}

func newIndexSet() *indexSet {
	return &indexSet{present: map[TreeIndex]struct{}{}}
}

func (s *indexSet) add(index TreeIndex) {
	if _, ok := s.present[index]; ok {
		return
	}
	s.present[index] = struct{}{}
	s.order = append(s.order, index)
}

func (s *indexSet) remove(index TreeIndex) bool {
	if _, ok := s.present[index]; !ok {
		return false
	}
	delete(s.present, index)
	for i, candidate := range s.order {
		if candidate == index {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// pop removes and returns the oldest member.
func (s *indexSet) pop() (TreeIndex, bool) {
	if len(s.order) == 0 {
		return 0, false
	}
	index := s.order[0]
	s.order = s.order[1:]
	delete(s.present, index)
	return index, true
}

func (s *indexSet) contains(index TreeIndex) bool {
	_, ok := s.present[index]
	return ok
}

func (s *indexSet) len() int {
	return len(s.order)
}

func (s *indexSet) clear() {
	s.order = s.order[:0]
	clear(s.present)
}

func (s *indexSet) clone() *indexSet {
	result := &indexSet{
		order:   make([]TreeIndex, len(s.order)),
		present: make(map[TreeIndex]struct{}, len(s.present)),
	}
	copy(result.order, s.order)
	for index := range s.present {
		result.present[index] = struct{}{}
	}
	return result
}

// blockStatusCache tracks which blocks of a blob are free and maps leaf keys
// and leaf hashes to their block index. It is maintained incrementally by the
// blob's mutations and rebuilt wholesale when a blob is loaded from raw bytes.
type blockStatusCache struct {
	freeIndexes     *indexSet
	keyToIndex      map[KeyID]TreeIndex
	leafHashToIndex map[Hash]TreeIndex
}

func newBlockStatusCache() blockStatusCache {
	return blockStatusCache{
		freeIndexes:     newIndexSet(),
		keyToIndex:      map[KeyID]TreeIndex{},
		leafHashToIndex: map[Hash]TreeIndex{},
	}
}

// blockStatusCacheFromBlob rebuilds the cache by traversing a raw blob from
// the root. Blocks not reachable from the root are recorded as free.
func blockStatusCacheFromBlob(blob []byte) (blockStatusCache, error) {
	indexCount := len(blob) / BlockSize
	seenIndexes := make([]bool, indexCount)
	keyToIndex := make(map[KeyID]TreeIndex)
	leafHashToIndex := make(map[Hash]TreeIndex)

	iterator := NewLeftChildFirstIterator(blob, nil)
	for iterator.Next() {
		index, block := iterator.Item()
		seenIndexes[index] = true

		if block.Metadata.Type == NodeTypeLeaf {
			if _, ok := keyToIndex[block.Node.Key]; ok {
				return blockStatusCache{}, ErrKeyAlreadyPresent
			}
			keyToIndex[block.Node.Key] = index
			if _, ok := leafHashToIndex[block.Node.Hash]; ok {
				return blockStatusCache{}, ErrHashAlreadyPresent
			}
			leafHashToIndex[block.Node.Hash] = index
		}
	}
	if err := iterator.Err(); err != nil {
		return blockStatusCache{}, err
	}

	freeIndexes := newIndexSet()
	for index, seen := range seenIndexes {
		if !seen {
			freeIndexes.add(TreeIndex(index))
		}
	}

	return blockStatusCache{
		freeIndexes:     freeIndexes,
		keyToIndex:      keyToIndex,
		leafHashToIndex: leafHashToIndex,
	}, nil
}

func (c *blockStatusCache) popFreeIndex() (TreeIndex, bool) {
	return c.freeIndexes.pop()
}

func (c *blockStatusCache) getIndexByKey(key KeyID) (TreeIndex, bool) {
	index, ok := c.keyToIndex[key]
	return index, ok
}

func (c *blockStatusCache) getIndexByLeafHash(hash Hash) (TreeIndex, bool) {
	index, ok := c.leafHashToIndex[hash]
	return index, ok
}

func (c *blockStatusCache) isIndexFree(index TreeIndex) bool {
	return c.freeIndexes.contains(index)
}

func (c *blockStatusCache) leafCount() int {
	return len(c.keyToIndex)
}

func (c *blockStatusCache) freeIndexCount() int {
	return c.freeIndexes.len()
}

func (c *blockStatusCache) noKeys() bool {
	return len(c.keyToIndex) == 0
}

func (c *blockStatusCache) containsKey(key KeyID) bool {
	_, ok := c.keyToIndex[key]
	return ok
}

func (c *blockStatusCache) containsLeafHash(hash Hash) bool {
	_, ok := c.leafHashToIndex[hash]
	return ok
}

func (c *blockStatusCache) clear() {
	clear(c.keyToIndex)
	c.freeIndexes.clear()
	clear(c.leafHashToIndex)
}

func (c *blockStatusCache) addInternal(index TreeIndex) {
	c.freeIndexes.remove(index)
}

// addLeaf records a leaf written at the given index. Existing mappings for
// the same key or hash are overwritten, which covers both in-place rewrites
// and blocks being moved.
func (c *blockStatusCache) addLeaf(index TreeIndex, node *Node) {
	c.freeIndexes.remove(index)

	c.keyToIndex[node.Key] = index
	c.leafHashToIndex[node.Hash] = index
}

func (c *blockStatusCache) removeInternal(index TreeIndex) {
	c.freeIndexes.add(index)
}

func (c *blockStatusCache) removeLeaf(node *Node) error {
	index, ok := c.keyToIndex[node.Key]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownKey, node.Key)
	}
	delete(c.keyToIndex, node.Key)
	delete(c.leafHashToIndex, node.Hash)

	c.freeIndexes.add(index)

	return nil
}

// moveIndex releases the source block of a node that was rewritten at the
// destination index. It is called after the destination has been written, so
// both indexes must be in use.
func (c *blockStatusCache) moveIndex(source, destination TreeIndex) error {
	if c.freeIndexes.contains(source) {
		return fmt.Errorf("%w: %d", ErrMoveSourceIndexNotInUse, source)
	}
	if c.freeIndexes.contains(destination) {
		return fmt.Errorf("%w: %d", ErrMoveDestinationIndexNotInUse, destination)
	}

	c.freeIndexes.add(source)

	return nil
}

func (c *blockStatusCache) clone() blockStatusCache {
	result := blockStatusCache{
		freeIndexes:     c.freeIndexes.clone(),
		keyToIndex:      make(map[KeyID]TreeIndex, len(c.keyToIndex)),
		leafHashToIndex: make(map[Hash]TreeIndex, len(c.leafHashToIndex)),
	}
	for key, index := range c.keyToIndex {
		result.keyToIndex[key] = index
	}
	for hash, index := range c.leafHashToIndex {
		result.leafHashToIndex[hash] = index
	}
	return result
}
