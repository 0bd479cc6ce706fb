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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexSetPopsOldestFirst(t *testing.T) {
	set := newIndexSet()
	set.add(5)
	set.add(3)
	set.add(9)
	set.remove(3)
	set.add(3)

	var popped []TreeIndex
	for {
		index, ok := set.pop()
		if !ok {
			break
		}
		popped = append(popped, index)
	}
	require.Equal(t, []TreeIndex{5, 9, 3}, popped)
}

func TestCacheRebuildMatchesIncremental(t *testing.T) {
	blob := traversalBlob(t)

	rebuilt, err := blockStatusCacheFromBlob(blob.ReadBlob())
	require.NoError(t, err)

	require.Equal(t, blob.cache.keyToIndex, rebuilt.keyToIndex)
	require.Equal(t, blob.cache.leafHashToIndex, rebuilt.leafHashToIndex)
	require.Equal(t, blob.cache.freeIndexCount(), rebuilt.freeIndexCount())
}

func TestCacheRemoveLeafUnknownKey(t *testing.T) {
	blob := smallBlob(t)
	node := Node{Type: NodeTypeLeaf, Key: KeyID(999), Hash: generateHash(1)}
	require.ErrorIs(t, blob.cache.removeLeaf(&node), ErrUnknownKey)
}

func TestCacheMoveIndexSourceNotInUse(t *testing.T) {
	blob := traversalBlob(t)
	require.NoError(t, blob.Delete(KeyID(307)))

	freeIndex, ok := blob.cache.freeIndexes.pop()
	require.True(t, ok)
	blob.cache.freeIndexes.add(freeIndex)

	err := blob.cache.moveIndex(freeIndex, 0)
	require.ErrorIs(t, err, ErrMoveSourceIndexNotInUse)
}

func TestCacheMoveIndexDestinationNotInUse(t *testing.T) {
	blob := traversalBlob(t)
	require.NoError(t, blob.Delete(KeyID(307)))

	freeIndex, ok := blob.cache.freeIndexes.pop()
	require.True(t, ok)
	blob.cache.freeIndexes.add(freeIndex)

	err := blob.cache.moveIndex(0, freeIndex)
	require.ErrorIs(t, err, ErrMoveDestinationIndexNotInUse)
}

func TestCacheAddLeafReclaimsFreeIndex(t *testing.T) {
	blob := smallBlob(t)
	require.NoError(t, blob.Delete(KeyID(0x0001020304050607)))
	require.Equal(t, 2, blob.cache.freeIndexCount())

	node := Node{Type: NodeTypeLeaf, Key: KeyID(7), Value: ValueID(8), Hash: generateHash(2)}
	blob.cache.addLeaf(1, &node)

	require.False(t, blob.cache.isIndexFree(1))
	require.Equal(t, 1, blob.cache.freeIndexCount())
	index, ok := blob.cache.getIndexByKey(KeyID(7))
	require.True(t, ok)
	require.EqualValues(t, 1, index)
}
