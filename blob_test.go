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
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/maps"
)

func TestMerkleBlobNewErrsForNonMultipleOfBlockLength(t *testing.T) {
	_, err := NewMerkleBlob([]byte{1})
	require.ErrorIs(t, err, ErrInvalidBlobLength)
}

func TestInsertFirst(t *testing.T) {
	merkleBlob, err := NewMerkleBlob(nil)
	require.NoError(t, err)

	keyValueID := int64(1)
	_, err = merkleBlob.Insert(KeyID(keyValueID), ValueID(keyValueID), sha256Num(keyValueID), InsertAuto())
	require.NoError(t, err)

	require.Equal(t, 1, merkleBlob.cache.leafCount())
	require.Len(t, merkleBlob.ReadBlob(), BlockSize)
}

func TestInsertChoosingSide(t *testing.T) {
	for _, side := range []Side{SideLeft, SideRight} {
		for _, preCount := range []int{1, 2} {
			t.Run(fmt.Sprintf("%v_after_%d", side, preCount), func(t *testing.T) {
				merkleBlob, err := NewMerkleBlob(nil)
				require.NoError(t, err)

				var lastKey KeyID
				for i := 1; i <= preCount; i++ {
					keyValue := int64(i)
					_, err := merkleBlob.Insert(KeyID(keyValue), ValueID(keyValue), sha256Num(keyValue), InsertAuto())
					require.NoError(t, err)
					lastKey = KeyID(keyValue)
				}

				keyValueID := int64(preCount + 1)
				lastIndex, err := merkleBlob.GetKeyIndex(lastKey)
				require.NoError(t, err)
				_, err = merkleBlob.Insert(
					KeyID(keyValueID), ValueID(keyValueID), sha256Num(keyValueID),
					InsertAtLeaf(lastIndex, side))
				require.NoError(t, err)

				siblingIndex, err := merkleBlob.GetKeyIndex(lastKey)
				require.NoError(t, err)
				sibling, err := merkleBlob.GetNode(siblingIndex)
				require.NoError(t, err)
				parentIndex, ok := sibling.Parent.Get()
				require.True(t, ok)
				parent, err := merkleBlob.GetNode(parentIndex)
				require.NoError(t, err)
				require.Equal(t, NodeTypeInternal, parent.Type)

				left, err := merkleBlob.GetNode(parent.Left)
				require.NoError(t, err)
				right, err := merkleBlob.GetNode(parent.Right)
				require.NoError(t, err)

				expectedKeys := [2]KeyID{KeyID(int64(preCount)), KeyID(keyValueID)}
				if side == SideLeft {
					expectedKeys = [2]KeyID{KeyID(keyValueID), KeyID(int64(preCount))}
				}
				require.Equal(t, expectedKeys, [2]KeyID{left.Key, right.Key})
			})
		}
	}
}

func TestDoubleInsertFails(t *testing.T) {
	blob, err := NewMerkleBlob(nil)
	require.NoError(t, err)

	_, err = blob.Insert(KeyID(0), ValueID(0), hashZero, InsertAuto())
	require.NoError(t, err)
	_, err = blob.Insert(KeyID(0), ValueID(0), hashZero, InsertAuto())
	require.ErrorIs(t, err, ErrKeyAlreadyPresent)

	_, err = blob.Insert(KeyID(1), ValueID(1), hashZero, InsertAuto())
	require.ErrorIs(t, err, ErrHashAlreadyPresent)
}

func TestRootInsertLocationWhenNotEmpty(t *testing.T) {
	blob := smallBlob(t)
	_, err := blob.Insert(KeyID(0), ValueID(0), sha256Num(0), InsertAsRoot())
	require.ErrorIs(t, err, ErrUnableToInsertAsRootOfNonEmptyTree)
}

func TestGetRandomInsertLocationBySeed(t *testing.T) {
	blob := smallBlob(t)

	tests := []struct {
		seedByte      byte
		expectedIndex TreeIndex
		expectedSide  Side
	}{
		{seedByte: 0x00, expectedIndex: 1, expectedSide: SideLeft},
		{seedByte: 0xff, expectedIndex: 2, expectedSide: SideRight},
	}
	for _, test := range tests {
		seed := make([]byte, 32)
		for i := range seed {
			seed[i] = test.seedByte
		}
		location, err := blob.getRandomInsertLocationBySeed(seed)
		require.NoError(t, err)
		require.Equal(t, InsertAtLeaf(test.expectedIndex, test.expectedSide), location)
	}
}

func TestGetRandomInsertLocationBySeedTooShort(t *testing.T) {
	blob, err := NewMerkleBlob(nil)
	require.NoError(t, err)
	seed := []byte{0xff}
	layerCount := 8*len(seed) + 10

	for n := 0; n < layerCount; n++ {
		keyValue := int64(n + 100)
		location, err := blob.getRandomInsertLocationBySeed(seed)
		require.NoError(t, err)
		_, err = blob.Insert(KeyID(keyValue), ValueID(keyValue), sha256Num(keyValue), location)
		require.NoError(t, err)
	}

	location, err := blob.getRandomInsertLocationBySeed(seed)
	require.NoError(t, err)
	require.Equal(t, insertLeaf, location.kind)

	lineage, err := blob.GetLineageIndexes(location.index)
	require.NoError(t, err)
	require.Len(t, lineage, layerCount)
	require.Greater(t, len(lineage), 8*len(seed))
}

func TestGetRandomInsertLocationEmptySeed(t *testing.T) {
	blob := smallBlob(t)
	_, err := blob.getRandomInsertLocationBySeed(nil)
	require.ErrorIs(t, err, ErrZeroLengthSeedNotAllowed)

	// an empty tree resolves to the root before the seed is inspected
	empty, err := NewMerkleBlob(nil)
	require.NoError(t, err)
	location, err := empty.getRandomInsertLocationBySeed(nil)
	require.NoError(t, err)
	require.Equal(t, InsertAsRoot(), location)
}

func TestGetLineage(t *testing.T) {
	blob := smallBlob(t)

	lineage, err := blob.GetLineageWithIndexes(2)
	require.NoError(t, err)
	require.Len(t, lineage, 2)
	require.False(t, lineage[len(lineage)-1].Node.Parent.Exists())
}

func TestGetKeyIndex(t *testing.T) {
	blob := smallBlob(t)

	index, err := blob.GetKeyIndex(KeyID(0x0001020304050607))
	require.NoError(t, err)
	require.EqualValues(t, 2, index)

	_, err = blob.GetKeyIndex(KeyID(12345))
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestJustInsertABunch(t *testing.T) {
	merkleBlob, err := NewMerkleBlob(nil)
	require.NoError(t, err)

	const count = 2000
	for i := int64(0); i < count; i++ {
		_, err := merkleBlob.Insert(KeyID(i), ValueID(i), sha256Num(i), InsertAuto())
		require.NoError(t, err)
	}

	require.NoError(t, merkleBlob.CalculateLazyHashes())
	require.NoError(t, merkleBlob.CheckIntegrity())
	require.Equal(t, count, merkleBlob.cache.leafCount())
}

func TestDeleteInReverseCreatesMatchingTrees(t *testing.T) {
	const count = 10

	merkleBlob, err := NewMerkleBlob(nil)
	require.NoError(t, err)
	var referenceBlobs []*MerkleBlob

	for keyValueID := int64(0); keyValueID < count; keyValueID++ {
		require.NoError(t, merkleBlob.CalculateLazyHashes())
		referenceBlobs = append(referenceBlobs, merkleBlob.Clone())
		_, err := merkleBlob.Insert(
			KeyID(keyValueID), ValueID(keyValueID), sha256Num(keyValueID), InsertAuto())
		require.NoError(t, err)
	}

	require.NoError(t, merkleBlob.CheckIntegrity())

	for keyValueID := int64(count - 1); keyValueID >= 0; keyValueID-- {
		require.NoError(t, merkleBlob.Delete(KeyID(keyValueID)))
		require.NoError(t, merkleBlob.CalculateLazyHashes())
		requireTreeEquality(t, referenceBlobs[keyValueID], merkleBlob)
	}
}

func TestDeleteLast(t *testing.T) {
	merkleBlob, err := NewMerkleBlob(nil)
	require.NoError(t, err)

	keyValueID := int64(1)
	_, err = merkleBlob.Insert(KeyID(keyValueID), ValueID(keyValueID), sha256Num(keyValueID), InsertAuto())
	require.NoError(t, err)
	require.NoError(t, merkleBlob.CheckIntegrity())

	require.NoError(t, merkleBlob.Delete(KeyID(keyValueID)))

	require.Equal(t, 0, merkleBlob.cache.leafCount())
	require.Empty(t, merkleBlob.ReadBlob())
	require.True(t, merkleBlob.Empty())
}

func TestDeleteUnknownKey(t *testing.T) {
	blob := smallBlob(t)
	require.ErrorIs(t, blob.Delete(KeyID(31337)), ErrUnknownKey)
}

func TestDeleteFreesIndex(t *testing.T) {
	blob := smallBlob(t)
	key := KeyID(0x0001020304050607)
	index, err := blob.GetKeyIndex(key)
	require.NoError(t, err)
	require.NoError(t, blob.Delete(key))

	require.True(t, blob.cache.isIndexFree(index))
	require.True(t, blob.cache.isIndexFree(1))
	require.Equal(t, 2, blob.cache.freeIndexCount())
}

func TestDeleteWithInternalSibling(t *testing.T) {
	blob := smallBlob(t)
	keyToDelete := KeyID(0x0001020304050607)
	otherKeyIndex, _, _, err := blob.GetLeafByKey(KeyID(0x2021222324252627))
	require.NoError(t, err)

	_, err = blob.Insert(
		KeyID(0x4041424344454647),
		ValueID(0x5051525354555657),
		sha256Num(0x4050),
		InsertAtLeaf(otherKeyIndex, SideLeft),
	)
	require.NoError(t, err)

	require.NoError(t, blob.Delete(keyToDelete))

	keysValues, err := blob.GetKeysValues()
	require.NoError(t, err)
	require.Equal(t, map[KeyID]ValueID{
		KeyID(0x2021222324252627): ValueID(0x3031323334353637),
		KeyID(0x4041424344454647): ValueID(0x5051525354555657),
	}, keysValues)
	require.NoError(t, blob.CheckIntegrity())
}

// Deleting a leaf whose sibling is itself a leaf moves that sibling to the
// root slot with its hash untouched.
func TestMovedSiblingRetainsHash(t *testing.T) {
	blob := smallBlob(t)
	keyToDelete := KeyID(0x0001020304050607)
	remainingHash := sha256Num(0x2030)

	rootHash, err := blob.getHash(0)
	require.NoError(t, err)
	require.NotEqual(t, remainingHash, rootHash)

	require.NoError(t, blob.Delete(keyToDelete))

	rootHash, err = blob.getHash(0)
	require.NoError(t, err)
	require.Equal(t, remainingHash, rootHash)
}

func TestFreeIndexReused(t *testing.T) {
	blob := smallBlob(t)
	// enough nodes to stay clear of the few-node insertion paths that
	// rebuild the blob from scratch
	const count = 5
	for n := int64(0); n < count; n++ {
		_, err := blob.Insert(KeyID(n), ValueID(n), sha256Num(n), InsertAuto())
		require.NoError(t, err)
	}

	var key KeyID
	var index TreeIndex
	for key, index = range blob.cache.keyToIndex {
		break
	}
	expectedLength := len(blob.ReadBlob())
	require.False(t, blob.cache.isIndexFree(index))
	require.NoError(t, blob.Delete(key))
	require.True(t, blob.cache.isIndexFree(index))
	freed := blob.cache.freeIndexes.clone()
	require.Equal(t, 2, freed.len())

	newIndex, err := blob.Insert(KeyID(count), ValueID(count), sha256Num(count), InsertAuto())
	require.NoError(t, err)

	require.Equal(t, expectedLength, len(blob.ReadBlob()))
	require.True(t, freed.contains(newIndex))
	require.Equal(t, 0, blob.cache.freeIndexCount())
}

// The same insertions and deletions must always produce the same bytes, so
// free blocks have to be handed out oldest first.
func TestMutationSequenceIsDeterministic(t *testing.T) {
	build := func() []byte {
		blob, err := NewMerkleBlob(nil)
		require.NoError(t, err)
		for n := int64(0); n < 30; n++ {
			_, err := blob.Insert(KeyID(n), ValueID(n), sha256Num(n), InsertAuto())
			require.NoError(t, err)
		}
		for n := int64(0); n < 30; n += 3 {
			require.NoError(t, blob.Delete(KeyID(n)))
		}
		for n := int64(100); n < 110; n++ {
			_, err := blob.Insert(KeyID(n), ValueID(n), sha256Num(n), InsertAuto())
			require.NoError(t, err)
		}
		require.NoError(t, blob.CalculateLazyHashes())
		return blob.ReadBlob()
	}

	require.Equal(t, build(), build())
}

func TestGetFreeIndexesAfterPadding(t *testing.T) {
	blob := smallBlob(t)
	raw := append([]byte(nil), blob.ReadBlob()...)
	expectedFreeIndex := TreeIndex(len(raw) / BlockSize)
	raw = append(raw, make([]byte, BlockSize)...)

	cache, err := blockStatusCacheFromBlob(raw)
	require.NoError(t, err)
	require.Equal(t, 1, cache.freeIndexCount())
	require.True(t, cache.isIndexFree(expectedFreeIndex))
}

func TestWritingToFreeBlockThatContainedAnActiveKey(t *testing.T) {
	blob := smallBlob(t)
	key := KeyID(0x0001020304050607)
	index, err := blob.GetKeyIndex(key)
	require.NoError(t, err)

	start, end := blockRange(index)
	preparedBytes := append([]byte(nil), blob.ReadBlob()...)
	preparedBytes = append(preparedBytes, preparedBytes[start:end]...)
	preparedBlob, err := NewMerkleBlob(preparedBytes)
	require.NoError(t, err)
	require.NoError(t, preparedBlob.CheckIntegrity())

	_, err = preparedBlob.Insert(KeyID(1), ValueID(2), generateHash(3), InsertAuto())
	require.NoError(t, err)
	require.True(t, preparedBlob.cache.containsKey(key))
	require.NoError(t, preparedBlob.CheckIntegrity())
}

func TestUpsertInserts(t *testing.T) {
	base := smallBlob(t)
	key := KeyID(1234)
	require.False(t, base.cache.containsKey(key))
	value := ValueID(5678)

	insertBlob := base.Clone()
	_, err := insertBlob.Insert(key, value, sha256Num(int64(key)), InsertAuto())
	require.NoError(t, err)

	upsertBlob := base.Clone()
	require.NoError(t, upsertBlob.Upsert(key, value, sha256Num(int64(key))))

	require.Equal(t, insertBlob.ReadBlob(), upsertBlob.ReadBlob())
}

func TestUpsertUpserts(t *testing.T) {
	blob := smallBlob(t)

	var key KeyID
	var index TreeIndex
	for key, index = range blob.cache.keyToIndex {
		break
	}
	original, err := blob.GetNode(index)
	require.NoError(t, err)
	newValue := original.Value + 1

	require.NoError(t, blob.Upsert(key, newValue, original.Hash))

	// the tree keeps its shape, only the one value changes
	updatedIndex, err := blob.GetKeyIndex(key)
	require.NoError(t, err)
	require.Equal(t, index, updatedIndex)
	updated, err := blob.GetNode(updatedIndex)
	require.NoError(t, err)
	require.Equal(t, newValue, updated.Value)
	require.Equal(t, original.Parent, updated.Parent)

	keysValues, err := blob.GetKeysValues()
	require.NoError(t, err)
	require.Equal(t, newValue, keysValues[key])
}

func TestUpsertNewHashMarksLineageDirty(t *testing.T) {
	blob := traversalBlob(t)

	index, err := blob.GetKeyIndex(KeyID(307))
	require.NoError(t, err)
	require.NoError(t, blob.Upsert(KeyID(307), ValueID(505), generateHash(99)))

	lineage, err := blob.GetLineageBlocksWithIndexes(index)
	require.NoError(t, err)
	for _, entry := range lineage[1:] {
		require.True(t, entry.Block.Metadata.Dirty)
	}

	require.NoError(t, blob.CalculateLazyHashes())
	require.NoError(t, blob.CheckIntegrity())
}

func TestBatchInsert(t *testing.T) {
	for _, preInserts := range []int{0, 1, 2, 10} {
		for _, count := range []int{0, 1, 2, 8, 9} {
			t.Run(fmt.Sprintf("pre_%d_count_%d", preInserts, count), func(t *testing.T) {
				blob, err := NewMerkleBlob(nil)
				require.NoError(t, err)
				for i := 0; i < preInserts; i++ {
					i := int64(i)
					_, err := blob.Insert(KeyID(i), ValueID(i), sha256Num(i), InsertAuto())
					require.NoError(t, err)
				}

				var batch []KeyValueHash
				for i := preInserts; i < preInserts+count; i++ {
					i := int64(i)
					batch = append(batch, KeyValueHash{
						Key: KeyID(i), Value: ValueID(i), Hash: sha256Num(i)})
				}

				before, err := blob.GetKeysValues()
				require.NoError(t, err)
				require.NoError(t, blob.BatchInsert(batch))
				after, err := blob.GetKeysValues()
				require.NoError(t, err)

				expected := map[KeyID]ValueID{}
				maps.Copy(expected, before)
				for _, entry := range batch {
					expected[entry.Key] = entry.Value
				}
				require.Equal(t, expected, after)

				require.NoError(t, blob.CalculateLazyHashes())
				require.NoError(t, blob.CheckIntegrity())
			})
		}
	}
}

// Batched entries pair up in input order, bottom-up, and the finished
// subtree is spliced in as a left child.
func TestBatchInsertPairingOrder(t *testing.T) {
	blob, err := NewMerkleBlob(nil)
	require.NoError(t, err)
	for i := int64(0); i < 2; i++ {
		_, err := blob.Insert(KeyID(i), ValueID(i), sha256Num(i), InsertAuto())
		require.NoError(t, err)
	}

	hashes := []Hash{sha256Num(101), sha256Num(102), sha256Num(103), sha256Num(104)}
	var batch []KeyValueHash
	for i, hash := range hashes {
		keyValue := int64(101 + i)
		batch = append(batch, KeyValueHash{
			Key: KeyID(keyValue), Value: ValueID(keyValue), Hash: hash})
	}
	require.NoError(t, blob.BatchInsert(batch))
	require.NoError(t, blob.CalculateLazyHashes())

	pairOneTwo := InternalHash(hashes[0], hashes[1])
	pairThreeFour := InternalHash(hashes[2], hashes[3])
	subtreeRoot := InternalHash(pairOneTwo, pairThreeFour)

	all, err := blob.GetHashes()
	require.NoError(t, err)
	require.Contains(t, all, pairOneTwo)
	require.Contains(t, all, pairThreeFour)
	require.Contains(t, all, subtreeRoot)
	require.NotContains(t, all, InternalHash(hashes[1], hashes[2]))

	// the subtree hangs on the left of the internal node that replaced the
	// shallowest leaf
	index, err := blob.GetKeyIndex(KeyID(101))
	require.NoError(t, err)
	lineage, err := blob.GetLineageWithIndexes(index)
	require.NoError(t, err)
	for _, entry := range lineage {
		if entry.Node.Type != NodeTypeInternal || entry.Node.Hash != subtreeRoot {
			continue
		}
		parentIndex, ok := entry.Node.Parent.Get()
		require.True(t, ok)
		parent, err := blob.GetNode(parentIndex)
		require.NoError(t, err)
		require.Equal(t, entry.Index, parent.Left)
		return
	}
	t.Fatalf("subtree root %x not found in lineage", subtreeRoot)
}

func TestGetNodeByHash(t *testing.T) {
	blob := smallBlob(t)

	key, value, err := blob.GetNodeByHash(sha256Num(0x1020))
	require.NoError(t, err)
	require.Equal(t, KeyID(0x0001020304050607), key)
	require.Equal(t, ValueID(0x1011121314151617), value)

	_, _, err = blob.GetNodeByHash(sha256Num(27))
	require.ErrorIs(t, err, ErrLeafHashNotFound)
}

func TestGetHashesIndexes(t *testing.T) {
	blob := smallBlob(t)

	one := sha256Num(0x2030)
	two := sha256Num(0x1020)
	zero := InternalHash(one, two)

	hashesIndexes, err := blob.GetHashesIndexes(false)
	require.NoError(t, err)
	require.Equal(t, NodeHashToIndex{zero: 0, one: 1, two: 2}, hashesIndexes)

	leafsOnly, err := blob.GetHashesIndexes(true)
	require.NoError(t, err)
	require.Equal(t, NodeHashToIndex{one: 1, two: 2}, leafsOnly)
}

func TestGetHashesIndexesEmpty(t *testing.T) {
	blob, err := NewMerkleBlob(nil)
	require.NoError(t, err)

	result, err := blob.GetHashesIndexes(false)
	require.NoError(t, err)
	require.Empty(t, result)
}

func TestGetHashes(t *testing.T) {
	blob := smallBlob(t)

	hashes, err := blob.GetHashes()
	require.NoError(t, err)
	indexes, err := blob.GetHashesIndexes(false)
	require.NoError(t, err)

	require.ElementsMatch(t, maps.Keys(indexes), maps.Keys(hashes))
}

func TestGetHashAtIndex(t *testing.T) {
	blob := smallBlob(t)

	hash, ok, err := blob.GetHashAtIndex(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, InternalHash(sha256Num(0x2030), sha256Num(0x1020)), hash)

	empty, err := NewMerkleBlob(nil)
	require.NoError(t, err)
	_, ok, err = empty.GetHashAtIndex(0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetHashAtIndexDirty(t *testing.T) {
	blob := traversalBlob(t)
	require.NoError(t, blob.Upsert(KeyID(103), ValueID(205), generateHash(7)))

	_, _, err := blob.GetHashAtIndex(0)
	require.ErrorIs(t, err, ErrDirty)
}

func TestGetRandomLeafNode(t *testing.T) {
	blob := smallBlob(t)

	seed := make([]byte, 32)
	node, err := blob.GetRandomLeafNode(seed)
	require.NoError(t, err)
	require.Equal(t, NodeTypeLeaf, node.Type)

	empty, err := NewMerkleBlob(nil)
	require.NoError(t, err)
	_, err = empty.GetRandomLeafNode(seed)
	require.ErrorIs(t, err, ErrUnableToFindALeaf)
}

func TestResolveInsertLocation(t *testing.T) {
	blob := smallBlob(t)

	location, err := blob.ResolveInsertLocation(nil, nil)
	require.NoError(t, err)
	require.Equal(t, InsertAuto(), location)

	key := KeyID(0x0001020304050607)
	side := SideLeft
	location, err = blob.ResolveInsertLocation(&key, &side)
	require.NoError(t, err)
	require.Equal(t, InsertAtLeaf(2, SideLeft), location)

	_, err = blob.ResolveInsertLocation(&key, nil)
	require.ErrorIs(t, err, ErrIncompleteInsertLocationParameters)
	_, err = blob.ResolveInsertLocation(nil, &side)
	require.ErrorIs(t, err, ErrIncompleteInsertLocationParameters)
}

func TestInsertPastExtendEntryFails(t *testing.T) {
	blob := smallBlob(t)
	index := blob.extendIndex() + 1
	block := Block{
		Metadata: NodeMetadata{Type: NodeTypeLeaf, Dirty: true},
		Node:     Node{Type: NodeTypeLeaf, Hash: hashZero},
	}
	err := blob.insertEntryToBlob(index, &block)
	require.ErrorIs(t, err, ErrBlockIndexOutOfBounds)
}

func TestCheckIntegrityDetectsBrokenCache(t *testing.T) {
	blob := smallBlob(t)
	require.NoError(t, blob.CheckIntegrity())

	delete(blob.cache.keyToIndex, KeyID(0x0001020304050607))
	require.Error(t, blob.CheckIntegrity())
}
