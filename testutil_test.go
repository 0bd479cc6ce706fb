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
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	hashZero = Hash{}
	hashOne  = filledHash(1)
	hashTwo  = filledHash(2)
)

func filledHash(value byte) Hash {
	var hash Hash
	for i := range hash {
		hash[i] = value
	}
	return hash
}

// smallBlob builds a two leaf tree: the key 0x0001020304050607 ends up at
// index 2 and the key 0x2021222324252627 at index 1.
func smallBlob(t *testing.T) *MerkleBlob {
	t.Helper()
	blob, err := NewMerkleBlob(nil)
	require.NoError(t, err)

	_, err = blob.Insert(
		KeyID(0x0001020304050607),
		ValueID(0x1011121314151617),
		sha256Num(0x1020),
		InsertAuto(),
	)
	require.NoError(t, err)

	_, err = blob.Insert(
		KeyID(0x2021222324252627),
		ValueID(0x3031323334353637),
		sha256Num(0x2030),
		InsertAuto(),
	)
	require.NoError(t, err)

	return blob
}

// traversalBlob extends smallBlob to seven blocks with fully resolved
// hashes, the shape the traversal order tests are written against.
func traversalBlob(t *testing.T) *MerkleBlob {
	t.Helper()
	blob := smallBlob(t)

	_, err := blob.Insert(KeyID(103), ValueID(204), sha256Num(0x1324), InsertAtLeaf(1, SideRight))
	require.NoError(t, err)
	_, err = blob.Insert(KeyID(307), ValueID(404), sha256Num(0x9183), InsertAtLeaf(3, SideRight))
	require.NoError(t, err)

	require.NoError(t, blob.CalculateLazyHashes())
	return blob
}

// generateKVID derives a deterministic key/value pair from a seed.
func generateKVID(seed int64) (KeyID, ValueID) {
	var ids [2]int64
	for offset := int64(0); offset < 2; offset++ {
		var seedBytes [8]byte
		binary.BigEndian.PutUint64(seedBytes[:], uint64(2*seed+offset))
		hash := sha256Bytes(seedBytes[:])
		ids[offset] = int64(binary.BigEndian.Uint64(hash[:8]))
	}
	return KeyID(ids[0]), ValueID(ids[1])
}

// generateHash derives a deterministic leaf hash from a seed.
func generateHash(seed int32) Hash {
	var seedBytes [4]byte
	binary.BigEndian.PutUint32(seedBytes[:], uint32(seed))
	return sha256Bytes(seedBytes[:])
}

// requireTreeEquality checks structural tree equality, ignoring block
// layout. Both trees must be fully hashed.
func requireTreeEquality(t *testing.T, expected, actual *MerkleBlob) {
	t.Helper()

	expectedIterator := NewLeftChildFirstIterator(expected.blob, nil)
	actualIterator := NewLeftChildFirstIterator(actual.blob, nil)
	for {
		expectedNext := expectedIterator.Next()
		actualNext := actualIterator.Next()
		require.NoError(t, expectedIterator.Err())
		require.NoError(t, actualIterator.Err())
		require.Equal(t, expectedNext, actualNext)
		if !expectedNext {
			return
		}

		_, expectedBlock := expectedIterator.Item()
		_, actualBlock := actualIterator.Item()
		require.False(t, expectedBlock.Metadata.Dirty)
		require.False(t, actualBlock.Metadata.Dirty)
		require.Equal(t, expectedBlock.Node.Hash, actualBlock.Node.Hash)
		require.Equal(t, expectedBlock.Metadata.Type, actualBlock.Metadata.Type)
		if expectedBlock.Metadata.Type == NodeTypeLeaf {
			require.Equal(t, expectedBlock.Node.Key, actualBlock.Node.Key)
			require.Equal(t, expectedBlock.Node.Value, actualBlock.Node.Value)
		}
	}
}
