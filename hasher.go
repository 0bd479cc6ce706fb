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
	"crypto/sha256"
	"encoding/binary"
)

// internalHashPrefix domain-separates internal node hashes from leaf hashes,
// which are supplied by the caller and never computed here.
const internalHashPrefix = 0x02

// InternalHash derives the hash of an internal node from the hashes of its
// two children as SHA-256(0x02 || left || right).
func InternalHash(left, right Hash) Hash {
	hasher := sha256.New()
	hasher.Write([]byte{internalHashPrefix})
	hasher.Write(left[:])
	hasher.Write(right[:])

	var result Hash
	hasher.Sum(result[:0])
	return result
}

// CalculateInternalHash combines a node's hash with its sibling's hash, with
// the sibling on the given side.
func CalculateInternalHash(hash Hash, otherHashSide Side, otherHash Hash) Hash {
	if otherHashSide == SideLeft {
		return InternalHash(otherHash, hash)
	}
	return InternalHash(hash, otherHash)
}

func sha256Bytes(input []byte) Hash {
	return Hash(sha256.Sum256(input))
}

// sha256Num hashes the big-endian 8-byte encoding of the given number. It is
// the seed for key-derived random insert locations and must match the
// persisted trees bit for bit.
func sha256Num(input int64) Hash {
	var buffer [8]byte
	binary.BigEndian.PutUint64(buffer[:], uint64(input))
	return sha256Bytes(buffer[:])
}
