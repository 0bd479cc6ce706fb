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

// ProofOfInclusionLayer is one step of a proof, recording the sibling hash
// consumed on the way from a leaf towards the root and the resulting
// combined hash.
type ProofOfInclusionLayer struct {
	OtherHashSide Side
	OtherHash     Hash
	CombinedHash  Hash
}

// ProofOfInclusion proves that a leaf with the given hash is part of the
// tree whose root hash is RootHash. It can be verified without access to the
// tree itself.
type ProofOfInclusion struct {
	NodeHash Hash
	Layers   []ProofOfInclusionLayer
}

// RootHash returns the root hash the proof leads to. For a single leaf tree
// this is the leaf hash itself.
func (p *ProofOfInclusion) RootHash() Hash {
	if len(p.Layers) > 0 {
		return p.Layers[len(p.Layers)-1].CombinedHash
	}
	return p.NodeHash
}

// Valid re-derives each layer's combined hash from the leaf upwards and
// reports whether the proof is internally consistent.
func (p *ProofOfInclusion) Valid() bool {
	existingHash := p.NodeHash

	for _, layer := range p.Layers {
		calculatedHash := CalculateInternalHash(existingHash, layer.OtherHashSide, layer.OtherHash)

		if calculatedHash != layer.CombinedHash {
			return false
		}

		existingHash = calculatedHash
	}

	return existingHash == p.RootHash()
}
