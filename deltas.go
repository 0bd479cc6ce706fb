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

	"golang.org/x/sync/errgroup"
)

// DeltaReaderNode is one entry of a delta pool: a node description keyed by
// hash, referencing its children by hash rather than by block index so nodes
// gathered from different trees can be combined. The variant is given by
// Type, mirroring Node.
type DeltaReaderNode struct {
	Type NodeType

	// internal fields
	Left  Hash
	Right Hash

	// leaf fields
	Key   KeyID
	Value ValueID
}

// HashPair holds the child hashes of an internal node description.
type HashPair struct {
	Left  Hash
	Right Hash
}

// KeyValuePair holds the key and value ids of a leaf description.
type KeyValuePair struct {
	Key   KeyID
	Value ValueID
}

type (
	InternalNodesMap = map[Hash]HashPair
	LeafNodesMap     = map[Hash]KeyValuePair
)

// CollectJob names one stored tree to collect from together with the
// subtree root indexes to gather.
type CollectJob struct {
	Path    string
	Indexes []TreeIndex
}

// ReturnJob names one stored tree to collect from, identified by its root
// hash.
type ReturnJob struct {
	RootHash Hash
	Path     string
}

// CollectedIndexes pairs a job's root hash with the hash to index mapping
// gathered from its tree.
type CollectedIndexes struct {
	RootHash    Hash
	HashToIndex NodeHashToIndex
}

// DeltaReader accumulates node descriptions from several sources, reports
// which referenced hashes are still missing, and finally materializes a
// fresh tree from the pooled nodes.
//
// The collection methods fan work out over the stored trees but must not be
// called concurrently with each other.
type DeltaReader struct {
	nodes NodeHashToDeltaReaderNode
}

// NewDeltaReader creates a reader seeded with the given internal and leaf
// node descriptions.
func NewDeltaReader(internalNodes InternalNodesMap, leafNodes LeafNodesMap) *DeltaReader {
	reader := &DeltaReader{nodes: NodeHashToDeltaReaderNode{}}
	reader.AddInternalNodes(internalNodes)
	reader.AddLeafNodes(leafNodes)
	return reader
}

// AddInternalNodes merges internal node descriptions into the pool.
func (d *DeltaReader) AddInternalNodes(internalNodes InternalNodesMap) {
	for hash, children := range internalNodes {
		d.nodes[hash] = DeltaReaderNode{
			Type:  NodeTypeInternal,
			Left:  children.Left,
			Right: children.Right,
		}
	}
}

// AddLeafNodes merges leaf node descriptions into the pool.
func (d *DeltaReader) AddLeafNodes(leafNodes LeafNodesMap) {
	for hash, pair := range leafNodes {
		d.nodes[hash] = DeltaReaderNode{
			Type:  NodeTypeLeaf,
			Key:   pair.Key,
			Value: pair.Value,
		}
	}
}

// GetMissingHashes returns the hashes referenced by pooled internal nodes,
// or by the root itself, that are not present in the pool.
func (d *DeltaReader) GetMissingHashes(rootHash Hash) map[Hash]struct{} {
	missingHashes := map[Hash]struct{}{}

	for _, node := range d.nodes {
		if node.Type != NodeTypeInternal {
			continue
		}

		for _, hash := range []Hash{node.Left, node.Right} {
			if _, ok := d.nodes[hash]; !ok {
				missingHashes[hash] = struct{}{}
			}
		}
	}

	if _, ok := d.nodes[rootHash]; !ok {
		missingHashes[rootHash] = struct{}{}
	}

	return missingHashes
}

// CollectFromMerkleBlob loads the tree stored at the given path and pools
// the nodes of the subtrees rooted at the given indexes.
func (d *DeltaReader) CollectFromMerkleBlob(path string, indexes []TreeIndex) error {
	blob, err := zstdDecodePath(path)
	if err != nil {
		return err
	}

	collected, err := GetInternalTerminal(blob, indexes)
	if err != nil {
		return err
	}
	for hash, entry := range collected {
		d.nodes[hash] = entry.Node
	}

	return nil
}

// CollectAndReturnFromMerkleBlobs gathers the subtrees rooted at the given
// hashes from several stored trees in parallel, pooling the nodes and
// returning per job the hash to index mapping of the visited nodes. A hash
// seen in more than one tree is reported only for the job that produced it
// first in job order.
func (d *DeltaReader) CollectAndReturnFromMerkleBlobs(
	jobs []ReturnJob,
	hashes map[Hash]struct{},
) ([]CollectedIndexes, error) {
	type groupedResult struct {
		nodes       NodeHashToDeltaReaderNode
		hashToIndex NodeHashToIndex
	}

	// the known callback only reads the pool, so the workers can share it as
	// long as merging waits for all of them
	known := func(hash Hash) bool {
		_, ok := d.nodes[hash]
		return ok
	}

	groupedResults := make([]groupedResult, len(jobs))
	var group errgroup.Group
	for position, job := range jobs {
		position, job := position, job
		group.Go(func() error {
			nodes, hashToIndex, err := CollectAndReturnFromMerkleBlob(job.Path, hashes, known)
			if err != nil {
				return err
			}
			groupedResults[position] = groupedResult{nodes: nodes, hashToIndex: hashToIndex}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	results := make([]CollectedIndexes, 0, len(jobs))
	seenHashes := map[Hash]struct{}{}
	for position, result := range groupedResults {
		for hash, node := range result.nodes {
			d.nodes[hash] = node
		}
		filtered := NodeHashToIndex{}
		for hash, index := range result.hashToIndex {
			if _, ok := seenHashes[hash]; !ok {
				seenHashes[hash] = struct{}{}
				filtered[hash] = index
			}
		}
		results = append(results, CollectedIndexes{
			RootHash:    jobs[position].RootHash,
			HashToIndex: filtered,
		})
	}

	return results, nil
}

// CollectFromMerkleBlobs pools the given subtrees of several stored trees,
// loading and traversing them in parallel.
func (d *DeltaReader) CollectFromMerkleBlobs(jobs []CollectJob) error {
	results := make([]map[Hash]IndexedDeltaNode, len(jobs))
	var group errgroup.Group
	for position, job := range jobs {
		position, job := position, job
		group.Go(func() error {
			blob, err := zstdDecodePath(job.Path)
			if err != nil {
				return err
			}
			collected, err := GetInternalTerminal(blob, job.Indexes)
			if err != nil {
				return err
			}
			results[position] = collected
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	for _, result := range results {
		for hash, entry := range result {
			d.nodes[hash] = entry.Node
		}
	}

	return nil
}

// CreateMerkleBlobAndFilterUnusedNodes builds a tree rooted at the given
// hash from the pooled nodes and shrinks the pool to the nodes the build
// actually used.
func (d *DeltaReader) CreateMerkleBlobAndFilterUnusedNodes(rootHash Hash) (*MerkleBlob, error) {
	allUsedHashes := map[Hash]struct{}{}
	merkleBlob, err := BuildBlobFromNodeList(d.nodes, rootHash, allUsedHashes)
	if err != nil {
		return nil, err
	}

	for hash := range d.nodes {
		if _, used := allUsedHashes[hash]; !used {
			delete(d.nodes, hash)
		}
	}

	return merkleBlob, nil
}

// DeltaFileCache wraps a stored tree together with its hash to index
// mapping, plus the node hashes of an optional predecessor tree so a delta
// between the two generations can be derived.
type DeltaFileCache struct {
	hashToIndex    NodeHashToIndex
	previousHashes map[Hash]struct{}
	merkleBlob     *MerkleBlob
}

// NewDeltaFileCache loads the tree stored at the given path and indexes its
// node hashes.
func NewDeltaFileCache(path string) (*DeltaFileCache, error) {
	merkleBlob, err := FromPath(path)
	if err != nil {
		return nil, err
	}
	hashToIndex, err := merkleBlob.GetHashesIndexes(false)
	if err != nil {
		return nil, err
	}
	return &DeltaFileCache{
		hashToIndex:    hashToIndex,
		previousHashes: map[Hash]struct{}{},
		merkleBlob:     merkleBlob,
	}, nil
}

// LoadPreviousHashes records the node hashes of the predecessor tree stored
// at the given path, replacing any previously loaded set.
func (d *DeltaFileCache) LoadPreviousHashes(path string) error {
	blob, err := zstdDecodePath(path)
	if err != nil {
		return err
	}
	d.previousHashes = map[Hash]struct{}{}

	if len(blob) == 0 {
		return nil
	}
	iterator := NewParentFirstIterator(blob, nil)
	for iterator.Next() {
		_, block := iterator.Item()
		d.previousHashes[block.Node.Hash] = struct{}{}
	}
	return iterator.Err()
}

// GetRawNode returns the node at the given index of the cached tree.
func (d *DeltaFileCache) GetRawNode(index TreeIndex) (Node, error) {
	return d.merkleBlob.GetNode(index)
}

// GetHashAtIndex returns the hash at the given index of the cached tree, or
// false when the tree is empty.
func (d *DeltaFileCache) GetHashAtIndex(index TreeIndex) (Hash, bool, error) {
	return d.merkleBlob.GetHashAtIndex(index)
}

// SeenPreviousHash reports whether the hash occurs in the loaded predecessor
// tree.
func (d *DeltaFileCache) SeenPreviousHash(hash Hash) bool {
	_, ok := d.previousHashes[hash]
	return ok
}

// GetIndex returns the block index of the node with the given hash.
func (d *DeltaFileCache) GetIndex(hash Hash) (TreeIndex, error) {
	index, ok := d.hashToIndex[hash]
	if !ok {
		return 0, fmt.Errorf("%w: %x", ErrHashNotFound, hash)
	}
	return index, nil
}
