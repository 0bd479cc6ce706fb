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

import "errors"

// Errors reported by this package. Call sites attach the offending index,
// key, or hash via fmt.Errorf("...: %w", ...) so callers can match with
// errors.Is while still getting a useful message.
var (
	// Shape errors. On a persisted blob these indicate corruption; all other
	// errors are recoverable by the caller.
	ErrInvalidBlobLength     = errors.New("blob length must be a multiple of the block size")
	ErrBlockIndexOutOfBounds = errors.New("block index out of bounds")
	ErrInvalidNodeType       = errors.New("invalid node type")
	ErrInvalidDirtyByte      = errors.New("invalid dirty byte")
	ErrInvalidParentTag      = errors.New("invalid parent tag")

	// Cache errors.
	ErrKeyAlreadyPresent            = errors.New("key already present")
	ErrHashAlreadyPresent           = errors.New("hash already present")
	ErrUnknownKey                   = errors.New("unknown key")
	ErrLeafHashNotFound             = errors.New("leaf hash not found")
	ErrMoveSourceIndexNotInUse      = errors.New("move source index not in use")
	ErrMoveDestinationIndexNotInUse = errors.New("move destination index not in use")

	// Structure errors.
	ErrUnableToInsertAsRootOfNonEmptyTree   = errors.New("requested insertion at root but tree not empty")
	ErrUnableToFindALeaf                    = errors.New("unable to find a leaf")
	ErrIndexIsNotAChild                     = errors.New("index is not a child")
	ErrLeafCannotBeRootWhenInsertingSubtree = errors.New("insert subtree requires the reference leaf not be the root")
	ErrNodeNotALeaf                         = errors.New("node not a leaf")

	// Integrity errors.
	ErrIntegrityKeyNotInCache                     = errors.New("key not in key to index cache")
	ErrIntegrityKeyToIndexCacheIndex              = errors.New("key to index cache disagrees with tree")
	ErrIntegrityParentChildMismatch               = errors.New("parent and child relationship mismatched")
	ErrIntegrityKeyToIndexCacheLength             = errors.New("key to index cache length disagrees with leaf count")
	ErrIntegrityLeafHashToIndexCacheLength        = errors.New("leaf hash to index cache length disagrees with leaf count")
	ErrIntegrityUnmatchedChildParentRelationships = errors.New("unmatched parent to child references found")
	ErrIntegrityTotalNodeCount                    = errors.New("unexpected total node count")
	ErrIntegrityActiveIndexInFreeList             = errors.New("active index found in free index list")
	ErrCycleFound                                 = errors.New("cycle found")
	ErrDirty                                      = errors.New("hash is dirty")
	ErrDirtyLeaf                                  = errors.New("hash is dirty for leaf")

	// Traversal errors beyond cycles; a forged blob can exhibit any of these.
	ErrRootHasParent            = errors.New("root has parent")
	ErrUnexpectedParentlessNode = errors.New("unexpected parentless node")
	ErrReferenceToUnknownParent = errors.New("reference to unknown parent")
	ErrParentDisagreesWithChild = errors.New("child's parent disclaims the child")
	ErrLeafCannotBeParent       = errors.New("leaf cannot be parent")
	ErrInvalidChildren          = errors.New("invalid children")

	// Delta errors.
	ErrNodeHashNotInNodeMaps = errors.New("node hash not in nodes")
	ErrHashNotFound          = errors.New("hash not found")

	// Input errors.
	ErrZeroLengthSeedNotAllowed           = errors.New("zero-length seed bytes not allowed")
	ErrIncompleteInsertLocationParameters = errors.New("must specify neither or both of reference key and side")
)
