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
	"errors"
	"fmt"
)

// BlockPredicate filters blocks during traversal. Blocks for which it
// returns false are skipped together with their subtree consideration by the
// iterator that supports it.
type BlockPredicate func(*Block) bool

// Iterators walk the blocks of a raw blob. They follow the scanner pattern:
// Next advances and reports whether an item is available, Item returns the
// current index and block, and Err reports the failure that stopped the
// iteration, if any. All three iterators visit left siblings before right
// siblings and detect reference cycles in malformed blobs.

type leftChildFirstItem struct {
	visited bool
	index   TreeIndex
}

// LeftChildFirstIterator yields children before their parents, making it
// suitable for bottom-up processing such as hash resolution. It is the
// strictest of the three traversals and validates parent references, child
// references, and leaf dirtiness as it goes.
type LeftChildFirstIterator struct {
	blob          []byte
	stack         []leftChildFirstItem
	alreadyQueued map[TreeIndex]struct{}
	predicate     BlockPredicate
	fromIndex     TreeIndex

	index TreeIndex
	block Block
	err   error
}

// NewLeftChildFirstIterator creates a post-order iterator over the blob
// starting at fromIndex, or at the root when fromIndex is nil.
func NewLeftChildFirstIterator(blob []byte, fromIndex *TreeIndex) *LeftChildFirstIterator {
	return NewLeftChildFirstIteratorWithPredicate(blob, fromIndex, nil)
}

// NewLeftChildFirstIteratorWithPredicate is like NewLeftChildFirstIterator
// but skips blocks rejected by the predicate.
func NewLeftChildFirstIteratorWithPredicate(
	blob []byte,
	fromIndex *TreeIndex,
	predicate BlockPredicate,
) *LeftChildFirstIterator {
	start := TreeIndex(0)
	if fromIndex != nil {
		start = *fromIndex
	}
	var stack []leftChildFirstItem
	if len(blob)/BlockSize > 0 {
		stack = append(stack, leftChildFirstItem{index: start})
	}

	return &LeftChildFirstIterator{
		blob:          blob,
		stack:         stack,
		alreadyQueued: map[TreeIndex]struct{}{},
		predicate:     predicate,
		fromIndex:     start,
	}
}

func (it *LeftChildFirstIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		if len(it.stack) == 0 {
			return false
		}
		item := it.stack[len(it.stack)-1]
		it.stack = it.stack[:len(it.stack)-1]

		block, err := tryGetBlock(it.blob, item.index)
		if err != nil {
			it.err = err
			return false
		}

		if it.predicate != nil && !it.predicate(&block) {
			continue
		}

		if err := it.checkParent(item.index, &block); err != nil {
			it.err = err
			return false
		}

		switch block.Metadata.Type {
		case NodeTypeLeaf:
			if block.Metadata.Dirty {
				it.err = fmt.Errorf("%w: %d", ErrDirtyLeaf, item.index)
				return false
			}
			it.index, it.block = item.index, block
			return true
		case NodeTypeInternal:
			if item.visited {
				it.index, it.block = item.index, block
				return true
			}

			if block.Node.Left == block.Node.Right ||
				it.isQueued(block.Node.Left) ||
				it.isQueued(block.Node.Right) {
				it.err = ErrInvalidChildren
				return false
			}

			if it.isQueued(item.index) {
				it.err = ErrCycleFound
				return false
			}
			it.alreadyQueued[item.index] = struct{}{}

			it.stack = append(it.stack,
				leftChildFirstItem{visited: true, index: item.index},
				leftChildFirstItem{index: block.Node.Right},
				leftChildFirstItem{index: block.Node.Left},
			)
		}
	}
}

// checkParent verifies the node's parent reference. The starting node is
// checked against its actual parent block since that parent is never
// enqueued; all deeper nodes must reference an already traversed internal
// node.
func (it *LeftChildFirstIterator) checkParent(index TreeIndex, block *Block) error {
	parent, ok := block.Node.Parent.Get()
	if !ok {
		if index != 0 {
			return ErrUnexpectedParentlessNode
		}
		return nil
	}

	if index == 0 {
		return ErrRootHasParent
	}
	if index == it.fromIndex {
		parentBlock, err := tryGetBlock(it.blob, parent)
		switch {
		case err == nil && parentBlock.Metadata.Type == NodeTypeInternal:
			if index != parentBlock.Node.Left && index != parentBlock.Node.Right {
				return ErrParentDisagreesWithChild
			}
		case err == nil:
			return ErrLeafCannotBeParent
		case errors.Is(err, ErrBlockIndexOutOfBounds):
			return ErrReferenceToUnknownParent
		default:
			return err
		}
	} else if !it.isQueued(parent) {
		return ErrReferenceToUnknownParent
	}
	return nil
}

func (it *LeftChildFirstIterator) isQueued(index TreeIndex) bool {
	_, ok := it.alreadyQueued[index]
	return ok
}

func (it *LeftChildFirstIterator) Item() (TreeIndex, Block) {
	return it.index, it.block
}

func (it *LeftChildFirstIterator) Err() error {
	return it.err
}

// ParentFirstIterator yields parents before their children, making it
// suitable for top-down processing such as proof construction or subtree
// collection.
type ParentFirstIterator struct {
	blob          []byte
	deque         []TreeIndex
	alreadyQueued map[TreeIndex]struct{}

	index TreeIndex
	block Block
	err   error
}

// NewParentFirstIterator creates a pre-order iterator over the blob starting
// at fromIndex, or at the root when fromIndex is nil.
func NewParentFirstIterator(blob []byte, fromIndex *TreeIndex) *ParentFirstIterator {
	start := TreeIndex(0)
	if fromIndex != nil {
		start = *fromIndex
	}
	var deque []TreeIndex
	if len(blob)/BlockSize > 0 {
		deque = append(deque, start)
	}

	return &ParentFirstIterator{
		blob:          blob,
		deque:         deque,
		alreadyQueued: map[TreeIndex]struct{}{},
	}
}

func (it *ParentFirstIterator) Next() bool {
	if it.err != nil || len(it.deque) == 0 {
		return false
	}
	index := it.deque[0]
	it.deque = it.deque[1:]

	block, err := tryGetBlock(it.blob, index)
	if err != nil {
		it.err = err
		return false
	}

	if block.Metadata.Type == NodeTypeInternal {
		if _, ok := it.alreadyQueued[index]; ok {
			it.err = ErrCycleFound
			return false
		}
		it.alreadyQueued[index] = struct{}{}

		it.deque = append(it.deque, block.Node.Left, block.Node.Right)
	}

	it.index, it.block = index, block
	return true
}

func (it *ParentFirstIterator) Item() (TreeIndex, Block) {
	return it.index, it.block
}

func (it *ParentFirstIterator) Err() error {
	return it.err
}

// BreadthFirstIterator yields only leaves, level by level. Internal nodes
// are traversed but not reported.
type BreadthFirstIterator struct {
	blob          []byte
	deque         []TreeIndex
	alreadyQueued map[TreeIndex]struct{}

	index TreeIndex
	block Block
	err   error
}

// NewBreadthFirstIterator creates a level-order leaf iterator over the blob
// starting at fromIndex, or at the root when fromIndex is nil.
func NewBreadthFirstIterator(blob []byte, fromIndex *TreeIndex) *BreadthFirstIterator {
	start := TreeIndex(0)
	if fromIndex != nil {
		start = *fromIndex
	}
	var deque []TreeIndex
	if len(blob)/BlockSize > 0 {
		deque = append(deque, start)
	}

	return &BreadthFirstIterator{
		blob:          blob,
		deque:         deque,
		alreadyQueued: map[TreeIndex]struct{}{},
	}
}

func (it *BreadthFirstIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		if len(it.deque) == 0 {
			return false
		}
		index := it.deque[0]
		it.deque = it.deque[1:]

		block, err := tryGetBlock(it.blob, index)
		if err != nil {
			it.err = err
			return false
		}

		switch block.Metadata.Type {
		case NodeTypeLeaf:
			it.index, it.block = index, block
			return true
		case NodeTypeInternal:
			if _, ok := it.alreadyQueued[index]; ok {
				it.err = ErrCycleFound
				return false
			}
			it.alreadyQueued[index] = struct{}{}

			it.deque = append(it.deque, block.Node.Left, block.Node.Right)
		}
	}
}

func (it *BreadthFirstIterator) Item() (TreeIndex, Block) {
	return it.index, it.block
}

func (it *BreadthFirstIterator) Err() error {
	return it.err
}
