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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToPathFromPathRoundTrip(t *testing.T) {
	blob := traversalBlob(t)
	path := filepath.Join(t.TempDir(), "tree")

	require.NoError(t, blob.ToPath(path))
	loaded, err := FromPath(path)
	require.NoError(t, err)

	require.Equal(t, blob.ReadBlob(), loaded.ReadBlob())
	requireTreeEquality(t, blob, loaded)
	require.NoError(t, loaded.CheckIntegrity())
}

func TestToPathCreatesMissingDirectories(t *testing.T) {
	blob := smallBlob(t)
	path := filepath.Join(t.TempDir(), "a", "b", "c", "tree")

	require.NoError(t, blob.ToPath(path))
	_, err := FromPath(path)
	require.NoError(t, err)
}

func TestToPathRejectsRootDirectory(t *testing.T) {
	blob := smallBlob(t)
	require.Error(t, blob.ToPath("/"))
}

func TestEmptyTreeRoundTrip(t *testing.T) {
	blob, err := NewMerkleBlob(nil)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "empty")

	require.NoError(t, blob.ToPath(path))
	loaded, err := FromPath(path)
	require.NoError(t, err)
	require.True(t, loaded.Empty())
}

func TestFromPathMissingFile(t *testing.T) {
	_, err := FromPath(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}
