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
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Trees are stored as the zstd compressed raw blob with no extra framing, so
// files written by other implementations of this format stay readable.

// zstdDecodePath reads and decompresses the blob stored at the given path.
func zstdDecodePath(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	return io.ReadAll(decoder)
}

// FromPath loads the tree stored at the given path.
func FromPath(path string) (*MerkleBlob, error) {
	blob, err := zstdDecodePath(path)
	if err != nil {
		return nil, err
	}

	return NewMerkleBlob(blob)
}

// ToPath stores the tree at the given path, creating missing parent
// directories. The path must name a file, not a directory.
func (m *MerkleBlob) ToPath(path string) (err error) {
	directory := filepath.Dir(path)
	if directory == path {
		return fmt.Errorf("path must be a file, root directory given: %s", path)
	}
	if err := os.MkdirAll(directory, 0755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
	}()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return err
	}
	if _, err := encoder.Write(m.blob); err != nil {
		encoder.Close()
		return err
	}

	return encoder.Close()
}
