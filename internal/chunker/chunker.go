// Package chunker splits files into fixed-size chunks, computes file and
// chunk hashes, and reassembles chunks written back to disk.
package chunker

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cosmicboots/phoenix/internal/codec"
	"github.com/cosmicboots/phoenix/pkg/constants"
	"lukechampine.com/blake3"
)

// ChunkFile splits the file at path into constants.ChunkSize pieces and
// returns the BLAKE3-256 hash of each piece, in order.
func ChunkFile(path string) ([]codec.ChunkId, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("chunker: opening %s: %w", path, err)
	}
	defer f.Close()

	var chunks []codec.ChunkId
	buf := make([]byte, constants.ChunkSize)
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			sum := blake3.Sum256(buf[:n])
			chunks = append(chunks, codec.ChunkId(sum))
		}
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chunker: reading %s: %w", path, err)
		}
	}
	return chunks, nil
}

// ChunkHash returns the BLAKE3-256 hash of a single chunk's bytes, the same
// digest ChunkFile computes per piece.
func ChunkHash(data []byte) codec.ChunkId {
	return codec.ChunkId(blake3.Sum256(data))
}

// CreateEmpty creates (truncating if necessary) the file at relPath under
// root, along with any missing parent directories, so a download can start
// writing chunks into a known-empty file regardless of what used to be
// there.
func CreateEmpty(root, relPath string) error {
	full := filepath.Join(root, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("chunker: creating parent directories for %s: %w", full, err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("chunker: creating %s: %w", full, err)
	}
	return f.Close()
}

// FileHash returns the BLAKE3-256 hash of a file's full contents, used as
// FileId.Hash.
func FileHash(path string) ([32]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, fmt.Errorf("chunker: opening %s: %w", path, err)
	}
	defer f.Close()
	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return [32]byte{}, fmt.Errorf("chunker: hashing %s: %w", path, err)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// GetFileInfo builds the full FileMetadata for a file at diskPath, whose
// FileId.Path is recorded as relPath (the path relative to the watched
// root).
func GetFileInfo(diskPath, relPath string) (codec.FileMetadata, error) {
	info, err := os.Stat(diskPath)
	if err != nil {
		return codec.FileMetadata{}, fmt.Errorf("chunker: statting %s: %w", diskPath, err)
	}
	hash, err := FileHash(diskPath)
	if err != nil {
		return codec.FileMetadata{}, err
	}
	chunks, err := ChunkFile(diskPath)
	if err != nil {
		return codec.FileMetadata{}, err
	}
	return codec.FileMetadata{
		FileId:      codec.FileId{Path: relPath, Hash: hash},
		Permissions: uint32(info.Mode().Perm()),
		Modified:    info.ModTime(),
		Created:     info.ModTime(),
		Chunks:      chunks,
	}, nil
}

// GenerateFileList walks the directory at root and returns the FileId of
// every regular file found, with paths relative to root.
func GenerateFileList(root string) (codec.FileList, error) {
	var files []codec.FileId
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("chunker: computing relative path for %s: %w", path, err)
		}
		hash, err := FileHash(path)
		if err != nil {
			return err
		}
		files = append(files, codec.FileId{Path: rel, Hash: hash})
		return nil
	})
	if err != nil {
		return codec.FileList{}, err
	}
	return codec.FileList{Files: files}, nil
}

// WriteChunk writes a qualified chunk's data to its file at the recorded
// offset, creating the file and any parent directories if necessary. It
// reports whether the write completed the file by re-hashing the file on
// disk and comparing against the expected FileId.Hash.
func WriteChunk(root string, qc codec.QualifiedChunk) (completed bool, err error) {
	full := filepath.Join(root, qc.Id.Path.Path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return false, fmt.Errorf("chunker: creating parent directories for %s: %w", full, err)
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false, fmt.Errorf("chunker: opening %s: %w", full, err)
	}
	defer f.Close()
	if _, err := f.WriteAt(qc.Data, int64(qc.Id.Offset)); err != nil {
		return false, fmt.Errorf("chunker: writing %s at offset %d: %w", full, qc.Id.Offset, err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("chunker: closing %s: %w", full, err)
	}

	hash, err := FileHash(full)
	if err != nil {
		return false, err
	}
	return hash == qc.Id.Path.Hash, nil
}
