// Package engine implements the server's storage engine: a transactional,
// chunk-deduplicated store of files backed by five buckets in a single
// embedded database. Each bucket holds one concern (file metadata, pending
// uploads, chunk bodies, chunk refcounts, missing-chunk index), and a single
// bbolt transaction keeps updates across buckets consistent.
package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cosmicboots/phoenix/internal/codec"
	"github.com/cosmicboots/phoenix/pkg/constants"
	"go.etcd.io/bbolt"
)

var (
	// ErrDuplicateFile is returned by AddFile when the submitted metadata is
	// identical (per codec.FileMetadata.Equal) to what is already on file.
	ErrDuplicateFile = errors.New("engine: duplicate file")
	// ErrCorrupt indicates an internal invariant was found violated: a
	// refcount driven below zero, or stored metadata that fails to decode.
	ErrCorrupt = errors.New("engine: corrupt storage state")
	// ErrNotFound is returned by lookups with no matching entry.
	ErrNotFound = errors.New("engine: not found")
)

var (
	bucketFiles     = []byte("file_table")
	bucketPending   = []byte("pending_table")
	bucketChunks    = []byte("chunk_table")
	bucketRefcounts = []byte("chunk_count")
	bucketMissing   = []byte("missing_chunks")
)

// Engine is the dedup storage engine. It is safe for concurrent use; every
// operation runs inside its own bbolt transaction.
type Engine struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the database at path and ensures all
// five buckets exist.
func Open(path string) (*Engine, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("engine: opening database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketFiles, bucketPending, bucketChunks, bucketRefcounts, bucketMissing} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: initializing buckets: %w", err)
	}
	return &Engine{db: db}, nil
}

// Close closes the underlying database.
func (e *Engine) Close() error {
	return e.db.Close()
}

func refcountGet(b *bbolt.Bucket, id codec.ChunkId) uint32 {
	v := b.Get(id[:])
	if v == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v)
}

func refcountPut(b *bbolt.Bucket, id codec.ChunkId, n uint32) error {
	if n == 0 {
		return b.Delete(id[:])
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, n)
	return b.Put(id[:], buf)
}

// encodePathList / decodePathList serialize the set of file paths waiting
// on a missing chunk.
func encodePathList(paths []string) []byte {
	var buf bytes.Buffer
	for _, p := range paths {
		lenbuf := make([]byte, 2)
		binary.BigEndian.PutUint16(lenbuf, uint16(len(p)))
		buf.Write(lenbuf)
		buf.WriteString(p)
	}
	return buf.Bytes()
}

func decodePathList(data []byte) []string {
	var paths []string
	off := 0
	for off+2 <= len(data) {
		n := int(binary.BigEndian.Uint16(data[off:]))
		off += 2
		if off+n > len(data) {
			break
		}
		paths = append(paths, string(data[off:off+n]))
		off += n
	}
	return paths
}

func addPath(paths []string, path string) []string {
	for _, p := range paths {
		if p == path {
			return paths
		}
	}
	return append(paths, path)
}

// rcMerge adjusts a chunk's refcount by delta, deleting both the refcount
// and chunk_table entry once it reaches zero. A result below zero means
// some earlier accounting step released a chunk more times than it was
// ever acquired, which is storage corruption rather than something to
// paper over.
func rcMerge(tx *bbolt.Tx, id codec.ChunkId, delta int32) error {
	rc := tx.Bucket(bucketRefcounts)
	chunks := tx.Bucket(bucketChunks)
	count := int64(refcountGet(rc, id)) + int64(delta)
	if count < 0 {
		return fmt.Errorf("%w: refcount for chunk %x went negative", ErrCorrupt, id)
	}
	if count == 0 {
		if err := chunks.Delete(id[:]); err != nil {
			return err
		}
		return rc.Delete(id[:])
	}
	return refcountPut(rc, id, uint32(count))
}

// chunkCounts tallies how many times each ChunkId occurs in chunks, since
// chunk_count tracks occurrences, not distinct ids: a file referencing the
// same chunk twice acquires it twice.
func chunkCounts(chunks []codec.ChunkId) map[codec.ChunkId]int {
	m := make(map[codec.ChunkId]int, len(chunks))
	for _, c := range chunks {
		m[c]++
	}
	return m
}

// AddFile registers new metadata for a path, diffing it against any
// existing metadata for the same path to compute which chunks are newly
// referenced and which are no longer referenced. It returns, as qualified
// chunk ids (so the caller knows the offset as well as the hash — two
// indices can share a ChunkId when a file repeats the same content), every
// chunk the caller still needs to supply before the file is complete; an
// empty result means the file was already fully present in chunk_table and
// is now visible via GetFile/ListFiles.
func (e *Engine) AddFile(meta codec.FileMetadata) ([]codec.QualifiedChunkId, error) {
	var missing []codec.QualifiedChunkId
	err := e.db.Update(func(tx *bbolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		pending := tx.Bucket(bucketPending)
		chunks := tx.Bucket(bucketChunks)
		missingBucket := tx.Bucket(bucketMissing)

		path := meta.FileId.Path

		if existing := files.Get([]byte(path)); existing != nil {
			old, err := codec.DecodeFileMetadata(existing)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			if old.Equal(meta) {
				return ErrDuplicateFile
			}
		}

		var oldChunks []codec.ChunkId
		if existing := files.Get([]byte(path)); existing != nil {
			old, _ := codec.DecodeFileMetadata(existing)
			oldChunks = old.Chunks
		} else if existing := pending.Get([]byte(path)); existing != nil {
			old, _ := codec.DecodeFileMetadata(existing)
			oldChunks = old.Chunks
		}

		oldCounts := chunkCounts(oldChunks)
		newCounts := chunkCounts(meta.Chunks)

		seen := make(map[codec.ChunkId]struct{}, len(oldCounts)+len(newCounts))
		for c := range oldCounts {
			seen[c] = struct{}{}
		}
		for c := range newCounts {
			seen[c] = struct{}{}
		}
		for c := range seen {
			if delta := newCounts[c] - oldCounts[c]; delta != 0 {
				if err := rcMerge(tx, c, int32(delta)); err != nil {
					return err
				}
			}
		}

		for c := range newCounts {
			if chunks.Get(c[:]) == nil {
				existingPaths := decodePathList(missingBucket.Get(c[:]))
				existingPaths = addPath(existingPaths, path)
				if err := missingBucket.Put(c[:], encodePathList(existingPaths)); err != nil {
					return err
				}
			}
		}

		seenMissing := make(map[codec.ChunkId]struct{}, len(meta.Chunks))
		for i, c := range meta.Chunks {
			if _, already := seenMissing[c]; already {
				continue
			}
			if chunks.Get(c[:]) == nil {
				missing = append(missing, codec.QualifiedChunkId{
					Path:   meta.FileId,
					Offset: uint32(i * constants.ChunkSize),
					Id:     c,
				})
				seenMissing[c] = struct{}{}
			}
		}

		if err := pending.Delete([]byte(path)); err != nil {
			return err
		}
		if err := files.Delete([]byte(path)); err != nil {
			return err
		}

		encoded := meta.Encode()
		if len(missing) == 0 {
			return files.Put([]byte(path), encoded)
		}
		return pending.Put([]byte(path), encoded)
	})
	if err != nil {
		return nil, err
	}
	return missing, nil
}

// AddChunk stores a chunk's data if it is still wanted by some pending
// file, then promotes every pending file whose full chunk list is now
// present to file_table. It returns every file that completed as a result
// of this chunk, not just the first, since several files may share a chunk
// and all complete together.
func (e *Engine) AddChunk(chunk codec.Chunk) ([]codec.FileMetadata, error) {
	var completed []codec.FileMetadata
	err := e.db.Update(func(tx *bbolt.Tx) error {
		missingBucket := tx.Bucket(bucketMissing)
		chunks := tx.Bucket(bucketChunks)
		pending := tx.Bucket(bucketPending)
		files := tx.Bucket(bucketFiles)

		raw := missingBucket.Get(chunk.Id[:])
		if raw == nil {
			// No pending file references this chunk; silently drop it to
			// avoid storing orphaned chunk data.
			return nil
		}
		paths := decodePathList(raw)

		if err := chunks.Put(chunk.Id[:], chunk.Data); err != nil {
			return err
		}
		if err := missingBucket.Delete(chunk.Id[:]); err != nil {
			return err
		}

		for _, path := range paths {
			raw := pending.Get([]byte(path))
			if raw == nil {
				continue
			}
			meta, err := codec.DecodeFileMetadata(raw)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			stillMissing := false
			for _, c := range meta.Chunks {
				if chunks.Get(c[:]) == nil {
					stillMissing = true
					break
				}
			}
			if stillMissing {
				continue
			}
			if err := pending.Delete([]byte(path)); err != nil {
				return err
			}
			if err := files.Put([]byte(path), raw); err != nil {
				return err
			}
			completed = append(completed, meta)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

// GetFile returns the complete metadata for path, or ErrNotFound.
func (e *Engine) GetFile(path string) (codec.FileMetadata, error) {
	var meta codec.FileMetadata
	err := e.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketFiles).Get([]byte(path))
		if raw == nil {
			return ErrNotFound
		}
		m, err := codec.DecodeFileMetadata(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		meta = m
		return nil
	})
	return meta, err
}

// GetChunk returns a chunk's stored data, or ErrNotFound.
func (e *Engine) GetChunk(id codec.ChunkId) ([]byte, error) {
	var data []byte
	err := e.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketChunks).Get(id[:])
		if raw == nil {
			return ErrNotFound
		}
		data = append([]byte(nil), raw...)
		return nil
	})
	return data, err
}

// RmFile removes a fully-present file, decrementing the refcount of each of
// its chunks and deleting chunk data/refcounts that drop to zero.
func (e *Engine) RmFile(path string) error {
	return e.db.Update(func(tx *bbolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		raw := files.Get([]byte(path))
		if raw == nil {
			return ErrNotFound
		}
		meta, err := codec.DecodeFileMetadata(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		for _, c := range meta.Chunks {
			if err := rcMerge(tx, c, -1); err != nil {
				return err
			}
		}
		return files.Delete([]byte(path))
	})
}

// ListFiles returns the FileId of every file currently complete.
func (e *Engine) ListFiles() ([]codec.FileId, error) {
	var out []codec.FileId
	err := e.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(_, v []byte) error {
			meta, err := codec.DecodeFileMetadata(v)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			out = append(out, meta.FileId)
			return nil
		})
	})
	return out, err
}

// DumpTables writes a human-readable rendering of all five tables, used by
// the dump-db command.
func (e *Engine) DumpTables(w io.Writer) error {
	return e.db.View(func(tx *bbolt.Tx) error {
		fmt.Fprintln(w, "file_table:")
		if err := tx.Bucket(bucketFiles).ForEach(func(k, v []byte) error {
			meta, err := codec.DecodeFileMetadata(v)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "  %s\n", meta.String())
			return nil
		}); err != nil {
			return err
		}

		fmt.Fprintln(w, "pending_table:")
		if err := tx.Bucket(bucketPending).ForEach(func(k, v []byte) error {
			meta, err := codec.DecodeFileMetadata(v)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "  %s\n", meta.String())
			return nil
		}); err != nil {
			return err
		}

		fmt.Fprintln(w, "chunk_table:")
		if err := tx.Bucket(bucketChunks).ForEach(func(k, v []byte) error {
			fmt.Fprintf(w, "  %x (%d bytes)\n", k, len(v))
			return nil
		}); err != nil {
			return err
		}

		fmt.Fprintln(w, "chunk_count:")
		if err := tx.Bucket(bucketRefcounts).ForEach(func(k, v []byte) error {
			fmt.Fprintf(w, "  %x -> %d\n", k, binary.BigEndian.Uint32(v))
			return nil
		}); err != nil {
			return err
		}

		fmt.Fprintln(w, "missing_chunks:")
		return tx.Bucket(bucketMissing).ForEach(func(k, v []byte) error {
			fmt.Fprintf(w, "  %x -> %v\n", k, decodePathList(v))
			return nil
		})
	})
}
