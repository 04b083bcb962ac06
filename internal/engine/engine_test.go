package engine

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cosmicboots/phoenix/internal/codec"
	"github.com/cosmicboots/phoenix/pkg/constants"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func testMeta(path string, chunks ...codec.ChunkId) codec.FileMetadata {
	return codec.FileMetadata{
		FileId:      codec.FileId{Path: path, Hash: [32]byte{byte(len(path))}},
		Permissions: 0644,
		Modified:    time.Unix(1, 0),
		Created:     time.Unix(1, 0),
		Chunks:      chunks,
	}
}

func TestAddFileWithNoChunksIsImmediatelyComplete(t *testing.T) {
	e := openTestEngine(t)
	missing, err := e.AddFile(testMeta("empty.txt"))
	require.NoError(t, err)
	require.Empty(t, missing)

	files, err := e.ListFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestAddFileReportsMissingChunksAndStaysPending(t *testing.T) {
	e := openTestEngine(t)
	c1 := codec.ChunkId{1}
	c2 := codec.ChunkId{2}
	missing, err := e.AddFile(testMeta("a.txt", c1, c2))
	require.NoError(t, err)
	require.Len(t, missing, 2)
	require.Equal(t, c1, missing[0].Id)
	require.Equal(t, uint32(0), missing[0].Offset)
	require.Equal(t, c2, missing[1].Id)
	require.Equal(t, uint32(constants.ChunkSize), missing[1].Offset)

	_, err = e.GetFile("a.txt")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAddChunkCompletesFileOnceAllPresent(t *testing.T) {
	e := openTestEngine(t)
	c1 := codec.ChunkId{1}
	c2 := codec.ChunkId{2}
	_, err := e.AddFile(testMeta("a.txt", c1, c2))
	require.NoError(t, err)

	completed, err := e.AddChunk(codec.Chunk{Id: c1, Data: []byte("one")})
	require.NoError(t, err)
	require.Empty(t, completed)

	completed, err = e.AddChunk(codec.Chunk{Id: c2, Data: []byte("two")})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	require.Equal(t, "a.txt", completed[0].FileId.Path)

	meta, err := e.GetFile("a.txt")
	require.NoError(t, err)
	require.Equal(t, []codec.ChunkId{c1, c2}, meta.Chunks)
}

func TestAddChunkCompletesMultipleFilesSharingAChunk(t *testing.T) {
	e := openTestEngine(t)
	shared := codec.ChunkId{9}
	_, err := e.AddFile(testMeta("a.txt", shared))
	require.NoError(t, err)
	_, err = e.AddFile(testMeta("b.txt", shared))
	require.NoError(t, err)

	completed, err := e.AddChunk(codec.Chunk{Id: shared, Data: []byte("shared")})
	require.NoError(t, err)
	require.Len(t, completed, 2)
}

func TestAddChunkIgnoresOrphanChunk(t *testing.T) {
	e := openTestEngine(t)
	completed, err := e.AddChunk(codec.Chunk{Id: codec.ChunkId{42}, Data: []byte("x")})
	require.NoError(t, err)
	require.Empty(t, completed)

	_, err = e.GetChunk(codec.ChunkId{42})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAddFileDuplicateIsRejected(t *testing.T) {
	e := openTestEngine(t)
	meta := testMeta("a.txt")
	_, err := e.AddFile(meta)
	require.NoError(t, err)

	_, err = e.AddFile(meta)
	require.ErrorIs(t, err, ErrDuplicateFile)
}

func TestAddFileDuplicateIgnoresTimestampChanges(t *testing.T) {
	e := openTestEngine(t)
	meta := testMeta("a.txt")
	_, err := e.AddFile(meta)
	require.NoError(t, err)

	meta.Modified = time.Unix(999999, 0)
	_, err = e.AddFile(meta)
	require.ErrorIs(t, err, ErrDuplicateFile)
}

func TestRmFileReleasesChunksNoLongerReferenced(t *testing.T) {
	e := openTestEngine(t)
	c1 := codec.ChunkId{7}
	_, err := e.AddFile(testMeta("a.txt", c1))
	require.NoError(t, err)
	_, err = e.AddChunk(codec.Chunk{Id: c1, Data: []byte("data")})
	require.NoError(t, err)

	require.NoError(t, e.RmFile("a.txt"))

	_, err = e.GetFile("a.txt")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = e.GetChunk(c1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRmFileKeepsChunkAliveForOtherFiles(t *testing.T) {
	e := openTestEngine(t)
	shared := codec.ChunkId{3}
	_, err := e.AddFile(testMeta("a.txt", shared))
	require.NoError(t, err)
	_, err = e.AddFile(testMeta("b.txt", shared))
	require.NoError(t, err)
	_, err = e.AddChunk(codec.Chunk{Id: shared, Data: []byte("data")})
	require.NoError(t, err)

	require.NoError(t, e.RmFile("a.txt"))

	data, err := e.GetChunk(shared)
	require.NoError(t, err)
	require.Equal(t, []byte("data"), data)
}

func TestUpdatingFileReleasesNoLongerReferencedChunks(t *testing.T) {
	e := openTestEngine(t)
	c1 := codec.ChunkId{1}
	c2 := codec.ChunkId{2}
	_, err := e.AddFile(testMeta("a.txt", c1))
	require.NoError(t, err)
	_, err = e.AddChunk(codec.Chunk{Id: c1, Data: []byte("one")})
	require.NoError(t, err)

	meta := testMeta("a.txt", c2)
	missing, err := e.AddFile(meta)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	require.Equal(t, c2, missing[0].Id)

	_, err = e.GetChunk(c1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAddFileCountsRepeatedChunkOncePerOccurrence(t *testing.T) {
	e := openTestEngine(t)
	c0 := codec.ChunkId{0xc0}
	_, err := e.AddFile(testMeta("a.txt", c0, c0))
	require.NoError(t, err)
	_, err = e.AddFile(testMeta("b.txt", c0, c0))
	require.NoError(t, err)

	_, err = e.AddChunk(codec.Chunk{Id: c0, Data: []byte("x")})
	require.NoError(t, err)

	var buf strings.Builder
	require.NoError(t, e.DumpTables(&buf))
	require.Contains(t, buf.String(), fmt.Sprintf("%x -> 4", c0[:]))
}

func TestAddFileRepeatedChunkProducesOneMissingEntry(t *testing.T) {
	e := openTestEngine(t)
	c0 := codec.ChunkId{0xc0}
	missing, err := e.AddFile(testMeta("a.txt", c0, c0))
	require.NoError(t, err)
	require.Len(t, missing, 1)
	require.Equal(t, c0, missing[0].Id)
	require.Equal(t, uint32(0), missing[0].Offset)
}

func TestRcMergeBelowZeroIsSurfacedAsCorruption(t *testing.T) {
	e := openTestEngine(t)
	c1 := codec.ChunkId{1}
	err := e.db.Update(func(tx *bbolt.Tx) error {
		return rcMerge(tx, c1, -1)
	})
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestListFilesOnlyIncludesComplete(t *testing.T) {
	e := openTestEngine(t)
	_, err := e.AddFile(testMeta("done.txt"))
	require.NoError(t, err)
	_, err = e.AddFile(testMeta("pending.txt", codec.ChunkId{5}))
	require.NoError(t, err)

	files, err := e.ListFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "done.txt", files[0].Path)
}
