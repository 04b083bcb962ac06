package chunker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cosmicboots/phoenix/internal/codec"
	"github.com/cosmicboots/phoenix/pkg/constants"
	"github.com/stretchr/testify/require"
)

func TestChunkFileSplitsOnChunkSizeBoundaries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	data := make([]byte, constants.ChunkSize*2+10)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, data, 0644))

	chunks, err := ChunkFile(path)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	require.NotEqual(t, chunks[0], chunks[1])
}

func TestGetFileInfoMatchesGeneratedChunks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0644))

	meta, err := GetFileInfo(path, "f.bin")
	require.NoError(t, err)
	require.Equal(t, "f.bin", meta.FileId.Path)
	require.Len(t, meta.Chunks, 1)
}

func TestGenerateFileListWalksSubdirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("b"), 0644))

	list, err := GenerateFileList(dir)
	require.NoError(t, err)
	require.Len(t, list.Files, 2)
}

func TestWriteChunkReportsCompletionOnHashMatch(t *testing.T) {
	dir := t.TempDir()
	data := []byte("hello world")
	hash, err := func() ([32]byte, error) {
		src := filepath.Join(dir, "src.bin")
		require.NoError(t, os.WriteFile(src, data, 0644))
		return FileHash(src)
	}()
	require.NoError(t, err)

	qc := codec.QualifiedChunk{
		Id: codec.QualifiedChunkId{
			Path:   codec.FileId{Path: "out.bin", Hash: hash},
			Offset: 0,
			Id:     codec.ChunkId{1},
		},
		Data: data,
	}
	completed, err := WriteChunk(dir, qc)
	require.NoError(t, err)
	require.True(t, completed)
}

func TestWriteChunkReportsIncompleteOnHashMismatch(t *testing.T) {
	dir := t.TempDir()
	qc := codec.QualifiedChunk{
		Id: codec.QualifiedChunkId{
			Path:   codec.FileId{Path: "out.bin", Hash: [32]byte{1, 2, 3}},
			Offset: 0,
			Id:     codec.ChunkId{1},
		},
		Data: []byte("partial"),
	}
	completed, err := WriteChunk(dir, qc)
	require.NoError(t, err)
	require.False(t, completed)
}
