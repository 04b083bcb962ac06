package codec

import (
	"testing"
	"time"

	"github.com/cosmicboots/phoenix/pkg/constants"
	"github.com/stretchr/testify/require"
)

func TestFileIdRoundTrip(t *testing.T) {
	fid := FileId{Path: "dir/file.txt", Hash: [32]byte{1, 2, 3}}
	decoded, err := DecodeFileId(fid.Encode())
	require.NoError(t, err)
	require.Equal(t, fid, decoded)
}

func TestQualifiedChunkIdRoundTrip(t *testing.T) {
	q := QualifiedChunkId{
		Path:   FileId{Path: "a/b.bin", Hash: [32]byte{9}},
		Offset: 4096,
		Id:     ChunkId{5, 6, 7},
	}
	decoded, n, err := DecodeQualifiedChunkId(q.Encode())
	require.NoError(t, err)
	require.Equal(t, len(q.Encode()), n)
	require.Equal(t, q, decoded)
}

func TestFileMetadataRoundTripIgnoresTimestampsForEquality(t *testing.T) {
	m := FileMetadata{
		FileId:      FileId{Path: "x.txt", Hash: [32]byte{1}},
		Permissions: 0644,
		Modified:    time.Unix(1000, 0).UTC(),
		Created:     time.Unix(500, 0).UTC(),
		Chunks:      []ChunkId{{1}, {2}, {3}},
	}
	decoded, err := DecodeFileMetadata(m.Encode())
	require.NoError(t, err)
	require.True(t, m.Equal(decoded))

	other := m
	other.Modified = time.Unix(99999, 0).UTC()
	require.True(t, m.Equal(other))

	other.Permissions = 0600
	require.False(t, m.Equal(other))
}

func TestFileListRoundTrip(t *testing.T) {
	l := FileList{Files: []FileId{
		{Path: "a", Hash: [32]byte{1}},
		{Path: "bb", Hash: [32]byte{2}},
	}}
	decoded, err := DecodeFileList(l.Encode())
	require.NoError(t, err)
	require.Equal(t, l, decoded)
}

func TestChunkRoundTrip(t *testing.T) {
	c := Chunk{Id: ChunkId{1, 2}, Data: []byte("payload")}
	decoded, err := DecodeChunk(c.Encode())
	require.NoError(t, err)
	require.Equal(t, c, decoded)
}

func TestQualifiedChunkRoundTrip(t *testing.T) {
	qc := QualifiedChunk{
		Id: QualifiedChunkId{
			Path:   FileId{Path: "f", Hash: [32]byte{1}},
			Offset: 0,
			Id:     ChunkId{2},
		},
		Data: []byte("hello"),
	}
	decoded, err := DecodeQualifiedChunk(qc.Encode())
	require.NoError(t, err)
	require.Equal(t, qc, decoded)
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	_, err := DecodeFileId([]byte{1, 2, 3})
	require.ErrorIs(t, err, InvalidEncoding)

	_, err = Decode([]byte{0, 1})
	require.ErrorIs(t, err, InvalidEncoding)
}

func TestMessageEncodeDecode(t *testing.T) {
	var b Builder
	fid := FileId{Path: "a", Hash: [32]byte{1}}
	msg := b.Build(constants.RequestFile, fid.Encode())
	decoded, err := Decode(msg.Encode())
	require.NoError(t, err)
	require.Equal(t, constants.RequestFile, decoded.Verb)
	gotFid, err := DecodeFileId(decoded.Data)
	require.NoError(t, err)
	require.Equal(t, fid, gotFid)
}
