package client

import (
	"testing"

	"github.com/cosmicboots/phoenix/internal/codec"
	"github.com/stretchr/testify/require"
)

func TestDiffFileListsSeparatesLocalAndRemoteOnly(t *testing.T) {
	local := codec.FileList{Files: []codec.FileId{
		{Path: "shared.txt", Hash: [32]byte{1}},
		{Path: "local-only.txt", Hash: [32]byte{2}},
	}}
	remote := codec.FileList{Files: []codec.FileId{
		{Path: "shared.txt", Hash: [32]byte{1}},
		{Path: "remote-only.txt", Hash: [32]byte{3}},
	}}

	localOnly, remoteOnly := diffFileLists(local, remote)
	require.Len(t, localOnly, 1)
	require.Equal(t, "local-only.txt", localOnly[0].Path)
	require.Len(t, remoteOnly, 1)
	require.Equal(t, "remote-only.txt", remoteOnly[0].Path)
}

func TestBlacklistInsertGetRemove(t *testing.T) {
	b := NewBlacklist()
	require.False(t, b.Contains("a.txt"))

	b.Insert("a.txt", [32]byte{9})
	require.True(t, b.Contains("a.txt"))
	hash, ok := b.Get("a.txt")
	require.True(t, ok)
	require.Equal(t, [32]byte{9}, hash)

	b.Remove("a.txt")
	require.False(t, b.Contains("a.txt"))
}
