package core

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"debvault/pkg/types"

	"github.com/stretchr/testify/require"
)

// mockHash 生成一个合法的 64 字符 Hex 哈希
func mockHash(input string) types.Hash {
	sum := sha256.Sum256([]byte(input))
	return types.Hash(hex.EncodeToString(sum[:]))
}

func mustNewTree(t *testing.T, entries []TreeEntry, msgAndArgs ...any) *Tree {
	t.Helper()
	tree, err := NewTree(entries)
	require.NoError(t, err, msgAndArgs...)
	return tree
}

func fileEntry(name, content string) TreeEntry {
	b := NewBlob([]byte(content))
	return TreeEntry{Name: name, Kind: EntryFile, Mode: DefaultFileMode, Cid: NewLink(b.ID()), Size: b.Size()}
}
