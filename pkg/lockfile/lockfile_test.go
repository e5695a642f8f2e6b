package lockfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const digest = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func sampleLockfile() string {
	return `Distribution: bookworm
Archive-URL: http://deb.debian.org/debian
Architecture: amd64
Components: main contrib
Filter: Priority (required) | Priority (important) | dash

Package: libstdc++6
Version: 12.2.0-14
Architecture: amd64
SHA256: ` + strings.ToUpper(digest) + `
Filename: pool/main/g/gcc-12/libstdc%2B%2B6_12.2.0-14~deb12u1_amd64.deb
`
}

func TestParse_ProvenanceAndRecords(t *testing.T) {
	lf, err := Parse(strings.NewReader(sampleLockfile()))
	require.NoError(t, err)

	require.NotNil(t, lf.Provenance)
	assert.Equal(t, "bookworm", lf.Provenance.Distribution)
	assert.Equal(t, []string{"main", "contrib"}, lf.Provenance.Components)

	require.Len(t, lf.Packages, 1)
	rec := lf.Packages[0]
	assert.Equal(t, "libstdc++6", rec.Name)
	assert.Equal(t, digest, string(rec.SHA256), "摘要统一小写")
	assert.Equal(t, "pool/main/g/gcc-12/libstdc++6_12.2.0-14~deb12u1_amd64.deb", rec.Filename, "Filename 需要 URL 解码")

	assert.Equal(t, "01/23/456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef_libstdc++6_12.2.0-14~deb12u1_amd64.deb", rec.PoolPath())
	assert.Equal(t, "01/23/456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef_libstdc__6_12.2.0-14_deb12u1_amd64.deb", rec.Namespace())
	assert.Equal(t, "libstdc++6_12.2.0-14", rec.String())

	_, ok := lf.Lookup("libstdc++6")
	assert.True(t, ok)
}

func TestParse_Format_RoundTrip(t *testing.T) {
	lf, err := Parse(strings.NewReader(sampleLockfile()))
	require.NoError(t, err)

	data, err := lf.Bytes()
	require.NoError(t, err)
	again, err := Parse(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Equal(t, lf, again)
}

func TestParse_InvalidRecords(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"bad digest", "Package: a\nSHA256: xyz\nFilename: a.deb\n", "invalid SHA256"},
		{"no filename", "Package: a\nSHA256: " + digest + "\n", "missing Filename"},
		{"stray paragraph", "Package: a\nSHA256: " + digest + "\nFilename: a.deb\n\nHello: world\n", "paragraph 2 has no Package field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.text))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	lf, err := Load(filepath.Join(t.TempDir(), "stable.lock"))
	assert.ErrorIs(t, err, ErrMissingLockfile)
	require.NotNil(t, lf, "缺失的锁文件是合法的空状态")
	assert.Empty(t, lf.Packages)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stable.lock")
	require.NoError(t, os.WriteFile(path, []byte(sampleLockfile()), 0o644))

	lf, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, lf.Packages, 1)
}
