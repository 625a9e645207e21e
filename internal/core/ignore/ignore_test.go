package ignore

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsIgnoreStagedFiles(t *testing.T) {
	l := New()

	assert.True(t, l.ShouldIgnore("docs/.report.txt.meshsync-0a1b2c3d.tmp"))
	assert.True(t, l.ShouldIgnore(".DS_Store"))
	assert.True(t, l.ShouldIgnore("src/main.go.swp"))
	assert.False(t, l.ShouldIgnore("docs/report.txt"))
}

func TestExtraPatterns(t *testing.T) {
	l := New("build/", "*.log")

	assert.True(t, l.ShouldIgnore("build/out.bin"))
	assert.True(t, l.ShouldIgnore("a/b/debug.log"))
	assert.False(t, l.ShouldIgnore("src/build.go"))
}

func TestLoadReadsRootIgnoreFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/root0/"+FileName, []byte("# comment\n\nsecret/\n*.bak\n"), 0o644))

	l := Load(fsys, "/root0")

	assert.True(t, l.ShouldIgnore("secret/key.pem"))
	assert.True(t, l.ShouldIgnore("notes.bak"))
	assert.False(t, l.ShouldIgnore("notes.txt"))
}

func TestNilListIgnoresNothing(t *testing.T) {
	var l *List
	assert.False(t, l.ShouldIgnore("anything"))
}
