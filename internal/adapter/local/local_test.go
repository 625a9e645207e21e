package local

import (
	"context"
	"io"
	"io/fs"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ning0612/Meshsync/internal/domain"
)

func newMemAdapter(t *testing.T) (*Adapter, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/r0", 0o755))
	a, err := NewWithFs(domain.Root{ID: 0, Path: "/r0"}, fsys)
	require.NoError(t, err)
	return a, fsys
}

func TestNewRejectsMissingAndFileRoots(t *testing.T) {
	fsys := afero.NewMemMapFs()
	_, err := NewWithFs(domain.Root{Path: "/missing"}, fsys)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, afero.WriteFile(fsys, "/file", []byte("x"), 0o644))
	_, err = NewWithFs(domain.Root{Path: "/file"}, fsys)
	assert.ErrorIs(t, err, domain.ErrNotDirectory)
}

func TestAbsRejectsEscape(t *testing.T) {
	a, _ := newMemAdapter(t)

	tests := []struct {
		rel     string
		wantErr bool
	}{
		{"a/b.txt", false},
		{".", false},
		{"a/../b.txt", false},
		{"../r0x/file", true},
		{"..", true},
		{"/etc/passwd", true},
	}

	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			_, err := a.Abs(tt.rel)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrPermissionDenied)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWalkListsRegularFiles(t *testing.T) {
	a, fsys := newMemAdapter(t)
	require.NoError(t, afero.WriteFile(fsys, "/r0/b.txt", []byte("b"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/r0/sub/a.txt", []byte("a"), 0o644))
	require.NoError(t, fsys.MkdirAll("/r0/empty", 0o755))

	var got []string
	err := a.Walk(context.Background(), func(rel string, info fs.FileInfo) error {
		got = append(got, rel)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b.txt", "sub/a.txt"}, got)
}

func TestCreateTempCommit(t *testing.T) {
	a, fsys := newMemAdapter(t)
	ctx := context.Background()

	tmp, err := a.CreateTemp(ctx, "deep/dir/file.txt")
	require.NoError(t, err)
	assert.True(t, IsTemp(tmp.Name()), "staged name %q", tmp.Name())

	_, err = io.WriteString(tmp, "payload")
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	mtime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, a.Commit(ctx, tmp.Name(), "deep/dir/file.txt", 0o640, mtime))

	data, err := afero.ReadFile(fsys, "/r0/deep/dir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	info, err := a.Stat(ctx, "deep/dir/file.txt")
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime))

	_, err = a.Stat(ctx, tmp.Name())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRemoveMissingIsSuccess(t *testing.T) {
	a, _ := newMemAdapter(t)
	assert.NoError(t, a.Remove(context.Background(), "nope.txt"))
}

func TestReadOnlyFsMapsToPermissionDenied(t *testing.T) {
	base := afero.NewMemMapFs()
	require.NoError(t, base.MkdirAll("/r1", 0o755))
	a, err := NewWithFs(domain.Root{ID: 1, Path: "/r1"}, afero.NewReadOnlyFs(base))
	require.NoError(t, err)

	_, err = a.CreateTemp(context.Background(), "x.txt")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestOpenDirectory(t *testing.T) {
	a, fsys := newMemAdapter(t)
	require.NoError(t, fsys.MkdirAll("/r0/d", 0o755))

	_, err := a.Open(context.Background(), "d")
	assert.ErrorIs(t, err, domain.ErrNotFile)
}

func TestIsTemp(t *testing.T) {
	assert.True(t, IsTemp("a/.report.txt.meshsync-1a2b3c4d.tmp"))
	assert.False(t, IsTemp("a/report.txt"))
	assert.False(t, IsTemp("a/notes.tmp"))
}
