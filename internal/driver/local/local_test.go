package local

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyfs/canopy/internal/driver"
)

func testDriver(t *testing.T, mutate func(*Config)) (*Driver, string) {
	t.Helper()

	root := t.TempDir()
	cfg := Config{RootPath: root}

	if mutate != nil {
		mutate(&cfg)
	}

	d, err := New(cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	return d, root
}

func writeTestFile(t *testing.T, root, rel, content string) {
	t.Helper()

	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{RootPath: "relative/path"}, nil)
	assert.True(t, driver.IsKind(err, driver.KindValidation))

	_, err = New(Config{RootPath: filepath.Join(t.TempDir(), "missing")}, nil)
	assert.True(t, driver.IsKind(err, driver.KindUnsupportedEnv))

	// AutoCreateRoot creates the missing directory.
	root := filepath.Join(t.TempDir(), "created")
	d, err := New(Config{RootPath: root, AutoCreateRoot: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "local", d.Type())

	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = New(Config{RootPath: root, DirPermission: "not-octal"}, nil)
	assert.True(t, driver.IsKind(err, driver.KindValidation))
}

func TestCapabilities_Readonly(t *testing.T) {
	rw, _ := testDriver(t, nil)
	assert.True(t, rw.Capabilities().Has(driver.CapWriter))
	assert.True(t, rw.Capabilities().Has(driver.CapAtomic))

	// A readonly mount still declares WRITER; the refusal happens at call
	// time with the readonly kind.
	ro, _ := testDriver(t, func(c *Config) { c.Readonly = true })
	assert.True(t, ro.Capabilities().Has(driver.CapReader))
	assert.True(t, ro.Capabilities().Has(driver.CapWriter))

	_, err := ro.Upload(context.Background(), "/x.txt", driver.Body{Reader: strings.NewReader("x"), Size: 1})
	assert.True(t, driver.IsKind(err, driver.KindReadonly))

	_, err = ro.CreateDirectory(context.Background(), "/sub")
	assert.True(t, driver.IsKind(err, driver.KindReadonly))
}

func TestResolve_TraversalRejected(t *testing.T) {
	d, _ := testDriver(t, nil)

	_, err := d.Stat(context.Background(), "../outside")
	assert.True(t, driver.IsKind(err, driver.KindValidation))

	_, err = d.Stat(context.Background(), "/a/../../outside")
	assert.True(t, driver.IsKind(err, driver.KindValidation))
}

func TestResolve_SymlinkEscapeRejected(t *testing.T) {
	d, root := testDriver(t, nil)
	outside := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

	_, err := d.Stat(context.Background(), "/escape/secret.txt")
	assert.True(t, driver.IsKind(err, driver.KindSymlinkEscape))

	_, err = d.List(context.Background(), "/escape")
	assert.True(t, driver.IsKind(err, driver.KindSymlinkEscape))
}

func TestResolve_SymlinkInsideRootAllowed(t *testing.T) {
	d, root := testDriver(t, nil)

	writeTestFile(t, root, "real/data.txt", "hello")
	require.NoError(t, os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "alias")))

	fi, err := d.Stat(context.Background(), "/alias/data.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), fi.Size)
}

func TestListStatExists(t *testing.T) {
	d, root := testDriver(t, nil)
	ctx := context.Background()

	writeTestFile(t, root, "docs/a.txt", "aaa")
	writeTestFile(t, root, "docs/b.txt", "bb")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs", "sub"), 0o755))

	listing, err := d.List(ctx, "/docs")
	require.NoError(t, err)
	assert.False(t, listing.IsRoot)
	require.Len(t, listing.Items, 3)

	rootListing, err := d.List(ctx, "/")
	require.NoError(t, err)
	assert.True(t, rootListing.IsRoot)

	fi, err := d.Stat(ctx, "/docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", fi.Name)
	assert.Equal(t, "/docs/a.txt", fi.Path)
	assert.Equal(t, int64(3), fi.Size)
	assert.False(t, fi.IsDir)
	assert.NotEmpty(t, fi.ETag)

	ok, err := d.Exists(ctx, "/docs/a.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Exists(ctx, "/docs/missing.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = d.Stat(ctx, "/docs/missing.txt")
	assert.True(t, driver.IsKind(err, driver.KindNotFound))
}

func TestDownload_FullAndRange(t *testing.T) {
	d, root := testDriver(t, nil)
	ctx := context.Background()

	writeTestFile(t, root, "file.bin", "0123456789")

	desc, err := d.Download(ctx, "/file.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(10), desc.Size)
	assert.True(t, desc.SupportsRange())

	full, err := desc.OpenFull(ctx)
	require.NoError(t, err)
	data, err := io.ReadAll(full)
	require.NoError(t, err)
	require.NoError(t, full.Close())
	assert.Equal(t, "0123456789", string(data))

	rng, err := desc.OpenRange(ctx, 2, 5)
	require.NoError(t, err)
	data, err = io.ReadAll(rng)
	require.NoError(t, err)
	require.NoError(t, rng.Close())
	assert.Equal(t, "2345", string(data))

	tail, err := desc.OpenRange(ctx, 7, -1)
	require.NoError(t, err)
	data, err = io.ReadAll(tail)
	require.NoError(t, err)
	require.NoError(t, tail.Close())
	assert.Equal(t, "789", string(data))

	_, err = d.Download(ctx, "/missing.bin")
	assert.True(t, driver.IsKind(err, driver.KindNotFound))
}

func TestUploadUpdate(t *testing.T) {
	d, root := testDriver(t, func(c *Config) { c.FilePermission = "600" })
	ctx := context.Background()

	res, err := d.Upload(ctx, "/new/dir/file.txt", driver.Body{Reader: strings.NewReader("content"), Size: 7})
	require.NoError(t, err)
	assert.Equal(t, "/new/dir/file.txt", res.StoragePath)

	abs := filepath.Join(root, "new", "dir", "file.txt")
	data, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))

	info, err := os.Stat(abs)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Upload refuses to clobber; Update overwrites.
	_, err = d.Upload(ctx, "/new/dir/file.txt", driver.Body{Reader: strings.NewReader("x"), Size: 1})
	assert.True(t, driver.IsKind(err, driver.KindConflict))

	require.NoError(t, d.Update(ctx, "/new/dir/file.txt", driver.Body{Reader: strings.NewReader("v2"), Size: 2}))

	data, err = os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestUpload_SizeMismatchRemovesFile(t *testing.T) {
	d, root := testDriver(t, nil)

	_, err := d.Upload(context.Background(), "/short.txt",
		driver.Body{Reader: strings.NewReader("abc"), Size: 10})
	assert.True(t, driver.IsKind(err, driver.KindValidation))

	_, statErr := os.Stat(filepath.Join(root, "short.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestUpload_UnknownSizeStreams(t *testing.T) {
	d, root := testDriver(t, nil)

	_, err := d.Upload(context.Background(), "/streamed.txt",
		driver.Body{Reader: strings.NewReader("stream body"), Size: -1})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "streamed.txt"))
	require.NoError(t, err)
	assert.Equal(t, "stream body", string(data))
}

func TestCreateDirectory(t *testing.T) {
	d, root := testDriver(t, nil)
	ctx := context.Background()

	res, err := d.CreateDirectory(ctx, "/a/b/c")
	require.NoError(t, err)
	assert.False(t, res.AlreadyExisted)

	res, err = d.CreateDirectory(ctx, "/a/b/c")
	require.NoError(t, err)
	assert.True(t, res.AlreadyExisted)

	writeTestFile(t, root, "taken", "x")
	_, err = d.CreateDirectory(ctx, "/taken")
	assert.True(t, driver.IsKind(err, driver.KindConflict))
}

func TestRename(t *testing.T) {
	d, root := testDriver(t, nil)
	ctx := context.Background()

	writeTestFile(t, root, "old.txt", "data")
	writeTestFile(t, root, "occupied.txt", "x")

	res, err := d.Rename(ctx, "/old.txt", "/moved/new.txt")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "/old.txt", res.Source)
	assert.Equal(t, "/moved/new.txt", res.Target)

	_, err = os.Stat(filepath.Join(root, "moved", "new.txt"))
	require.NoError(t, err)

	writeTestFile(t, root, "another.txt", "y")
	_, err = d.Rename(ctx, "/another.txt", "/occupied.txt")
	assert.True(t, driver.IsKind(err, driver.KindConflict))
}

func TestCopy(t *testing.T) {
	d, root := testDriver(t, nil)
	ctx := context.Background()

	writeTestFile(t, root, "src.txt", "payload")
	writeTestFile(t, root, "existing.txt", "old")

	res, err := d.Copy(ctx, "/src.txt", "/dst.txt", driver.CopyOptions{})
	require.NoError(t, err)
	assert.Equal(t, driver.CopySuccess, res.Status)

	data, err := os.ReadFile(filepath.Join(root, "dst.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	res, err = d.Copy(ctx, "/src.txt", "/existing.txt", driver.CopyOptions{SkipExisting: true})
	require.NoError(t, err)
	assert.Equal(t, driver.CopySkipped, res.Status)

	// PrecheckDone bypasses the existence check and overwrites.
	res, err = d.Copy(ctx, "/src.txt", "/existing.txt", driver.CopyOptions{SkipExisting: true, PrecheckDone: true})
	require.NoError(t, err)
	assert.Equal(t, driver.CopySuccess, res.Status)
}

func TestBatchDelete(t *testing.T) {
	d, root := testDriver(t, nil)
	ctx := context.Background()

	writeTestFile(t, root, "a.txt", "a")
	writeTestFile(t, root, "dir/b.txt", "b")

	res, err := d.BatchDelete(ctx, []string{"/a.txt", "/dir", "/missing.txt"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Successes)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "/missing.txt", res.Failures[0].Path)

	_, statErr := os.Stat(filepath.Join(root, "a.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestBatchDelete_Trash(t *testing.T) {
	trash := t.TempDir()
	d, root := testDriver(t, func(c *Config) { c.TrashPath = trash })
	ctx := context.Background()

	writeTestFile(t, root, "doc.txt", "v1")

	res, err := d.BatchDelete(ctx, []string{"/doc.txt"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Successes)

	// Deleting the same name again lands in trash under a distinct suffix.
	writeTestFile(t, root, "doc.txt", "v2")
	res, err = d.BatchDelete(ctx, []string{"/doc.txt"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Successes)

	entries, err := os.ReadDir(trash)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	for _, e := range entries {
		assert.True(t, strings.HasPrefix(e.Name(), "doc.txt."), e.Name())
	}
}
