package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyfs/canopy/internal/driver"
	"github.com/canopyfs/canopy/internal/jobs"
	"github.com/canopyfs/canopy/internal/mount"
	"github.com/canopyfs/canopy/internal/pathutil"
	"github.com/canopyfs/canopy/internal/secrets"
	"github.com/canopyfs/canopy/internal/store"
)

var admin = mount.Principal{Kind: mount.KindAdmin, ID: "root"}

type captureEnqueuer struct {
	taskType  string
	payload   json.RawMessage
	principal string
}

func (c *captureEnqueuer) Enqueue(_ context.Context, taskType string, payload json.RawMessage, principal string) (*store.Job, error) {
	c.taskType = taskType
	c.payload = payload
	c.principal = principal

	return &store.Job{ID: "job-1", TaskType: taskType, Status: store.JobPending}, nil
}

type fixture struct {
	fs       *FileSystem
	store    *store.Store
	enqueuer *captureEnqueuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "canopy.db"),
		slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	box, err := secrets.NewBox("test-secret")
	require.NoError(t, err)

	enq := &captureEnqueuer{}
	fs := New(
		mount.NewResolver(st, slog.New(slog.DiscardHandler)),
		NewFactory(box, slog.New(slog.DiscardHandler)),
		st,
		pathutil.NewSigner("proxy-secret"),
		enq,
		slog.New(slog.DiscardHandler),
	)

	return &fixture{fs: fs, store: st, enqueuer: enq}
}

// addLocalMount creates a local-driver mount over a fresh temp root.
func (f *fixture) addLocalMount(t *testing.T, mountPath string, webProxy bool) (store.Mount, string) {
	t.Helper()
	ctx := context.Background()

	root := t.TempDir()
	cfgJSON, err := json.Marshal(map[string]any{"root_path": root})
	require.NoError(t, err)

	cfg, err := f.store.CreateStorageConfig(ctx, &store.StorageConfig{
		Type:       "local",
		ConfigJSON: string(cfgJSON),
		IsPublic:   true,
	})
	require.NoError(t, err)

	m, err := f.store.CreateMount(ctx, &store.Mount{
		MountPath:       mountPath,
		StorageConfigID: cfg.ID,
		WebProxy:        webProxy,
		WebDAVPolicy:    store.WebDAVPolicyNativeProxy,
	})
	require.NoError(t, err)

	return *m, root
}

func (f *fixture) upload(t *testing.T, path, content string) {
	t.Helper()

	_, err := f.fs.Upload(context.Background(), path, admin,
		driver.Body{Reader: strings.NewReader(content), Size: int64(len(content))}, false)
	require.NoError(t, err)
}

func (f *fixture) download(t *testing.T, path string) string {
	t.Helper()
	ctx := context.Background()

	desc, err := f.fs.Download(ctx, path, admin)
	require.NoError(t, err)

	rc, err := desc.OpenFull(ctx)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)

	return string(data)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	f := newFixture(t)

	f.addLocalMount(t, "/docs", false)

	f.upload(t, "/docs/notes/today.txt", "remember the milk")
	assert.Equal(t, "remember the milk", f.download(t, "/docs/notes/today.txt"))

	fi, err := f.fs.Stat(context.Background(), "/docs/notes/today.txt", admin)
	require.NoError(t, err)
	assert.Equal(t, "/docs/notes/today.txt", fi.Path)
	assert.Equal(t, int64(17), fi.Size)
	assert.False(t, fi.IsVirtual)
}

func TestList_VirtualRootAndMergedChildMounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addLocalMount(t, "/docs", false)
	f.addLocalMount(t, "/media/photos", false)
	f.addLocalMount(t, "/docs/archive", false)

	listing, err := f.fs.List(ctx, "/", admin, "")
	require.NoError(t, err)
	assert.True(t, listing.IsRoot)
	require.Len(t, listing.Items, 2)
	assert.Equal(t, "docs", listing.Items[0].Name)
	assert.Equal(t, "media", listing.Items[1].Name)
	assert.True(t, listing.Items[0].IsVirtual)

	// /media is virtual: only the mount table knows it.
	listing, err = f.fs.List(ctx, "/media", admin, "")
	require.NoError(t, err)
	assert.False(t, listing.IsRoot)
	require.Len(t, listing.Items, 1)
	assert.Equal(t, "/media/photos", listing.Items[0].Path)

	// /docs is mounted; the nested /docs/archive mount merges in as virtual.
	f.upload(t, "/docs/readme.md", "# hi")

	listing, err = f.fs.List(ctx, "/docs", admin, "")
	require.NoError(t, err)
	assert.True(t, listing.IsRoot)

	names := make(map[string]bool)
	for _, it := range listing.Items {
		names[it.Name] = true
	}

	assert.True(t, names["readme.md"])
	assert.True(t, names["archive"])
}

func TestStat_VirtualDirectory(t *testing.T) {
	f := newFixture(t)

	f.addLocalMount(t, "/deep/nested/mount", false)

	fi, err := f.fs.Stat(context.Background(), "/deep/nested", admin)
	require.NoError(t, err)
	assert.True(t, fi.IsVirtual)
	assert.True(t, fi.IsDir)
	assert.Zero(t, fi.Size)
	assert.Equal(t, "nested", fi.Name)
}

func TestCopy_CrossMountStreamsAndSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addLocalMount(t, "/src", false)
	f.addLocalMount(t, "/dst", false)

	f.upload(t, "/src/x.bin", "payload bytes")

	result, err := f.fs.Copy(ctx, "/src/x.bin", "/dst/x.bin", admin, true)
	require.NoError(t, err)
	assert.Equal(t, driver.CopySuccess, result.Status)
	assert.Equal(t, "payload bytes", f.download(t, "/dst/x.bin"))

	// Second run with skipExisting short-circuits.
	result, err = f.fs.Copy(ctx, "/src/x.bin", "/dst/x.bin", admin, true)
	require.NoError(t, err)
	assert.Equal(t, driver.CopySkipped, result.Status)
}

func TestCopy_SameMountUsesDriverCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addLocalMount(t, "/data", false)
	f.upload(t, "/data/a.txt", "same mount")

	result, err := f.fs.Copy(ctx, "/data/a.txt", "/data/b.txt", admin, false)
	require.NoError(t, err)
	assert.Equal(t, driver.CopySuccess, result.Status)
	assert.Equal(t, "same mount", f.download(t, "/data/b.txt"))
}

func TestCopyOne_ReportsBytesAndSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addLocalMount(t, "/src", false)
	f.addLocalMount(t, "/dst", false)
	f.upload(t, "/src/f.dat", "123456")

	ref := jobs.PrincipalRef{Kind: mount.KindAdmin, ID: "root"}

	outcome, err := f.fs.CopyOne(ctx, ref, "/src/f.dat", "/dst/f.dat", true)
	require.NoError(t, err)
	assert.False(t, outcome.Skipped)
	assert.Equal(t, int64(6), outcome.Bytes)

	outcome, err = f.fs.CopyOne(ctx, ref, "/src/f.dat", "/dst/f.dat", true)
	require.NoError(t, err)
	assert.True(t, outcome.Skipped)
}

func TestRename_AcrossMountsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addLocalMount(t, "/a", false)
	f.addLocalMount(t, "/b", false)
	f.upload(t, "/a/file.txt", "x")

	_, err := f.fs.Rename(ctx, "/a/file.txt", "/b/file.txt", admin)
	assert.True(t, driver.IsKind(err, driver.KindValidation))

	res, err := f.fs.Rename(ctx, "/a/file.txt", "/a/renamed.txt", admin)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "x", f.download(t, "/a/renamed.txt"))
}

func TestBatchDelete_GroupsByMountAndAggregates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addLocalMount(t, "/a", false)
	f.addLocalMount(t, "/b", false)
	f.upload(t, "/a/1.txt", "1")
	f.upload(t, "/a/2.txt", "2")
	f.upload(t, "/b/3.txt", "3")

	result, err := f.fs.BatchDelete(ctx, admin, []string{
		"/a/1.txt", "/a/2.txt", "/b/3.txt",
		"/a/missing.txt", // driver-level failure
		"/nowhere.txt",   // resolves to no mount
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Successes)
	require.Len(t, result.Failures, 2)

	failed := make(map[string]bool)
	for _, fl := range result.Failures {
		failed[fl.Path] = true
	}

	assert.True(t, failed["/a/missing.txt"])
	assert.True(t, failed["/nowhere.txt"])
}

func TestBatchCopy_EnqueuesJob(t *testing.T) {
	f := newFixture(t)

	f.addLocalMount(t, "/src", false)
	f.addLocalMount(t, "/dst", false)

	j, err := f.fs.BatchCopy(context.Background(), admin, []jobs.CopyPair{
		{SourcePath: "/src/a", TargetPath: "/dst/a"},
	}, true, 4)
	require.NoError(t, err)
	assert.Equal(t, "job-1", j.ID)
	assert.Equal(t, jobs.TaskCopy, f.enqueuer.taskType)
	assert.Equal(t, "root", f.enqueuer.principal)

	var payload jobs.CopyPayload
	require.NoError(t, json.Unmarshal(f.enqueuer.payload, &payload))
	assert.True(t, payload.SkipExisting)
	assert.Equal(t, 4, payload.MaxConcurrency)
	assert.Equal(t, mount.KindAdmin, payload.Principal.Kind)
	require.Len(t, payload.Items, 1)
	assert.Equal(t, "/src/a", payload.Items[0].SourcePath)
}

func TestBatchCopyCommit_MovesStagedFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, _ := f.addLocalMount(t, "/dst", false)

	// Client uploaded to a staging key inside the target mount.
	f.upload(t, "/dst/staging/upload-1.tmp", "staged content")

	result, err := f.fs.BatchCopyCommit(ctx, admin, m.ID, []CommitFile{
		{TargetPath: "/dst/final/report.pdf", StoragePath: "/staging/upload-1.tmp"},
		{TargetPath: "/dst/final/missing.pdf", StoragePath: "/staging/nope.tmp"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Successes)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "/dst/final/missing.pdf", result.Failures[0].Path)

	assert.Equal(t, "staged content", f.download(t, "/dst/final/report.pdf"))
}

func TestFileLink_ProxyFallbackAndVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addLocalMount(t, "/pub", true)
	f.addLocalMount(t, "/noproxy", false)
	f.upload(t, "/pub/hello.txt", "hello world")

	link, err := f.fs.FileLink(ctx, "/pub/hello.txt", admin, time.Hour, true)
	require.NoError(t, err)
	assert.Equal(t, driver.LinkProxy, link.Type)
	assert.False(t, link.ExpiresAt.IsZero())

	u, err := url.Parse(link.URL)
	require.NoError(t, err)
	assert.Equal(t, "/api/p/pub/hello.txt", u.Path)
	assert.Equal(t, "1", u.Query().Get("download"))

	ts, err := strconv.ParseInt(u.Query().Get("ts"), 10, 64)
	require.NoError(t, err)

	canon, err := f.fs.VerifyProxy("/pub/hello.txt", u.Query().Get("sign"), ts)
	require.NoError(t, err)
	assert.Equal(t, "/pub/hello.txt", canon)

	desc, err := f.fs.ProxyDownload(ctx, canon)
	require.NoError(t, err)
	rc, err := desc.OpenFull(ctx)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	// Tampered signature.
	_, err = f.fs.VerifyProxy("/pub/hello.txt", "AAAA.0", ts)
	assert.True(t, driver.IsKind(err, driver.KindForbidden))

	// Proxy disabled on the mount.
	f.upload(t, "/noproxy/x.txt", "x")
	_, err = f.fs.FileLink(ctx, "/noproxy/x.txt", admin, 0, false)
	assert.True(t, driver.IsKind(err, driver.KindValidation))
}

func TestInitUpload_RequiresMultipartCapability(t *testing.T) {
	f := newFixture(t)

	f.addLocalMount(t, "/data", false)

	_, err := f.fs.InitUpload(context.Background(), "/data/big.bin", admin, 100<<20, 5<<20)
	assert.True(t, driver.IsKind(err, driver.KindValidation))
}

func TestDeriveProgress(t *testing.T) {
	// Single-session backend, partially received.
	p := deriveProgress([]driver.PartInfo{{PartNumber: 0, Size: 26214400}}, 5242880, 41943040)
	assert.Equal(t, 5, p.UploadedParts)
	assert.Equal(t, int64(26214400), p.BytesUploaded)
	assert.False(t, p.Completed)

	// Single-session backend, fully received.
	p = deriveProgress([]driver.PartInfo{{PartNumber: 0, Size: -1}}, 5242880, 8388608)
	assert.True(t, p.Completed)
	assert.Equal(t, 2, p.UploadedParts)
	assert.Equal(t, int64(8388608), p.BytesUploaded)

	// Part-listing backend.
	p = deriveProgress([]driver.PartInfo{
		{PartNumber: 1, Size: 5242880},
		{PartNumber: 2, Size: 1048576},
	}, 5242880, 6291456)
	assert.Equal(t, 2, p.UploadedParts)
	assert.Equal(t, int64(6291456), p.BytesUploaded)
}

func TestEscapePath(t *testing.T) {
	assert.Equal(t, "/", escapePath("/"))
	assert.Equal(t, "/a/b.txt", escapePath("/a/b.txt"))
	assert.Equal(t, "/my%20docs/r&d.txt", escapePath("/my docs/r&d.txt"))
}

func TestChildSegment(t *testing.T) {
	assert.Equal(t, "docs", childSegment("/", "/docs"))
	assert.Equal(t, "media", childSegment("/", "/media/photos"))
	assert.Equal(t, "photos", childSegment("/media", "/media/photos"))
	assert.Equal(t, "", childSegment("/media", "/media"))
	assert.Equal(t, "", childSegment("/media", "/other/x"))
}

func TestFactory_CachesUntilConfigChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, root := f.addLocalMount(t, "/data", false)

	res, err := f.fs.resolver.Resolve(ctx, "/data", admin)
	require.NoError(t, err)

	d1, err := f.fs.factory.DriverFor(res.Config)
	require.NoError(t, err)

	d2, err := f.fs.factory.DriverFor(res.Config)
	require.NoError(t, err)
	assert.Same(t, d1, d2)

	changed := *res.Config
	cfgJSON, err := json.Marshal(map[string]any{"root_path": root, "readonly": true})
	require.NoError(t, err)
	changed.ConfigJSON = string(cfgJSON)

	d3, err := f.fs.factory.DriverFor(&changed)
	require.NoError(t, err)
	assert.NotSame(t, d1, d3)

	// The rebuilt readonly driver still declares WRITER and refuses writes
	// with the readonly kind.
	assert.True(t, d3.Capabilities().Has(driver.CapWriter))

	_, err = d3.Upload(ctx, "/x.txt", driver.Body{Reader: strings.NewReader("x"), Size: 1})
	assert.True(t, driver.IsKind(err, driver.KindReadonly))
}

func TestUpload_ReadonlyMountSurfacesReadonlyKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := t.TempDir()
	cfgJSON, err := json.Marshal(map[string]any{"root_path": root, "readonly": true})
	require.NoError(t, err)

	cfg, err := f.store.CreateStorageConfig(ctx, &store.StorageConfig{
		Type:       "local",
		ConfigJSON: string(cfgJSON),
		IsPublic:   true,
	})
	require.NoError(t, err)

	_, err = f.store.CreateMount(ctx, &store.Mount{
		MountPath:       "/ro",
		StorageConfigID: cfg.ID,
		WebDAVPolicy:    store.WebDAVPolicyNativeProxy,
	})
	require.NoError(t, err)

	_, err = f.fs.Upload(ctx, "/ro/file.txt", admin,
		driver.Body{Reader: strings.NewReader("x"), Size: 1}, false)
	assert.True(t, driver.IsKind(err, driver.KindReadonly),
		"expected DRIVER_READONLY, got %v", err)

	_, err = f.fs.Mkdir(ctx, "/ro/sub", admin)
	assert.True(t, driver.IsKind(err, driver.KindReadonly))
}

func TestUnknownStorageTypeRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.fs.factory.DriverFor(&store.StorageConfig{ID: 99, Type: "tape_robot"})
	assert.True(t, driver.IsKind(err, driver.KindValidation))
}
