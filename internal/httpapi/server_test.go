package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyfs/canopy/internal/gateway"
	"github.com/canopyfs/canopy/internal/jobs"
	"github.com/canopyfs/canopy/internal/mount"
	"github.com/canopyfs/canopy/internal/pathutil"
	"github.com/canopyfs/canopy/internal/sched"
	"github.com/canopyfs/canopy/internal/secrets"
	"github.com/canopyfs/canopy/internal/store"
)

const (
	adminTok = "admin-token"
	keyTok   = "key-token"
)

type fixture struct {
	ts     *httptest.Server
	store  *store.Store
	fs     *gateway.FileSystem
	engine *jobs.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "canopy.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	box, err := secrets.NewBox("test-secret")
	require.NoError(t, err)

	engine := jobs.NewEngine(st, logger)
	t.Cleanup(engine.Shutdown)

	fs := gateway.New(
		mount.NewResolver(st, logger),
		gateway.NewFactory(box, logger),
		st,
		pathutil.NewSigner("proxy-secret"),
		engine,
		logger,
	)
	engine.Register(jobs.NewCopyHandler(fs))

	registry := sched.NewRegistry()
	registry.Register(sched.NewCleanupSessions(st))
	dispatcher := sched.NewDispatcher(st, registry, logger)

	srv := NewServer(fs, engine, dispatcher, Options{
		AdminToken: adminTok,
		APIKeys:    map[string]APIKey{keyTok: {ID: "key-1", BasicPath: "/docs"}},
	}, logger)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return &fixture{ts: ts, store: st, fs: fs, engine: engine}
}

func (f *fixture) addLocalMount(t *testing.T, mountPath string, webProxy bool) string {
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

	_, err = f.store.CreateMount(ctx, &store.Mount{
		MountPath:       mountPath,
		StorageConfigID: cfg.ID,
		WebProxy:        webProxy,
		WebDAVPolicy:    store.WebDAVPolicyNativeProxy,
	})
	require.NoError(t, err)

	return root
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var reader io.Reader

	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)

	return resp
}

// decode reads the envelope and unmarshals data into out (when non-nil).
func decode(t *testing.T, resp *http.Response, out any) envelope {
	t.Helper()
	defer resp.Body.Close()

	var env struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
		Success bool            `json:"success"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))

	if out != nil && len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}

	return envelope{Code: env.Code, Message: env.Message, Success: env.Success}
}

func (f *fixture) uploadFile(t *testing.T, path, content string) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPut,
		f.ts.URL+"/api/fs/upload?path="+path, strings.NewReader(content))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminTok)

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/fs/list?path=/", "", nil)
	env := decode(t, resp, nil)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, env.Success)
	assert.Equal(t, "FORBIDDEN", env.Code)

	resp = f.do(t, http.MethodGet, "/api/fs/list?path=/", "wrong-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestAdminRoutesRejectAPIKeys(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/admin/scheduled/types", keyTok, nil)
	env := decode(t, resp, nil)

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", env.Code)
}

func TestListAndStat(t *testing.T) {
	f := newFixture(t)
	f.addLocalMount(t, "/docs", false)
	f.uploadFile(t, "/docs/a.txt", "hello")

	var listing struct {
		Items []struct {
			Name string `json:"name"`
		} `json:"items"`
		IsRoot bool `json:"isRoot"`
	}

	resp := f.do(t, http.MethodGet, "/api/fs/list?path=/docs", adminTok, nil)
	env := decode(t, resp, &listing)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.Success)
	assert.True(t, listing.IsRoot)
	require.Len(t, listing.Items, 1)
	assert.Equal(t, "a.txt", listing.Items[0].Name)

	var fi struct {
		Name  string `json:"name"`
		Size  int64  `json:"size"`
		IsDir bool   `json:"isDirectory"`
	}

	resp = f.do(t, http.MethodGet, "/api/fs/get?path=/docs/a.txt", adminTok, nil)
	decode(t, resp, &fi)

	assert.Equal(t, "a.txt", fi.Name)
	assert.Equal(t, int64(5), fi.Size)
	assert.False(t, fi.IsDir)
}

func TestStatMissingIs404(t *testing.T) {
	f := newFixture(t)
	f.addLocalMount(t, "/docs", false)

	resp := f.do(t, http.MethodGet, "/api/fs/get?path=/docs/missing.txt", adminTok, nil)
	env := decode(t, resp, nil)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", env.Code)
	assert.False(t, env.Success)
}

func TestDownloadFullAndRange(t *testing.T) {
	f := newFixture(t)
	f.addLocalMount(t, "/docs", false)
	f.uploadFile(t, "/docs/a.txt", "hello world")

	resp := f.do(t, http.MethodGet, "/api/fs/download?path=/docs/a.txt", adminTok, nil)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello world", string(body))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Equal(t, "11", resp.Header.Get("Content-Length"))

	req, err := http.NewRequest(http.MethodGet,
		f.ts.URL+"/api/fs/download?path=/docs/a.txt", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminTok)
	req.Header.Set("Range", "bytes=0-0")

	resp, err = f.ts.Client().Do(req)
	require.NoError(t, err)

	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "h", string(body))
	assert.Equal(t, "bytes 0-0/11", resp.Header.Get("Content-Range"))

	req.Header.Set("Range", "bytes=100-200")

	resp, err = f.ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
}

func TestRenameAndMkdir(t *testing.T) {
	f := newFixture(t)
	f.addLocalMount(t, "/docs", false)
	f.uploadFile(t, "/docs/a.txt", "hello")

	resp := f.do(t, http.MethodPost, "/api/fs/mkdir", adminTok,
		map[string]string{"path": "/docs/sub"})
	env := decode(t, resp, nil)
	require.True(t, env.Success)

	resp = f.do(t, http.MethodPost, "/api/fs/rename", adminTok,
		map[string]string{"oldPath": "/docs/a.txt", "newPath": "/docs/sub/b.txt"})
	env = decode(t, resp, nil)
	require.True(t, env.Success)

	resp = f.do(t, http.MethodGet, "/api/fs/get?path=/docs/sub/b.txt", adminTok, nil)
	env = decode(t, resp, nil)
	assert.True(t, env.Success)
}

func TestBatchRemove(t *testing.T) {
	f := newFixture(t)
	f.addLocalMount(t, "/docs", false)
	f.uploadFile(t, "/docs/a.txt", "a")
	f.uploadFile(t, "/docs/b.txt", "b")

	var result struct {
		Successes int `json:"successes"`
		Failures  []struct {
			Path string `json:"path"`
		} `json:"failures"`
	}

	resp := f.do(t, http.MethodDelete, "/api/fs/batch-remove", adminTok,
		map[string]any{"paths": []string{"/docs/a.txt", "/docs/b.txt", "/docs/missing.txt"}})
	decode(t, resp, &result)

	assert.Equal(t, 2, result.Successes)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "/docs/missing.txt", result.Failures[0].Path)
}

func TestCopyJobLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.addLocalMount(t, "/src", false)
	f.addLocalMount(t, "/dst", false)
	f.uploadFile(t, "/src/a.txt", "payload")

	var job store.Job

	resp := f.do(t, http.MethodPost, "/api/fs/batch-copy", adminTok, map[string]any{
		"items": []map[string]string{{"sourcePath": "/src/a.txt", "targetPath": "/dst/a.txt"}},
	})
	decode(t, resp, &job)
	require.NotEmpty(t, job.ID)

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp = f.do(t, http.MethodGet, "/api/fs/jobs/"+job.ID, adminTok, nil)
		decode(t, resp, &job)

		if job.Status == store.JobSucceeded || job.Status == store.JobFailed {
			break
		}

		require.True(t, time.Now().Before(deadline), "job did not settle: %s", job.Status)
		time.Sleep(10 * time.Millisecond)
	}

	require.Equal(t, store.JobSucceeded, job.Status)
	assert.Equal(t, 1, job.Stats.Success)
	assert.Equal(t, int64(7), job.Stats.BytesCopied)

	resp = f.do(t, http.MethodGet, "/api/fs/download?path=/dst/a.txt", adminTok, nil)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	// Cancel after completion conflicts.
	resp = f.do(t, http.MethodPost, "/api/fs/jobs/"+job.ID+"/cancel", adminTok, nil)
	env := decode(t, resp, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.False(t, env.Success)

	resp = f.do(t, http.MethodDelete, "/api/fs/jobs/"+job.ID, adminTok, nil)
	env = decode(t, resp, nil)
	assert.True(t, env.Success)
}

func TestJobsScopedToAPIKey(t *testing.T) {
	f := newFixture(t)
	f.addLocalMount(t, "/src", false)
	f.addLocalMount(t, "/dst", false)
	f.uploadFile(t, "/src/a.txt", "x")

	var job store.Job

	resp := f.do(t, http.MethodPost, "/api/fs/batch-copy", adminTok, map[string]any{
		"items": []map[string]string{{"sourcePath": "/src/a.txt", "targetPath": "/dst/a.txt"}},
	})
	decode(t, resp, &job)

	resp = f.do(t, http.MethodGet, "/api/fs/jobs/"+job.ID, keyTok, nil)
	env := decode(t, resp, nil)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.False(t, env.Success)
}

func TestProxyLinkRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.addLocalMount(t, "/docs", true)
	f.uploadFile(t, "/docs/a.txt", "proxied content")

	var link struct {
		URL  string `json:"url"`
		Type string `json:"type"`
	}

	resp := f.do(t, http.MethodGet, "/api/fs/file-link?path=/docs/a.txt", adminTok, nil)
	decode(t, resp, &link)

	require.Equal(t, "proxy", link.Type)
	require.True(t, strings.HasPrefix(link.URL, "/api/p/"), link.URL)

	// The proxy URL works without any credential.
	resp, err := f.ts.Client().Get(f.ts.URL + link.URL)
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "proxied content", string(body))

	// A tampered signature is rejected.
	tampered := strings.Replace(link.URL, "sign=", "sign=AAAA", 1)
	resp, err = f.ts.Client().Get(f.ts.URL + tampered)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestScheduledTaskAdminFlow(t *testing.T) {
	f := newFixture(t)

	var types []struct {
		ID string `json:"id"`
	}

	resp := f.do(t, http.MethodGet, "/api/admin/scheduled/types", adminTok, nil)
	decode(t, resp, &types)
	require.Len(t, types, 1)
	assert.Equal(t, "cleanup_upload_sessions", types[0].ID)

	var created store.ScheduledJob

	resp = f.do(t, http.MethodPost, "/api/admin/scheduled/jobs", adminTok, map[string]any{
		"handlerId":    "cleanup_upload_sessions",
		"name":         "cleanup",
		"enabled":      true,
		"scheduleType": "interval",
		"intervalSec":  3600,
		"config":       "{}",
	})
	env := decode(t, resp, &created)
	require.True(t, env.Success)
	require.NotEmpty(t, created.TaskID)

	var fires []time.Time

	resp = f.do(t, http.MethodGet,
		"/api/admin/scheduled/jobs/"+created.TaskID+"/preview?n=3", adminTok, nil)
	decode(t, resp, &fires)
	assert.Len(t, fires, 3)

	var run store.ScheduledJobRun

	resp = f.do(t, http.MethodPost,
		"/api/admin/scheduled/jobs/"+created.TaskID+"/run", adminTok, nil)
	env = decode(t, resp, &run)
	require.True(t, env.Success)
	assert.Equal(t, store.RunSuccess, run.Status)
	assert.Contains(t, run.Summary, "标记过期会话")

	var runs []store.ScheduledJobRun

	resp = f.do(t, http.MethodGet,
		"/api/admin/scheduled/jobs/"+created.TaskID+"/runs", adminTok, nil)
	decode(t, resp, &runs)
	require.Len(t, runs, 1)

	var stats []store.RunAnalytics

	resp = f.do(t, http.MethodGet, "/api/admin/scheduled/analytics", adminTok, nil)
	decode(t, resp, &stats)
	require.Len(t, stats, 1)
	assert.Equal(t, created.TaskID, stats[0].TaskID)
	assert.Equal(t, int64(1), stats[0].Runs)

	resp = f.do(t, http.MethodDelete,
		"/api/admin/scheduled/jobs/"+created.TaskID, adminTok, nil)
	env = decode(t, resp, nil)
	assert.True(t, env.Success)
}

func TestScheduledCreateRejectsBadCron(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/admin/scheduled/jobs", adminTok, map[string]any{
		"handlerId":      "cleanup_upload_sessions",
		"name":           "bad",
		"enabled":        true,
		"scheduleType":   "cron",
		"cronExpression": "61 * * * *",
		"config":         "{}",
	})
	env := decode(t, resp, nil)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION", env.Code)
}

func TestUploadToReadonlyMountIs403Readonly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfgJSON, err := json.Marshal(map[string]any{"root_path": t.TempDir(), "readonly": true})
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

	req, err := http.NewRequest(http.MethodPut,
		f.ts.URL+"/api/fs/upload?path=/ro/file.txt", strings.NewReader("x"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminTok)

	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)

	env := decode(t, resp, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "DRIVER_READONLY", env.Code)
	assert.False(t, env.Success)

	// Reads still work through the same mount.
	resp = f.do(t, http.MethodGet, "/api/fs/list?path=/ro", adminTok, nil)
	env = decode(t, resp, nil)
	assert.True(t, env.Success)
}

func TestScheduledRoutesWithoutDispatcher(t *testing.T) {
	f := newFixture(t)

	srv := NewServer(f.fs, f.engine, nil, Options{AdminToken: adminTok}, slog.New(slog.DiscardHandler))
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/admin/scheduled/types", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminTok)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)

	env := decode(t, resp, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", env.Code)
}

func TestDownloadContentDispositionEncoding(t *testing.T) {
	f := newFixture(t)
	f.addLocalMount(t, "/docs", false)
	f.uploadFile(t, "/docs/"+url.QueryEscape("годовой отчёт 2026.txt"), "data")

	resp := f.do(t, http.MethodGet,
		"/api/fs/download?download=1&path="+url.QueryEscape("/docs/годовой отчёт 2026.txt"),
		adminTok, nil)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	cd := resp.Header.Get("Content-Disposition")
	assert.Contains(t, cd, "filename*=UTF-8''"+url.PathEscape("годовой отчёт 2026.txt"))
	assert.NotContains(t, cd, " отчёт", "raw unencoded name must not appear")
	assert.Contains(t, cd, `filename="`)
}

func TestAsciiFallback(t *testing.T) {
	assert.Equal(t, "report.txt", asciiFallback("report.txt"))
	assert.Equal(t, "my file_.txt", asciiFallback("my file\".txt"))
	assert.Equal(t, "_____ 2026.txt", asciiFallback("отчёт 2026.txt"))
}

func TestJobEventsWebsocket(t *testing.T) {
	f := newFixture(t)
	f.addLocalMount(t, "/src", false)
	f.addLocalMount(t, "/dst", false)
	f.uploadFile(t, "/src/a.txt", "ws")

	var job store.Job

	resp := f.do(t, http.MethodPost, "/api/fs/batch-copy", adminTok, map[string]any{
		"items": []map[string]string{{"sourcePath": "/src/a.txt", "targetPath": "/dst/a.txt"}},
	})
	decode(t, resp, &job)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") +
		"/api/fs/jobs/" + job.ID + "/events?token=" + adminTok

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	// The stream ends with a terminal status whether we caught the job live
	// or connected after it settled.
	for {
		var ev jobs.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("stream closed before a terminal event: %v", err)
		}

		assert.Equal(t, job.ID, ev.JobID)

		if ev.Status == store.JobSucceeded {
			assert.Equal(t, 1, ev.Stats.Success)

			break
		}

		require.NotEqual(t, store.JobFailed, ev.Status)
	}
}

func TestParseRange(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		size    int64
		start   int64
		end     int64
		partial bool
		wantErr bool
	}{
		{name: "no header", header: "", size: 10, partial: false},
		{name: "first byte", header: "bytes=0-0", size: 10, start: 0, end: 0, partial: true},
		{name: "open ended", header: "bytes=5-", size: 10, start: 5, end: 9, partial: true},
		{name: "suffix", header: "bytes=-3", size: 10, start: 7, end: 9, partial: true},
		{name: "clamped end", header: "bytes=2-100", size: 10, start: 2, end: 9, partial: true},
		{name: "past eof", header: "bytes=10-12", size: 10, wantErr: true},
		{name: "inverted", header: "bytes=5-2", size: 10, wantErr: true},
		{name: "multi range falls back", header: "bytes=0-1,3-4", size: 10, partial: false},
		{name: "unknown size open ended", header: "bytes=5-", size: -1, partial: false},
		{name: "unknown size bounded", header: "bytes=2-4", size: -1, start: 2, end: 4, partial: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start, end, partial, err := parseRange(tc.header, tc.size)
			if tc.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.partial, partial)

			if partial {
				assert.Equal(t, tc.start, start)
				assert.Equal(t, tc.end, end)
			}
		})
	}
}
