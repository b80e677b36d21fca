package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingfury108/bedu-jiaofu/internal/batch"
	"github.com/pingfury108/bedu-jiaofu/internal/browser"
	"github.com/pingfury108/bedu-jiaofu/internal/config"
	"github.com/pingfury108/bedu-jiaofu/internal/format"
	"github.com/pingfury108/bedu-jiaofu/internal/relay"
	"github.com/pingfury108/bedu-jiaofu/internal/textbook"
	"github.com/pingfury108/bedu-jiaofu/internal/upload"
)

type fakePage struct {
	mu        sync.Mutex
	uploads   []string
	refreshes int
	inserted  []string
	actions   []string
	hold      chan struct{}
	userName  string
}

func (p *fakePage) ID() string { return "tab-1" }

func (p *fakePage) Upload(ctx context.Context, item upload.Item) (upload.Result, error) {
	if p.hold != nil {
		select {
		case <-p.hold:
		case <-ctx.Done():
			return upload.Result{}, ctx.Err()
		}
	}
	p.mu.Lock()
	p.uploads = append(p.uploads, item.FileName)
	p.mu.Unlock()
	return upload.Result{Success: true, FileName: item.FileName, RemoteURL: "https://cdn/" + item.FileName, Index: item.Index}, nil
}

func (p *fakePage) Refresh(context.Context) error {
	p.mu.Lock()
	p.refreshes++
	p.mu.Unlock()
	return nil
}

func (p *fakePage) FormatActive(context.Context) error {
	p.mu.Lock()
	p.actions = append(p.actions, "format")
	p.mu.Unlock()
	return nil
}

func (p *fakePage) FormatMath(context.Context) error {
	p.mu.Lock()
	p.actions = append(p.actions, "math")
	p.mu.Unlock()
	return nil
}

func (p *fakePage) InsertCharacter(_ context.Context, char string) error {
	p.mu.Lock()
	p.inserted = append(p.inserted, char)
	p.mu.Unlock()
	return nil
}

func (p *fakePage) UserInfo(context.Context) (textbook.UserInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return textbook.UserInfo{UserName: p.userName}, nil
}

func (p *fakePage) setUser(name string) {
	p.mu.Lock()
	p.userName = name
	p.mu.Unlock()
}

func (p *fakePage) snapshot() ([]string, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.uploads...), p.refreshes
}

type fakePages struct {
	page  *fakePage
	noTab bool
}

func (f *fakePages) ListTabs(context.Context) ([]browser.TabInfo, error) {
	return []browser.TabInfo{{ID: "tab-1", URL: "https://site/?textbookID=1", Title: "教辅"}}, nil
}

func (f *fakePages) Page(context.Context, string) (Page, error) {
	if f.noTab {
		return nil, upload.ErrNoTarget
	}
	return f.page, nil
}

// fakeJiaofu 模拟插件服务端，allowed 为有权限的用户
func fakeJiaofu(t *testing.T, allowed string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /llm/test", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != allowed {
			_, _ = io.WriteString(w, `{"text":"无权访问"}`)
			return
		}
		_, _ = io.WriteString(w, `{"error":"ok"}`)
	})
	mux.HandleFunc("POST /llm/ocr", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"text":"识别的文字"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testEnv struct {
	srv   *Server
	http  *httptest.Server
	page  *fakePage
	pages *fakePages
}

func newTestEnv(t *testing.T, allowed string) *testEnv {
	t.Helper()
	backend := fakeJiaofu(t, allowed)

	cfg := config.New(filepath.Join(t.TempDir(), "jiaofu.json"))
	require.NoError(t, cfg.Load())
	require.NoError(t, cfg.SetUser(backend.URL, "editor"))

	r := relay.New()
	t.Cleanup(r.Close)

	page := &fakePage{}
	pages := &fakePages{page: page}
	s := NewServer(Options{
		Config: cfg,
		Pages:  pages,
		Relay:  r,
		Sleep:  func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	h, err := s.Handler()
	require.NoError(t, err)
	hs := httptest.NewServer(h)
	t.Cleanup(hs.Close)
	return &testEnv{srv: s, http: hs, page: page, pages: pages}
}

func (e *testEnv) postFiles(t *testing.T, names ...string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range names {
		part, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, _ = part.Write([]byte("png-" + name))
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(e.http.URL+"/api/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) status(t *testing.T) Status {
	t.Helper()
	resp, err := http.Get(e.http.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

func (e *testEnv) waitIdle(t *testing.T) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		st = e.status(t)
		return !st.Running
	}, 5*time.Second, 10*time.Millisecond)
	return st
}

func TestConfigRoundTrip(t *testing.T) {
	env := newTestEnv(t, "editor")

	body := `{"host":"http://other:8099","user_name":"张三","upload":{"throttle_ms":0,"order":"name-asc","continue_on_error":true}}`
	resp, err := http.Post(env.http.URL+"/api/config", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.http.URL + "/api/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got struct {
		Host     string                `json:"host"`
		UserName string                `json:"user_name"`
		Upload   config.UploadSettings `json:"upload"`
		Ready    bool                  `json:"ready"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "http://other:8099", got.Host)
	assert.Equal(t, "张三", got.UserName)
	assert.Equal(t, "name-asc", got.Upload.Order)
	assert.True(t, got.Upload.ContinueOnError)
	assert.True(t, got.Ready)
}

func TestConfigRejectsUnknownOrder(t *testing.T) {
	env := newTestEnv(t, "editor")
	resp, err := http.Post(env.http.URL+"/api/config", "application/json", strings.NewReader(`{"user_name":"u","upload":{"order":"random"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestShortcutsRoundTrip(t *testing.T) {
	env := newTestEnv(t, "editor")

	resp, err := http.Post(env.http.URL+"/api/shortcuts", "application/json",
		strings.NewReader(`[{"character":"①","keyboardShortcut":"Ctrl+1"}]`))
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(env.http.URL + "/api/shortcuts")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got []map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "①", got[0]["character"])
}

func TestUploadRunsBatchInOrder(t *testing.T) {
	env := newTestEnv(t, "editor")

	resp := env.postFiles(t, "page_1.png", "page_2.png", "page_10.png")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var started struct {
		Order []string `json:"order"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	assert.Equal(t, []string{"page_10.png", "page_2.png", "page_1.png"}, started.Order)

	st := env.waitIdle(t)
	require.NotNil(t, st.Batch)
	assert.Equal(t, batch.PhaseCompleted, st.Batch.Phase)
	assert.Equal(t, 3, st.Batch.CompletedCount)
	assert.Equal(t, "https://cdn/page_2.png", st.Batch.RemoteURLs["page_2.png"])

	uploads, refreshes := env.page.snapshot()
	assert.Equal(t, []string{"page_10.png", "page_2.png", "page_1.png"}, uploads)
	assert.Equal(t, 1, refreshes)
}

func TestUploadWithoutTargetAborts(t *testing.T) {
	env := newTestEnv(t, "editor")
	env.pages.noTab = true

	resp := env.postFiles(t, "a.png", "b.png")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	st := env.waitIdle(t)
	require.NotNil(t, st.Batch)
	assert.Equal(t, batch.PhaseAborted, st.Batch.Phase)
	assert.Equal(t, upload.StatusFailed, st.Batch.StatusByName["b.png"])
	assert.Equal(t, upload.StatusPending, st.Batch.StatusByName["a.png"])
}

func TestUploadConflictAndStop(t *testing.T) {
	env := newTestEnv(t, "editor")
	env.page.hold = make(chan struct{})

	resp := env.postFiles(t, "a.png")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.postFiles(t, "b.png")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	stop, err := http.Post(env.http.URL+"/api/stop", "application/json", nil)
	require.NoError(t, err)
	stop.Body.Close()

	st := env.waitIdle(t)
	assert.Equal(t, "任务已取消", st.Message)
	require.NotNil(t, st.Batch)
	assert.Equal(t, batch.PhaseAborted, st.Batch.Phase)
}

func TestUploadNotAuthorized(t *testing.T) {
	env := newTestEnv(t, "someone-else")
	resp := env.postFiles(t, "a.png")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	uploads, _ := env.page.snapshot()
	assert.Empty(t, uploads)
	assert.False(t, env.status(t).Running)
}

func TestUploadUsesPageUserWhenUnset(t *testing.T) {
	env := newTestEnv(t, "editor")
	require.NoError(t, env.srv.cfg.Update(func(f *config.ConfigFile) { f.UserName = "" }))
	env.page.setUser("editor")

	resp := env.postFiles(t, "a.png")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.waitIdle(t)

	assert.Equal(t, "editor", env.srv.cfg.UserName())
	uploads, _ := env.page.snapshot()
	assert.Equal(t, []string{"a.png"}, uploads)

	reloaded := config.New(env.srv.cfg.FilePath)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, "editor", reloaded.UserName())
}

func TestActionWithoutPageUser(t *testing.T) {
	env := newTestEnv(t, "editor")
	require.NoError(t, env.srv.cfg.Update(func(f *config.ConfigFile) { f.UserName = "" }))

	resp, err := http.Post(env.http.URL+"/api/actions/format", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, env.srv.cfg.UserName())

	env.page.setUser("editor")
	resp, err = http.Post(env.http.URL+"/api/actions/format", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "editor", env.srv.cfg.UserName())
}

func TestUploadRejectsDuplicates(t *testing.T) {
	env := newTestEnv(t, "editor")
	resp := env.postFiles(t, "a.png", "a.png")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestActions(t *testing.T) {
	env := newTestEnv(t, "editor")
	require.NoError(t, env.srv.cfg.Update(func(f *config.ConfigFile) {
		f.Shortcuts = append(f.Shortcuts, format.Shortcut{Character: "√", KeyboardShortcut: "Alt+R"})
	}))

	post := func(path, body string) int {
		resp, err := http.Post(env.http.URL+path, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, post("/api/actions/format", `{}`))
	assert.Equal(t, http.StatusOK, post("/api/actions/math", `{}`))
	assert.Equal(t, http.StatusOK, post("/api/actions/insert", `{"character":"①"}`))
	assert.Equal(t, http.StatusOK, post("/api/actions/insert", `{"shortcut":"Alt+R"}`))
	assert.Equal(t, http.StatusBadRequest, post("/api/actions/insert", `{"shortcut":"Alt+Z"}`))
	assert.Equal(t, http.StatusNotFound, post("/api/actions/unknown", `{}`))

	assert.Equal(t, []string{"format", "math"}, env.page.actions)
	assert.Equal(t, []string{"①", "√"}, env.page.inserted)
}

func TestActionNotAuthorized(t *testing.T) {
	env := newTestEnv(t, "someone-else")
	resp, err := http.Post(env.http.URL+"/api/actions/format", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, env.page.actions)
}

func TestOCRProxy(t *testing.T) {
	env := newTestEnv(t, "editor")
	resp, err := http.Post(env.http.URL+"/api/ocr", "application/json", strings.NewReader(`{"image_data":"data:image/png;base64,AAAA"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "识别的文字", got["text"])
}

func TestTabs(t *testing.T) {
	env := newTestEnv(t, "editor")
	resp, err := http.Get(env.http.URL + "/api/tabs")
	require.NoError(t, err)
	defer resp.Body.Close()
	var tabs []browser.TabInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tabs))
	require.Len(t, tabs, 1)
	assert.Equal(t, "tab-1", tabs[0].ID)
}

func TestStaticIndex(t *testing.T) {
	env := newTestEnv(t, "editor")
	resp, err := http.Get(env.http.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "批量上传")
}
