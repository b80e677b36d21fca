// Package web 提供侧边栏页面与其 HTTP 接口：配置、快捷键、批量上传、进度事件流和编辑区操作。
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/pingfury108/bedu-jiaofu/internal/batch"
	"github.com/pingfury108/bedu-jiaofu/internal/browser"
	"github.com/pingfury108/bedu-jiaofu/internal/config"
	"github.com/pingfury108/bedu-jiaofu/internal/format"
	"github.com/pingfury108/bedu-jiaofu/internal/jiaofu"
	"github.com/pingfury108/bedu-jiaofu/internal/relay"
	"github.com/pingfury108/bedu-jiaofu/internal/textbook"
	"github.com/pingfury108/bedu-jiaofu/internal/upload"
)

//go:embed static
var staticFiles embed.FS

const maxUploadMemory = 64 << 20

// Page 可上传、可执行编辑区操作的页面
type Page interface {
	relay.Target
	FormatActive(ctx context.Context) error
	FormatMath(ctx context.Context) error
	InsertCharacter(ctx context.Context, char string) error
	UserInfo(ctx context.Context) (textbook.UserInfo, error)
}

// Pages 页面来源，id 为空时返回当前的教辅编辑页面
type Pages interface {
	ListTabs(ctx context.Context) ([]browser.TabInfo, error)
	Page(ctx context.Context, id string) (Page, error)
}

// Options 服务器依赖
type Options struct {
	Config *config.Config
	Pages  Pages
	Relay  batch.Relayer
	// SkipAuth 跳过服务端的使用权限检查
	SkipAuth bool
	// Sleep 替换上传间隔的等待函数
	Sleep func(ctx context.Context, d time.Duration) error
}

// Server Web服务器
type Server struct {
	mu         sync.RWMutex
	opts       Options
	cfg        *config.Config
	status     *Status
	current    *batch.Batch
	sseClients map[chan batch.ProgressEvent]bool
	sseMu      sync.RWMutex
	cancelFunc context.CancelFunc
	done       chan struct{}
	logger     *slog.Logger
}

// Status 当前状态
type Status struct {
	Running     bool         `json:"running"`
	Message     string       `json:"message"`
	Progress    int          `json:"progress"`
	Total       int          `json:"total"`
	CurrentFile string       `json:"currentFile,omitempty"`
	Batch       *batch.State `json:"batch,omitempty"`
}

// NewServer 创建服务器
func NewServer(opts Options) *Server {
	return &Server{
		opts: opts,
		cfg:  opts.Config,
		status: &Status{
			Message: "就绪",
		},
		sseClients: make(map[chan batch.ProgressEvent]bool),
		logger:     slog.Default().With("component", "web"),
	}
}

// Handler 路由
func (s *Server) Handler() (http.Handler, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/shortcuts", s.handleShortcuts)
	mux.HandleFunc("/api/upload", s.handleUpload)
	mux.HandleFunc("/api/stop", s.handleStop)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/events", s.handleSSE)
	mux.HandleFunc("/api/tabs", s.handleTabs)
	mux.HandleFunc("/api/ocr", s.handleOCR)
	mux.HandleFunc("POST /api/actions/{action}", s.handleAction)

	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, err
	}
	mux.Handle("/", http.FileServer(http.FS(staticFS)))
	return mux, nil
}

// Start 启动服务器，ctx 结束时关闭
func (s *Server) Start(ctx context.Context, port int) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		s.stopBatch()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("🚀 服务器已启动: http://localhost%s\n", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}

// client 按当前配置创建服务端客户端
func (s *Server) client() *jiaofu.Client {
	return jiaofu.NewClient(s.cfg.Host(), s.cfg.UserName())
}

// handleConfig 获取或保存配置
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		snap := s.cfg.Snapshot()
		ready, message := s.cfg.IsReady()
		writeJSON(w, http.StatusOK, map[string]any{
			"host":      snap.Host,
			"user_name": snap.UserName,
			"upload":    snap.Upload,
			"ready":     ready,
			"message":   message,
		})
	case http.MethodPost:
		var req struct {
			Host     string                 `json:"host"`
			UserName string                 `json:"user_name"`
			Upload   *config.UploadSettings `json:"upload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Upload != nil {
			if _, err := upload.ParseOrder(req.Upload.Order); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		err := s.cfg.Update(func(f *config.ConfigFile) {
			if req.Host != "" {
				f.Host = req.Host
			}
			f.UserName = req.UserName
			if req.Upload != nil {
				f.Upload = *req.Upload
			}
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "配置保存成功"})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleShortcuts 获取或保存快捷键
func (s *Server) handleShortcuts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.cfg.Shortcuts())
	case http.MethodPost:
		var shortcuts []format.Shortcut
		if err := json.NewDecoder(r.Body).Decode(&shortcuts); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.cfg.SetShortcuts(shortcuts); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "快捷键保存成功"})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func readUploadedFiles(r *http.Request) ([]upload.File, error) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		return nil, fmt.Errorf("解析上传文件失败: %w", err)
	}
	var files []upload.File
	for _, fh := range r.MultipartForm.File["files"] {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", upload.ErrEncoding, fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", upload.ErrEncoding, fh.Filename, err)
		}
		files = append(files, upload.FromBytes(fh.Filename, data))
	}
	return files, nil
}

func (s *Server) orchestratorOptions() (batch.Options, error) {
	snap := s.cfg.Snapshot()
	order, err := upload.ParseOrder(snap.Upload.Order)
	if err != nil {
		return batch.Options{}, err
	}
	opts := batch.Options{
		Order:    order,
		Throttle: s.cfg.Throttle(),
		Progress: s.progressCallback,
		Sleep:    s.opts.Sleep,
		Logger:   s.logger,
	}
	if snap.Upload.ContinueOnError {
		opts.FailurePolicy = batch.Continue
	}
	if !s.opts.SkipAuth {
		opts.Gate = s.client()
	}
	return opts, nil
}

// handleUpload 开始批量上传
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	files, err := readUploadedFiles(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	if s.status.Running {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "任务正在运行中")
		return
	}
	s.status.Running = true
	s.mu.Unlock()

	started := false
	defer func() {
		if !started {
			s.mu.Lock()
			s.status.Running = false
			s.mu.Unlock()
		}
	}()

	// 没有可用页面时 target 为 nil，由中继报告 ErrNoTarget
	var target relay.Target
	page, err := s.opts.Pages.Page(r.Context(), r.FormValue("tab"))
	switch {
	case err == nil:
		target = page
		s.ensureUser(r.Context(), page)
	case errors.Is(err, upload.ErrNoTarget):
		s.logger.Warn("no target page", "err", err)
	default:
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	opts, err := s.orchestratorOptions()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	b, err := batch.New(s.opts.Relay, target, opts).Submit(r.Context(), files)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, batch.ErrNotAuthorized) {
			status = http.StatusForbidden
		}
		writeError(w, status, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.current = b
	s.cancelFunc = cancel
	s.done = done
	s.status.Message = "正在上传..."
	s.status.Progress = 0
	s.status.Total = len(files)
	s.status.CurrentFile = ""
	s.mu.Unlock()
	started = true

	go s.runBatch(ctx, cancel, done, b)

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "任务已启动",
		"order":   b.Names(),
		"total":   len(files),
	})
}

func (s *Server) runBatch(ctx context.Context, cancel context.CancelFunc, done chan struct{}, b *batch.Batch) {
	defer close(done)
	defer cancel()

	for res := range b.Results(ctx) {
		s.mu.Lock()
		s.status.CurrentFile = res.FileName
		s.mu.Unlock()
	}

	state := b.State()
	err := b.Err()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Running = false
	s.cancelFunc = nil
	s.status.Progress = state.CompletedCount
	s.status.Total = state.Total
	switch {
	case err == nil:
		s.status.Message = "已完成所有文件上传"
	case errors.Is(err, context.Canceled):
		s.status.Message = "任务已取消"
		s.sendSSEEvent(batch.ProgressEvent{Type: "cancelled", Message: "任务已取消", Progress: state.CompletedCount, Total: state.Total})
	default:
		s.status.Message = fmt.Sprintf("错误: %v", err)
	}
}

// progressCallback 进度回调
func (s *Server) progressCallback(event batch.ProgressEvent) {
	s.mu.Lock()
	s.status.Message = event.Message
	if event.Total > 0 {
		s.status.Total = event.Total
	}
	if event.Progress > 0 {
		s.status.Progress = event.Progress
	}
	s.mu.Unlock()

	s.sendSSEEvent(event)
}

// stopBatch 取消当前批次并等待其结束
func (s *Server) stopBatch() bool {
	s.mu.Lock()
	cancel, done := s.cancelFunc, s.done
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	if done != nil {
		<-done
	}
	return true
}

// handleStop 停止上传
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stopped := s.stopBatch()
	if stopped {
		s.sendSSEEvent(batch.ProgressEvent{Type: "log", Message: "任务已停止"})
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true, "stopped": stopped})
}

// handleStatus 获取状态
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	status := *s.status
	current := s.current
	s.mu.RUnlock()

	if current != nil {
		st := current.State()
		status.Batch = &st
	}
	if !status.Running && current == nil {
		_, status.Message = s.cfg.IsReady()
	}
	writeJSON(w, http.StatusOK, status)
}

// handleTabs 列出标签页
func (s *Server) handleTabs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tabs, err := s.opts.Pages.ListTabs(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tabs)
}

// ensureUser 没有配置用户名时使用页面登录的用户名
func (s *Server) ensureUser(ctx context.Context, page Page) {
	if s.cfg.UserName() != "" {
		return
	}
	name, err := s.cfg.EnsureUser(ctx, func(ctx context.Context) (string, error) {
		info, err := page.UserInfo(ctx)
		return info.UserName, err
	})
	if err != nil {
		s.logger.Warn("page user unavailable", "err", err)
		return
	}
	s.logger.Info("user name taken from page", "user", name)
}

// checkAvailable 编辑区操作前的使用权限检查
func (s *Server) checkAvailable(ctx context.Context) error {
	if s.opts.SkipAuth {
		return nil
	}
	ok, err := s.client().CheckAvailable(ctx)
	if err != nil {
		s.logger.Warn("availability check failed", "err", err)
	}
	if err != nil || !ok {
		return batch.ErrNotAuthorized
	}
	return nil
}

// handleAction 对页面编辑区执行 format、math 或 insert 操作
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tab       string `json:"tab"`
		Character string `json:"character"`
		Shortcut  string `json:"shortcut"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	action := r.PathValue("action")
	switch action {
	case "format", "math", "insert":
	default:
		writeError(w, http.StatusNotFound, "未知操作: "+action)
		return
	}

	if action == "insert" && req.Character == "" {
		sc, ok := format.FindShortcut(s.cfg.Shortcuts(), req.Shortcut)
		if !ok {
			writeError(w, http.StatusBadRequest, "没有要插入的字符")
			return
		}
		req.Character = sc.Character
	}

	page, err := s.opts.Pages.Page(r.Context(), req.Tab)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, upload.ErrNoTarget) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}

	s.ensureUser(r.Context(), page)
	if err := s.checkAvailable(r.Context()); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	switch action {
	case "format":
		err = page.FormatActive(r.Context())
	case "math":
		err = page.FormatMath(r.Context())
	case "insert":
		err = page.InsertCharacter(r.Context(), req.Character)
	}
	if err != nil {
		s.logger.Error("page action failed", "action", action, "err", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleOCR 转发图片到服务端识别
func (s *Server) handleOCR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ImageData string `json:"image_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ImageData == "" {
		writeError(w, http.StatusBadRequest, "缺少 image_data")
		return
	}
	text, err := s.client().OCR(r.Context(), req.ImageData)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "text": text})
}

// handleSSE SSE事件流
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	clientChan := make(chan batch.ProgressEvent, 100)

	s.sseMu.Lock()
	s.sseClients[clientChan] = true
	s.sseMu.Unlock()

	defer func() {
		s.sseMu.Lock()
		delete(s.sseClients, clientChan)
		close(clientChan)
		s.sseMu.Unlock()
	}()

	fmt.Fprintf(w, "data: {\"type\":\"connected\",\"message\":\"SSE连接成功\"}\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	for {
		select {
		case event, ok := <-clientChan:
			if !ok {
				return
			}
			data, _ := json.Marshal(event)
			fmt.Fprintf(w, "data: %s\n\n", data)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// sendSSEEvent 向所有SSE客户端发送事件
func (s *Server) sendSSEEvent(event batch.ProgressEvent) {
	s.sseMu.RLock()
	defer s.sseMu.RUnlock()

	for clientChan := range s.sseClients {
		select {
		case clientChan <- event:
		default:
			// 通道满了，跳过
		}
	}
}
