// Package api 是插件服务端：用户名单鉴权、视觉模型 OCR 和名单管理页面。
package api

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

const adminCookie = "admin_key"

// Recognizer 图片文字识别
type Recognizer interface {
	Recognize(ctx context.Context, imageURL string) (string, error)
}

// Options 服务端依赖
type Options struct {
	Users    *UserStore
	OCR      Recognizer
	AdminKey string
}

// Server 插件服务端
type Server struct {
	opts   Options
	tmpl   *template.Template
	logger *slog.Logger
}

// NewServer 创建服务端
func NewServer(opts Options) (*Server, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("解析页面模板失败: %w", err)
	}
	return &Server{
		opts:   opts,
		tmpl:   tmpl,
		logger: slog.Default().With("component", "api"),
	}, nil
}

// Handler 路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /s/ocr", s.page("ocr.html"))
	mux.HandleFunc("POST /s/ocr", s.handleOCR)

	mux.Handle("POST /llm/ocr", s.requireUser(http.HandlerFunc(s.handleOCR)))
	mux.Handle("GET /llm/test", s.requireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"error": "ok"})
	})))

	mux.Handle("GET /{$}", s.requireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.render(w, "users.html", map[string]any{"users": s.opts.Users.List()})
	})))
	mux.Handle("POST /users/add", s.requireAdmin(http.HandlerFunc(s.handleAddUser)))
	mux.Handle("POST /users/remove", s.requireAdmin(http.HandlerFunc(s.handleRemoveUser)))

	mux.HandleFunc("GET /auth", s.page("login.html"))
	mux.HandleFunc("POST /auth", s.handleAuth)

	return cors(mux)
}

// Start 启动服务端，ctx 结束时关闭
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", "addr", srv.Addr, "users", len(s.opts.Users.List()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, authentication, X-Requested-With")
		h.Set("Access-Control-Expose-Headers", "Content-Length, Access-Control-Allow-Origin, Access-Control-Allow-Headers, Authorization")
		h.Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireUser Authorization 头（URL 编码的用户名）必须在名单中。
// 无权时仍返回 200，由 text 字段说明
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := url.QueryUnescape(r.Header.Get("Authorization"))
		if err != nil {
			s.logger.Warn("invalid authorization token", "err", err)
			writeJSON(w, http.StatusOK, map[string]string{"text": "无效的授权令牌"})
			return
		}
		if !s.opts.Users.Has(user) {
			s.logger.Info("unauthorized user", "user", user)
			writeJSON(w, http.StatusOK, map[string]string{"text": "无权访问"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin 管理页面需要 admin_key cookie；未配置管理密钥时全部拒绝
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(adminCookie)
		if s.opts.AdminKey == "" || err != nil || c.Value != s.opts.AdminKey {
			http.Redirect(w, r, "/auth", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("render template", "name", name, "err", err)
	}
}

func (s *Server) page(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.render(w, name, map[string]any{})
	}
}

func (s *Server) handleOCR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ImageData string `json:"image_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "无效请求: " + err.Error()})
		return
	}
	if req.ImageData == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "无效请求: image_data is required"})
		return
	}

	text, err := s.opts.OCR.Recognize(r.Context(), req.ImageData)
	if err != nil {
		s.logger.Error("ocr failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "OCR处理过程中发生内部服务器错误"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func decodeUname(r *http.Request) (string, error) {
	var req struct {
		Uname string `json:"uname"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", err
	}
	if req.Uname == "" {
		return "", errors.New("uname is required")
	}
	return req.Uname, nil
}

func (s *Server) handleAddUser(w http.ResponseWriter, r *http.Request) {
	uname, err := decodeUname(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request: " + err.Error()})
		return
	}
	if err := s.opts.Users.Add(uname); err != nil {
		s.userError(w, err)
		return
	}
	s.logger.Info("user added", "user", uname)
	writeJSON(w, http.StatusOK, map[string]string{"message": "User added successfully"})
}

func (s *Server) handleRemoveUser(w http.ResponseWriter, r *http.Request) {
	uname, err := decodeUname(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request: " + err.Error()})
		return
	}
	if err := s.opts.Users.Remove(uname); err != nil {
		s.userError(w, err)
		return
	}
	s.logger.Info("user removed", "user", uname)
	writeJSON(w, http.StatusOK, map[string]string{"message": "User removed successfully"})
}

func (s *Server) userError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrUserExists) || errors.Is(err, ErrUserNotFound) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to save config"})
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	key := r.PostFormValue("authKey")
	if s.opts.AdminKey == "" || key != s.opts.AdminKey {
		s.render(w, "login.html", map[string]any{"error": "Invalid admin key"})
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     adminCookie,
		Value:    key,
		MaxAge:   3600,
		Path:     "/",
		HttpOnly: true,
	})
	http.Redirect(w, r, "/", http.StatusFound)
}
