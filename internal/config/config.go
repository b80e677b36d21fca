package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/pingfury108/bedu-jiaofu/internal/format"
)

const (
	// DefaultHost 插件服务端默认地址
	DefaultHost = "http://123.56.230.207:8099"
	// DefaultSiteURL 教辅生产平台地址
	DefaultSiteURL = "https://easylearn.baidu.com"
	// DefaultTabPattern 教辅编辑页面的地址特征
	DefaultTabPattern = "textbookID="
	// DefaultPath 默认配置文件
	DefaultPath = "./jiaofu.json"

	defaultThrottleMS = 2000
)

// ModelConfig 模型配置
type ModelConfig struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
}

// UploadSettings 批量上传设置
type UploadSettings struct {
	ThrottleMS      int    `json:"throttle_ms"`
	Order           string `json:"order"`
	ContinueOnError bool   `json:"continue_on_error"`
}

// BrowserSettings 浏览器设置
type BrowserSettings struct {
	RemoteURL     string `json:"remote_url,omitempty"`
	Headless      bool   `json:"headless"`
	UserDataDir   string `json:"user_data_dir,omitempty"`
	TabURLPattern string `json:"tab_url_pattern"`
}

// SiteSettings 直连后台接口时使用的站点与 Cookie
type SiteSettings struct {
	BaseURL string `json:"base_url"`
	Cookie  string `json:"cookie,omitempty"`
}

// ConfigFile 配置文件结构
type ConfigFile struct {
	Host      string            `json:"host"`
	UserName  string            `json:"user_name"`
	Shortcuts []format.Shortcut `json:"shortcuts"`
	Upload    UploadSettings    `json:"upload"`
	Browser   BrowserSettings   `json:"browser"`
	Site      SiteSettings      `json:"site"`
	Models    []ModelConfig     `json:"models"`
}

// Config 配置管理
type Config struct {
	mu               sync.RWMutex
	data             ConfigFile
	FilePath         string
	ChromeBinaryPath string
	IsLinux          bool
}

// New 创建指定路径的配置，内容为默认值，需调用 Load 读取文件
func New(path string) *Config {
	if path == "" {
		path = DefaultPath
	}
	c := &Config{
		data:     defaults(),
		FilePath: path,
	}
	c.initPaths()
	return c
}

func defaults() ConfigFile {
	return ConfigFile{
		Host:      DefaultHost,
		Shortcuts: []format.Shortcut{},
		Upload: UploadSettings{
			ThrottleMS: defaultThrottleMS,
			Order:      "numeric-desc",
		},
		Browser: BrowserSettings{TabURLPattern: DefaultTabPattern},
		Site:    SiteSettings{BaseURL: DefaultSiteURL},
		Models:  getDefaultModels(),
	}
}

// getDefaultModels 获取默认模型配置
func getDefaultModels() []ModelConfig {
	return []ModelConfig{
		{
			Name:    "火山方舟",
			Enabled: true,
			BaseURL: "https://ark.cn-beijing.volces.com/api/v3/",
			Model:   "",
		},
		{
			Name:    "通义千问",
			Enabled: false,
			BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1",
			Model:   "qwen-vl-max",
		},
		{
			Name:    "OpenAI",
			Enabled: false,
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o",
		},
		{
			Name:    "Ollama",
			Enabled: false,
			BaseURL: "http://localhost:11434/v1",
			APIKey:  "ollama",
			Model:   "qwen2.5vl:7b",
		},
	}
}

// initPaths 初始化路径配置
func (c *Config) initPaths() {
	c.IsLinux = runtime.GOOS == "linux"
	if c.IsLinux {
		c.ChromeBinaryPath = c.findChromeBinary()
	} else {
		c.ChromeBinaryPath = c.findWindowsChrome()
	}
}

// findWindowsChrome Windows 下自动查找 Chrome 二进制文件
func (c *Config) findWindowsChrome() string {
	paths := []string{
		os.Getenv("PROGRAMFILES") + "\\Google\\Chrome\\Application\\chrome.exe",
		os.Getenv("PROGRAMFILES(X86)") + "\\Google\\Chrome\\Application\\chrome.exe",
		os.Getenv("LOCALAPPDATA") + "\\Google\\Chrome\\Application\\chrome.exe",
		".\\chrome-win64\\chrome.exe",
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// findChromeBinary Linux下自动查找Chrome
func (c *Config) findChromeBinary() string {
	binaries := []string{
		"/usr/bin/google-chrome",
		"/usr/bin/google-chrome-stable",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
	}
	for _, binary := range binaries {
		if _, err := os.Stat(binary); err == nil {
			return binary
		}
	}
	return ""
}

// Load 加载配置文件，文件不存在时写入默认配置
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			c.data = defaults()
			return c.saveInternal()
		}
		return err
	}

	file := defaults()
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("解析配置文件 %s 失败: %w", c.FilePath, err)
	}
	if len(file.Models) == 0 {
		file.Models = getDefaultModels()
	}
	if file.Shortcuts == nil {
		file.Shortcuts = []format.Shortcut{}
	}
	c.data = file
	return nil
}

// ApplyEnv 用环境变量覆盖配置（不写回文件）
func (c *Config) ApplyEnv() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("JIAOFU_HOST"); v != "" {
		c.data.Host = v
	}
	if v := os.Getenv("JIAOFU_USER"); v != "" {
		c.data.UserName = v
	}
	if v := os.Getenv("JIAOFU_COOKIE"); v != "" {
		c.data.Site.Cookie = v
	}
	if v := os.Getenv("CHROME_REMOTE_URL"); v != "" {
		c.data.Browser.RemoteURL = v
	}

	key, base, model := os.Getenv("ARK_API_KEY"), os.Getenv("ARK_API_BASE"), os.Getenv("ARK_MODEL")
	if key == "" && base == "" && model == "" {
		return
	}
	c.data.Models = slices.Clone(c.data.Models)
	for i := range c.data.Models {
		if c.data.Models[i].Name != "火山方舟" {
			continue
		}
		if key != "" {
			c.data.Models[i].APIKey = key
		}
		if base != "" {
			c.data.Models[i].BaseURL = base
		}
		if model != "" {
			c.data.Models[i].Model = model
		}
	}
}

// Save 保存配置文件
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saveInternal()
}

// saveInternal 内部保存方法（不加锁）
func (c *Config) saveInternal() error {
	data, err := json.MarshalIndent(c.data, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.FilePath, data, 0644)
}

// Snapshot 返回当前配置的副本
func (c *Config) Snapshot() ConfigFile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.data
	s.Shortcuts = slices.Clone(c.data.Shortcuts)
	s.Models = slices.Clone(c.data.Models)
	return s
}

// Update 修改配置并保存
func (c *Config) Update(fn func(*ConfigFile)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.data)
	return c.saveInternal()
}

// Host 插件服务端地址
func (c *Config) Host() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.Host
}

// UserName 平台用户名
func (c *Config) UserName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.UserName
}

// SetUser 更新服务端地址和用户名
func (c *Config) SetUser(host, userName string) error {
	return c.Update(func(f *ConfigFile) {
		if host != "" {
			f.Host = host
		}
		f.UserName = userName
	})
}

// EnsureUser 没有配置用户名时用 lookup 读取页面登录的用户名并保存，返回最终的用户名
func (c *Config) EnsureUser(ctx context.Context, lookup func(context.Context) (string, error)) (string, error) {
	if name := c.UserName(); name != "" {
		return name, nil
	}
	name, err := lookup(ctx)
	if err != nil {
		return "", fmt.Errorf("读取页面登录用户失败: %w", err)
	}
	if name == "" {
		return "", errors.New("页面未登录")
	}
	if err := c.SetUser("", name); err != nil {
		return "", err
	}
	return name, nil
}

// Shortcuts 获取快捷键列表
func (c *Config) Shortcuts() []format.Shortcut {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.data.Shortcuts)
}

// SetShortcuts 保存快捷键列表
func (c *Config) SetShortcuts(shortcuts []format.Shortcut) error {
	return c.Update(func(f *ConfigFile) {
		f.Shortcuts = slices.Clone(shortcuts)
	})
}

// Throttle 每个文件上传成功后的等待时间
func (c *Config) Throttle() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.data.Upload.ThrottleMS < 0 {
		return 0
	}
	return time.Duration(c.data.Upload.ThrottleMS) * time.Millisecond
}

// GetEnabledModels 获取已启用且填写完整的模型列表
func (c *Config) GetEnabledModels() []ModelConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lo.Filter(c.data.Models, func(m ModelConfig, _ int) bool {
		return m.Enabled && m.APIKey != "" && m.Model != ""
	})
}

// ValidationError 配置验证错误
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidateUser 验证服务端地址和用户名
func (c *Config) ValidateUser() []ValidationError {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errors []ValidationError
	if c.data.Host == "" {
		errors = append(errors, ValidationError{Field: "host", Message: "服务地址不能为空"})
	}
	if c.data.UserName == "" {
		errors = append(errors, ValidationError{Field: "user_name", Message: "用户名不能为空"})
	}
	return errors
}

// ValidateUpload 验证上传设置
func (c *Config) ValidateUpload() []ValidationError {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errors []ValidationError
	if c.data.Upload.ThrottleMS < 0 {
		errors = append(errors, ValidationError{Field: "upload.throttle_ms", Message: "等待时间不能为负数"})
	}
	switch c.data.Upload.Order {
	case "", "numeric-desc", "name-desc", "name-asc":
	default:
		errors = append(errors, ValidationError{Field: "upload.order", Message: "未知的排序方式 " + c.data.Upload.Order})
	}
	return errors
}

// ValidateModels 验证模型配置
func (c *Config) ValidateModels() []ValidationError {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errors []ValidationError
	hasEnabled := false
	for i, m := range c.data.Models {
		if !m.Enabled {
			continue
		}
		hasEnabled = true
		field := fmt.Sprintf("models[%d]", i)
		if m.APIKey == "" {
			errors = append(errors, ValidationError{Field: field + ".api_key", Message: "已启用的模型 " + m.Name + " 缺少 API Key"})
		}
		if m.BaseURL == "" {
			errors = append(errors, ValidationError{Field: field + ".base_url", Message: "已启用的模型 " + m.Name + " 缺少 Base URL"})
		}
		if m.Model == "" {
			errors = append(errors, ValidationError{Field: field + ".model", Message: "已启用的模型 " + m.Name + " 缺少模型名称"})
		}
	}
	if !hasEnabled {
		errors = append(errors, ValidationError{Field: "models", Message: "至少需要启用一个模型"})
	}
	return errors
}

// Validate 验证插件侧配置（模型只在启动 OCR 服务端时需要）
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError
	errors = append(errors, c.ValidateUser()...)
	errors = append(errors, c.ValidateUpload()...)
	return errors
}

// IsReady 检查配置是否就绪（可以开始上传）
func (c *Config) IsReady() (bool, string) {
	if errs := c.Validate(); len(errs) > 0 {
		return false, errs[0].Message
	}
	return true, "就绪"
}
