// Package models 通过 OpenAI 兼容的对话接口调用视觉模型做图片文字识别。
package models

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/pingfury108/bedu-jiaofu/internal/config"
)

// OCRPrompt 严格转写图片文字的系统提示词
const OCRPrompt = `#Role: 我是一个专门用于从图片中识别内容的专业 AI 角色

## Goals:
- 严格逐字识别图片中可见的文字
- 保持括号内空白
- 保持原有格式和标点

## Constraints:
- 仅输出实际可见的文字
- 括号内若为空白则保持 ( )
- 不进行任何推测或补全
- 不理解或解释内容
- 不添加任何额外标点符号
- 数学表达式使用 LaTeX 格式,用 $ 包裹

## Outputs:
- 纯文本格式
- 保持原有换行
- 不使用 markdown

## Rules:
- 遇到空白处保持原样,不填充
- 遇到不完整的句子保持原样,不补全
- 严格按照原文呈现,包括标点和空格`

const httpTimeout = 120 * time.Second

var (
	sharedHTTPClient *http.Client
	httpClientOnce   sync.Once

	versionPath = regexp.MustCompile(`/v\d+(beta)?(/|$)`)

	// ErrNoModel 没有可用模型
	ErrNoModel = errors.New("没有可用的模型，请先配置模型API Key")
)

// getHTTPClient 获取共享的 HTTP 客户端
func getHTTPClient() *http.Client {
	httpClientOnce.Do(func() {
		sharedHTTPClient = &http.Client{
			Timeout: httpTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	})
	return sharedHTTPClient
}

// ChatRequest OpenAI API 请求结构
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// ChatMessage Content 为字符串或 []ContentPart
type ChatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart 多模态消息片段
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// UnifiedModel 统一模型（支持所有OpenAI兼容API）
type UnifiedModel struct {
	cfg config.ModelConfig
}

// NewUnifiedModel 创建统一模型
func NewUnifiedModel(cfg config.ModelConfig) *UnifiedModel {
	return &UnifiedModel{cfg: cfg}
}

// completionsURL 补全对话接口地址。
// 可以配置完整路径，也可以只配置基础地址或带版本号的地址
func completionsURL(base string) string {
	base = strings.TrimSuffix(base, "/")
	switch {
	case strings.HasSuffix(base, "/chat/completions"):
		return base
	case versionPath.MatchString(base):
		return base + "/chat/completions"
	default:
		return base + "/v1/chat/completions"
	}
}

// Recognize 识别图片中的文字，imageURL 为 data URI 或可访问的图片地址
func (m *UnifiedModel) Recognize(ctx context.Context, imageURL string) (string, error) {
	if imageURL == "" {
		return "", fmt.Errorf("图片内容为空")
	}

	reqBody := ChatRequest{
		Model: m.cfg.Model,
		Messages: []ChatMessage{
			{Role: "system", Content: OCRPrompt},
			{Role: "user", Content: []ContentPart{
				{Type: "image_url", ImageURL: &ImageURL{URL: imageURL}},
			}},
		},
		Temperature: 0.1,
		MaxTokens:   4096,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, completionsURL(m.cfg.BaseURL), bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)

	resp, err := getHTTPClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("读取响应失败: %w", err)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", fmt.Errorf("解析响应失败: %w, body: %s", err, string(body))
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("API错误: %s", chatResp.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP error! status: %d", resp.StatusCode)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("没有返回识别结果")
	}

	return strings.TrimSpace(chatResp.Choices[0].Message.Content), nil
}

// Name 获取模型名称
func (m *UnifiedModel) Name() string {
	return m.cfg.Name
}

// ModelManager 模型管理器，按顺序尝试已启用的模型
type ModelManager struct {
	models []*UnifiedModel
}

// NewModelManager 用模型配置创建管理器，按给定顺序尝试，
// 调用方传入 config.GetEnabledModels 的结果
func NewModelManager(cfgs []config.ModelConfig) *ModelManager {
	return &ModelManager{
		models: lo.Map(cfgs, func(m config.ModelConfig, _ int) *UnifiedModel {
			return NewUnifiedModel(m)
		}),
	}
}

// Recognize 识别图片文字（自动fallback到下一个模型）
func (m *ModelManager) Recognize(ctx context.Context, imageURL string) (string, error) {
	if len(m.models) == 0 {
		return "", ErrNoModel
	}

	var lastErr error
	for _, model := range m.models {
		text, err := model.Recognize(ctx, imageURL)
		if err == nil && text != "" {
			return text, nil
		}
		if err == nil {
			err = fmt.Errorf("%s 返回空结果", model.Name())
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	return "", fmt.Errorf("所有模型都调用失败: %w", lastErr)
}

// HasAvailableModel 检查是否有可用模型
func (m *ModelManager) HasAvailableModel() bool {
	return len(m.models) > 0
}

// GetModelNames 获取可用模型名称列表
func (m *ModelManager) GetModelNames() []string {
	return lo.Map(m.models, func(model *UnifiedModel, _ int) string { return model.Name() })
}
