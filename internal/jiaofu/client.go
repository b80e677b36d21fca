// Package jiaofu 是插件服务端（OCR 与使用权限检查）的客户端。
package jiaofu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultHost 默认服务地址
const DefaultHost = "http://123.56.230.207:8099"

const httpTimeout = 60 * time.Second

var (
	sharedHTTPClient *http.Client
	httpClientOnce   sync.Once
)

// getHTTPClient 获取共享的 HTTP 客户端
func getHTTPClient() *http.Client {
	httpClientOnce.Do(func() {
		sharedHTTPClient = &http.Client{
			Timeout: httpTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	})
	return sharedHTTPClient
}

// ErrNoUser 未配置用户名
var ErrNoUser = errors.New("未配置用户名")

// Client 服务端客户端，host 与用户名在创建时显式传入
type Client struct {
	host     string
	userName string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient 创建客户端，host 为空时使用默认地址
func NewClient(host, userName string) *Client {
	if host == "" {
		host = DefaultHost
	}
	return &Client{
		host:     strings.TrimSuffix(host, "/"),
		userName: userName,
		http:     getHTTPClient(),
		logger:   slog.Default().With("component", "jiaofu"),
	}
}

// Host 服务地址
func (c *Client) Host() string { return c.host }

// UserName 当前用户名
func (c *Client) UserName() string { return c.userName }

type ocrRequest struct {
	ImageData string `json:"image_data"`
}

type serverReply struct {
	Text  *string `json:"text"`
	Error string  `json:"error"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if c.userName == "" {
		return nil, ErrNoUser
	}
	req, err := http.NewRequestWithContext(ctx, method, c.host+path, body)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Authorization", url.QueryEscape(c.userName))
	return req, nil
}

func (c *Client) send(req *http.Request) (serverReply, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return serverReply{}, fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return serverReply{}, fmt.Errorf("读取响应失败: %w", err)
	}

	var reply serverReply
	if err := json.Unmarshal(body, &reply); err != nil {
		if resp.StatusCode != http.StatusOK {
			return serverReply{}, fmt.Errorf("HTTP error! status: %d", resp.StatusCode)
		}
		return serverReply{}, fmt.Errorf("解析响应失败: %w, body: %s", err, string(body))
	}
	return reply, nil
}

// OCR 识别图片中的文字，imageData 为 data URI 或 base64
func (c *Client) OCR(ctx context.Context, imageData string) (string, error) {
	payload, err := json.Marshal(ocrRequest{ImageData: imageData})
	if err != nil {
		return "", err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/llm/ocr", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	reply, err := c.send(req)
	if err != nil {
		return "", err
	}
	if reply.Error != "" {
		return "", fmt.Errorf("OCR失败: %s", reply.Error)
	}
	if reply.Text == nil {
		return "", errors.New("OCR失败: 响应中没有文本")
	}
	c.logger.Debug("ocr done", "chars", len([]rune(*reply.Text)))
	return *reply.Text, nil
}

// CheckAvailable 检查当前用户是否有权使用：响应带 text 表示无权，带 error 表示有权
func (c *Client) CheckAvailable(ctx context.Context) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/llm/test", nil)
	if err != nil {
		return false, err
	}
	reply, err := c.send(req)
	if err != nil {
		return false, err
	}
	if reply.Text != nil && *reply.Text != "" {
		return false, nil
	}
	return reply.Error != "", nil
}
