// Package upload 定义批量上传流水线中流转的数据：待上传文件、上传项、上传结果与错误分类。
package upload

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Status 单个上传项的状态
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// File 用户选择的原始文件
type File interface {
	Name() string
	Open() (io.ReadCloser, error)
}

type pathFile struct {
	path string
}

// FromPath 以磁盘路径创建文件句柄，名称取文件名部分
func FromPath(path string) File {
	return pathFile{path: path}
}

func (f pathFile) Name() string { return filepath.Base(f.path) }

func (f pathFile) Open() (io.ReadCloser, error) { return os.Open(f.path) }

type memFile struct {
	name string
	data []byte
}

// FromBytes 以内存数据创建文件句柄（例如表单上传的文件）
func FromBytes(name string, data []byte) File {
	return memFile{name: name, data: data}
}

func (f memFile) Name() string { return f.name }

func (f memFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

// Item 一次中继调用传递的上传项，创建后不再修改
type Item struct {
	Content  string `json:"content"`
	FileName string `json:"fileName"`
	Index    int    `json:"index"`
}

// Result 页面上下文返回的单项上传结果
type Result struct {
	Success   bool   `json:"success"`
	FileName  string `json:"fileName"`
	RemoteURL string `json:"cdnUrl,omitempty"`
	Error     string `json:"error,omitempty"`
	Index     int    `json:"index"`
}

// NewItem 读取文件并编码为 data URI 形式的上传项
func NewItem(f File, index int) (Item, error) {
	rc, err := f.Open()
	if err != nil {
		return Item{}, fmt.Errorf("%w: %s: %v", ErrEncoding, f.Name(), err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return Item{}, fmt.Errorf("%w: %s: %v", ErrEncoding, f.Name(), err)
	}

	return Item{
		Content:  EncodeDataURI(data),
		FileName: f.Name(),
		Index:    index,
	}, nil
}

// EncodeDataURI 按内容嗅探 MIME 类型并编码为 base64 data URI
func EncodeDataURI(data []byte) string {
	mediaType := "application/octet-stream"
	if mt := mimetype.Detect(data); mt != nil {
		mediaType, _, _ = strings.Cut(mt.String(), ";")
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURI 解析 base64 data URI，返回原始数据和 MIME 类型
func DecodeDataURI(uri string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, "", fmt.Errorf("%w: not a data URI", ErrEncoding)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("%w: missing data URI payload", ErrEncoding)
	}
	mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return nil, "", fmt.Errorf("%w: data URI is not base64", ErrEncoding)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	if mediaType == "" {
		mediaType = mimetype.Detect(data).String()
	}
	return data, mediaType, nil
}

var (
	// ErrEncoding 文件无法读取或编码
	ErrEncoding = errors.New("file encoding failed")
	// ErrNoTarget 没有可转发的目标页面
	ErrNoTarget = errors.New("no target context")
	// ErrUploadRejected 远端返回非成功状态或缺少预期字段
	ErrUploadRejected = errors.New("upload rejected")
	// ErrChannelClosed 调用过程中消息通道断开
	ErrChannelClosed = errors.New("channel closed")
)

// ItemError 某个上传项失败的原因
type ItemError struct {
	FileName string
	Index    int
	Err      error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("上传 %s (#%d) 失败: %v", e.FileName, e.Index+1, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// Failed 构造失败结果
func Failed(item Item, err error) Result {
	return Result{
		Success:  false,
		FileName: item.FileName,
		Error:    err.Error(),
		Index:    item.Index,
	}
}
