// Package relay 在编排器与页面上下文之间逐个转发上传请求。
//
// Relay 只有一个服务协程，请求通过通道排队，每个请求自带应答通道，
// 因此任意时刻最多只有一个请求在目标页面上执行。Relay 本身不重试、不合并。
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pingfury108/bedu-jiaofu/internal/upload"
)

// Target 可接收上传项的页面上下文（浏览器标签页或直连的页面会话）
type Target interface {
	ID() string
	Upload(ctx context.Context, item upload.Item) (upload.Result, error)
	Refresh(ctx context.Context) error
}

type requestKind int

const (
	kindUpload requestKind = iota
	kindRefresh
)

type request struct {
	ctx    context.Context
	kind   requestKind
	target Target
	item   upload.Item
	reply  chan response
}

type response struct {
	result upload.Result
	err    error
}

// Relay 单通道转发器
type Relay struct {
	requests chan request
	done     chan struct{}
	once     sync.Once
	logger   *slog.Logger
}

// New 创建并启动转发器
func New() *Relay {
	r := &Relay{
		requests: make(chan request),
		done:     make(chan struct{}),
		logger:   slog.Default().With("component", "relay"),
	}
	go r.serve()
	return r
}

// Close 停止服务协程，之后的调用返回 ErrChannelClosed
func (r *Relay) Close() {
	r.once.Do(func() { close(r.done) })
}

func (r *Relay) serve() {
	for {
		select {
		case <-r.done:
			return
		case req := <-r.requests:
			req.reply <- r.handle(req)
		}
	}
}

func (r *Relay) handle(req request) response {
	switch req.kind {
	case kindRefresh:
		if err := req.target.Refresh(req.ctx); err != nil {
			return response{err: classify(req.ctx, err)}
		}
		return response{}
	default:
		r.logger.Debug("forwarding upload", "target", req.target.ID(), "file", req.item.FileName, "index", req.item.Index)
		res, err := req.target.Upload(req.ctx, req.item)
		if err != nil {
			return response{err: classify(req.ctx, err)}
		}
		return response{result: res}
	}
}

// RelayUpload 将单个上传项转发给目标，并返回目标报告的结果
func (r *Relay) RelayUpload(ctx context.Context, target Target, item upload.Item) (upload.Result, error) {
	if target == nil {
		return upload.Failed(item, upload.ErrNoTarget), upload.ErrNoTarget
	}
	resp, err := r.roundTrip(ctx, request{ctx: ctx, kind: kindUpload, target: target, item: item})
	if err != nil {
		return upload.Failed(item, err), err
	}
	if resp.err != nil {
		return upload.Failed(item, resp.err), resp.err
	}
	return resp.result, nil
}

// Refresh 向目标转发刷新信号
func (r *Relay) Refresh(ctx context.Context, target Target) error {
	if target == nil {
		return upload.ErrNoTarget
	}
	resp, err := r.roundTrip(ctx, request{ctx: ctx, kind: kindRefresh, target: target})
	if err != nil {
		return err
	}
	return resp.err
}

func (r *Relay) roundTrip(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)

	select {
	case <-r.done:
		return response{}, upload.ErrChannelClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return response{}, err
	}

	select {
	case <-r.done:
		return response{}, upload.ErrChannelClosed
	case <-ctx.Done():
		return response{}, ctx.Err()
	case r.requests <- req:
	}

	// 请求已被服务协程接收，等待目标返回；目标负责在 ctx 结束时返回
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-r.done:
		return response{}, upload.ErrChannelClosed
	}
}

// classify 将目标侧的通道类错误归一为 ErrChannelClosed
func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, upload.ErrChannelClosed), errors.Is(err, upload.ErrNoTarget):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", upload.ErrChannelClosed, err)
	default:
		return err
	}
}
