// Package batch 实现顺序批量上传：固定处理顺序，逐个编码、逐个经由中继上传，
// 记录每个文件的状态与整体进度，全部成功后发出一次页面刷新信号。
package batch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/pingfury108/bedu-jiaofu/internal/relay"
	"github.com/pingfury108/bedu-jiaofu/internal/upload"
)

// DefaultThrottle 每个文件上传成功后的等待时间
const DefaultThrottle = 2 * time.Second

var (
	ErrEmptyBatch     = errors.New("没有选择文件")
	ErrDuplicateName  = errors.New("文件名重复")
	ErrNotAuthorized  = errors.New("无权使用bedu-jiaofu插件，请联系管理员")
	ErrAlreadyStarted = errors.New("批次已经开始，不能重复执行")
	ErrStopped        = errors.New("调用方提前停止读取结果")
)

// Phase 批次所处阶段
type Phase string

const (
	PhaseIdle                Phase = "idle"
	PhaseRunning             Phase = "running"
	PhaseCompleted           Phase = "completed"
	PhaseCompletedWithErrors Phase = "completed-with-errors"
	PhaseAborted             Phase = "aborted"
)

// FailurePolicy 单个文件失败后的处理方式
type FailurePolicy int

const (
	// Abort 首个失败即终止整个批次
	Abort FailurePolicy = iota
	// Continue 记录失败并继续处理剩余文件
	Continue
)

// Relayer 逐个转发上传项的中继
type Relayer interface {
	RelayUpload(ctx context.Context, target relay.Target, item upload.Item) (upload.Result, error)
	Refresh(ctx context.Context, target relay.Target) error
}

// Gate 批次开始前的使用权限检查
type Gate interface {
	CheckAvailable(ctx context.Context) (bool, error)
}

// ProgressEvent 进度事件
type ProgressEvent struct {
	Type      string        `json:"type"` // log, progress, complete, error
	Message   string        `json:"message"`
	Progress  int           `json:"progress"`
	Total     int           `json:"total"`
	FileName  string        `json:"fileName,omitempty"`
	Status    upload.Status `json:"status,omitempty"`
	RemoteURL string        `json:"cdnUrl,omitempty"`
}

// ProgressCallback 进度回调函数类型
type ProgressCallback func(event ProgressEvent)

// Options 编排器选项
type Options struct {
	Order         upload.Order
	Throttle      time.Duration
	FailurePolicy FailurePolicy
	Gate          Gate
	Progress      ProgressCallback
	// Sleep 可替换的等待函数，默认按 ctx 可取消的计时器实现
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
}

// Orchestrator 上传编排器
type Orchestrator struct {
	relay  Relayer
	target relay.Target
	opts   Options
	logger *slog.Logger
}

// New 创建编排器；target 为显式的目标页面句柄
func New(r Relayer, target relay.Target, opts Options) *Orchestrator {
	if opts.Order == "" {
		opts.Order = upload.OrderNumericDesc
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		relay:  r,
		target: target,
		opts:   opts,
		logger: logger.With("component", "batch"),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// State 批次状态快照
type State struct {
	Phase          Phase                    `json:"phase"`
	Names          []string                 `json:"names"`
	StatusByName   map[string]upload.Status `json:"statusByName"`
	RemoteURLs     map[string]string        `json:"remoteUrls"`
	Errors         map[string]string        `json:"errors,omitempty"`
	CompletedCount int                      `json:"completedCount"`
	Total          int                      `json:"total"`
}

// Progress 已完成数量 / 总数
func (s State) Progress() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.CompletedCount) / float64(s.Total)
}

// Count 统计处于某状态的文件数量
func (s State) Count(status upload.Status) int {
	return lo.CountBy(s.Names, func(name string) bool { return s.StatusByName[name] == status })
}

func (s State) clone() State {
	c := s
	c.Names = slices.Clone(s.Names)
	c.StatusByName = maps.Clone(s.StatusByName)
	c.RemoteURLs = maps.Clone(s.RemoteURLs)
	c.Errors = maps.Clone(s.Errors)
	return c
}

// Batch 一次用户发起的批量上传
type Batch struct {
	o       *Orchestrator
	files   []upload.File
	started atomic.Bool

	mu    sync.RWMutex
	state State
	err   error
}

// Submit 校验文件并固定处理顺序，返回尚未开始的批次
func (o *Orchestrator) Submit(ctx context.Context, files []upload.File) (*Batch, error) {
	if len(files) == 0 {
		return nil, ErrEmptyBatch
	}
	if dup := lo.FindDuplicates(upload.Names(files)); len(dup) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrDuplicateName, dup)
	}

	if o.opts.Gate != nil {
		ok, err := o.opts.Gate.CheckAvailable(ctx)
		if err != nil {
			o.logger.Warn("availability check failed", "err", err)
		}
		if err != nil || !ok {
			return nil, ErrNotAuthorized
		}
	}

	sorted := upload.Sort(files, o.opts.Order)
	names := upload.Names(sorted)
	statuses := make(map[string]upload.Status, len(names))
	for _, name := range names {
		statuses[name] = upload.StatusPending
	}

	return &Batch{
		o:     o,
		files: sorted,
		state: State{
			Phase:        PhaseIdle,
			Names:        names,
			StatusByName: statuses,
			RemoteURLs:   make(map[string]string),
			Errors:       make(map[string]string),
			Total:        len(names),
		},
	}, nil
}

// Run 提交并执行整个批次，返回最终状态
func (o *Orchestrator) Run(ctx context.Context, files []upload.File) (State, error) {
	b, err := o.Submit(ctx, files)
	if err != nil {
		return State{}, err
	}
	for range b.Results(ctx) {
	}
	return b.State(), b.Err()
}

// State 返回当前状态的副本
func (b *Batch) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.clone()
}

// Err 返回批次的终止原因，成功完成时为 nil
func (b *Batch) Err() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.err
}

// Names 处理顺序
func (b *Batch) Names() []string {
	return upload.Names(b.files)
}

func (b *Batch) setStatus(name string, status upload.Status) {
	b.mu.Lock()
	b.state.StatusByName[name] = status
	b.mu.Unlock()
}

func (b *Batch) finish(phase Phase, err error) {
	b.mu.Lock()
	b.state.Phase = phase
	b.err = err
	b.mu.Unlock()
}

func (b *Batch) emit(event ProgressEvent) {
	if b.o.opts.Progress != nil {
		b.o.opts.Progress(event)
	}
}

// Results 按处理顺序逐个上传并产出结果。只能执行一次，
// 再次调用只产出一个携带 ErrAlreadyStarted 的失败结果，不影响批次本身的状态
func (b *Batch) Results(ctx context.Context) iter.Seq[upload.Result] {
	return func(yield func(upload.Result) bool) {
		if !b.started.CompareAndSwap(false, true) {
			yield(upload.Result{Error: ErrAlreadyStarted.Error(), Index: -1})
			return
		}
		b.run(ctx, yield)
	}
}

func (b *Batch) run(ctx context.Context, yield func(upload.Result) bool) {
	o := b.o
	total := len(b.files)

	b.mu.Lock()
	b.state.Phase = PhaseRunning
	b.mu.Unlock()

	o.logger.Info("batch started", "total", total, "order", o.opts.Order)
	b.emit(ProgressEvent{Type: "progress", Message: fmt.Sprintf("共有 %d 个文件待上传", total), Total: total})

	completed := 0
	var firstErr error

	for i, f := range b.files {
		if err := ctx.Err(); err != nil {
			b.abort(err)
			return
		}

		name := f.Name()
		res, err := b.process(ctx, f, i)
		if err != nil {
			itemErr := &upload.ItemError{FileName: name, Index: i, Err: err}
			b.mu.Lock()
			b.state.StatusByName[name] = upload.StatusFailed
			b.state.Errors[name] = err.Error()
			b.mu.Unlock()

			o.logger.Error("upload failed", "file", name, "index", i, "err", err)
			b.emit(ProgressEvent{
				Type:     "error",
				Message:  itemErr.Error(),
				Progress: completed,
				Total:    total,
				FileName: name,
				Status:   upload.StatusFailed,
			})

			if !yield(res) {
				b.abort(ErrStopped)
				return
			}
			if ctx.Err() != nil {
				b.abort(ctx.Err())
				return
			}
			if o.opts.FailurePolicy == Abort {
				// 失败事件已经发出，这里只记录终止
				b.finish(PhaseAborted, itemErr)
				o.logger.Warn("batch aborted", "err", itemErr)
				return
			}
			if firstErr == nil {
				firstErr = itemErr
			}
			continue
		}

		completed++
		b.mu.Lock()
		b.state.StatusByName[name] = upload.StatusDone
		b.state.RemoteURLs[name] = res.RemoteURL
		b.state.CompletedCount = completed
		b.mu.Unlock()

		o.logger.Info("upload done", "file", name, "index", i, "url", res.RemoteURL)
		b.emit(ProgressEvent{
			Type:      "progress",
			Message:   fmt.Sprintf("已上传 %s (%d/%d)", name, completed, total),
			Progress:  completed,
			Total:     total,
			FileName:  name,
			Status:    upload.StatusDone,
			RemoteURL: res.RemoteURL,
		})

		if !yield(res) {
			b.abort(ErrStopped)
			return
		}

		if err := o.opts.Sleep(ctx, o.opts.Throttle); err != nil {
			b.abort(err)
			return
		}
	}

	if firstErr != nil {
		b.finish(PhaseCompletedWithErrors, firstErr)
	} else {
		b.finish(PhaseCompleted, nil)
	}

	if completed > 0 {
		if err := o.relay.Refresh(ctx, o.target); err != nil {
			o.logger.Warn("refresh signal failed", "err", err)
		}
	}

	msg := "已完成所有文件上传"
	if firstErr != nil {
		msg = fmt.Sprintf("上传结束，%d 个文件失败", total-completed)
	}
	o.logger.Info("batch finished", "completed", completed, "total", total)
	b.emit(ProgressEvent{Type: "complete", Message: msg, Progress: completed, Total: total})
}

// process 处理单个文件：编码、标记进行中、经中继上传
func (b *Batch) process(ctx context.Context, f upload.File, index int) (upload.Result, error) {
	name := f.Name()
	item, err := upload.NewItem(f, index)
	if err != nil {
		return upload.Result{FileName: name, Error: err.Error(), Index: index}, err
	}

	b.setStatus(name, upload.StatusInProgress)

	res, err := b.o.relay.RelayUpload(ctx, b.o.target, item)
	if err != nil {
		return upload.Failed(item, err), err
	}
	if !res.Success {
		reason := res.Error
		if reason == "" {
			reason = "目标页面未返回成功"
		}
		err := fmt.Errorf("%w: %s", upload.ErrUploadRejected, reason)
		res.FileName, res.Index = item.FileName, item.Index
		return res, err
	}
	return res, nil
}

func (b *Batch) abort(err error) {
	b.finish(PhaseAborted, err)
	b.o.logger.Warn("batch aborted", "err", err)
	st := b.State()
	b.emit(ProgressEvent{Type: "error", Message: fmt.Sprintf("上传失败: %v", err), Progress: st.CompletedCount, Total: st.Total})
}
