package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingfury108/bedu-jiaofu/internal/relay"
	"github.com/pingfury108/bedu-jiaofu/internal/upload"
)

// recorder 记录目标页面上发生的事件顺序
type recorder struct {
	mu     sync.Mutex
	events []string
	spans  [][2]time.Time
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeTarget struct {
	rec       *recorder
	failOn    map[string]string
	errOn     map[string]error
	hold      time.Duration
	refreshes int
}

func (f *fakeTarget) ID() string { return "tab-1" }

func (f *fakeTarget) Upload(ctx context.Context, item upload.Item) (upload.Result, error) {
	start := time.Now()
	f.rec.add("upload:" + item.FileName)
	if f.hold > 0 {
		time.Sleep(f.hold)
	}
	f.rec.mu.Lock()
	f.rec.spans = append(f.rec.spans, [2]time.Time{start, time.Now()})
	f.rec.mu.Unlock()

	if err, ok := f.errOn[item.FileName]; ok {
		return upload.Result{}, err
	}
	if msg, ok := f.failOn[item.FileName]; ok {
		return upload.Result{Success: false, FileName: item.FileName, Error: msg, Index: item.Index}, nil
	}
	return upload.Result{
		Success:   true,
		FileName:  item.FileName,
		RemoteURL: "https://cdn.example.com/" + item.FileName,
		Index:     item.Index,
	}, nil
}

func (f *fakeTarget) Refresh(ctx context.Context) error {
	f.refreshes++
	f.rec.add("refresh")
	return nil
}

func files(names ...string) []upload.File {
	out := make([]upload.File, len(names))
	for i, n := range names {
		out[i] = upload.FromBytes(n, []byte("content of "+n))
	}
	return out
}

func newTestOrchestrator(t *testing.T, target relay.Target, rec *recorder, opts Options) *Orchestrator {
	t.Helper()
	r := relay.New()
	t.Cleanup(r.Close)
	opts.Throttle = 2 * time.Second
	opts.Sleep = func(ctx context.Context, d time.Duration) error {
		rec.add(fmt.Sprintf("sleep:%s", d))
		return ctx.Err()
	}
	return New(r, target, opts)
}

func TestRunAllSucceed(t *testing.T) {
	rec := &recorder{}
	target := &fakeTarget{rec: rec}
	o := newTestOrchestrator(t, target, rec, Options{})

	b, err := o.Submit(context.Background(), files("page_1.png", "page_2.png", "page_10.png"))
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, b.State().Phase)

	var results []upload.Result
	for res := range b.Results(context.Background()) {
		results = append(results, res)
	}

	require.Len(t, results, 3)
	assert.Equal(t, "page_10.png", results[0].FileName)
	assert.Equal(t, "page_2.png", results[1].FileName)
	assert.Equal(t, "page_1.png", results[2].FileName)
	for i, res := range results {
		assert.True(t, res.Success)
		assert.Equal(t, i, res.Index)
	}

	st := b.State()
	assert.NoError(t, b.Err())
	assert.Equal(t, PhaseCompleted, st.Phase)
	assert.Equal(t, 3, st.CompletedCount)
	assert.Equal(t, 1.0, st.Progress())
	assert.Equal(t, 3, st.Count(upload.StatusDone))
	assert.Equal(t, "https://cdn.example.com/page_2.png", st.RemoteURLs["page_2.png"])

	// 刷新信号只发一次，且在最后一个文件的等待之后
	assert.Equal(t, 1, target.refreshes)
	assert.Equal(t, []string{
		"upload:page_10.png", "sleep:2s",
		"upload:page_2.png", "sleep:2s",
		"upload:page_1.png", "sleep:2s",
		"refresh",
	}, rec.snapshot())
}

func TestRunAbortsOnFirstFailure(t *testing.T) {
	rec := &recorder{}
	target := &fakeTarget{rec: rec, failOn: map[string]string{"page_2.png": "no CDN URL"}}
	o := newTestOrchestrator(t, target, rec, Options{})

	b, err := o.Submit(context.Background(), files("page_1.png", "page_2.png", "page_3.png"))
	require.NoError(t, err)

	var results []upload.Result
	for res := range b.Results(context.Background()) {
		results = append(results, res)
	}

	require.Len(t, results, 2)
	assert.Equal(t, "page_3.png", results[0].FileName)
	assert.True(t, results[0].Success)
	assert.Equal(t, "page_2.png", results[1].FileName)
	assert.False(t, results[1].Success)
	assert.Equal(t, "no CDN URL", results[1].Error)

	st := b.State()
	assert.Equal(t, PhaseAborted, st.Phase)
	assert.Equal(t, upload.StatusDone, st.StatusByName["page_3.png"])
	assert.Equal(t, upload.StatusFailed, st.StatusByName["page_2.png"])
	assert.Equal(t, upload.StatusPending, st.StatusByName["page_1.png"])
	assert.Equal(t, 1, st.CompletedCount)

	err = b.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, upload.ErrUploadRejected)
	var itemErr *upload.ItemError
	require.True(t, errors.As(err, &itemErr))
	assert.Equal(t, "page_2.png", itemErr.FileName)
	assert.Equal(t, 1, itemErr.Index)

	assert.NotContains(t, rec.snapshot(), "upload:page_1.png")
	assert.Equal(t, 0, target.refreshes)
}

func TestRunSecondOfThreeFailsLeavesThirdPending(t *testing.T) {
	rec := &recorder{}
	target := &fakeTarget{rec: rec, failOn: map[string]string{"b.png": "no CDN URL"}}
	o := newTestOrchestrator(t, target, rec, Options{Order: upload.OrderNameAsc})

	st, err := o.Run(context.Background(), files("a.png", "b.png", "c.png"))
	require.Error(t, err)
	assert.Equal(t, upload.StatusDone, st.StatusByName["a.png"])
	assert.Equal(t, upload.StatusFailed, st.StatusByName["b.png"])
	assert.Equal(t, upload.StatusPending, st.StatusByName["c.png"])
	assert.Equal(t, "upload rejected: no CDN URL", st.Errors["b.png"])
}

func TestRunContinuePolicy(t *testing.T) {
	rec := &recorder{}
	target := &fakeTarget{rec: rec, failOn: map[string]string{"b.png": "HTTP error! status: 500"}}
	o := newTestOrchestrator(t, target, rec, Options{Order: upload.OrderNameAsc, FailurePolicy: Continue})

	b, err := o.Submit(context.Background(), files("a.png", "b.png", "c.png"))
	require.NoError(t, err)

	var names []string
	for res := range b.Results(context.Background()) {
		names = append(names, res.FileName)
	}

	assert.Equal(t, []string{"a.png", "b.png", "c.png"}, names)
	st := b.State()
	assert.Equal(t, PhaseCompletedWithErrors, st.Phase)
	assert.Equal(t, 2, st.CompletedCount)
	assert.Equal(t, 1, st.Count(upload.StatusFailed))
	assert.ErrorIs(t, b.Err(), upload.ErrUploadRejected)
	assert.Equal(t, 1, target.refreshes)
}

func TestRunNoTargetAborts(t *testing.T) {
	rec := &recorder{}
	o := newTestOrchestrator(t, nil, rec, Options{})

	st, err := o.Run(context.Background(), files("x_1.png", "x_2.png"))
	assert.ErrorIs(t, err, upload.ErrNoTarget)
	assert.Equal(t, PhaseAborted, st.Phase)
	assert.Equal(t, upload.StatusFailed, st.StatusByName["x_2.png"])
	assert.Equal(t, upload.StatusPending, st.StatusByName["x_1.png"])
}

func TestRunChannelClosedAborts(t *testing.T) {
	rec := &recorder{}
	target := &fakeTarget{rec: rec, errOn: map[string]error{"x_2.png": context.Canceled}}
	o := newTestOrchestrator(t, target, rec, Options{})

	_, err := o.Run(context.Background(), files("x_1.png", "x_2.png"))
	assert.ErrorIs(t, err, upload.ErrChannelClosed)
	assert.NotContains(t, rec.snapshot(), "upload:x_1.png")
}

type brokenFile struct{ name string }

func (f brokenFile) Name() string                 { return f.name }
func (f brokenFile) Open() (io.ReadCloser, error) { return nil, errors.New("unreadable") }

func TestRunEncodingErrorAborts(t *testing.T) {
	rec := &recorder{}
	target := &fakeTarget{rec: rec}
	o := newTestOrchestrator(t, target, rec, Options{})

	st, err := o.Run(context.Background(), []upload.File{brokenFile{name: "p_9.png"}, upload.FromBytes("p_1.png", []byte("x"))})
	assert.ErrorIs(t, err, upload.ErrEncoding)
	assert.Equal(t, upload.StatusFailed, st.StatusByName["p_9.png"])
	assert.Empty(t, rec.snapshot())
}

func TestSubmitValidation(t *testing.T) {
	rec := &recorder{}
	o := newTestOrchestrator(t, &fakeTarget{rec: rec}, rec, Options{})

	_, err := o.Submit(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	_, err = o.Submit(context.Background(), files("a.png", "a.png"))
	assert.ErrorIs(t, err, ErrDuplicateName)
}

type gateFunc func(ctx context.Context) (bool, error)

func (g gateFunc) CheckAvailable(ctx context.Context) (bool, error) { return g(ctx) }

func TestSubmitGate(t *testing.T) {
	rec := &recorder{}
	target := &fakeTarget{rec: rec}

	denied := newTestOrchestrator(t, target, rec, Options{Gate: gateFunc(func(ctx context.Context) (bool, error) { return false, nil })})
	_, err := denied.Submit(context.Background(), files("a.png"))
	assert.ErrorIs(t, err, ErrNotAuthorized)

	broken := newTestOrchestrator(t, target, rec, Options{Gate: gateFunc(func(ctx context.Context) (bool, error) { return false, errors.New("dial tcp") })})
	_, err = broken.Submit(context.Background(), files("a.png"))
	assert.ErrorIs(t, err, ErrNotAuthorized)

	allowed := newTestOrchestrator(t, target, rec, Options{Gate: gateFunc(func(ctx context.Context) (bool, error) { return true, nil })})
	_, err = allowed.Run(context.Background(), files("a.png"))
	assert.NoError(t, err)
	assert.Equal(t, []string{"upload:a.png", "sleep:2s", "refresh"}, rec.snapshot())
}

func TestResultsNotRestartable(t *testing.T) {
	rec := &recorder{}
	o := newTestOrchestrator(t, &fakeTarget{rec: rec}, rec, Options{})

	b, err := o.Submit(context.Background(), files("a.png"))
	require.NoError(t, err)

	var first []upload.Result
	for res := range b.Results(context.Background()) {
		first = append(first, res)
	}
	require.Len(t, first, 1)
	assert.True(t, first[0].Success)
	require.NoError(t, b.Err())
	require.Equal(t, PhaseCompleted, b.State().Phase)

	var second []upload.Result
	for res := range b.Results(context.Background()) {
		second = append(second, res)
	}
	require.Len(t, second, 1)
	assert.False(t, second[0].Success)
	assert.Equal(t, ErrAlreadyStarted.Error(), second[0].Error)

	assert.NoError(t, b.Err())
	assert.Equal(t, PhaseCompleted, b.State().Phase)
	assert.Equal(t, []string{"upload:a.png", "sleep:2s", "refresh"}, rec.snapshot())
}

func TestAbortSendsOneErrorEvent(t *testing.T) {
	rec := &recorder{}
	target := &fakeTarget{rec: rec, failOn: map[string]string{"page_2.png": "no CDN URL"}}
	var errorEvents []ProgressEvent
	o := newTestOrchestrator(t, target, rec, Options{Progress: func(e ProgressEvent) {
		if e.Type == "error" {
			errorEvents = append(errorEvents, e)
		}
	}})

	_, err := o.Run(context.Background(), files("page_1.png", "page_2.png", "page_3.png"))
	require.Error(t, err)

	require.Len(t, errorEvents, 1)
	assert.Equal(t, "page_2.png", errorEvents[0].FileName)
	assert.Equal(t, upload.StatusFailed, errorEvents[0].Status)
}

func TestSubmitTwiceRunsTwoIndependentBatches(t *testing.T) {
	rec := &recorder{}
	target := &fakeTarget{rec: rec}
	o := newTestOrchestrator(t, target, rec, Options{})

	selection := files("p_1.png", "p_2.png")
	_, err := o.Run(context.Background(), selection)
	require.NoError(t, err)
	st, err := o.Run(context.Background(), selection)
	require.NoError(t, err)

	assert.Equal(t, 2, st.CompletedCount)
	assert.Equal(t, 2, target.refreshes)
	uploads := 0
	for _, e := range rec.snapshot() {
		if len(e) > 7 && e[:7] == "upload:" {
			uploads++
		}
	}
	assert.Equal(t, 4, uploads)
}

func TestUploadsNeverOverlap(t *testing.T) {
	rec := &recorder{}
	target := &fakeTarget{rec: rec, hold: 3 * time.Millisecond}
	r := relay.New()
	defer r.Close()
	o := New(r, target, Options{Throttle: time.Millisecond})

	_, err := o.Run(context.Background(), files("a_1.png", "a_2.png", "a_3.png", "a_4.png"))
	require.NoError(t, err)

	require.Len(t, rec.spans, 4)
	for i := 1; i < len(rec.spans); i++ {
		assert.False(t, rec.spans[i][0].Before(rec.spans[i-1][1]), "upload %d started before %d finished", i, i-1)
	}
}

func TestCancelDuringThrottle(t *testing.T) {
	rec := &recorder{}
	target := &fakeTarget{rec: rec}
	r := relay.New()
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	o := New(r, target, Options{
		Throttle: time.Hour,
		Progress: func(e ProgressEvent) {
			if e.Status == upload.StatusDone {
				cancel()
			}
		},
	})

	st, err := o.Run(ctx, files("a_1.png", "a_2.png"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, PhaseAborted, st.Phase)
	assert.Equal(t, 1, st.CompletedCount)
	assert.Equal(t, upload.StatusPending, st.StatusByName["a_1.png"])
	assert.Equal(t, 0, target.refreshes)
}

func TestProgressEvents(t *testing.T) {
	rec := &recorder{}
	var events []ProgressEvent
	o := newTestOrchestrator(t, &fakeTarget{rec: rec}, rec, Options{Progress: func(e ProgressEvent) {
		events = append(events, e)
	}})

	_, err := o.Run(context.Background(), files("a_1.png", "a_2.png"))
	require.NoError(t, err)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "complete", last.Type)
	assert.Equal(t, 2, last.Progress)
	assert.Equal(t, 2, last.Total)

	var done []string
	for _, e := range events {
		if e.Status == upload.StatusDone {
			done = append(done, e.FileName)
		}
	}
	assert.Equal(t, []string{"a_2.png", "a_1.png"}, done)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), 0))
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
