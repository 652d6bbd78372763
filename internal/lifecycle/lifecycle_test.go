package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/dispix-web/internal/backend"
	"github.com/yourusername/dispix-web/internal/progress"
	"github.com/yourusername/dispix-web/internal/screen"
	"github.com/yourusername/dispix-web/internal/taskerr"
	"github.com/yourusername/dispix-web/internal/upload"
)

type submitFunc func(ctx context.Context, req backend.SubmitRequest) (*backend.Job, error)

type fakeSubmitter struct {
	calls atomic.Int32
	fn    submitFunc
}

func (f *fakeSubmitter) Submit(ctx context.Context, req backend.SubmitRequest) (*backend.Job, error) {
	f.calls.Add(1)
	return f.fn(ctx, req)
}

type sourceFunc func(ctx context.Context, emit func(progress.Event)) error

func (f sourceFunc) Observe(ctx context.Context, emit func(progress.Event)) error {
	return f(ctx, emit)
}

func eventsSource(events ...progress.Event) SourceFactory {
	return func(job backend.Job) progress.Source {
		return sourceFunc(func(ctx context.Context, emit func(progress.Event)) error {
			for _, ev := range events {
				emit(ev)
			}
			return nil
		})
	}
}

type navRecorder struct {
	mu      sync.Mutex
	targets []string
	clears  int
}

func (n *navRecorder) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clears++
}

func (n *navRecorder) clearCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.clears
}

func (n *navRecorder) Navigate(target string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.targets = append(n.targets, target)
}

func (n *navRecorder) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.targets...)
}

type snapRecorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *snapRecorder) Record(ctx context.Context, snap Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
	return nil
}

func (r *snapRecorder) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func (r *snapRecorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.snaps))
	for i, s := range r.snaps {
		out[i] = s.State
	}
	return out
}

type harness struct {
	lc        *Lifecycle
	screens   map[screen.ID]*screen.Flag
	retry     *screen.Flag
	submitter *fakeSubmitter
	nav       *navRecorder
	records   *snapRecorder
}

func newHarness(t *testing.T, submit submitFunc, sources SourceFactory) *harness {
	t.Helper()
	flags := map[screen.ID]*screen.Flag{
		screen.Upload:   {},
		screen.Progress: {},
		screen.Result:   {},
		screen.Error:    {},
	}
	elements := make(map[screen.ID]screen.Element, len(flags))
	for id, f := range flags {
		elements[id] = f
	}
	controller, err := screen.NewController(elements, screen.Upload)
	require.NoError(t, err)

	h := &harness{
		screens:   flags,
		retry:     &screen.Flag{},
		submitter: &fakeSubmitter{fn: submit},
		nav:       &navRecorder{},
		records:   &snapRecorder{},
	}
	h.lc, err = New(Deps{
		Screens:     controller,
		RetryBanner: h.retry,
		Validator:   upload.NewValidator(0),
		Submitter:   h.submitter,
		Sources:     sources,
		Navigator:   h.nav,
		Recorder:    h.records,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(h.lc.Close)
	return h
}

func (h *harness) wait(t *testing.T) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := h.lc.Wait(ctx)
	require.NoError(t, err)
	return snap
}

func (h *harness) activeScreens() []screen.ID {
	var out []screen.ID
	for id, f := range h.screens {
		if f.Active() {
			out = append(out, id)
		}
	}
	return out
}

func pngInput(t *testing.T, blockSize string) upload.Input {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2))))
	return upload.Input{
		File:      &upload.File{Name: "in.png", Data: buf.Bytes()},
		Filter:    "pixelate",
		BlockSize: blockSize,
	}
}

func okSubmit(job backend.Job) submitFunc {
	return func(ctx context.Context, req backend.SubmitRequest) (*backend.Job, error) {
		return &job, nil
	}
}

func TestSubmitRejectsInvalidBlockSize(t *testing.T) {
	h := newHarness(t, okSubmit(backend.Job{}), eventsSource())

	err := h.lc.Submit(pngInput(t, "0"))
	te, ok := taskerr.As(err)
	require.True(t, ok)
	assert.Equal(t, taskerr.CodeBlockSizeOutOfRange, te.Code)

	snap := h.lc.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, screen.Upload, snap.Screen)
	assert.Equal(t, []screen.ID{screen.Upload}, h.activeScreens())
	assert.Equal(t, int32(0), h.submitter.calls.Load())
	assert.Empty(t, h.records.states())
}

func TestSubmitRejectsMissingFile(t *testing.T) {
	h := newHarness(t, okSubmit(backend.Job{}), eventsSource())
	err := h.lc.Submit(upload.Input{Filter: "blur", BlockSize: "8"})
	assert.True(t, taskerr.IsValidation(err))
	assert.Equal(t, int32(0), h.submitter.calls.Load())
}

func TestProgressScreenShownBeforeSubmitSettles(t *testing.T) {
	release := make(chan struct{})
	var sawScreen atomic.Value
	var h *harness
	h = newHarness(t, func(ctx context.Context, req backend.SubmitRequest) (*backend.Job, error) {
		sawScreen.Store(h.lc.Snapshot().Screen)
		<-release
		return &backend.Job{ID: "j-1", Blocks: 16}, nil
	}, eventsSource(progress.Done(progress.Blocks{Total: 16}, "/result/j-1")))

	require.NoError(t, h.lc.Submit(pngInput(t, "1024")))
	require.Eventually(t, func() bool { return h.submitter.calls.Load() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, screen.Progress, sawScreen.Load())
	snap := h.lc.Snapshot()
	assert.Equal(t, StateSubmitting, snap.State)
	assert.Equal(t, screen.Progress, snap.Screen)
	assert.Equal(t, []screen.ID{screen.Progress}, h.activeScreens())

	close(release)
	snap = h.wait(t)
	assert.Equal(t, StateSucceeded, snap.State)
	assert.Equal(t, "j-1", snap.JobID)
	assert.Equal(t, screen.Result, snap.Screen)
	assert.Equal(t, "/result/j-1", snap.Redirect)
	assert.Equal(t, []string{"/result/j-1"}, h.nav.all())
}

func TestSubmitForwardsRequestFields(t *testing.T) {
	var got backend.SubmitRequest
	h := newHarness(t, func(ctx context.Context, req backend.SubmitRequest) (*backend.Job, error) {
		got = req
		return &backend.Job{}, nil
	}, eventsSource(progress.Done(progress.Blocks{}, "/r")))

	require.NoError(t, h.lc.Submit(pngInput(t, "32")))
	h.wait(t)

	assert.Equal(t, "pixelate", got.Filter)
	require.NotNil(t, got.BlockSize)
	assert.Equal(t, 32, *got.BlockSize)
	assert.Contains(t, got.Image, "data:image/png;base64,")
}

func TestSubmitNetworkFailureThenRetry(t *testing.T) {
	var attempts atomic.Int32
	h := newHarness(t, func(ctx context.Context, req backend.SubmitRequest) (*backend.Job, error) {
		if attempts.Add(1) == 1 {
			return nil, taskerr.Network(errors.New("connection refused"))
		}
		return &backend.Job{ID: "j-2"}, nil
	}, eventsSource(progress.Done(progress.Blocks{}, "/result/j-2")))

	require.NoError(t, h.lc.Submit(pngInput(t, "")))
	snap := h.wait(t)
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, screen.Error, snap.Screen)
	require.NotNil(t, snap.Error)
	assert.Equal(t, taskerr.KindNetwork, snap.Error.Kind)
	firstTask := snap.TaskID

	require.NoError(t, h.lc.Retry())
	snap = h.wait(t)
	assert.Equal(t, StateSucceeded, snap.State)
	assert.NotEqual(t, firstTask, snap.TaskID)
	assert.Nil(t, snap.Error)
	assert.ErrorIs(t, h.lc.Retry(), ErrNothingToRetry)
}

func TestRetryWithoutFailure(t *testing.T) {
	h := newHarness(t, okSubmit(backend.Job{}), eventsSource())
	assert.ErrorIs(t, h.lc.Retry(), ErrNothingToRetry)
}

func TestRemoteFailureShowsErrorScreen(t *testing.T) {
	h := newHarness(t, okSubmit(backend.Job{ID: "j"}), eventsSource(
		progress.InProgress(progress.Blocks{Total: 16}),
		progress.Failed(progress.Blocks{Total: 16}, taskerr.Remote("boom")),
		progress.Done(progress.Blocks{Total: 16}, "/ignored"),
	))

	require.NoError(t, h.lc.Submit(pngInput(t, "")))
	snap := h.wait(t)
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, taskerr.KindRemote, snap.Error.Kind)
	assert.Equal(t, []screen.ID{screen.Error}, h.activeScreens())
	assert.Empty(t, h.nav.all(), "events after a terminal event are ignored")
}

func TestRetryAdvisoryThenRedirect(t *testing.T) {
	h := newHarness(t, okSubmit(backend.Job{ID: "j"}), eventsSource(
		progress.RetryAdvisory(progress.Blocks{}),
		progress.InProgress(progress.Blocks{}),
		progress.Done(progress.Blocks{}, "/r/1"),
	))

	require.NoError(t, h.lc.Submit(pngInput(t, "")))
	snap := h.wait(t)
	assert.True(t, snap.Retry)
	assert.True(t, h.retry.Active())
	assert.Equal(t, StateSucceeded, snap.State)
	assert.Equal(t, []string{"/r/1"}, h.nav.all())
}

func TestSourceEndingWithoutOutcomeFails(t *testing.T) {
	h := newHarness(t, okSubmit(backend.Job{}), eventsSource(progress.InProgress(progress.Blocks{Total: 4})))
	require.NoError(t, h.lc.Submit(pngInput(t, "")))
	snap := h.wait(t)
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, taskerr.CodeFeedEnded, snap.Error.Code)
}

func TestSourceErrorFails(t *testing.T) {
	h := newHarness(t, okSubmit(backend.Job{}), func(job backend.Job) progress.Source {
		return sourceFunc(func(ctx context.Context, emit func(progress.Event)) error {
			return errors.New("stream broke")
		})
	})
	require.NoError(t, h.lc.Submit(pngInput(t, "")))
	snap := h.wait(t)
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, taskerr.CodeInternal, snap.Error.Code)
}

func TestSubmitWhileBusy(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, req backend.SubmitRequest) (*backend.Job, error) {
		<-release
		return &backend.Job{}, nil
	}, eventsSource(progress.Done(progress.Blocks{}, "/r")))

	require.NoError(t, h.lc.Submit(pngInput(t, "")))
	assert.ErrorIs(t, h.lc.Submit(pngInput(t, "")), ErrBusy)
	close(release)
	h.wait(t)

	// 終端状態からの送信は新しいタスクとして開始する
	require.NoError(t, h.lc.Submit(pngInput(t, "")))
	assert.Equal(t, StateSucceeded, h.wait(t).State)
	assert.Equal(t, int32(2), h.submitter.calls.Load())
}

func TestResetAbandonsTracking(t *testing.T) {
	observing := make(chan struct{})
	stopped := make(chan error, 1)
	h := newHarness(t, okSubmit(backend.Job{ID: "j", Blocks: 16}), func(job backend.Job) progress.Source {
		return sourceFunc(func(ctx context.Context, emit func(progress.Event)) error {
			emit(progress.RetryAdvisory(progress.Blocks{Total: 16}))
			close(observing)
			<-ctx.Done()
			// 破棄後の通知は無視される
			emit(progress.Done(progress.Blocks{Total: 16}, "/late"))
			stopped <- ctx.Err()
			return ctx.Err()
		})
	})

	require.NoError(t, h.lc.Submit(pngInput(t, "")))
	<-observing
	require.Eventually(t, func() bool { return h.lc.Snapshot().Retry }, time.Second, time.Millisecond)
	assert.Equal(t, StateTracking, h.lc.Snapshot().State)

	h.lc.Reset()

	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("source was not cancelled by reset")
	}

	snap := h.lc.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, screen.Upload, snap.Screen)
	assert.Equal(t, "", snap.TaskID)
	assert.False(t, snap.Retry)
	assert.False(t, h.retry.Active())
	assert.Equal(t, []screen.ID{screen.Upload}, h.activeScreens())
	assert.Empty(t, h.nav.all())
}

func TestResetDuringSubmission(t *testing.T) {
	entered := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, req backend.SubmitRequest) (*backend.Job, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}, eventsSource(progress.Done(progress.Blocks{}, "/r")))

	require.NoError(t, h.lc.Submit(pngInput(t, "")))
	<-entered
	h.lc.Reset()

	time.Sleep(20 * time.Millisecond)
	snap := h.lc.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, screen.Upload, snap.Screen)
	assert.Nil(t, snap.Error)
}

func TestRecorderSeesOrderedStates(t *testing.T) {
	h := newHarness(t, okSubmit(backend.Job{ID: "j", Blocks: 2}), eventsSource(
		progress.InProgress(progress.Blocks{Sent: 1, Total: 2}),
		progress.Done(progress.Blocks{Sent: 2, Received: 2, Total: 2}, "/r"),
	))
	require.NoError(t, h.lc.Submit(pngInput(t, "")))
	h.wait(t)

	assert.Equal(t, []State{
		StateSubmitting, // 受付
		StateSubmitting, // 進捗画面へ切り替え
		StateTracking,
		StateTracking,
		StateSucceeded,
	}, h.records.states())
}

func TestCloseRejectsFurtherWork(t *testing.T) {
	h := newHarness(t, okSubmit(backend.Job{}), eventsSource())
	h.lc.Close()
	assert.ErrorIs(t, h.lc.Submit(pngInput(t, "")), ErrClosed)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func blockingSubmit(entered chan<- struct{}) submitFunc {
	return func(ctx context.Context, req backend.SubmitRequest) (*backend.Job, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func TestResetRecordsAbandonedTask(t *testing.T) {
	entered := make(chan struct{})
	h := newHarness(t, blockingSubmit(entered), eventsSource())

	require.NoError(t, h.lc.Submit(pngInput(t, "")))
	<-entered
	taskID := h.lc.Snapshot().TaskID
	h.lc.Reset()

	assert.Equal(t, []State{StateSubmitting, StateSubmitting, StateFailed}, h.records.states())
	last := h.records.last()
	assert.Equal(t, taskID, last.TaskID)
	require.NotNil(t, last.Error)
	assert.Equal(t, taskerr.CodeAbandoned, last.Error.Code)
	assert.Equal(t, taskerr.KindAbandoned, last.Error.Kind)

	// 中断済みのタスクは状態には残らない
	assert.Equal(t, StateIdle, h.lc.Snapshot().State)
	assert.Nil(t, h.lc.Snapshot().Error)
}

func TestResetAfterTerminalRecordsNothing(t *testing.T) {
	h := newHarness(t, okSubmit(backend.Job{}), eventsSource(progress.Done(progress.Blocks{}, "/r")))
	require.NoError(t, h.lc.Submit(pngInput(t, "")))
	h.wait(t)
	before := len(h.records.states())

	h.lc.Reset()
	assert.Len(t, h.records.states(), before)
	assert.Equal(t, StateSucceeded, h.records.last().State)
}

func TestCloseRecordsAbandonedTask(t *testing.T) {
	entered := make(chan struct{})
	h := newHarness(t, blockingSubmit(entered), eventsSource())

	require.NoError(t, h.lc.Submit(pngInput(t, "")))
	<-entered
	h.lc.Close()

	last := h.records.last()
	assert.Equal(t, StateFailed, last.State)
	require.NotNil(t, last.Error)
	assert.Equal(t, taskerr.CodeAbandoned, last.Error.Code)
	assert.Equal(t, StateFailed, h.lc.Snapshot().State)
}

func TestNavigationClearedOnlyWhenNewTaskStarts(t *testing.T) {
	h := newHarness(t, okSubmit(backend.Job{}), eventsSource(progress.Done(progress.Blocks{}, "/r")))
	require.NoError(t, h.lc.Submit(pngInput(t, "")))
	h.wait(t)
	clears := h.nav.clearCount()

	err := h.lc.Submit(pngInput(t, "0"))
	require.True(t, taskerr.IsValidation(err))
	assert.Equal(t, clears, h.nav.clearCount())
	assert.ErrorIs(t, h.lc.Retry(), ErrNothingToRetry)
	assert.Equal(t, clears, h.nav.clearCount())

	require.NoError(t, h.lc.Submit(pngInput(t, "")))
	h.wait(t)
	assert.Equal(t, clears+1, h.nav.clearCount())
}
