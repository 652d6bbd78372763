// Package lifecycle は画像送信から結果表示までのタスクの状態遷移を管理します。
//
// 状態遷移:
//
//	idle → submitting → tracking → succeeded | failed
//
// submitting / tracking 中の処理は Reset でいつでも破棄できます。
// 破棄された処理からの通知は世代番号で判定して無視します。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourusername/dispix-web/internal/backend"
	"github.com/yourusername/dispix-web/internal/progress"
	"github.com/yourusername/dispix-web/internal/screen"
	"github.com/yourusername/dispix-web/internal/taskerr"
	"github.com/yourusername/dispix-web/internal/upload"
)

const recordTimeout = 3 * time.Second

var (
	// ErrBusy は送信中・追跡中に新しい送信を受け付けなかった場合のエラーです。
	ErrBusy = errors.New("a task is already in progress")
	// ErrNothingToRetry は再試行できる失敗タスクがない場合のエラーです。
	ErrNothingToRetry = errors.New("no failed task to retry")
	// ErrClosed は Close 後に操作した場合のエラーです。
	ErrClosed = errors.New("lifecycle is closed")
)

// Submitter は画像をサービスへ送信します。
type Submitter interface {
	Submit(ctx context.Context, req backend.SubmitRequest) (*backend.Job, error)
}

// SourceFactory はジョブごとに ProgressSource を作成します。
type SourceFactory func(job backend.Job) progress.Source

// Navigator は完了時の遷移先を受け取ります。Clear は新しいタスクの開始時と Reset 時に呼ばれます。
// どちらも Lifecycle のロック中に呼ばれるため、実装から Lifecycle のメソッドを呼んではいけません。
type Navigator interface {
	Navigate(target string)
	Clear()
}

// Recorder はスナップショットを保存します。
type Recorder interface {
	Record(ctx context.Context, snap Snapshot) error
}

// Deps は Lifecycle の依存関係です。
type Deps struct {
	Screens     *screen.Controller
	RetryBanner screen.Element
	Validator   *upload.Validator
	Submitter   Submitter
	Sources     SourceFactory
	Navigator   Navigator
	Recorder    Recorder
	Logger      zerolog.Logger

	NewTaskID func() string
	Now       func() time.Time
}

// Lifecycle は1つのセッション（タブ）のタスクを管理します。
type Lifecycle struct {
	deps Deps

	mu       sync.Mutex
	recordMu sync.Mutex
	snap     Snapshot
	gen      uint64
	cancel   context.CancelFunc
	done     chan struct{}
	last     *upload.Request
	closed   bool
}

// New は Lifecycle を作成し、アップロード画面を表示します。
func New(deps Deps) (*Lifecycle, error) {
	if deps.Screens == nil {
		return nil, errors.New("screens is nil")
	}
	if deps.Validator == nil {
		return nil, errors.New("validator is nil")
	}
	if deps.Submitter == nil {
		return nil, errors.New("submitter is nil")
	}
	if deps.Sources == nil {
		return nil, errors.New("sources is nil")
	}
	if deps.NewTaskID == nil {
		deps.NewTaskID = uuid.NewString
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if err := deps.Screens.Show(screen.Upload); err != nil {
		return nil, fmt.Errorf("show upload screen: %w", err)
	}
	if deps.RetryBanner != nil {
		deps.RetryBanner.SetActive(false)
	}

	return &Lifecycle{
		deps: deps,
		snap: Snapshot{
			State:     StateIdle,
			Screen:    screen.Upload,
			UpdatedAt: deps.Now().UTC(),
		},
	}, nil
}

// Submit はフォーム入力を検証し、問題なければ非同期で送信と進捗追跡を開始します。
// 検証エラーは同期的に返し、状態と画面は変更しません。
func (l *Lifecycle) Submit(in upload.Input) error {
	req, err := l.deps.Validator.Validate(in)
	if err != nil {
		l.deps.Logger.Debug().Err(err).Msg("Upload rejected by validation")
		return err
	}
	return l.start(req)
}

// Retry は失敗したタスクを同じ内容で再送信します。
func (l *Lifecycle) Retry() error {
	l.mu.Lock()
	if l.snap.State != StateFailed || l.last == nil {
		l.mu.Unlock()
		return ErrNothingToRetry
	}
	req := l.last
	l.mu.Unlock()
	return l.start(req)
}

// Reset は実行中の処理を破棄して idle に戻し、アップロード画面を表示します。
// 破棄したタスクは中断として記録します。
func (l *Lifecycle) Reset() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	abandoned := l.abandonedLocked()
	l.abandonLocked()
	l.setRetryLocked(false)
	l.snap = Snapshot{State: StateIdle}
	l.showLocked(screen.Upload)
	if l.deps.Navigator != nil {
		l.deps.Navigator.Clear()
	}
	l.deps.Logger.Debug().Int("abandoned", len(abandoned)).Msg("Task lifecycle reset")
	l.publishAndUnlock(abandoned...)
}

// Snapshot は現在の状態を返します。
func (l *Lifecycle) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap
}

// Wait は現在のタスクの処理が終わるまで待ちます。
func (l *Lifecycle) Wait(ctx context.Context) (Snapshot, error) {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return l.Snapshot(), ctx.Err()
		}
	}
	return l.Snapshot(), nil
}

// Close は実行中の処理を破棄し、以後の操作を受け付けなくします。
func (l *Lifecycle) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	abandoned := l.abandonedLocked()
	l.abandonLocked()
	if len(abandoned) == 0 {
		l.mu.Unlock()
		return
	}
	l.snap = abandoned[0]
	l.publishAndUnlock()
}

func (l *Lifecycle) start(req *upload.Request) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.snap.State.Active() {
		l.mu.Unlock()
		return ErrBusy
	}

	l.abandonLocked()
	gen := l.gen
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	l.last = req

	l.setRetryLocked(false)
	if l.deps.Navigator != nil {
		l.deps.Navigator.Clear()
	}
	l.snap = Snapshot{
		TaskID: l.deps.NewTaskID(),
		Filter: string(req.Filter),
		State:  StateSubmitting,
	}
	// エンコードが終わるまでは進捗画面を出さない
	l.showLocked(screen.Upload)
	taskID := l.snap.TaskID
	l.publishAndUnlock()

	l.deps.Logger.Info().Str("taskId", taskID).Str("filter", string(req.Filter)).Msg("Task submitted")
	go l.run(ctx, gen, taskID, req, done)
	return nil
}

func (l *Lifecycle) run(ctx context.Context, gen uint64, taskID string, req *upload.Request, done chan struct{}) {
	defer close(done)
	logger := l.deps.Logger.With().Str("taskId", taskID).Logger()

	img, err := upload.Encode(ctx, req.File)
	if err != nil {
		l.fail(ctx, gen, err)
		return
	}

	// 送信の完了を待たずに進捗画面へ切り替える
	if !l.update(gen, func() { l.showLocked(screen.Progress) }) {
		return
	}

	job, err := l.deps.Submitter.Submit(ctx, backend.SubmitRequest{
		Image:     img.DataURL,
		Filter:    string(req.Filter),
		BlockSize: req.BlockSize,
	})
	if err != nil {
		l.fail(ctx, gen, err)
		return
	}
	if !l.update(gen, func() {
		l.snap.State = StateTracking
		l.snap.JobID = job.ID
		l.snap.Blocks = progress.Blocks{Total: job.Blocks}
	}) {
		return
	}
	logger.Info().Str("jobId", job.ID).Int("blocks", job.Blocks).Msg("Tracking job progress")

	terminal := false
	err = l.deps.Sources(*job).Observe(ctx, func(ev progress.Event) {
		if ev.Terminal() {
			terminal = true
		}
		l.handle(gen, ev)
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		l.fail(ctx, gen, err)
		return
	}
	if !terminal {
		l.fail(ctx, gen, taskerr.Protocol(taskerr.CodeFeedEnded, "進捗の取得が結果を返さずに終了しました。", nil))
	}
}

func (l *Lifecycle) handle(gen uint64, ev progress.Event) {
	l.mu.Lock()
	if gen != l.gen || l.snap.State != StateTracking {
		l.mu.Unlock()
		return
	}

	l.snap.Blocks = ev.Blocks
	switch ev.Kind {
	case progress.KindRetry:
		l.setRetryLocked(true)
	case progress.KindDone:
		l.snap.State = StateSucceeded
		l.snap.Redirect = ev.Redirect
		l.showLocked(screen.Result)
		if l.deps.Navigator != nil && ev.Redirect != "" {
			l.deps.Navigator.Navigate(ev.Redirect)
		}
		l.deps.Logger.Info().Str("taskId", l.snap.TaskID).Str("redirect", ev.Redirect).Msg("Task succeeded")
	case progress.KindFailed:
		l.failLocked(ev.Err)
	}
	l.publishAndUnlock()
}

func (l *Lifecycle) fail(ctx context.Context, gen uint64, err error) {
	if ctx.Err() != nil {
		return
	}
	l.update(gen, func() { l.failLocked(err) })
}

func (l *Lifecycle) failLocked(err error) {
	te := taskerr.From(err)
	if te == nil {
		te = taskerr.Protocol(taskerr.CodeInternal, "原因不明のエラーで処理が終了しました。", nil)
	}
	l.snap.State = StateFailed
	l.snap.Error = te
	l.showLocked(screen.Error)
	l.deps.Logger.Warn().Err(err).Str("taskId", l.snap.TaskID).Str("kind", string(te.Kind)).Msg("Task failed")
}

// update は世代が一致する場合だけ mutate を適用して記録します。
func (l *Lifecycle) update(gen uint64, mutate func()) bool {
	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		return false
	}
	mutate()
	l.publishAndUnlock()
	return true
}

// abandonedLocked は送信中・追跡中のタスクを中断として確定したスナップショットを返します。
func (l *Lifecycle) abandonedLocked() []Snapshot {
	if l.snap.TaskID == "" || !l.snap.State.Active() {
		return nil
	}
	snap := l.snap
	snap.State = StateFailed
	snap.Error = taskerr.Abandoned()
	return []Snapshot{snap}
}

func (l *Lifecycle) abandonLocked() {
	l.gen++
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.done = nil
}

func (l *Lifecycle) showLocked(id screen.ID) {
	if err := l.deps.Screens.Show(id); err != nil {
		l.deps.Logger.Error().Err(err).Msg("Failed to switch screen")
		return
	}
	l.snap.Screen = id
}

func (l *Lifecycle) setRetryLocked(visible bool) {
	l.snap.Retry = visible
	if l.deps.RetryBanner != nil {
		l.deps.RetryBanner.SetActive(visible)
	}
}

// publishAndUnlock は l.mu を保持した状態で呼び出します。記録の順序を保つため、
// recordMu を取得してから l.mu を解放します。earlier は現在の状態より先に記録します。
func (l *Lifecycle) publishAndUnlock(earlier ...Snapshot) {
	now := l.deps.Now().UTC()
	l.snap.UpdatedAt = now
	snaps := make([]Snapshot, 0, len(earlier)+1)
	for _, snap := range earlier {
		snap.UpdatedAt = now
		snaps = append(snaps, snap)
	}
	snaps = append(snaps, l.snap)
	l.recordMu.Lock()
	l.mu.Unlock()
	defer l.recordMu.Unlock()

	if l.deps.Recorder == nil {
		return
	}
	for _, snap := range snaps {
		if snap.TaskID == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		err := l.deps.Recorder.Record(ctx, snap)
		cancel()
		if err != nil {
			l.deps.Logger.Warn().Err(err).Str("taskId", snap.TaskID).Msg("Failed to record task snapshot")
		}
	}
}
