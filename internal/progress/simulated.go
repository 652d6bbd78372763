package progress

import (
	"context"
	"strings"
	"time"

	"github.com/yourusername/dispix-web/internal/backend"
)

const (
	DefaultSendTick      = 100 * time.Millisecond
	DefaultReceiveTick   = 300 * time.Millisecond
	DefaultTotalBlocks   = 16
	DefaultResultViewURL = "/result"
)

// SimulatedOptions は SimulatedSource の設定です。
type SimulatedOptions struct {
	SendTick     time.Duration
	ReceiveTick  time.Duration
	DefaultTotal int
	// ResultURL は完了時の遷移先です。ジョブIDがある場合は末尾に付与します。
	ResultURL string
}

// SimulatedSource はブロックの送信→受信をタイマーで模擬します。
// 本来の配信経路が用意されるまでの代替で、失敗やリトライ通知は発生しません。
type SimulatedSource struct {
	job  backend.Job
	opts SimulatedOptions
}

// NewSimulatedSource は SimulatedSource を作成します。
func NewSimulatedSource(job backend.Job, opts SimulatedOptions) *SimulatedSource {
	if opts.SendTick <= 0 {
		opts.SendTick = DefaultSendTick
	}
	if opts.ReceiveTick <= 0 {
		opts.ReceiveTick = DefaultReceiveTick
	}
	if opts.DefaultTotal <= 0 {
		opts.DefaultTotal = DefaultTotalBlocks
	}
	if opts.ResultURL == "" {
		opts.ResultURL = DefaultResultViewURL
	}
	return &SimulatedSource{job: job, opts: opts}
}

// Observe は送信フェーズの完了後に受信フェーズを開始し、最後に Done を emit します。
func (s *SimulatedSource) Observe(ctx context.Context, emit func(Event)) error {
	blocks := Blocks{Total: s.job.Blocks}
	if blocks.Total <= 0 {
		blocks.Total = s.opts.DefaultTotal
	}

	// 送信フェーズ
	if err := tick(ctx, s.opts.SendTick, blocks.Total, func() {
		blocks.Sent++
		emit(InProgress(blocks))
	}); err != nil {
		return err
	}

	// 受信フェーズ
	if err := tick(ctx, s.opts.ReceiveTick, blocks.Total, func() {
		blocks.Received++
		emit(InProgress(blocks))
	}); err != nil {
		return err
	}

	emit(Done(blocks, s.resultURL()))
	return nil
}

func (s *SimulatedSource) resultURL() string {
	if s.job.ID == "" {
		return s.opts.ResultURL
	}
	return strings.TrimRight(s.opts.ResultURL, "/") + "/" + s.job.ID
}

func tick(ctx context.Context, every time.Duration, n int, fn func()) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn()
		}
	}
	return nil
}
