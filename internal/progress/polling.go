package progress

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/dispix-web/internal/backend"
	"github.com/yourusername/dispix-web/internal/taskerr"
)

const (
	DefaultPollInterval    = 2 * time.Second
	DefaultMaxPollFailures = 3
)

// StatusFetcher は GET /status を発行できるクライアントです。
type StatusFetcher interface {
	Status(ctx context.Context, taskID string) (*backend.StatusResponse, error)
}

// PollingOptions は PollingSource の設定です。
type PollingOptions struct {
	// Interval は応答を処理し終えてから次の問い合わせを出すまでの待ち時間です。
	Interval time.Duration
	// MaxFailures は通信エラーが連続した場合に失敗とみなす回数です。
	MaxFailures int
	Logger      zerolog.Logger
}

// PollingSource はサーバーへ状態を繰り返し問い合わせて進捗を得ます。
// 問い合わせは常に1件ずつで、前の応答を処理し終えるまで次は発行しません。
type PollingSource struct {
	fetcher StatusFetcher
	job     backend.Job
	opts    PollingOptions
}

// NewPollingSource は PollingSource を作成します。
// job.ID が空の場合はセッション単位の問い合わせになります。
func NewPollingSource(fetcher StatusFetcher, job backend.Job, opts PollingOptions) *PollingSource {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxPollFailures
	}
	return &PollingSource{fetcher: fetcher, job: job, opts: opts}
}

// Observe は終端状態になるまで問い合わせを続けます。
func (s *PollingSource) Observe(ctx context.Context, emit func(Event)) error {
	tr := NewTransition(Blocks{Total: s.job.Blocks})
	logger := s.opts.Logger.With().Str("taskId", s.job.ID).Logger()
	failures := 0

	for attempt := 1; ; attempt++ {
		resp, err := s.fetcher.Status(ctx, s.job.ID)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err != nil {
			if taskerr.KindOf(err) != taskerr.KindNetwork {
				logger.Warn().Err(err).Int("attempt", attempt).Msg("Status response rejected")
				emit(Failed(tr.Blocks(), err))
				return nil
			}
			failures++
			logger.Warn().Err(err).Int("failures", failures).Msg("Status request failed")
			if failures >= s.opts.MaxFailures {
				emit(Failed(tr.Blocks(), err))
				return nil
			}
		} else {
			failures = 0
			for _, ev := range tr.Apply(*resp) {
				emit(ev)
			}
			if tr.Finished() {
				logger.Debug().Int("attempt", attempt).Msg("Polling finished")
				return nil
			}
		}

		if err := sleep(ctx, s.opts.Interval); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
