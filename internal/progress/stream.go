package progress

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/yourusername/dispix-web/internal/backend"
	"github.com/yourusername/dispix-web/internal/taskerr"
)

const defaultHandshakeTimeout = 10 * time.Second

// StreamOptions は StreamSource の設定です。
type StreamOptions struct {
	HandshakeTimeout time.Duration
	Header           http.Header
	Logger           zerolog.Logger
}

// StreamSource は websocket で配信される進捗フレームを受け取ります。
// フレームは /status と同じ JSON 形式で、sent / received を含むことがあります。
type StreamSource struct {
	url    string
	job    backend.Job
	dialer *websocket.Dialer
	opts   StreamOptions
}

// NewStreamSource は StreamSource を作成します。
func NewStreamSource(url string, job backend.Job, opts StreamOptions) *StreamSource {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &StreamSource{
		url: url,
		job: job,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		opts: opts,
	}
}

// Observe は終端フレームを受け取るまで配信を読み続けます。
func (s *StreamSource) Observe(ctx context.Context, emit func(Event)) error {
	logger := s.opts.Logger.With().Str("taskId", s.job.ID).Logger()
	tr := NewTransition(Blocks{Total: s.job.Blocks})

	conn, _, err := s.dialer.DialContext(ctx, s.url, s.opts.Header)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		emit(Failed(tr.Blocks(), taskerr.Network(err)))
		return nil
	}
	defer conn.Close()

	// キャンセル時は接続を閉じて ReadMessage を解除する
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	logger.Debug().Str("url", s.url).Msg("Progress stream connected")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				emit(Failed(tr.Blocks(), taskerr.Protocol(taskerr.CodeFeedEnded,
					"進捗の配信が結果を返さずに終了しました。", err)))
				return nil
			}
			emit(Failed(tr.Blocks(), taskerr.Network(err)))
			return nil
		}

		resp, err := backend.DecodeStatus(data)
		if err != nil {
			logger.Warn().Err(err).Msg("Malformed progress frame")
			emit(Failed(tr.Blocks(), err))
			return nil
		}
		for _, ev := range tr.Apply(*resp) {
			emit(ev)
		}
		if tr.Finished() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil
		}
	}
}
