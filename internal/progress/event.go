// Package progress はジョブの進捗を時系列のイベントとして提供する ProgressSource を実装します。
//
// 実装は3種類です。
//   - PollingSource: GET /status を一定間隔で問い合わせる
//   - SimulatedSource: タイマーでブロックの送受信を模擬する（開発用）
//   - StreamSource: websocket で配信される進捗を受け取る
//
// どの実装も Source インターフェースを満たし、呼び出し側は実装の違いを意識しません。
package progress

import "context"

// Kind は進捗イベントの種類です。
type Kind string

const (
	KindInProgress Kind = "in_progress"
	KindRetry      Kind = "retry"
	KindDone       Kind = "done"
	KindFailed     Kind = "failed"
)

// Blocks はタスクごとのブロック送受信カウンターです。
type Blocks struct {
	Sent     int `json:"sent"`
	Received int `json:"received"`
	Total    int `json:"total"`
}

// SentFraction は送信済みブロックの割合（0〜1）を返します。
func (b Blocks) SentFraction() float64 {
	return fraction(b.Sent, b.Total)
}

// ReceivedFraction は受信済みブロックの割合（0〜1）を返します。
func (b Blocks) ReceivedFraction() float64 {
	return fraction(b.Received, b.Total)
}

func fraction(n, total int) float64 {
	if total <= 0 || n <= 0 {
		return 0
	}
	if n >= total {
		return 1
	}
	return float64(n) / float64(total)
}

// Event は進捗イベントです。Done と Failed が終端イベントです。
type Event struct {
	Kind     Kind
	Blocks   Blocks
	Redirect string
	Err      error
}

// Terminal は終端イベントかどうかを返します。
func (e Event) Terminal() bool {
	return e.Kind == KindDone || e.Kind == KindFailed
}

// InProgress は途中経過イベントを作成します。
func InProgress(b Blocks) Event {
	return Event{Kind: KindInProgress, Blocks: b}
}

// RetryAdvisory は「遅延しているが継続中」を表すイベントを作成します。
func RetryAdvisory(b Blocks) Event {
	return Event{Kind: KindRetry, Blocks: b}
}

// Done は完了イベントを作成します。
func Done(b Blocks, redirect string) Event {
	return Event{Kind: KindDone, Blocks: b, Redirect: redirect}
}

// Failed は失敗イベントを作成します。
func Failed(b Blocks, err error) Event {
	return Event{Kind: KindFailed, Blocks: b, Err: err}
}

// Source は進捗イベントの供給元です。
//
// Observe は終端イベントを1回だけ emit してから nil を返します。
// ctx がキャンセルされた場合は終端イベントを emit せずに ctx.Err() を返します。
// emit は Observe を呼び出したゴルーチンから順番に呼ばれます。
type Source interface {
	Observe(ctx context.Context, emit func(Event)) error
}
