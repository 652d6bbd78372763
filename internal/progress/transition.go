package progress

import (
	"github.com/yourusername/dispix-web/internal/backend"
	"github.com/yourusername/dispix-web/internal/taskerr"
)

// Transition は /status 形式の応答を進捗イベントに変換する状態機械です。
// 終端イベントを返した後の Apply は何もしません。
type Transition struct {
	blocks   Blocks
	finished bool
}

// NewTransition は初期カウンターを指定して Transition を作成します。
func NewTransition(initial Blocks) *Transition {
	return &Transition{blocks: initial}
}

// Finished は終端イベントを返し終えたかどうかを返します。
func (t *Transition) Finished() bool {
	return t.finished
}

// Blocks は現在のカウンターを返します。
func (t *Transition) Blocks() Blocks {
	return t.blocks
}

// Apply は応答1件分のイベントを返します。
func (t *Transition) Apply(resp backend.StatusResponse) []Event {
	if t.finished {
		return nil
	}

	if resp.Blocks > 0 {
		t.blocks.Total = resp.Blocks
	}
	if resp.Sent != nil && *resp.Sent > t.blocks.Sent {
		t.blocks.Sent = *resp.Sent
	}
	if resp.Received != nil && *resp.Received > t.blocks.Received {
		t.blocks.Received = *resp.Received
	}

	var events []Event
	if resp.Retry {
		events = append(events, RetryAdvisory(t.blocks))
	}

	if !resp.Done {
		return append(events, InProgress(t.blocks))
	}

	t.finished = true
	switch {
	case resp.Error:
		return append(events, Failed(t.blocks, taskerr.Remote("サーバーで画像の処理に失敗しました。")))
	case resp.Redirect != "":
		return append(events, Done(t.blocks, resp.Redirect))
	default:
		return append(events, Failed(t.blocks, taskerr.Protocol(taskerr.CodeDoneWithoutOutcome,
			"処理は完了しましたが結果の場所が返されませんでした。", nil)))
	}
}
