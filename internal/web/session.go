// Package web はブラウザ向けの HTTP API を提供します。
//
// セッション（タブ）ごとに画面フラグとタスクライフサイクルを1組ずつ持ち、
// ブラウザは /api/task の View を描画するだけで画面を切り替えられます。
package web

import (
	"sync"

	"github.com/yourusername/dispix-web/internal/lifecycle"
	"github.com/yourusername/dispix-web/internal/screen"
)

// Session は1つのブラウザセッションの状態です。
type Session struct {
	ID string

	lc      *lifecycle.Lifecycle
	screens *screen.Controller
	retry   *screen.Flag
	nav     *navigator
}

// Lifecycle はセッションのタスクライフサイクルを返します。
func (s *Session) Lifecycle() *lifecycle.Lifecycle {
	return s.lc
}

// View は画面描画用の状態を返します。
func (s *Session) View() View {
	snap := s.lc.Snapshot()
	states, active := s.screens.States()
	screens := make(map[string]bool, len(states))
	for id, on := range states {
		screens[screen.DOMName(id)] = on
	}
	return View{
		Screens:      screens,
		ActiveScreen: active,
		RetryMessage: s.retry.Active(),
		NavigateTo:   s.nav.Target(),
		Progress: ProgressView{
			Sent:             snap.Blocks.Sent,
			Received:         snap.Blocks.Received,
			Total:            snap.Blocks.Total,
			SentFraction:     snap.Blocks.SentFraction(),
			ReceivedFraction: snap.Blocks.ReceivedFraction(),
		},
		Task: snap,
	}
}

// View は /api/task のレスポンスです。
type View struct {
	Screens      map[string]bool    `json:"screens"`
	ActiveScreen screen.ID          `json:"activeScreen"`
	RetryMessage bool               `json:"retryMessage"`
	NavigateTo   string             `json:"navigateTo,omitempty"`
	Progress     ProgressView       `json:"progress"`
	Task         lifecycle.Snapshot `json:"task"`
}

// ProgressView はプログレスバー2本分の値です。
type ProgressView struct {
	Sent             int     `json:"sent"`
	Received         int     `json:"received"`
	Total            int     `json:"total"`
	SentFraction     float64 `json:"sentFraction"`
	ReceivedFraction float64 `json:"receivedFraction"`
}

// navigator は完了時の遷移先を保持し、ブラウザが次の View で受け取れるようにします。
type navigator struct {
	resolve func(string) string

	mu     sync.Mutex
	target string
}

func (n *navigator) Navigate(target string) {
	if n.resolve != nil {
		target = n.resolve(target)
	}
	n.mu.Lock()
	n.target = target
	n.mu.Unlock()
}

func (n *navigator) Target() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.target
}

func (n *navigator) Clear() {
	n.mu.Lock()
	n.target = ""
	n.mu.Unlock()
}
