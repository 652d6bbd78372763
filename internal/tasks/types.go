// Package tasks はタスクの状態を保存し、ジョブ ID から参照できるようにします。
package tasks

import (
	"time"

	"github.com/yourusername/dispix-web/internal/lifecycle"
)

// ProgressInfo は進捗の補足情報を表します。
type ProgressInfo struct {
	Sent     int `json:"sent"`
	Received int `json:"received"`
	Total    int `json:"total"`
	Percent  int `json:"percent"`
}

// ErrorInfo はタスク失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record はタスクの現在状態を表します。
type Record struct {
	TaskID    string          `json:"taskId"`
	JobID     string          `json:"jobId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Filter    string          `json:"filter,omitempty"`
	Status    lifecycle.State `json:"status"`
	Progress  ProgressInfo    `json:"progress"`
	Retry     bool            `json:"retry"`
	Redirect  string          `json:"redirect,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// FromSnapshot はスナップショットの内容を record に反映します。
func (r *Record) FromSnapshot(snap lifecycle.Snapshot) {
	r.TaskID = snap.TaskID
	if snap.JobID != "" {
		r.JobID = snap.JobID
	}
	r.Filter = snap.Filter
	r.Status = snap.State
	r.Progress = ProgressInfo{
		Sent:     snap.Blocks.Sent,
		Received: snap.Blocks.Received,
		Total:    snap.Blocks.Total,
		Percent:  percent(snap),
	}
	r.Retry = snap.Retry
	r.Redirect = snap.Redirect
	r.Error = nil
	if snap.Error != nil {
		r.Error = &ErrorInfo{
			Kind:    string(snap.Error.Kind),
			Code:    snap.Error.Code,
			Message: snap.Error.Message,
		}
	}
}

// 送信と受信を半分ずつとして計算する
func percent(snap lifecycle.Snapshot) int {
	if snap.State == lifecycle.StateSucceeded {
		return 100
	}
	b := snap.Blocks
	if b.Total <= 0 {
		return 0
	}
	p := (b.Sent + b.Received) * 50 / b.Total
	if p > 100 {
		p = 100
	}
	return p
}
