package lifecycle

import (
	"time"

	"github.com/yourusername/dispix-web/internal/progress"
	"github.com/yourusername/dispix-web/internal/screen"
	"github.com/yourusername/dispix-web/internal/taskerr"
)

// State はタスクのライフサイクル上の状態です。
type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StateTracking   State = "tracking"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Terminal は終端状態かどうかを返します。
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Active は送信中または追跡中かどうかを返します。
func (s State) Active() bool {
	return s == StateSubmitting || s == StateTracking
}

// Snapshot はある時点のタスクの状態です。
type Snapshot struct {
	TaskID    string          `json:"taskId,omitempty"`
	JobID     string          `json:"jobId,omitempty"`
	Filter    string          `json:"filter,omitempty"`
	State     State           `json:"state"`
	Screen    screen.ID       `json:"screen"`
	Blocks    progress.Blocks `json:"blocks"`
	Retry     bool            `json:"retry"`
	Redirect  string          `json:"redirect,omitempty"`
	Error     *taskerr.Error  `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
