package tasks

import (
	"context"

	"github.com/yourusername/dispix-web/internal/lifecycle"
)

// Recorder は lifecycle のスナップショットを Store に保存します。
type Recorder struct {
	store     Store
	sessionID string
}

// NewRecorder はセッションに紐づく Recorder を作成します。
func NewRecorder(store Store, sessionID string) *Recorder {
	return &Recorder{store: store, sessionID: sessionID}
}

// Record は lifecycle.Recorder を実装します。
func (r *Recorder) Record(ctx context.Context, snap lifecycle.Snapshot) error {
	_, err := r.store.Apply(ctx, snap.TaskID, func(record *Record) {
		record.SessionID = r.sessionID
		record.FromSnapshot(snap)
	})
	return err
}
