package web

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/dispix-web/internal/lifecycle"
	"github.com/yourusername/dispix-web/internal/screen"
	"github.com/yourusername/dispix-web/internal/tasks"
	"github.com/yourusername/dispix-web/internal/upload"
)

// Deps はセッションごとのライフサイクルを組み立てるための依存関係です。
type Deps struct {
	Validator *upload.Validator
	Submitter lifecycle.Submitter
	Sources   lifecycle.SourceFactory
	Store     tasks.Store
	// Resolve は完了時の遷移先をブラウザが開ける URL に変換します。
	Resolve func(string) string
	Logger  zerolog.Logger
}

// Registry はセッション ID ごとに Session を管理します。
type Registry struct {
	deps Deps
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool
}

type entry struct {
	session  *Session
	lastSeen time.Time
}

// ErrRegistryClosed は Close 後に Get した場合のエラーです。
var ErrRegistryClosed = errors.New("session registry is closed")

// NewRegistry は Registry を作成します。
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:     deps,
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
}

// Get はセッションを返します。存在しない場合は作成します。
func (r *Registry) Get(sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("sessionID is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if e, ok := r.sessions[sessionID]; ok {
		e.lastSeen = r.now()
		return e.session, nil
	}

	s, err := r.newSession(sessionID)
	if err != nil {
		return nil, err
	}
	r.sessions[sessionID] = &entry{session: s, lastSeen: r.now()}
	r.deps.Logger.Debug().Str("sessionId", sessionID).Int("sessions", len(r.sessions)).Msg("Session created")
	return s, nil
}

// Len は管理中のセッション数を返します。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep は idle より長く利用されていないセッションを破棄し、破棄した件数を返します。
func (r *Registry) Sweep(idle time.Duration) int {
	r.mu.Lock()
	var stale []*Session
	cutoff := r.now().Add(-idle)
	for id, e := range r.sessions {
		if e.lastSeen.Before(cutoff) {
			stale = append(stale, e.session)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		s.lc.Close()
	}
	if len(stale) > 0 {
		r.deps.Logger.Info().Int("removed", len(stale)).Msg("Idle sessions swept")
	}
	return len(stale)
}

// Close はすべてのセッションを破棄します。
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*entry)
	r.closed = true
	r.mu.Unlock()

	for _, e := range sessions {
		e.session.lc.Close()
	}
}

func (r *Registry) newSession(id string) (*Session, error) {
	elements := map[screen.ID]screen.Element{
		screen.Upload:   &screen.Flag{},
		screen.Progress: &screen.Flag{},
		screen.Result:   &screen.Flag{},
		screen.Error:    &screen.Flag{},
	}
	controller, err := screen.NewController(elements, screen.Upload)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:      id,
		screens: controller,
		retry:   &screen.Flag{},
		nav:     &navigator{resolve: r.deps.Resolve},
	}

	var recorder lifecycle.Recorder
	if r.deps.Store != nil {
		recorder = tasks.NewRecorder(r.deps.Store, id)
	}
	s.lc, err = lifecycle.New(lifecycle.Deps{
		Screens:     controller,
		RetryBanner: s.retry,
		Validator:   r.deps.Validator,
		Submitter:   r.deps.Submitter,
		Sources:     r.deps.Sources,
		Navigator:   s.nav,
		Recorder:    recorder,
		Logger:      r.deps.Logger.With().Str("sessionId", id).Logger(),
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
