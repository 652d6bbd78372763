package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/yourusername/dispix-web/internal/lifecycle"
	"github.com/yourusername/dispix-web/internal/session"
	"github.com/yourusername/dispix-web/internal/taskerr"
	"github.com/yourusername/dispix-web/internal/tasks"
	"github.com/yourusername/dispix-web/internal/upload"
)

// Handler は /api/task 系のハンドラーをまとめた構造体です。
type Handler struct {
	registry    *Registry
	store       tasks.Store
	maxFileSize int64
	logger      zerolog.Logger
}

// NewHandler は Handler を作成します。
func NewHandler(registry *Registry, store tasks.Store, maxFileSize int64, logger zerolog.Logger) *Handler {
	return &Handler{
		registry:    registry,
		store:       store,
		maxFileSize: maxFileSize,
		logger:      logger,
	}
}

// Register はルートを登録します。group には session.Manager の Ensure と VerifyCSRF を適用しておきます。
func (h *Handler) Register(group *gin.RouterGroup) {
	group.GET("/task", h.GetTask)
	group.POST("/task", h.SubmitTask)
	group.POST("/task/retry", h.RetryTask)
	group.POST("/task/reset", h.ResetTask)
	group.GET("/tasks/:id", h.GetTaskRecord)
}

// GetTask は現在の画面状態を返します。
func (h *Handler) GetTask(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.View())
}

// SubmitTask はフォーム入力を受け取り、タスクを開始します。
func (h *Handler) SubmitTask(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	in, err := h.readInput(c)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to read upload form")
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "フォームの読み込みに失敗しました。",
		})
		return
	}

	if err := s.lc.Submit(in); err != nil {
		h.writeLifecycleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, s.View())
}

// RetryTask は失敗したタスクを再送信します。
func (h *Handler) RetryTask(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.lc.Retry(); err != nil {
		h.writeLifecycleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, s.View())
}

// ResetTask は実行中のタスクを破棄してアップロード画面に戻します。
func (h *Handler) ResetTask(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	s.lc.Reset()
	c.JSON(http.StatusOK, s.View())
}

// GetTaskRecord は保存済みのタスク情報を返します。id はジョブ ID またはタスク ID です。
func (h *Handler) GetTaskRecord(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "id を指定してください。",
		})
		return
	}

	ctx := c.Request.Context()
	record, err := h.store.GetByJob(ctx, id)
	if err == nil && record == nil {
		record, err = h.store.Get(ctx, id)
	}
	if err != nil {
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to load task record")
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "タスク情報の取得に失敗しました。",
		})
		return
	}
	// 他のセッションのタスクは存在しないものとして扱う
	if record == nil || record.SessionID != session.ID(c) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "TASK_NOT_FOUND",
			"message": "指定されたタスクは存在しません。",
		})
		return
	}

	payload := gin.H{
		"taskId":    record.TaskID,
		"status":    record.Status,
		"filter":    record.Filter,
		"progress":  record.Progress,
		"retry":     record.Retry,
		"createdAt": record.CreatedAt,
		"updatedAt": record.UpdatedAt,
		"expiresAt": record.ExpiresAt,
	}
	if record.JobID != "" {
		payload["jobId"] = record.JobID
	}
	if record.Redirect != "" {
		payload["redirect"] = record.Redirect
	}
	if record.Error != nil {
		payload["error"] = record.Error
	}
	c.JSON(http.StatusOK, payload)
}

func (h *Handler) session(c *gin.Context) (*Session, bool) {
	s, err := h.registry.Get(session.ID(c))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to resolve session")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "SESSION_UNAVAILABLE",
			"message": "セッションを開始できませんでした。再読み込みしてください。",
		})
		return nil, false
	}
	return s, true
}

// readInput は multipart フォームを upload.Input に変換します。
// 上限を1バイト超えた時点で読み込みを止め、サイズ超過の判定は Validator に任せます。
func (h *Handler) readInput(c *gin.Context) (upload.Input, error) {
	in := upload.Input{
		Filter:    c.PostForm("filter"),
		BlockSize: c.PostForm("block_size"),
	}

	header, err := c.FormFile("image")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return in, nil
		}
		return in, fmt.Errorf("read image field: %w", err)
	}

	file, err := header.Open()
	if err != nil {
		return in, fmt.Errorf("open image: %w", err)
	}
	defer file.Close()

	var r io.Reader = file
	if h.maxFileSize > 0 {
		r = io.LimitReader(file, h.maxFileSize+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return in, fmt.Errorf("read image: %w", err)
	}
	in.File = &upload.File{Name: header.Filename, Data: data}
	return in, nil
}

func (h *Handler) writeLifecycleError(c *gin.Context, err error) {
	switch {
	case taskerr.IsValidation(err):
		te, _ := taskerr.As(err)
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    te.Code,
			"message": te.Message,
		})
	case errors.Is(err, lifecycle.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "TASK_BUSY",
			"message": "処理中のタスクがあります。完了またはリセットしてから送信してください。",
		})
	case errors.Is(err, lifecycle.ErrNothingToRetry):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "NOTHING_TO_RETRY",
			"message": "再試行できるタスクがありません。",
		})
	default:
		h.logger.Error().Err(err).Msg("Task operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "タスクの開始に失敗しました。",
		})
	}
}
