// Package backend は画像処理サービスの HTTP API（POST /process, GET /status）を呼び出すクライアントです。
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/dispix-web/internal/taskerr"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 20
	statusOK       = "ok"
)

// Job は送信成功時にサービスから払い出されるジョブです。
// ID はプロトコルのバージョンによっては空になります。
type Job struct {
	ID     string `json:"task_id,omitempty"`
	Blocks int    `json:"blocks,omitempty"`
}

// SubmitRequest は POST /process に送る内容です。
type SubmitRequest struct {
	Image     string // data URL
	Filter    string
	BlockSize *int
}

// StatusResponse は GET /status の応答です。
// Sent / Received はプッシュ配信のフレームでのみ設定されます。
type StatusResponse struct {
	Done     bool   `json:"done"`
	Error    bool   `json:"error,omitempty"`
	Redirect string `json:"redirect,omitempty"`
	Retry    bool   `json:"retry,omitempty"`
	Blocks   int    `json:"blocks,omitempty"`
	Sent     *int   `json:"sent,omitempty"`
	Received *int   `json:"received,omitempty"`
}

type submitResponse struct {
	Status *string `json:"status"`
	TaskID string  `json:"task_id"`
	Blocks int     `json:"blocks"`
}

type rawStatusResponse struct {
	Done     *bool  `json:"done"`
	Error    bool   `json:"error"`
	Redirect string `json:"redirect"`
	Retry    bool   `json:"retry"`
	Blocks   int    `json:"blocks"`
	Sent     *int   `json:"sent"`
	Received *int   `json:"received"`
}

// Client は画像処理サービスの API クライアントです。
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	logger     zerolog.Logger
}

// NewClient は Client を作成します。timeout はリクエスト1回あたりの上限です。
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url must be http(s): %q", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("backend url has no host: %q", baseURL)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    u,
		logger:     logger,
	}, nil
}

// Submit は画像・フィルター・ブロックサイズを送信し、ジョブを返します。
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("image", req.Image); err != nil {
		return nil, fmt.Errorf("write image field: %w", err)
	}
	if err := writer.WriteField("filter", req.Filter); err != nil {
		return nil, fmt.Errorf("write filter field: %w", err)
	}
	if req.BlockSize != nil {
		if err := writer.WriteField("block_size", strconv.Itoa(*req.BlockSize)); err != nil {
			return nil, fmt.Errorf("write block_size field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/process", nil), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")

	c.logger.Debug().Str("filter", req.Filter).Int("bytes", len(req.Image)).Msg("Submitting image")
	data, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}

	var resp submitResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, taskerr.Protocol(taskerr.CodeMalformedResponse, "送信結果を解釈できませんでした。", err)
	}
	if resp.Status == nil {
		return nil, taskerr.Protocol(taskerr.CodeMalformedResponse, "送信結果に status が含まれていません。", nil)
	}
	if *resp.Status != statusOK {
		return nil, taskerr.Protocol(taskerr.CodeUnexpectedStatus,
			fmt.Sprintf("画像の送信が受け付けられませんでした（status=%s）。", *resp.Status), nil)
	}
	if resp.Blocks < 0 {
		resp.Blocks = 0
	}

	job := &Job{ID: resp.TaskID, Blocks: resp.Blocks}
	c.logger.Info().Str("taskId", job.ID).Int("blocks", job.Blocks).Msg("Image accepted")
	return job, nil
}

// Status はジョブの状態を問い合わせます。taskID が空の場合はセッション単位の問い合わせになります。
func (c *Client) Status(ctx context.Context, taskID string) (*StatusResponse, error) {
	var query url.Values
	if taskID != "" {
		query = url.Values{"task_id": {taskID}}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/status", query), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	data, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	return DecodeStatus(data)
}

// DecodeStatus は /status 形式の JSON を検証付きで読み込みます。
func DecodeStatus(data []byte) (*StatusResponse, error) {
	var raw rawStatusResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, taskerr.Protocol(taskerr.CodeMalformedResponse, "進捗情報を解釈できませんでした。", err)
	}
	if raw.Done == nil {
		return nil, taskerr.Protocol(taskerr.CodeMalformedResponse, "進捗情報に done が含まれていません。", nil)
	}
	return &StatusResponse{
		Done:     *raw.Done,
		Error:    raw.Error,
		Redirect: raw.Redirect,
		Retry:    raw.Retry,
		Blocks:   raw.Blocks,
		Sent:     raw.Sent,
		Received: raw.Received,
	}, nil
}

// ResolveURL はサービスが返した相対パスをサービスの URL で解決します。
func (c *Client) ResolveURL(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return c.baseURL.ResolveReference(u).String()
}

// StreamURL はプッシュ配信（websocket）の接続先を返します。
func (c *Client) StreamURL(taskID string) string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/progress"
	u.RawQuery = ""
	if taskID != "" {
		u.RawQuery = url.Values{"task_id": {taskID}}.Encode()
	}
	return u.String()
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		return nil, taskerr.Network(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, taskerr.Network(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn().Int("status", resp.StatusCode).Str("path", req.URL.Path).Msg("Unexpected HTTP status from backend")
		return nil, taskerr.Protocol(taskerr.CodeUnexpectedHTTPStatus,
			fmt.Sprintf("サーバーが想定外のステータスを返しました（HTTP %d）。", resp.StatusCode), nil)
	}
	return data, nil
}
