// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// 進捗の取得方法
const (
	ProgressModePolling   = "polling"
	ProgressModeSimulated = "simulated"
	ProgressModePush      = "push"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port          string // APIサーバーのポート番号
	GinMode       string // Ginの実行モード (debug, release, test)
	SessionSecret string // セッション署名用の秘密鍵
	StaticDir     string // 画面のアセットを配信するディレクトリ（任意）
	LogLevel      string // zerolog のログレベル

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 画像処理サービス
	BackendBaseURL        string // 画像処理サービスのベースURL
	RequestTimeoutSeconds int    // 1リクエストあたりのタイムアウト（秒）

	// 進捗設定
	ProgressMode     string // polling / simulated / push
	PollIntervalMS   int    // ポーリング間隔（ミリ秒）
	MaxPollFailures  int    // 連続した通信失敗の許容回数
	SimSendTickMS    int    // 擬似進捗の送信ステップ間隔（ミリ秒）
	SimReceiveTickMS int    // 擬似進捗の受信ステップ間隔（ミリ秒）
	DefaultBlocks    int    // サーバーが分割数を返さない場合のブロック数
	ResultViewURL    string // 擬似進捗の完了時に遷移する結果画面のURL

	// ファイル制限
	MaxFileSize int64 // 画像ファイルの最大サイズ（バイト）

	// タスク/セッション設定
	StoreRedisURL      string // タスク記録用Redis接続URL（空ならメモリに保持）
	TaskExpireMinutes  int    // タスク記録の有効期限（分）
	SessionIdleMinutes int    // セッションの無操作タイムアウト（分）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:          getEnv("PORT", "8080"),
		GinMode:       getEnv("GIN_MODE", "debug"),
		SessionSecret: getEnv("SESSION_SECRET", ""),
		StaticDir:     getEnv("STATIC_DIR", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// 画像処理サービス
		BackendBaseURL:        getEnv("BACKEND_BASE_URL", "http://127.0.0.1:5000"),
		RequestTimeoutSeconds: getEnvAsInt("REQUEST_TIMEOUT_SECONDS", 30),

		// 進捗設定
		ProgressMode:     strings.ToLower(getEnv("PROGRESS_MODE", ProgressModePolling)),
		PollIntervalMS:   getEnvAsInt("POLL_INTERVAL_MS", 2000),
		MaxPollFailures:  getEnvAsInt("MAX_POLL_FAILURES", 3),
		SimSendTickMS:    getEnvAsInt("SIM_SEND_TICK_MS", 100),
		SimReceiveTickMS: getEnvAsInt("SIM_RECEIVE_TICK_MS", 300),
		DefaultBlocks:    getEnvAsInt("DEFAULT_BLOCK_COUNT", 16),
		ResultViewURL:    getEnv("RESULT_VIEW_URL", "/result"),

		// ファイル制限
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 20*1024*1024), // 20MB

		// タスク/セッション設定
		StoreRedisURL:      getEnv("STORE_REDIS_URL", ""),
		TaskExpireMinutes:  getEnvAsInt("TASK_EXPIRE_MINUTES", 30),
		SessionIdleMinutes: getEnvAsInt("SESSION_IDLE_MINUTES", 30),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.ProgressMode {
	case ProgressModePolling, ProgressModeSimulated, ProgressModePush:
	default:
		return fmt.Errorf("PROGRESS_MODE must be one of polling, simulated, push: %q", c.ProgressMode)
	}

	u, err := url.Parse(c.BackendBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("BACKEND_BASE_URL must be an absolute http(s) URL: %q", c.BackendBaseURL)
	}

	if c.PollIntervalMS <= 0 {
		return fmt.Errorf("POLL_INTERVAL_MS must be positive")
	}
	if c.MaxPollFailures <= 0 {
		return fmt.Errorf("MAX_POLL_FAILURES must be positive")
	}
	if c.DefaultBlocks <= 0 {
		return fmt.Errorf("DEFAULT_BLOCK_COUNT must be positive")
	}
	if len(c.AllowedOrigins()) == 0 {
		return fmt.Errorf("CORS_ALLOWED_ORIGINS must list at least one origin: %q", c.CORSAllowedOrigins)
	}

	// ローカル開発では秘密鍵は任意（起動ごとに生成する）
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
	}

	return nil
}

// AllowedOrigins は CORS 許可オリジンを配列で返します。
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// PollInterval はポーリング間隔を返します。
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// RequestTimeout は1リクエストあたりのタイムアウトを返します。
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// SimulatedTicks は擬似進捗の送信・受信ステップ間隔を返します。
func (c *Config) SimulatedTicks() (send, receive time.Duration) {
	return time.Duration(c.SimSendTickMS) * time.Millisecond, time.Duration(c.SimReceiveTickMS) * time.Millisecond
}

// TaskTTL はタスク記録の有効期限を返します。
func (c *Config) TaskTTL() time.Duration {
	minutes := c.TaskExpireMinutes
	if minutes <= 0 {
		minutes = 30
	}
	return time.Duration(minutes) * time.Minute
}

// SessionIdle はセッションの無操作タイムアウトを返します。
func (c *Config) SessionIdle() time.Duration {
	minutes := c.SessionIdleMinutes
	if minutes <= 0 {
		minutes = 30
	}
	return time.Duration(minutes) * time.Minute
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
