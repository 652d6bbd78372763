// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/dispix-web/internal/backend"
	"github.com/yourusername/dispix-web/internal/config"
	"github.com/yourusername/dispix-web/internal/logging"
	"github.com/yourusername/dispix-web/internal/session"
	"github.com/yourusername/dispix-web/internal/upload"
	"github.com/yourusername/dispix-web/internal/web"
)

const (
	maxSessionLifetime = 12 * time.Hour
	sweepInterval      = time.Minute
	shutdownTimeout    = 10 * time.Second
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logging.Init(cfg.LogLevel, cfg.GinMode)

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	router.MaxMultipartMemory = cfg.MaxFileSize + 1<<20

	sessionManager := session.NewManager(cfg.SessionIdle(), maxSessionLifetime)

	// セッションストアの設定（release では SESSION_SECRET が必須）
	store := cookie.NewStore(sessionSecret(cfg))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   sessionManager.MaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(session.CookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins()
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		session.CSRFHeader, // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{session.CSRFHeader}
	router.Use(cors.New(corsConfig))

	client, err := backend.NewClient(cfg.BackendBaseURL, cfg.RequestTimeout(), logging.Component("backend"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create backend client")
	}

	taskStore, sweepStore, err := setupStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up task store")
	}

	registry := web.NewRegistry(web.Deps{
		Validator: upload.NewValidator(cfg.MaxFileSize),
		Submitter: client,
		Sources:   sourceFactory(cfg, client),
		Store:     taskStore,
		Resolve:   client.ResolveURL,
		Logger:    logging.Component("lifecycle"),
	})
	handler := web.NewHandler(registry, taskStore, cfg.MaxFileSize, logging.Component("web"))

	// ルーティングの設定
	setupRoutes(router, cfg, sessionManager, handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go sweep(ctx, cfg, registry, sweepStore)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown failed")
		}
	}()

	// サーバーの起動
	log.Info().
		Str("addr", addr).
		Str("mode", cfg.GinMode).
		Str("progress", cfg.ProgressMode).
		Str("backend", cfg.BackendBaseURL).
		Msg("Starting API server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
	registry.Close()
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "dispix-web",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループとセッション周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, sessionManager *session.Manager, handler *web.Handler) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	api := router.Group("/api")
	api.Use(sessionManager.Ensure(), sessionManager.VerifyCSRF())
	{
		api.GET("/session", sessionManager.Describe)
		handler.Register(api)
	}

	if cfg.StaticDir != "" {
		router.Static("/static", cfg.StaticDir)
		router.StaticFile("/", cfg.StaticDir+"/index.html")
	}
}

// sessionSecret は署名鍵を返します。未設定の場合は起動ごとに生成します。
func sessionSecret(cfg *config.Config) []byte {
	if cfg.SessionSecret != "" {
		return []byte(cfg.SessionSecret)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		log.Fatal().Err(err).Msg("Failed to generate session secret")
	}
	log.Warn().Msg("SESSION_SECRET is not set; sessions will not survive a restart")
	return secret
}

// sweep は無操作のセッションと期限切れのタスク記録を定期的に破棄します。
func sweep(ctx context.Context, cfg *config.Config, registry *web.Registry, store sweeper) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.Sweep(cfg.SessionIdle())
			if store != nil {
				if n := store.Sweep(); n > 0 {
					log.Debug().Int("removed", n).Msg("Expired task records swept")
				}
			}
		}
	}
}
