package main

import (
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/dispix-web/internal/backend"
	"github.com/yourusername/dispix-web/internal/config"
	"github.com/yourusername/dispix-web/internal/lifecycle"
	"github.com/yourusername/dispix-web/internal/logging"
	"github.com/yourusername/dispix-web/internal/progress"
	"github.com/yourusername/dispix-web/internal/tasks"
)

type sweeper interface {
	Sweep() int
}

// setupStore はタスク記録の保存先を作成します。STORE_REDIS_URL が空ならメモリに保持します。
// メモリの場合は定期的な掃除が必要なため、2つ目の戻り値で返します。
func setupStore(cfg *config.Config) (tasks.Store, sweeper, error) {
	if cfg.StoreRedisURL == "" {
		store := tasks.NewMemoryStore(cfg.TaskTTL())
		return store, store, nil
	}

	opt, err := redis.ParseURL(cfg.StoreRedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse STORE_REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(opt)
	return tasks.NewRedisStore(redisClient, cfg.TaskTTL()), nil, nil
}

// sourceFactory は PROGRESS_MODE に応じた ProgressSource を作成する関数を返します。
func sourceFactory(cfg *config.Config, client *backend.Client) lifecycle.SourceFactory {
	logger := logging.Component("progress")

	switch cfg.ProgressMode {
	case config.ProgressModeSimulated:
		send, receive := cfg.SimulatedTicks()
		opts := progress.SimulatedOptions{
			SendTick:     send,
			ReceiveTick:  receive,
			DefaultTotal: cfg.DefaultBlocks,
			ResultURL:    cfg.ResultViewURL,
		}
		return func(job backend.Job) progress.Source {
			return progress.NewSimulatedSource(job, opts)
		}
	case config.ProgressModePush:
		opts := progress.StreamOptions{
			HandshakeTimeout: cfg.RequestTimeout(),
			Logger:           logger,
		}
		return func(job backend.Job) progress.Source {
			return progress.NewStreamSource(client.StreamURL(job.ID), job, opts)
		}
	default:
		opts := progress.PollingOptions{
			Interval:    cfg.PollInterval(),
			MaxFailures: cfg.MaxPollFailures,
			Logger:      logger,
		}
		return func(job backend.Job) progress.Source {
			return progress.NewPollingSource(client, job, opts)
		}
	}
}
