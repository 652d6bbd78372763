// Package logging はアプリケーション全体のロガーを初期化します。
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init はグローバルロガーを初期化します。
// level は debug, info, warn, error のいずれか（それ以外は info）。
// debug モードでは読みやすいコンソール形式、それ以外は JSON で出力します。
func Init(level, ginMode string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	if ginMode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
}

// Component はコンポーネント名付きのロガーを返します。
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
