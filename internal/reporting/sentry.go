// Package reporting は中断したパイプライン実行をSentryへ報告する。
package reporting

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

// Config はSentryの設定。
type Config struct {
	DSN         string
	Environment string
	Release     string
}

// Reporter はSentryへのエラー報告を行う。DSN未設定の場合は何もしない。
type Reporter struct {
	hub    *sentry.Hub
	logger *slog.Logger
}

// New はReporterを生成する。
func New(cfg Config, logger *slog.Logger) (*Reporter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DSN == "" {
		logger.Warn("SENTRY_DSN が未設定のためエラー報告は無効です")
		return &Reporter{logger: logger}, nil
	}

	r, err := newReporter(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			return scrubEvent(event)
		},
	}, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("Sentryを初期化しました", slog.String("environment", cfg.Environment))
	return r, nil
}

func newReporter(opts sentry.ClientOptions, logger *slog.Logger) (*Reporter, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("sentry init: %w", err)
	}
	return &Reporter{
		hub:    sentry.NewHub(client, sentry.NewScope()),
		logger: logger,
	}, nil
}

// Enabled は報告が有効かを返す。
func (r *Reporter) Enabled() bool {
	return r != nil && r.hub != nil
}

// CaptureRunFailure はパイプラインの失敗をタグ付きで報告する。
func (r *Reporter) CaptureRunFailure(err error, tags map[string]string) {
	if err == nil || !r.Enabled() {
		return
	}

	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTags(tags)
		r.hub.CaptureException(err)
	})

	r.logger.Debug("パイプラインの失敗をSentryに送信しました", slog.String("error", err.Error()))
}

// Flush は未送信イベントの送信完了を待つ。
func (r *Reporter) Flush(timeout time.Duration) bool {
	if !r.Enabled() {
		return true
	}
	return r.hub.Flush(timeout)
}

// scrubEvent は認証情報を含むヘッダーをイベントから取り除く。
func scrubEvent(event *sentry.Event) *sentry.Event {
	if event == nil || event.Request == nil || event.Request.Headers == nil {
		return event
	}
	delete(event.Request.Headers, "Authorization")
	delete(event.Request.Headers, "Cookie")
	return event
}
