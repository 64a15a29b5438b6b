package app

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/fitledger/internal/auth"
	"github.com/hitoshi/fitledger/internal/config"
	"github.com/hitoshi/fitledger/internal/fitbit"
	"github.com/hitoshi/fitledger/internal/metrics"
	"github.com/hitoshi/fitledger/internal/model"
	"github.com/hitoshi/fitledger/internal/pipeline"
	"github.com/hitoshi/fitledger/internal/reporting"
	"github.com/hitoshi/fitledger/internal/repository"
)

// sentryFlushTimeout は終了時に未送信イベントを待つ最大時間。
const sentryFlushTimeout = 2 * time.Second

// components はパイプライン1本分の依存関係をまとめたもの。
type components struct {
	holder       *auth.CredentialHolder
	repo         *repository.PostgresMetricsRepo
	reporter     *reporting.Reporter
	orchestrator *pipeline.Orchestrator
	initialCred  model.Credential
}

// newComponents は設定からクレデンシャル保持、APIクライアント、リポジトリ、
// メトリクス、エラー報告を組み立ててOrchestratorを生成する。
func newComponents(cfg *config.Config, db *sql.DB, reg prometheus.Registerer) (*components, error) {
	cred := model.Credential{
		AccessToken:  cfg.FitbitAccessToken,
		RefreshToken: cfg.FitbitRefreshToken,
		ClientID:     cfg.FitbitClientID,
		ClientSecret: cfg.FitbitClientSecret,
		RedirectURI:  cfg.FitbitRedirectURI,
	}
	if !cred.HasAccessToken() && !cred.CanRefresh() {
		slog.Warn("Fitbitのトークンとクライアント認証情報が揃っていません。同期はconfigurationエラーで中断します")
	}

	httpClient := &http.Client{Timeout: cfg.FetchTimeout}

	holder := auth.NewCredentialHolder(cred, auth.HolderConfig{
		TokenURL:   cfg.FitbitTokenURL,
		Timeout:    cfg.FetchTimeout,
		HTTPClient: httpClient,
	})

	client := fitbit.NewClient(httpClient, fitbit.Config{
		BaseURL:     cfg.FitbitAPIBaseURL,
		UserID:      cfg.FitbitUserID,
		Timeout:     cfg.FetchTimeout,
		MaxBodySize: cfg.FetchMaxBodySize,
	}, slog.Default())

	reporter, err := reporting.New(reporting.Config{
		DSN:         cfg.SentryDSN,
		Environment: cfg.SentryEnvironment,
	}, slog.Default())
	if err != nil {
		return nil, err
	}

	repo := repository.NewPostgresMetricsRepo(db)
	orchestrator := pipeline.NewOrchestrator(holder, client, repo,
		pipeline.WithMetrics(metrics.NewCollector(reg)),
		pipeline.WithReporter(reporter),
		pipeline.WithLogger(slog.Default()),
	)

	return &components{
		holder:       holder,
		repo:         repo,
		reporter:     reporter,
		orchestrator: orchestrator,
		initialCred:  cred,
	}, nil
}

// close は未送信のエラー報告を送り出し、リフレッシュトークンの更新を通知する。
// トークンはプロセス内にのみ保持されるため、更新された場合は運用者が設定を差し替える必要がある。
func (c *components) close() {
	if current := c.holder.Snapshot(); current.RefreshToken != c.initialCred.RefreshToken {
		slog.Warn("リフレッシュトークンが更新されました。次回起動前に FITBIT_REFRESH_TOKEN を更新してください",
			slog.String("refresh_token", model.MaskToken(current.RefreshToken)),
		)
	}
	c.reporter.Flush(sentryFlushTimeout)
}
