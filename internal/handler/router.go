// Package handler はHTTPの呼び出し口（同期の起動と保存済みメトリクスの参照）を提供する。
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/fitledger/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	APIToken          string
	RateLimiter       *middleware.RateLimiter

	// ヘルスチェック・メトリクス
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 同期・参照
	Syncer SyncRunner
	Days   DayReader
	UserID string
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → SecurityHeaders → CORS
//
// POST /api/sync にはさらに APIToken → RateLimit(Sync) を適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	healthHandler := NewHealthHandler(deps.HealthChecker)
	syncHandler := NewSyncHandler(deps.Syncer, logger)
	dayHandler := NewDayHandler(deps.Days, deps.UserID)

	r.Get("/health", healthHandler.Check)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewAPITokenMiddleware(deps.APIToken))
			if deps.RateLimiter != nil {
				r.Use(deps.RateLimiter.SyncMiddleware())
			}
			r.Post("/sync", syncHandler.Sync)
		})

		r.Route("/days", func(r chi.Router) {
			r.Get("/", dayHandler.ListDays)
			r.Get("/{date}", dayHandler.GetDay)
		})
	})

	return r
}
