package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/fitledger/internal/config"
	"github.com/hitoshi/fitledger/internal/database"
	"github.com/hitoshi/fitledger/internal/handler"
	"github.com/hitoshi/fitledger/internal/logger"
	"github.com/hitoshi/fitledger/internal/metrics"
	"github.com/hitoshi/fitledger/internal/middleware"
	"github.com/hitoshi/fitledger/internal/model"
	"github.com/hitoshi/fitledger/internal/pipeline"
	"github.com/hitoshi/fitledger/internal/worker/resync"
)

// ErrRunAborted は同期がABORTEDで終了したことを表す。CLIは終了コード1で終了する。
var ErrRunAborted = errors.New("pipeline run aborted")

// dbWaitTimeout はserve/worker起動時にDBの応答を待つ上限。
const dbWaitTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("fitbit_user_id", cfg.FitbitUserID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rest []string
	if len(args) > 1 {
		rest = args[1:]
	}

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandSync:
		return runSync(ctx, cfg, rest)
	case CommandBackfill:
		return runBackfill(ctx, cfg, rest)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.WaitForDB(ctx, db, dbWaitTimeout); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. パイプラインの構築
	registry := prometheus.NewRegistry()
	c, err := newComponents(cfg, db, registry)
	if err != nil {
		return err
	}
	defer c.close()

	// 3. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		APIToken:          cfg.APIToken,
		RateLimiter:       rateLimiter,
		HealthChecker:     db,
		MetricsHandler:    metrics.Handler(registry),
		Syncer:            c.orchestrator,
		Days:              c.repo,
		UserID:            c.orchestrator.UserID(),
	})

	// 4. HTTPサーバーの起動
	// 同期リクエストはFitbit APIを最大4回呼ぶため、書き込みタイムアウトは取得タイムアウトより長くとる。
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5*cfg.FetchTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、再同期スケジューラを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.WaitForDB(ctx, db, dbWaitTimeout); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. パイプラインの構築
	c, err := newComponents(cfg, db, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer c.close()

	// 3. スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler := resync.NewScheduler(c.orchestrator, slog.Default(), 1)
	scheduler.Start(ctx, cfg.SyncInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runSync は1日分の同期を実行する。日付を省略した場合は当日。
// ABORTEDで終了した場合はErrRunAbortedを返す。
func runSync(ctx context.Context, cfg *config.Config, args []string) error {
	date := pipeline.Today(time.Now())
	if len(args) > 0 {
		date = args[0]
	}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	c, err := newComponents(cfg, db, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer c.close()

	result := c.orchestrator.Run(ctx, date)
	logRunOutcome(result)
	if !result.Done() {
		return fmt.Errorf("%w: %s: %v", ErrRunAborted, date, result.Err)
	}
	return nil
}

// runBackfill はFROMからTOまでの各日を順に同期する。
// 各日の実行は独立しており、失敗した日があっても残りの日を実行する。
func runBackfill(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: fitledger backfill FROM TO (YYYY-MM-DD)")
	}
	from, to := args[0], args[1]
	if _, err := pipeline.DateRange(from, to); err != nil {
		return fmt.Errorf("invalid backfill range: %w", err)
	}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	c, err := newComponents(cfg, db, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer c.close()

	slog.Info("backfill starting",
		slog.String("from", from),
		slog.String("to", to),
		slog.Duration("interval", cfg.BackfillInterval),
	)

	results, err := c.orchestrator.RunRange(ctx, from, to, pipeline.NewPacer(cfg.BackfillInterval))
	failed := 0
	for _, result := range results {
		logRunOutcome(result)
		if !result.Done() {
			failed++
		}
	}

	slog.Info("backfill finished",
		slog.Int("run_count", len(results)),
		slog.Int("failed_count", failed),
	)

	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d days failed", ErrRunAborted, failed, len(results))
	}
	return nil
}

// logRunOutcome は1回の実行結果をログに出力する。
func logRunOutcome(result *pipeline.RunResult) {
	attrs := []any{
		slog.String("run_id", result.RunID),
		slog.String("date", result.Date),
		slog.String("state", string(result.State)),
		slog.Int("refresh_count", result.RefreshCount),
	}
	if !result.Done() {
		attrs = append(attrs,
			slog.String("error_kind", string(model.KindOf(result.Err))),
			slog.Any("error", result.Err),
		)
		slog.Error("run outcome", attrs...)
		return
	}

	attrs = append(attrs,
		slog.Int("steps", result.Steps.Steps),
		slog.String("steps_outcome", string(result.Steps.Outcome)),
		slog.String("resting_hr_outcome", string(result.RestingHR.Outcome)),
	)
	if result.RestingHR.Value != nil {
		attrs = append(attrs, slog.Int("resting_hr", *result.RestingHR.Value))
	}
	if result.HRWarning != "" {
		attrs = append(attrs, slog.String("hr_warning", result.HRWarning))
	}
	slog.Info("run outcome", attrs...)
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
