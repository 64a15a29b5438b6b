// Package resync は直近の日付を定期的に再同期するバックグラウンド処理を提供する。
// Fitbitの日次サマリーは当日中も更新され、前日分も遅れて確定するため、
// 前日と当日を毎サイクル取り直す。
package resync

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/fitledger/internal/model"
	"github.com/hitoshi/fitledger/internal/pipeline"
)

// Runner は1日分のパイプライン実行インターフェース。
type Runner interface {
	Run(ctx context.Context, date string) *pipeline.RunResult
}

// Scheduler は一定間隔で直近の日付を再同期する。
type Scheduler struct {
	runner       Runner
	logger       *slog.Logger
	lookbackDays int
	now          func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// lookbackDaysは当日に加えて遡る日数で、0以下の場合は1（前日）を使用する。
func NewScheduler(runner Runner, logger *slog.Logger, lookbackDays int) *Scheduler {
	if lookbackDays <= 0 {
		lookbackDays = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:       runner,
		logger:       logger,
		lookbackDays: lookbackDays,
		now:          time.Now,
	}
}

// Start はinterval間隔のティッカーでスケジューラを起動する。
// 起動直後に1回実行し、コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("再同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("lookback_days", s.lookbackDays),
	)

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("再同期スケジューラを停止しました")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce は古い日付から順に直近の各日を1回ずつ実行する。
// ある日の失敗は他の日の実行を止めない。コンテキストがキャンセルされた場合は残りを実行しない。
func (s *Scheduler) RunOnce(ctx context.Context) []*pipeline.RunResult {
	start := time.Now()
	dates := s.Dates()

	s.logger.Info("再同期サイクルを開始します", slog.Any("dates", dates))

	results := make([]*pipeline.RunResult, 0, len(dates))
	failed := 0
	for _, date := range dates {
		if ctx.Err() != nil {
			s.logger.Warn("再同期サイクルを中断しました", slog.String("next_date", date))
			break
		}
		result := s.runner.Run(ctx, date)
		results = append(results, result)
		if !result.Done() {
			failed++
			s.logger.Error("日次同期に失敗しました",
				slog.String("run_id", result.RunID),
				slog.String("date", date),
				slog.String("error_kind", string(model.KindOf(result.Err))),
				slog.Any("error", result.Err),
			)
		}
	}

	s.logger.Info("再同期サイクルが完了しました",
		slog.Int("run_count", len(results)),
		slog.Int("failed_count", failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return results
}

// Dates は再同期対象の日付を古い順に返す。
func (s *Scheduler) Dates() []string {
	today := s.now()
	dates := make([]string, 0, s.lookbackDays+1)
	for i := s.lookbackDays; i >= 0; i-- {
		dates = append(dates, pipeline.Today(today.AddDate(0, 0, -i)))
	}
	return dates
}
