// Package repository はメトリクスの永続化インターフェースとPostgreSQL実装を提供する。
package repository

import (
	"context"

	"github.com/hitoshi/fitledger/internal/model"
)

// MetricsRepository は日次メトリクスと生レスポンスの永続化インターフェース。
// 書き込みはいずれも(キー単位の)後勝ちupsertで、呼び出しごとに独立してコミットされる。
type MetricsRepository interface {
	// UpsertSteps は歩数を保存する。同じ(user_id, date)の既存行は上書きされる。
	UpsertSteps(ctx context.Context, fact model.DailyStepsFact) error

	// UpsertRestingHR は安静時心拍数を保存する。RestingHRがnilの場合はNULLで保存する。
	UpsertRestingHR(ctx context.Context, fact model.DailyRestingHRFact) error

	// StoreRaw はAPIレスポンスの生データを保存する。同じ(user_id, endpoint, date)は上書きされる。
	StoreRaw(ctx context.Context, record model.RawResponseRecord) error

	// FindDay は指定日の保存済みメトリクスを取得する。何も保存されていない場合はnilを返す。
	FindDay(ctx context.Context, userID, date string) (*model.DaySummary, error)

	// ListDays はfromからtoまで（両端含む）の保存済みメトリクスを日付順に取得する。
	ListDays(ctx context.Context, userID, from, to string) ([]model.DaySummary, error)
}
