package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/fitledger/internal/model"
)

// Pacer は連続実行の間隔を制御する。*rate.Limiterが実装する。
type Pacer interface {
	Wait(ctx context.Context) error
}

// NewPacer は固定間隔で実行を許可するPacerを生成する。
// 最初の実行は待たずに許可する。intervalが0以下の場合は待機しない。
func NewPacer(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// DateRange はfromからtoまで（両端含む）の日付文字列を返す。
func DateRange(from, to string) ([]string, error) {
	start, err := model.ParseDate(from)
	if err != nil {
		return nil, err
	}
	end, err := model.ParseDate(to)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, &model.PipelineError{
			Kind: model.ErrorKindValidation,
			Op:   "parse date range",
			Err:  fmt.Errorf("from %s is after to %s", from, to),
		}
	}

	var dates []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(model.DateLayout))
	}
	return dates, nil
}

// Today はnowのローカル日付をYYYY-MM-DD形式で返す。
func Today(now time.Time) string {
	return now.Format(model.DateLayout)
}
