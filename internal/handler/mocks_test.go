package handler

import (
	"context"
	"time"

	"github.com/hitoshi/fitledger/internal/extract"
	"github.com/hitoshi/fitledger/internal/model"
	"github.com/hitoshi/fitledger/internal/pipeline"
)

// --- モック定義 ---

// mockSyncRunner はSyncRunnerのモック実装。
type mockSyncRunner struct {
	tryRunFn func(ctx context.Context, date string) (*pipeline.RunResult, error)
	calls    []string
}

func (m *mockSyncRunner) TryRun(ctx context.Context, date string) (*pipeline.RunResult, error) {
	m.calls = append(m.calls, date)
	if m.tryRunFn != nil {
		return m.tryRunFn(ctx, date)
	}
	return doneResult(date), nil
}

// mockDayReader はDayReaderのモック実装。
type mockDayReader struct {
	findDayFn  func(ctx context.Context, userID, date string) (*model.DaySummary, error)
	listDaysFn func(ctx context.Context, userID, from, to string) ([]model.DaySummary, error)
}

func (m *mockDayReader) FindDay(ctx context.Context, userID, date string) (*model.DaySummary, error) {
	if m.findDayFn != nil {
		return m.findDayFn(ctx, userID, date)
	}
	return nil, nil
}

func (m *mockDayReader) ListDays(ctx context.Context, userID, from, to string) ([]model.DaySummary, error) {
	if m.listDaysFn != nil {
		return m.listDaysFn(ctx, userID, from, to)
	}
	return nil, nil
}

// mockHealthChecker はHealthCheckerのモック実装。
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	return m.err
}

// doneResult はDONEで終了した実行結果を返す。
func doneResult(date string) *pipeline.RunResult {
	started := time.Date(2024, 5, 2, 3, 0, 0, 0, time.UTC)
	return &pipeline.RunResult{
		RunID: "run-1",
		Date:  date,
		State: pipeline.StateDone,
		Visited: []pipeline.State{
			pipeline.StateStart, pipeline.StateTokenReady,
			pipeline.StateStepsFetched, pipeline.StateStepsPersisted,
			pipeline.StateHRFetched, pipeline.StateHRPersisted, pipeline.StateDone,
		},
		Steps:        extract.StepsResult{Steps: 8421, Outcome: extract.OutcomeParsed},
		Distances:    []extract.Distance{{Activity: "total", Distance: 6.1}},
		RestingHR:    extract.RestingHRResult{Value: model.IntPtr(58), Outcome: extract.OutcomeParsed},
		RefreshCount: 1,
		RawWritten:   []string{model.EndpointActivitiesDay, model.EndpointHeartDay},
		StartedAt:    started,
		FinishedAt:   started.Add(1500 * time.Millisecond),
	}
}
