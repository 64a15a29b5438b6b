// Package pipeline は1日分のメトリクスを取得・保存するパイプラインを提供する。
//
// 1回の実行は START → TOKEN_READY → STEPS_FETCHED → STEPS_PERSISTED →
// HR_FETCHED → HR_PERSISTED → DONE と遷移し、致命的な失敗時は ABORTED で終了する。
// 心拍数の取得失敗は致命的ではなく、安静時心拍数を算出不能として保存する。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/fitledger/internal/extract"
	"github.com/hitoshi/fitledger/internal/fitbit"
	"github.com/hitoshi/fitledger/internal/metrics"
	"github.com/hitoshi/fitledger/internal/model"
	"github.com/hitoshi/fitledger/internal/repository"
)

// State はパイプラインの状態。
type State string

const (
	StateStart          State = "START"
	StateTokenReady     State = "TOKEN_READY"
	StateStepsFetched   State = "STEPS_FETCHED"
	StateStepsPersisted State = "STEPS_PERSISTED"
	StateHRFetched      State = "HR_FETCHED"
	StateHRPersisted    State = "HR_PERSISTED"
	StateDone           State = "DONE"
	StateAborted        State = "ABORTED"
)

// TokenProvider はアクセストークンの供給元。auth.CredentialHolderが実装する。
type TokenProvider interface {
	EnsureToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context, stale string) (string, error)
	RefreshCount() int
}

// Fetcher はFitbit APIの呼び出し元。fitbit.Clientが実装する。
type Fetcher interface {
	Fetch(ctx context.Context, kind fitbit.EndpointKind, date, token string) (*fitbit.Response, error)
	UserID() string
}

// ErrorReporter は中断した実行を外部に報告する。reporting.Reporterが実装する。
type ErrorReporter interface {
	CaptureRunFailure(err error, tags map[string]string)
}

// ErrRunInProgress は別の実行が進行中であることを表す。
var ErrRunInProgress = errors.New("pipeline run already in progress")

// RunResult は1回の実行結果。
type RunResult struct {
	RunID        string
	Date         string
	State        State
	Visited      []State
	Steps        extract.StepsResult
	Distances    []extract.Distance
	RestingHR    extract.RestingHRResult
	RefreshCount int
	RawWritten   []string
	HRWarning    string
	Err          error
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Done は実行がDONEで終了したかを返す。
func (r *RunResult) Done() bool {
	return r.State == StateDone
}

func (r *RunResult) enter(s State) {
	r.State = s
	r.Visited = append(r.Visited, s)
}

// Orchestrator は1組のクレデンシャルに対するパイプライン実行を管理する。
// 実行は同時に1つだけ行われる。
type Orchestrator struct {
	mu       sync.Mutex
	tokens   TokenProvider
	fetcher  Fetcher
	repo     repository.MetricsRepository
	metrics  metrics.MetricsCollector
	reporter ErrorReporter
	logger   *slog.Logger
	now      func() time.Time
}

// Option はOrchestratorの任意設定。
type Option func(*Orchestrator)

// WithMetrics はメトリクス収集先を設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithReporter はエラー報告先を設定する。
func WithReporter(r ErrorReporter) Option {
	return func(o *Orchestrator) { o.reporter = r }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator はOrchestratorを生成する。
func NewOrchestrator(tokens TokenProvider, fetcher Fetcher, repo repository.MetricsRepository, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		tokens:  tokens,
		fetcher: fetcher,
		repo:    repo,
		metrics: metrics.NopCollector{},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// UserID は対象ユーザーIDを返す。
func (o *Orchestrator) UserID() string {
	return o.fetcher.UserID()
}

// Run は指定日のパイプラインを実行する。別の実行が進行中の場合は完了を待つ。
func (o *Orchestrator) Run(ctx context.Context, date string) *RunResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run(ctx, date)
}

// TryRun は別の実行が進行中でなければ指定日のパイプラインを実行する。
// 進行中の場合はErrRunInProgressを返す。
func (o *Orchestrator) TryRun(ctx context.Context, date string) (*RunResult, error) {
	if !o.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer o.mu.Unlock()
	return o.run(ctx, date), nil
}

func (o *Orchestrator) run(ctx context.Context, date string) *RunResult {
	result := &RunResult{
		RunID:     uuid.NewString(),
		Date:      date,
		StartedAt: o.now(),
	}
	result.enter(StateStart)

	logger := o.logger.With(slog.String("run_id", result.RunID), slog.String("date", date))
	refreshesBefore := o.tokens.RefreshCount()
	defer func() {
		result.RefreshCount = o.tokens.RefreshCount() - refreshesBefore
		for i := 0; i < result.RefreshCount; i++ {
			o.metrics.RecordTokenRefresh()
		}
		result.FinishedAt = o.now()
	}()

	if _, err := model.ParseDate(date); err != nil {
		o.abort(logger, result, err)
		return result
	}

	// START → TOKEN_READY
	token, err := o.tokens.EnsureToken(ctx)
	if err != nil {
		o.abort(logger, result, err)
		return result
	}
	result.enter(StateTokenReady)

	// TOKEN_READY → STEPS_FETCHED
	stepsResp, token, err := o.fetchWithRetry(ctx, logger, fitbit.KindActivities, date, token)
	if err != nil {
		o.abort(logger, result, err)
		return result
	}
	result.enter(StateStepsFetched)

	// STEPS_FETCHED → STEPS_PERSISTED
	result.Steps = extract.Steps(stepsResp.Body)
	result.Distances = extract.Distances(stepsResp.Body)
	if result.Steps.Outcome == extract.OutcomeDefaulted {
		o.metrics.RecordExtractionDefaulted("steps")
		logger.Warn("歩数を取得できなかったため0として保存します", slog.String("reason", result.Steps.Reason))
	}
	userID := o.fetcher.UserID()
	if err := o.repo.UpsertSteps(ctx, model.DailyStepsFact{UserID: userID, Date: date, Steps: result.Steps.Steps}); err != nil {
		o.abort(logger, result, err)
		return result
	}
	o.metrics.RecordFactUpserted("daily_steps")
	if err := o.storeRaw(ctx, result, userID, fitbit.KindActivities, date, stepsResp.Body); err != nil {
		o.abort(logger, result, err)
		return result
	}
	result.enter(StateStepsPersisted)

	// STEPS_PERSISTED → HR_FETCHED（失敗しても中断しない）
	hrResp, _, err := o.fetchWithRetry(ctx, logger, fitbit.KindHeart, date, token)
	if err != nil {
		result.HRWarning = err.Error()
		result.RestingHR = extract.RestingHRResult{Outcome: extract.OutcomeDefaulted, Reason: "heart rate fetch failed"}
		logger.Warn("心拍数の取得に失敗したため安静時心拍数なしで続行します", slog.String("error", err.Error()))
	} else {
		result.RestingHR = extract.RestingHR(hrResp.Body)
	}
	if result.RestingHR.Outcome == extract.OutcomeDefaulted {
		o.metrics.RecordExtractionDefaulted("resting_hr")
	}
	result.enter(StateHRFetched)

	// HR_FETCHED → HR_PERSISTED
	if err := o.repo.UpsertRestingHR(ctx, model.DailyRestingHRFact{UserID: userID, Date: date, RestingHR: result.RestingHR.Value}); err != nil {
		o.abort(logger, result, err)
		return result
	}
	o.metrics.RecordFactUpserted("daily_resting_hr")
	if hrResp != nil {
		if err := o.storeRaw(ctx, result, userID, fitbit.KindHeart, date, hrResp.Body); err != nil {
			o.abort(logger, result, err)
			return result
		}
	}
	result.enter(StateHRPersisted)

	result.enter(StateDone)
	o.metrics.RecordRun(string(StateDone), "")

	attrs := []any{slog.Int("steps", result.Steps.Steps), slog.Int64("duration_ms", o.now().Sub(result.StartedAt).Milliseconds())}
	if result.RestingHR.Value != nil {
		attrs = append(attrs, slog.Int("resting_hr", *result.RestingHR.Value))
	}
	logger.Info("パイプラインが完了しました", attrs...)
	return result
}

// fetchWithRetry は取得を行い、401の場合に限りトークンを1回だけ更新して再試行する。
// 更新後のトークンを返すので、呼び出し元は次の段階でそれを使う。
func (o *Orchestrator) fetchWithRetry(ctx context.Context, logger *slog.Logger, kind fitbit.EndpointKind, date, token string) (*fitbit.Response, string, error) {
	resp, err := o.fetch(ctx, kind, date, token)
	if err != nil {
		return nil, token, err
	}

	if resp.Unauthorized() {
		logger.Warn("アクセストークンが拒否されたため更新して再試行します", slog.String("endpoint", kind.RawEndpoint()))
		refreshed, err := o.tokens.Refresh(ctx, token)
		if err != nil {
			return nil, token, err
		}
		token = refreshed

		resp, err = o.fetch(ctx, kind, date, token)
		if err != nil {
			return nil, token, err
		}
	}

	if !resp.OK() {
		return nil, token, model.NewRemoteRejection("fetch "+kind.RawEndpoint(), resp.StatusCode, resp.Body)
	}
	return resp, token, nil
}

func (o *Orchestrator) fetch(ctx context.Context, kind fitbit.EndpointKind, date, token string) (*fitbit.Response, error) {
	start := time.Now()
	resp, err := o.fetcher.Fetch(ctx, kind, date, token)
	o.metrics.RecordFetchLatency(kind.RawEndpoint(), time.Since(start))
	if err != nil {
		return nil, err
	}
	o.metrics.RecordHTTPStatus(kind.RawEndpoint(), resp.StatusCode)
	return resp, nil
}

func (o *Orchestrator) storeRaw(ctx context.Context, result *RunResult, userID string, kind fitbit.EndpointKind, date string, body []byte) error {
	err := o.repo.StoreRaw(ctx, model.RawResponseRecord{
		UserID:   userID,
		Endpoint: kind.RawEndpoint(),
		Date:     date,
		Payload:  body,
	})
	if err != nil {
		return err
	}
	o.metrics.RecordFactUpserted("raw_fitbit_responses")
	result.RawWritten = append(result.RawWritten, kind.RawEndpoint())
	return nil
}

func (o *Orchestrator) abort(logger *slog.Logger, result *RunResult, err error) {
	failedIn := result.State
	result.Err = err
	result.enter(StateAborted)

	kind := model.KindOf(err)
	if kind == "" {
		kind = model.ErrorKindTransport
		result.Err = model.NewTransportFailure(string(failedIn), err)
	}
	o.metrics.RecordRun(string(StateAborted), string(kind))

	attrs := []any{
		slog.String("state", string(failedIn)),
		slog.String("error_kind", string(kind)),
		slog.String("error", result.Err.Error()),
	}
	var pe *model.PipelineError
	if errors.As(result.Err, &pe) && pe.StatusCode != 0 {
		attrs = append(attrs, slog.Int("http_status", pe.StatusCode), slog.String("excerpt", pe.Excerpt))
	}
	logger.Error("パイプラインを中断しました", attrs...)

	if o.reporter != nil {
		o.reporter.CaptureRunFailure(result.Err, map[string]string{
			"run_id":     result.RunID,
			"date":       result.Date,
			"state":      string(failedIn),
			"error_kind": string(kind),
		})
	}
}

// RunRange はfromからtoまでの各日を順に独立して実行する。
// ある日の失敗は後続の日の実行を止めない。pacerがnilでなければ各実行の前に待機する。
func (o *Orchestrator) RunRange(ctx context.Context, from, to string, pacer Pacer) ([]*RunResult, error) {
	dates, err := DateRange(from, to)
	if err != nil {
		return nil, err
	}

	results := make([]*RunResult, 0, len(dates))
	for _, date := range dates {
		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				return results, fmt.Errorf("backfill interrupted before %s: %w", date, err)
			}
		}
		results = append(results, o.Run(ctx, date))
	}
	return results, nil
}
