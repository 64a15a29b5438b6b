package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/fitledger/internal/extract"
	"github.com/hitoshi/fitledger/internal/middleware"
	"github.com/hitoshi/fitledger/internal/model"
	"github.com/hitoshi/fitledger/internal/pipeline"
)

// maxSyncRequestBody は同期リクエストボディの上限バイト数。
const maxSyncRequestBody = 1024

// SyncRunner は同期ハンドラーが必要とするパイプライン実行のインターフェース。
type SyncRunner interface {
	// TryRun は実行中の同期がなければ指定日のパイプラインを実行する。
	TryRun(ctx context.Context, date string) (*pipeline.RunResult, error)
}

// SyncHandler は同期起動のHTTPハンドラー。
type SyncHandler struct {
	runner SyncRunner
	logger *slog.Logger
	now    func() time.Time
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(runner SyncRunner, logger *slog.Logger) *SyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncHandler{runner: runner, logger: logger, now: time.Now}
}

// --- リクエスト・レスポンス型 ---

// syncRequest は同期リクエストのボディ。dateを省略した場合は当日。
type syncRequest struct {
	Date string `json:"date"`
}

// metricResult は抽出結果のレスポンス。
type metricResult struct {
	Value   *int   `json:"value"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

// syncResponse は完了した同期のレスポンス。
type syncResponse struct {
	RunID        string             `json:"run_id"`
	Date         string             `json:"date"`
	State        string             `json:"state"`
	Visited      []string           `json:"visited"`
	Steps        metricResult       `json:"steps"`
	Distances    []extract.Distance `json:"distances"`
	RestingHR    metricResult       `json:"resting_hr"`
	RefreshCount int                `json:"refresh_count"`
	RawWritten   []string           `json:"raw_written"`
	HRWarning    string             `json:"hr_warning,omitempty"`
	DurationMs   int64              `json:"duration_ms"`
}

// Sync は指定日の同期を実行し、結果を返す。
// POST /api/sync
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSyncRequestBody))
	if err == nil && len(body) > 0 {
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディがJSONとして不正です。",
			Category: "validation",
			Action:   `{"date": "YYYY-MM-DD"} の形式で送信してください。`,
		})
		return
	}
	if req.Date == "" {
		req.Date = pipeline.Today(h.now())
	}
	if _, err := model.ParseDate(req.Date); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidDateAPIError(req.Date))
		return
	}

	result, err := h.runner.TryRun(r.Context(), req.Date)
	if errors.Is(err, pipeline.ErrRunInProgress) {
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewSyncInProgressError())
		return
	}
	if err != nil {
		h.logger.Error("sync failed to start", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set(middleware.RunIDHeader, result.RunID)
	if !result.Done() {
		h.logger.Warn("sync aborted",
			slog.String("run_id", result.RunID),
			slog.String("date", result.Date),
			slog.String("error_kind", string(model.KindOf(result.Err))),
		)
		middleware.WritePipelineError(w, result.Err)
		return
	}

	writeJSON(w, http.StatusOK, toSyncResponse(result))
}

func toSyncResponse(result *pipeline.RunResult) syncResponse {
	visited := make([]string, len(result.Visited))
	for i, s := range result.Visited {
		visited[i] = string(s)
	}
	raw := result.RawWritten
	if raw == nil {
		raw = []string{}
	}
	steps := result.Steps.Steps
	distances := result.Distances
	if distances == nil {
		distances = []extract.Distance{}
	}
	return syncResponse{
		RunID:   result.RunID,
		Date:    result.Date,
		State:   string(result.State),
		Visited: visited,
		Steps: metricResult{
			Value:   &steps,
			Outcome: string(result.Steps.Outcome),
			Reason:  result.Steps.Reason,
		},
		Distances: distances,
		RestingHR: metricResult{
			Value:   result.RestingHR.Value,
			Outcome: string(result.RestingHR.Outcome),
			Reason:  result.RestingHR.Reason,
		},
		RefreshCount: result.RefreshCount,
		RawWritten:   raw,
		HRWarning:    result.HRWarning,
		DurationMs:   result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
	}
}
