package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/fitledger/internal/middleware"
	"github.com/hitoshi/fitledger/internal/model"
)

// maxRangeDays は一覧取得で指定できる最大日数。
const maxRangeDays = 366

// DayReader は保存済みメトリクスの参照インターフェース。
type DayReader interface {
	FindDay(ctx context.Context, userID, date string) (*model.DaySummary, error)
	ListDays(ctx context.Context, userID, from, to string) ([]model.DaySummary, error)
}

// DayHandler は保存済みメトリクス参照のHTTPハンドラー。
type DayHandler struct {
	reader DayReader
	userID string
}

// NewDayHandler はDayHandlerを生成する。
func NewDayHandler(reader DayReader, userID string) *DayHandler {
	return &DayHandler{reader: reader, userID: userID}
}

type dayListResponse struct {
	From string             `json:"from"`
	To   string             `json:"to"`
	Days []model.DaySummary `json:"days"`
}

// GetDay は1日分の保存済みメトリクスを返す。
// GET /api/days/{date}
func (h *DayHandler) GetDay(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	if _, err := model.ParseDate(date); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidDateAPIError(date))
		return
	}

	day, err := h.reader.FindDay(r.Context(), h.userID, date)
	if err != nil {
		slog.Error("failed to read day", slog.String("date", date), slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	if day == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewDayNotFoundError(date))
		return
	}

	writeJSON(w, http.StatusOK, day)
}

// ListDays は期間内の保存済みメトリクスを日付順に返す。
// GET /api/days?from=YYYY-MM-DD&to=YYYY-MM-DD
func (h *DayHandler) ListDays(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" || to == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRangeError("from と to は必須です"))
		return
	}

	start, err := model.ParseDate(from)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidDateAPIError(from))
		return
	}
	end, err := model.ParseDate(to)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidDateAPIError(to))
		return
	}
	if end.Before(start) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRangeError("from が to より後です"))
		return
	}
	if int(end.Sub(start).Hours()/24)+1 > maxRangeDays {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRangeError("期間が長すぎます"))
		return
	}

	days, err := h.reader.ListDays(r.Context(), h.userID, from, to)
	if err != nil {
		slog.Error("failed to list days",
			slog.String("from", from),
			slog.String("to", to),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	if days == nil {
		days = []model.DaySummary{}
	}

	writeJSON(w, http.StatusOK, dayListResponse{From: from, To: to, Days: days})
}
