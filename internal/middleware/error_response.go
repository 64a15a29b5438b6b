// Package middleware はHTTPミドルウェアと統一エラーレスポンスを提供する。
package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/fitledger/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、利用者には一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// PipelineErrorStatus はパイプラインエラーをHTTPステータスとAPIエラーに変換する。
//
//	configuration            → 503
//	remote_rejection/transport → 502
//	persistence              → 500
//	validation               → 400
func PipelineErrorStatus(err error) (int, *model.APIError) {
	var pe *model.PipelineError
	if !errors.As(err, &pe) {
		return http.StatusInternalServerError, model.NewPersistenceFailedError()
	}

	switch pe.Kind {
	case model.ErrorKindConfiguration:
		return http.StatusServiceUnavailable, model.NewCredentialUnavailableError()
	case model.ErrorKindRemoteRejection:
		return http.StatusBadGateway, model.NewUpstreamRejectedError(pe.StatusCode)
	case model.ErrorKindTransport:
		return http.StatusBadGateway, model.NewUpstreamUnreachableError()
	case model.ErrorKindValidation:
		return http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeInvalidDate,
			Message:  pe.Error(),
			Category: "validation",
			Action:   "日付は YYYY-MM-DD 形式で指定してください。",
		}
	default:
		return http.StatusInternalServerError, model.NewPersistenceFailedError()
	}
}

// WritePipelineError はパイプラインエラーを統一フォーマットで書き込む。
func WritePipelineError(w http.ResponseWriter, err error) {
	status, apiErr := PipelineErrorStatus(err)
	WriteErrorResponse(w, status, apiErr)
}
