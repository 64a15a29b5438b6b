// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, upstream, system
	Action   string // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidDate        = "INVALID_DATE"
	ErrCodeInvalidRange       = "INVALID_RANGE"
	ErrCodeCredentialMissing  = "CREDENTIAL_UNAVAILABLE"
	ErrCodeUpstreamRejected   = "UPSTREAM_REJECTED"
	ErrCodeUpstreamUnreached  = "UPSTREAM_UNREACHABLE"
	ErrCodePersistenceFailed  = "PERSISTENCE_FAILED"
	ErrCodeDayNotFound        = "DAY_NOT_FOUND"
	ErrCodeSyncAlreadyRunning = "SYNC_IN_PROGRESS"
)

// ErrorKind はパイプライン実行時エラーの分類。
type ErrorKind string

const (
	// ErrorKindConfiguration はリフレッシュトークンやクライアント認証情報が使えない状態。
	// 即座に致命的エラーとして扱い、リトライしない。
	ErrorKindConfiguration ErrorKind = "configuration"
	// ErrorKindRemoteRejection はリトライ後もAPIが非2xxを返した状態。
	ErrorKindRemoteRejection ErrorKind = "remote_rejection"
	// ErrorKindTransport はタイムアウトや接続エラーなどネットワークレベルの失敗。
	ErrorKindTransport ErrorKind = "transport"
	// ErrorKindPersistence はDB書き込みの失敗。
	ErrorKindPersistence ErrorKind = "persistence"
	// ErrorKindValidation は入力値（日付など）の不正。
	ErrorKindValidation ErrorKind = "validation"
)

// excerptLimit は診断用に保持するレスポンスボディの最大バイト数。
const excerptLimit = 200

// PipelineError はパイプラインの1ステップで発生したエラーを表す。
// 運用者が原因を特定できるよう、HTTPステータスとボディの抜粋を保持する。
type PipelineError struct {
	Kind       ErrorKind
	Op         string // 失敗した操作（例: "fetch activities/day", "upsert daily_steps"）
	StatusCode int    // remote_rejectionの場合のみ設定
	Excerpt    string // レスポンスボディの先頭部分
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *PipelineError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %s: status %d: %s", e.Kind, e.Op, e.StatusCode, e.Excerpt)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
}

// Unwrap は元のエラーを返す。
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewConfigurationError は設定不備エラーを生成する。
func NewConfigurationError(op string, err error) *PipelineError {
	return &PipelineError{Kind: ErrorKindConfiguration, Op: op, Err: err}
}

// NewRemoteRejection はAPIの非2xxレスポンスによるエラーを生成する。
func NewRemoteRejection(op string, statusCode int, body []byte) *PipelineError {
	return &PipelineError{
		Kind:       ErrorKindRemoteRejection,
		Op:         op,
		StatusCode: statusCode,
		Excerpt:    Excerpt(body),
	}
}

// NewTransportFailure はネットワークレベルの失敗を表すエラーを生成する。
func NewTransportFailure(op string, err error) *PipelineError {
	return &PipelineError{Kind: ErrorKindTransport, Op: op, Err: err}
}

// NewPersistenceFailure はDB書き込み失敗エラーを生成する。
func NewPersistenceFailure(op string, err error) *PipelineError {
	return &PipelineError{Kind: ErrorKindPersistence, Op: op, Err: err}
}

// NewInvalidDateError は日付形式の不正を表すエラーを生成する。
func NewInvalidDateError(date string) *PipelineError {
	return &PipelineError{
		Kind: ErrorKindValidation,
		Op:   "parse date",
		Err:  fmt.Errorf("invalid date %q, expected YYYY-MM-DD", date),
	}
}

// KindOf はエラーチェーンからErrorKindを取り出す。PipelineErrorを含まない場合は空文字列を返す。
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// Excerpt はレスポンスボディを診断用に切り詰める。
func Excerpt(body []byte) string {
	if len(body) <= excerptLimit {
		return string(body)
	}
	return string(body[:excerptLimit])
}

// NewInvalidDateAPIError は日付形式不正のAPIエラーを生成する。
func NewInvalidDateAPIError(date string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidDate,
		Message:  fmt.Sprintf("無効な日付です: %s", date),
		Category: "validation",
		Action:   "日付は YYYY-MM-DD 形式で指定してください。",
	}
}

// NewInvalidRangeError は期間指定が不正な場合のAPIエラーを生成する。
func NewInvalidRangeError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRange,
		Message:  fmt.Sprintf("無効な期間指定です: %s", reason),
		Category: "validation",
		Action:   "from と to を YYYY-MM-DD 形式で、from <= to となるよう指定してください。",
	}
}

// NewCredentialUnavailableError は有効なアクセストークンを用意できない場合のAPIエラーを生成する。
func NewCredentialUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeCredentialMissing,
		Message:  "Fitbit APIの有効なアクセストークンを取得できませんでした。",
		Category: "auth",
		Action:   "FITBIT_REFRESH_TOKEN とクライアント認証情報を設定し、OAuth認可をやり直してください。",
	}
}

// NewUpstreamRejectedError はFitbit APIがエラーを返した場合のAPIエラーを生成する。
func NewUpstreamRejectedError(statusCode int) *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamRejected,
		Message:  fmt.Sprintf("Fitbit APIがステータス %d を返しました。", statusCode),
		Category: "upstream",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUpstreamUnreachableError はFitbit APIに到達できなかった場合のAPIエラーを生成する。
func NewUpstreamUnreachableError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamUnreached,
		Message:  "Fitbit APIに接続できませんでした。",
		Category: "upstream",
		Action:   "ネットワーク状態を確認し、しばらく待ってから再度お試しください。",
	}
}

// NewPersistenceFailedError はDB保存に失敗した場合のAPIエラーを生成する。
func NewPersistenceFailedError() *APIError {
	return &APIError{
		Code:     ErrCodePersistenceFailed,
		Message:  "メトリクスの保存に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewDayNotFoundError は指定日のデータが未保存の場合のAPIエラーを生成する。
func NewDayNotFoundError(date string) *APIError {
	return &APIError{
		Code:     ErrCodeDayNotFound,
		Message:  fmt.Sprintf("指定された日のデータがありません: %s", date),
		Category: "validation",
		Action:   "先に POST /api/sync で同期を実行してください。",
	}
}

// NewSyncInProgressError は同期処理が実行中の場合のAPIエラーを生成する。
func NewSyncInProgressError() *APIError {
	return &APIError{
		Code:     ErrCodeSyncAlreadyRunning,
		Message:  "別の同期処理が実行中です。",
		Category: "system",
		Action:   "実行中の同期が完了してから再度お試しください。",
	}
}
