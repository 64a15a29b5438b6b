package model

import (
	"encoding/json"
	"time"
)

// 生レスポンスを保存する際のエンドポイント名。
const (
	// EndpointActivitiesDay は歩数を含む日次アクティビティサマリー。
	EndpointActivitiesDay = "activities/day"
	// EndpointHeartDay は心拍数の日次サマリー。
	EndpointHeartDay = "heart/day"
)

// DateLayout は日付文字列（ISO-8601）のレイアウト。
const DateLayout = "2006-01-02"

// DailyStepsFact は1日分の歩数を表す。キーは(UserID, Date)。
type DailyStepsFact struct {
	UserID string
	Date   string
	Steps  int
}

// DailyRestingHRFact は1日分の安静時心拍数を表す。キーは(UserID, Date)。
// RestingHRがnilの場合は「算出不能」を表し、そのままNULLとして保存される。
type DailyRestingHRFact struct {
	UserID    string
	Date      string
	RestingHR *int
}

// RawResponseRecord はAPIレスポンスの生データを表す。キーは(UserID, Endpoint, Date)。
// 同一キーの再取得時は上書きされ、履歴は保持しない。
type RawResponseRecord struct {
	UserID   string
	Endpoint string
	Date     string
	Payload  json.RawMessage
}

// DaySummary は1日分の保存済みメトリクスをまとめた読み取りモデル。
type DaySummary struct {
	UserID       string     `json:"user_id"`
	Date         string     `json:"date"`
	Steps        *int       `json:"steps"`
	RestingHR    *int       `json:"resting_hr"`
	RawEndpoints []string   `json:"raw_endpoints"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// ParseDate はYYYY-MM-DD形式の日付文字列を検証して返す。
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, NewInvalidDateError(s)
	}
	return d, nil
}

// IntPtr はint値のポインタを返す。
func IntPtr(v int) *int {
	return &v
}
