// Package extract はFitbit APIのレスポンスから日次メトリクスを取り出す。
// 取り出しに失敗してもエラーは返さず、既定値とその理由を結果に含める。
package extract

import (
	"encoding/json"
	"math"
)

// Outcome は抽出結果の種別。
type Outcome string

const (
	// OutcomeParsed は値をレスポンスから取り出せたことを表す。
	OutcomeParsed Outcome = "parsed"
	// OutcomeDefaulted は値を取り出せず既定値を用いたことを表す。
	OutcomeDefaulted Outcome = "defaulted"
)

// StepsResult は歩数の抽出結果。
type StepsResult struct {
	Steps   int
	Outcome Outcome
	Reason  string // Defaultedの場合のみ設定
}

// RestingHRResult は安静時心拍数の抽出結果。Valueがnilの場合は算出不能。
type RestingHRResult struct {
	Value   *int
	Outcome Outcome
	Reason  string
}

// Distance はアクティビティ種別ごとの移動距離。
type Distance struct {
	Activity string  `json:"activity"`
	Distance float64 `json:"distance"`
}

// Steps は日次アクティビティレスポンスから summary.steps を取り出す。
// 値が無い、数値でない、負の場合は0を返す。小数は切り捨てる。
func Steps(payload []byte) StepsResult {
	root, reason := decodeObject(payload)
	if root == nil {
		return defaultedSteps(reason)
	}

	summary, ok := root["summary"].(map[string]interface{})
	if !ok {
		return defaultedSteps("summary missing")
	}
	raw, ok := summary["steps"]
	if !ok {
		return defaultedSteps("summary.steps missing")
	}
	n, ok := raw.(float64)
	if !ok {
		return defaultedSteps("summary.steps not a number")
	}
	if n < 0 || n > math.MaxInt32 {
		return defaultedSteps("summary.steps out of range")
	}

	return StepsResult{Steps: int(n), Outcome: OutcomeParsed}
}

// RestingHR は日次心拍レスポンスから activities-heart[0].value.restingHeartRate を取り出す。
// 安静時心拍数が算出されていない日は配列が空になる。
func RestingHR(payload []byte) RestingHRResult {
	root, reason := decodeObject(payload)
	if root == nil {
		return defaultedHR(reason)
	}

	list, ok := root["activities-heart"].([]interface{})
	if !ok {
		return defaultedHR("activities-heart missing")
	}
	if len(list) == 0 {
		return defaultedHR("activities-heart empty")
	}
	entry, ok := list[0].(map[string]interface{})
	if !ok {
		return defaultedHR("activities-heart[0] not an object")
	}
	value, ok := entry["value"].(map[string]interface{})
	if !ok {
		return defaultedHR("activities-heart[0].value missing")
	}
	n, ok := value["restingHeartRate"].(float64)
	if !ok {
		return defaultedHR("restingHeartRate missing")
	}
	if n < 0 || n > math.MaxInt32 {
		return defaultedHR("restingHeartRate out of range")
	}

	v := int(n)
	return RestingHRResult{Value: &v, Outcome: OutcomeParsed}
}

// Distances は日次アクティビティレスポンスから summary.distances を取り出す。
// 取り出せない要素は読み飛ばし、何も無ければ空スライスを返す。
func Distances(payload []byte) []Distance {
	distances := []Distance{}

	root, _ := decodeObject(payload)
	if root == nil {
		return distances
	}
	summary, ok := root["summary"].(map[string]interface{})
	if !ok {
		return distances
	}
	list, ok := summary["distances"].([]interface{})
	if !ok {
		return distances
	}

	for _, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		activity, ok := entry["activity"].(string)
		if !ok {
			continue
		}
		distance, ok := entry["distance"].(float64)
		if !ok {
			continue
		}
		distances = append(distances, Distance{Activity: activity, Distance: distance})
	}
	return distances
}

func decodeObject(payload []byte) (map[string]interface{}, string) {
	if len(payload) == 0 {
		return nil, "empty payload"
	}
	var root map[string]interface{}
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil, "payload is not a JSON object"
	}
	if root == nil {
		return nil, "payload is null"
	}
	return root, ""
}

func defaultedSteps(reason string) StepsResult {
	return StepsResult{Steps: 0, Outcome: OutcomeDefaulted, Reason: reason}
}

func defaultedHR(reason string) RestingHRResult {
	return RestingHRResult{Outcome: OutcomeDefaulted, Reason: reason}
}
