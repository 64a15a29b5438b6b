// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// パイプラインから利用する。
type MetricsCollector interface {
	RecordRun(outcome string, errorKind string)
	RecordTokenRefresh()
	RecordHTTPStatus(endpoint string, statusCode int)
	RecordFetchLatency(endpoint string, duration time.Duration)
	RecordFactUpserted(table string)
	RecordExtractionDefaulted(metric string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	runs               *prometheus.CounterVec
	tokenRefreshes     prometheus.Counter
	httpStatus         *prometheus.CounterVec
	fetchLatency       *prometheus.HistogramVec
	factsUpserted      *prometheus.CounterVec
	extractDefaulted   *prometheus.CounterVec
	lastSuccessfulSync prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitledger_pipeline_runs_total",
			Help: "パイプライン実行の合計数（結果・エラー種別別）",
		}, []string{"outcome", "error_kind"}),
		tokenRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fitledger_token_refresh_total",
			Help: "リフレッシュトークンによるアクセストークン更新の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitledger_upstream_http_status_total",
			Help: "Fitbit APIのエンドポイント・ステータスコード別レスポンス数",
		}, []string{"endpoint", "status_code"}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fitledger_fetch_latency_seconds",
			Help:    "Fitbit API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		factsUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitledger_facts_upserted_total",
			Help: "テーブル別のアップサート件数",
		}, []string{"table"}),
		extractDefaulted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fitledger_extraction_defaulted_total",
			Help: "レスポンスから値を取り出せず既定値を用いた回数",
		}, []string{"metric"}),
		lastSuccessfulSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fitledger_last_successful_run_timestamp_seconds",
			Help: "最後にDONEで終了したパイプライン実行のUNIX時刻",
		}),
	}

	reg.MustRegister(
		c.runs,
		c.tokenRefreshes,
		c.httpStatus,
		c.fetchLatency,
		c.factsUpserted,
		c.extractDefaulted,
		c.lastSuccessfulSync,
	)

	return c
}

// RecordRun はパイプライン実行の結果を記録する。
func (c *Collector) RecordRun(outcome string, errorKind string) {
	c.runs.WithLabelValues(outcome, errorKind).Inc()
	if errorKind == "" {
		c.lastSuccessfulSync.SetToCurrentTime()
	}
}

// RecordTokenRefresh はアクセストークン更新を記録する。
func (c *Collector) RecordTokenRefresh() {
	c.tokenRefreshes.Inc()
}

// RecordHTTPStatus はFitbit APIのHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(endpoint string, statusCode int) {
	c.httpStatus.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はFitbit API呼び出しのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(endpoint string, duration time.Duration) {
	c.fetchLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordFactUpserted はアップサートを1件記録する。
func (c *Collector) RecordFactUpserted(table string) {
	c.factsUpserted.WithLabelValues(table).Inc()
}

// RecordExtractionDefaulted は既定値へのフォールバックを記録する。
func (c *Collector) RecordExtractionDefaulted(metric string) {
	c.extractDefaulted.WithLabelValues(metric).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NopCollector は何も記録しないMetricsCollector。
type NopCollector struct{}

func (NopCollector) RecordRun(string, string)                 {}
func (NopCollector) RecordTokenRefresh()                      {}
func (NopCollector) RecordHTTPStatus(string, int)             {}
func (NopCollector) RecordFetchLatency(string, time.Duration) {}
func (NopCollector) RecordFactUpserted(string)                {}
func (NopCollector) RecordExtractionDefaulted(string)         {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
