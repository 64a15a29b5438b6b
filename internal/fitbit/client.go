// Package fitbit はFitbit Web APIの日次サマリーエンドポイントを呼び出すクライアントを提供する。
package fitbit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/fitledger/internal/model"
)

const (
	// DefaultBaseURL はFitbit Web APIのベースURL。
	DefaultBaseURL = "https://api.fitbit.com"
	// DefaultUserID は認可済みユーザー自身を表すユーザーID。
	DefaultUserID = "-"
	// defaultTimeout は1リクエストあたりのタイムアウト。
	defaultTimeout = 20 * time.Second
	// defaultMaxBodySize はレスポンスボディの最大読み取りサイズ（5MB）。
	defaultMaxBodySize = 5 * 1024 * 1024
)

// EndpointKind は取得対象の日次サマリーの種類。
type EndpointKind int

const (
	// KindActivities は歩数を含む日次アクティビティサマリー。
	KindActivities EndpointKind = iota
	// KindHeart は安静時心拍数を含む日次心拍サマリー。
	KindHeart
)

// RawEndpoint は生レスポンス保存時のエンドポイント名を返す。
func (k EndpointKind) RawEndpoint() string {
	if k == KindHeart {
		return model.EndpointHeartDay
	}
	return model.EndpointActivitiesDay
}

// String はログ出力用の名前を返す。
func (k EndpointKind) String() string {
	return k.RawEndpoint()
}

// Response はAPIレスポンスのステータスとボディを保持する。
// 非2xxでもエラーにはせず、呼び出し元が判断する。
type Response struct {
	StatusCode int
	Body       []byte
}

// OK はステータスが2xxかを返す。
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Unauthorized はアクセストークンが拒否されたかを返す。
func (r *Response) Unauthorized() bool {
	return r.StatusCode == http.StatusUnauthorized
}

// Excerpt は診断用にボディの先頭部分を返す。
func (r *Response) Excerpt() string {
	return model.Excerpt(r.Body)
}

// Config はClientの設定。
type Config struct {
	BaseURL     string
	UserID      string
	Timeout     time.Duration
	MaxBodySize int64
}

// Client はFitbit Web APIのクライアント。
type Client struct {
	httpClient  *http.Client
	logger      *slog.Logger
	baseURL     string
	userID      string
	maxBodySize int64
}

// NewClient はClientを生成する。httpClientがnilの場合はConfig.Timeoutを持つクライアントを作る。
func NewClient(httpClient *http.Client, cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UserID == "" {
		cfg.UserID = DefaultUserID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient:  httpClient,
		logger:      logger,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		userID:      cfg.UserID,
		maxBodySize: cfg.MaxBodySize,
	}
}

// UserID はリクエスト対象のユーザーIDを返す。
func (c *Client) UserID() string {
	return c.userID
}

// EndpointURL は指定日のサマリーを取得するURLを組み立てる。
func (c *Client) EndpointURL(kind EndpointKind, date string) string {
	user := url.PathEscape(c.userID)
	switch kind {
	case KindHeart:
		return fmt.Sprintf("%s/1/user/%s/activities/heart/date/%s.json", c.baseURL, user, date)
	default:
		return fmt.Sprintf("%s/1/user/%s/activities/date/%s.json", c.baseURL, user, date)
	}
}

// Fetch は指定日のサマリーをBearerトークン付きで1回だけ取得する。
// 非2xxレスポンスはエラーにせずResponseとして返す。
// 接続失敗やタイムアウトなど通信レベルの失敗はtransport種別のPipelineErrorを返す。
func (c *Client) Fetch(ctx context.Context, kind EndpointKind, date, token string) (*Response, error) {
	op := "fetch " + kind.RawEndpoint()
	reqURL := c.EndpointURL(kind, date)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, model.NewTransportFailure(op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "fitledger/1.0")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Fitbit APIの呼び出しに失敗しました",
			slog.String("endpoint", kind.RawEndpoint()),
			slog.String("date", date),
			slog.String("error", err.Error()),
		)
		return nil, model.NewTransportFailure(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize))
	if err != nil {
		c.logger.Error("レスポンスボディの読み取りに失敗しました",
			slog.String("endpoint", kind.RawEndpoint()),
			slog.String("date", date),
			slog.String("error", err.Error()),
		)
		return nil, model.NewTransportFailure(op, fmt.Errorf("failed to read body: %w", err))
	}

	c.logger.Info("Fitbit APIを呼び出しました",
		slog.String("endpoint", kind.RawEndpoint()),
		slog.String("date", date),
		slog.Int("http_status", resp.StatusCode),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}
