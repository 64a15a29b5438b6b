package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Fitbit OAuth
	FitbitClientID     string
	FitbitClientSecret string
	FitbitRedirectURI  string
	FitbitTokenURL     string

	// Fitbit 初期トークン（認可フローの外部コンポーネントから受け取る）
	FitbitAccessToken  string
	FitbitRefreshToken string
	FitbitUserID       string

	// Fetch
	FitbitAPIBaseURL string
	FetchTimeout     time.Duration
	FetchMaxBodySize int64
	BackfillInterval time.Duration
	SyncInterval     time.Duration

	// Error reporting
	SentryDSN         string
	SentryEnvironment string

	// Server
	ServerPort        string
	APIToken          string
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// DATABASE_URLが未設定の場合はPG_HOST等の個別変数から接続URLを組み立てる。
// Fitbitのクライアント認証情報やトークンの不足はここではエラーにせず、
// パイプライン実行時に設定エラーとして報告する（migrateコマンドはFitbit設定なしで動作する）。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.FitbitClientID = os.Getenv("FITBIT_CLIENT_ID")
	cfg.FitbitClientSecret = os.Getenv("FITBIT_CLIENT_SECRET")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = buildDatabaseURL(
			getEnvString("PG_HOST", "localhost"),
			getEnvString("PG_PORT", "5432"),
			getEnvString("PG_DB", "fitbitdb"),
			getEnvString("PG_USER", "postgres"),
			os.Getenv("PG_PASSWORD"),
			getEnvString("PG_SSLMODE", "disable"),
		)
	}

	// Optional fields with defaults
	cfg.FitbitRedirectURI = os.Getenv("FITBIT_REDIRECT_URI")
	cfg.FitbitTokenURL = getEnvString("FITBIT_TOKEN_URL", "https://api.fitbit.com/oauth2/token")
	cfg.FitbitAccessToken = os.Getenv("FITBIT_ACCESS_TOKEN")
	cfg.FitbitRefreshToken = os.Getenv("FITBIT_REFRESH_TOKEN")
	cfg.FitbitUserID = getEnvString("FITBIT_USER_ID", "-")
	cfg.FitbitAPIBaseURL = getEnvString("FITBIT_API_BASE_URL", "https://api.fitbit.com")
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 20*time.Second)
	cfg.FetchMaxBodySize = getEnvInt64("FETCH_MAX_BODY_SIZE", 5242880)
	cfg.BackfillInterval = getEnvDuration("BACKFILL_INTERVAL", 2*time.Second)
	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", time.Hour)
	cfg.SentryDSN = os.Getenv("SENTRY_DSN")
	cfg.SentryEnvironment = getEnvString("SENTRY_ENVIRONMENT", "development")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.APIToken = os.Getenv("API_TOKEN")
	cfg.CORSAllowedOrigin = os.Getenv("CORS_ALLOWED_ORIGIN")

	// Validation
	var invalid []string
	if _, err := url.Parse(cfg.DatabaseURL); err != nil {
		invalid = append(invalid, "DATABASE_URL")
	}
	if cfg.FetchTimeout <= 0 {
		invalid = append(invalid, "FETCH_TIMEOUT")
	}
	if cfg.SyncInterval <= 0 {
		invalid = append(invalid, "SYNC_INTERVAL")
	}
	if len(invalid) > 0 {
		return nil, fmt.Errorf("invalid environment variables: %v", invalid)
	}

	return cfg, nil
}

// buildDatabaseURL は個別の接続パラメータからPostgreSQLの接続URLを組み立てる。
func buildDatabaseURL(host, port, dbName, user, password, sslMode string) string {
	u := &url.URL{
		Scheme:   "postgres",
		Host:     host + ":" + port,
		Path:     "/" + dbName,
		RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
	}
	if password != "" {
		u.User = url.UserPassword(user, password)
	} else {
		u.User = url.User(user)
	}
	return u.String()
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
