// Package auth はFitbit APIのOAuth2クレデンシャルを保持し、リフレッシュトークンによる更新を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/fitledger/internal/model"
)

// DefaultTokenURL はFitbitのトークンエンドポイント。
const DefaultTokenURL = "https://api.fitbit.com/oauth2/token"

// defaultExchangeTimeout はトークン交換1回あたりのタイムアウト。
const defaultExchangeTimeout = 20 * time.Second

// ErrCredentialUnavailable は有効なアクセストークンを用意できないことを表す。
var ErrCredentialUnavailable = errors.New("credential unavailable")

// HolderConfig はCredentialHolderの設定。
type HolderConfig struct {
	TokenURL   string
	Timeout    time.Duration
	HTTPClient *http.Client // nilの場合はhttp.DefaultClient
}

// CredentialHolder は1組のクライアント認証情報に対応するトークンを保持する。
// プロセス内で1つ生成し、ポインタで共有する。全操作はミューテックスで直列化される。
type CredentialHolder struct {
	mu           sync.Mutex
	cred         model.Credential
	oauth        oauth2.Config
	httpClient   *http.Client
	timeout      time.Duration
	refreshCount int
}

// NewCredentialHolder はCredentialHolderを生成する。
func NewCredentialHolder(cred model.Credential, cfg HolderConfig) *CredentialHolder {
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultExchangeTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &CredentialHolder{
		cred: cred,
		oauth: oauth2.Config{
			ClientID:     cred.ClientID,
			ClientSecret: cred.ClientSecret,
			RedirectURL:  cred.RedirectURI,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		httpClient: cfg.HTTPClient,
		timeout:    cfg.Timeout,
	}
}

// EnsureToken は保持しているアクセストークンを返す。
// 保持していない場合に限り、リフレッシュを1回だけ行う。
func (h *CredentialHolder) EnsureToken(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cred.HasAccessToken() {
		return h.cred.AccessToken, nil
	}
	return h.refreshLocked(ctx)
}

// Refresh はAPIに拒否されたトークンstaleを破棄し、リフレッシュしたトークンを返す。
// 他の呼び出し元がすでにstaleを置き換えていた場合は、交換を行わず現在のトークンを返す。
func (h *CredentialHolder) Refresh(ctx context.Context, stale string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cred.HasAccessToken() && h.cred.AccessToken != stale {
		return h.cred.AccessToken, nil
	}
	return h.refreshLocked(ctx)
}

// refreshLocked はリフレッシュトークンを使ってアクセストークンを更新する。h.muを保持した状態で呼ぶこと。
func (h *CredentialHolder) refreshLocked(ctx context.Context) (string, error) {
	if !h.cred.CanRefresh() {
		return "", model.NewConfigurationError("refresh access token",
			fmt.Errorf("%w: refresh token or client credentials not configured", ErrCredentialUnavailable))
	}

	h.refreshCount++

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, h.httpClient)

	start := time.Now()
	tok, err := h.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: h.cred.RefreshToken}).Token()
	if err != nil {
		slog.Error("token refresh failed",
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("error", err.Error()),
		)
		return "", classifyExchangeError(err)
	}

	rotated := tok.RefreshToken != "" && tok.RefreshToken != h.cred.RefreshToken
	h.cred.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		h.cred.RefreshToken = tok.RefreshToken
	}

	slog.Info("access token refreshed",
		slog.String("access_token", model.MaskToken(tok.AccessToken)),
		slog.Bool("refresh_token_rotated", rotated),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return h.cred.AccessToken, nil
}

// classifyExchangeError はトークン交換の失敗をPipelineErrorに変換する。
// 到達できなかった場合は通信エラー、それ以外（拒否・不正な応答）は再認可が必要な設定エラーとする。
func classifyExchangeError(err error) error {
	wrapped := fmt.Errorf("%w: %v", ErrCredentialUnavailable, err)

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		pe := model.NewConfigurationError("refresh access token", wrapped)
		if re.Response != nil {
			pe.StatusCode = re.Response.StatusCode
		}
		pe.Excerpt = model.Excerpt(re.Body)
		return pe
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return model.NewTransportFailure("refresh access token", wrapped)
	}
	return model.NewConfigurationError("refresh access token", wrapped)
}

// RefreshCount はこれまでに行ったリフレッシュ交換の回数を返す。
func (h *CredentialHolder) RefreshCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refreshCount
}

// Snapshot は現在のクレデンシャルのコピーを返す。
func (h *CredentialHolder) Snapshot() model.Credential {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cred
}
