// Package model はドメインモデルを定義する。
package model

// Credential はFitbit APIのOAuth2クレデンシャルを表す。
// 空文字列は「未設定」を意味する。
// アクセストークンは401が返るまで有効とみなし、ローカルでの有効期限は持たない。
type Credential struct {
	AccessToken  string
	RefreshToken string
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// HasAccessToken はアクセストークンを保持しているかを返す。
func (c Credential) HasAccessToken() bool {
	return c.AccessToken != ""
}

// CanRefresh はリフレッシュに必要な情報（リフレッシュトークンとクライアント認証情報）が揃っているかを返す。
func (c Credential) CanRefresh() bool {
	return c.RefreshToken != "" && c.ClientID != "" && c.ClientSecret != ""
}

// MaskToken はログ出力用にトークンの先頭数文字のみを残してマスクする。
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "***"
	}
	return token[:6] + "***"
}
