package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL は発行するトークンの既定の有効期間。
const DefaultTokenTTL = 24 * time.Hour

// issuer はトークンの発行者。
const issuer = "remind"

// ErrInvalidToken はトークンが検証できなかったことを表す。
var ErrInvalidToken = errors.New("トークンが無効です")

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email,omitempty"`
}

// headerKeyUserID は下流にユーザーIDを伝播するためのHTTPヘッダーキー。
const headerKeyUserID = "X-User-ID"

// Verifier はBearerトークンを検証してユーザーIDを返す。
type Verifier interface {
	Verify(token string) (string, error)
}

// JWT はHS256で署名するトークンの発行・検証を行う。
type JWT struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewJWT は署名鍵からJWTを生成する。ttlが0以下なら DefaultTokenTTL を使う。
func NewJWT(secret string, ttl time.Duration) *JWT {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &JWT{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue はユーザー情報からJWTトークンを生成する。
func (j *JWT) Issue(userID, email string) (string, error) {
	if userID == "" {
		return "", errors.New("ユーザーIDが空です")
	}
	now := j.now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
		UserID: userID,
		Email:  email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// Verify はトークンの署名と有効期限を検証し、ユーザーIDを返す。
func (j *JWT) Verify(tokenString string) (string, error) {
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return j.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return "", fmt.Errorf("%w: user_idがありません", ErrInvalidToken)
	}
	return claims.UserID, nil
}

// AuthOption はAuthミドルウェアの挙動を変更する。
type AuthOption func(*authConfig)

type authConfig struct {
	queryParam string
}

// WithQueryToken はAuthorizationヘッダーが無い場合にクエリパラメータからトークンを読む。
// EventSourceがヘッダーを送れない旧クライアント向けの経路でのみ使う。
func WithQueryToken(param string) AuthOption {
	return func(c *authConfig) {
		c.queryParam = param
	}
}

// Auth はBearerトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "user_id" を設定する。
func Auth(v Verifier, opts ...AuthOption) gin.HandlerFunc {
	cfg := &authConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c, cfg)
		if !ok {
			return
		}

		userID, err := v.Verify(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"message": "トークンが無効です",
			})
			return
		}

		c.Set("user_id", userID)
		c.Header(headerKeyUserID, userID)
		c.Next()
	}
}

// bearerToken はリクエストからトークンを取り出す。失敗した場合は401で中断する。
func bearerToken(c *gin.Context, cfg *authConfig) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if cfg.queryParam != "" {
			if token := c.Query(cfg.queryParam); token != "" {
				return token, true
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"message": "Authorizationヘッダーが必要です",
		})
		return "", false
	}

	tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found || tokenString == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"message": "Bearer トークン形式が不正です",
		})
		return "", false
	}
	return tokenString, true
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// Authミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}
