// Package auth 驗證 bearer token，取出玩家身份
//
// Token 由外部身份服務簽發，這裡只負責驗證。
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"
	apperrors "github.com/koopa0/quiz-arena/pkg/errors"
)

// Identity 通過驗證的玩家
type Identity struct {
	UserID      string
	DisplayName string
}

// Validator 身份驗證埠
type Validator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// Claims token 內容
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// JWTValidator HS256 JWT 驗證
type JWTValidator struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewJWTValidator 創建驗證器，issuer 為空時不檢查 iss
func NewJWTValidator(secret, issuer string) *JWTValidator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTValidator{
		secret: []byte(secret),
		issuer: issuer,
		parser: jwt.NewParser(opts...),
	}
}

// Validate 驗證 token，失敗一律返回 UNAUTHENTICATED
func (v *JWTValidator) Validate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, apperrors.ErrUnauthenticated.WithDetails("missing bearer token")
	}

	var claims Claims
	parsed, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, apperrors.Wrap(err, apperrors.ErrCodeUnauthenticated, describe(err))
	}
	if !parsed.Valid {
		return Identity{}, apperrors.ErrUnauthenticated.WithDetails("invalid token")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, apperrors.ErrUnauthenticated.WithDetails("token has no subject")
	}

	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = sub
	}
	return Identity{UserID: sub, DisplayName: name}, nil
}

func describe(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "invalid signature"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "invalid issuer"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed token"
	default:
		return fmt.Sprintf("invalid token: %v", err)
	}
}

// TokenFromRequest 從 Authorization: Bearer 或 ?token= 取出 token
//
// 瀏覽器的 WebSocket API 不能自訂標頭，所以升級請求允許走 query string。
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
