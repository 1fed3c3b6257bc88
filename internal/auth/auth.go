// Package auth 解析 bearer JWT 為呼叫者身分（types.Principal），供存取斷言檢查
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ChuLiYu/mapprint/pkg/types"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/metadata"
)

var (
	// ErrMissingBearerToken 請求未帶 bearer token
	ErrMissingBearerToken = errors.New("missing bearer token")
	// ErrInvalidToken token 簽章或時效不合法
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidSubject token 缺少 subject
	ErrInvalidSubject = errors.New("invalid subject")
)

// Claims token 內容
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator 以 HMAC 共享密鑰驗證 token
type Authenticator struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewAuthenticator 建立驗證器；issuer 為空時不檢查 iss
func NewAuthenticator(secret []byte, issuer string) (*Authenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("invalid auth configuration, please specify a signing secret")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &Authenticator{
		secret: secret,
		issuer: issuer,
		parser: jwt.NewParser(opts...),
	}, nil
}

// Parse 驗證 token 並回傳 principal
func (a *Authenticator) Parse(token string) (*types.Principal, error) {
	claims := &Claims{}
	parsed, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidSubject
	}
	return &types.Principal{Subject: claims.Subject, Roles: claims.Roles}, nil
}

// Sign 簽發 token（CLI 與測試用）
func (a *Authenticator) Sign(p types.Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Roles: p.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Authenticate 從 gRPC metadata 取出 bearer token。沒有 token 時回傳
// (nil, nil)：匿名呼叫只能存取沒有斷言的任務。
func (a *Authenticator) Authenticate(ctx context.Context) (*types.Principal, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, nil
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return nil, nil
	}
	token, found := strings.CutPrefix(values[0], "Bearer ")
	if !found || token == "" {
		return nil, ErrMissingBearerToken
	}
	return a.Parse(token)
}

type principalKey struct{}

// NewContext 將 principal 放入 context
func NewContext(ctx context.Context, p *types.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext 取出 principal；不存在時為 nil
func FromContext(ctx context.Context) *types.Principal {
	p, _ := ctx.Value(principalKey{}).(*types.Principal)
	return p
}
