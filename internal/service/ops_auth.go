package service

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrOpsSecretMissing = errors.New("ops jwt secret is not configured")
	ErrOpsTokenInvalid  = errors.New("ops token is invalid")
)

// OpsClaims 运维令牌声明，Subject 为操作员名称
type OpsClaims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// GenerateOpsToken 签发运维令牌（HS256）
func GenerateOpsToken(secret, operator string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, ErrOpsSecretMissing
	}
	operator = strings.ToLower(strings.TrimSpace(operator))
	if operator == "" {
		return "", time.Time{}, errors.New("operator is required")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	expiresAt := now.Add(ttl)
	claims := OpsClaims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ParseOpsToken 校验运维令牌并返回声明
func ParseOpsToken(secret, tokenString string) (*OpsClaims, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrOpsSecretMissing
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &OpsClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrOpsTokenInvalid
	}
	if strings.TrimSpace(claims.Operator) == "" {
		claims.Operator = claims.Subject
	}
	if strings.TrimSpace(claims.Operator) == "" {
		return nil, ErrOpsTokenInvalid
	}
	return claims, nil
}
