package auth

import (
	"errors"
	"fmt"
	"time"

	"psxnetplay/models"

	jwt "github.com/dgrijalva/jwt-go"
)

// JwtKey はトークン署名用の秘密鍵。起動時にSetSecretで設定する
var JwtKey = []byte("your_secret_key")

var ErrInvalidToken = errors.New("invalid token")

func SetSecret(secret string) {
	if secret != "" {
		JwtKey = []byte(secret)
	}
}

// VerifyToken はHS256で署名されたトークンを検証し、クレームを返す
func VerifyToken(tokenString string) (*models.Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	claims := &models.Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return JwtKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("トークンの検証に失敗しました: %w", err)
	}
	if !token.Valid || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	if claims.DisplayName == "" {
		claims.DisplayName = claims.Username
	}
	return claims, nil
}

// GenerateToken はアカウント管理側と同じ形式のトークンを発行する。主にテストと開発用
func GenerateToken(id, username, role, displayName string, ttl time.Duration) (string, error) {
	claims := &models.Claims{
		ID:          id,
		Username:    username,
		Role:        role,
		DisplayName: displayName,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(ttl).Unix(),
			IssuedAt:  time.Now().Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(JwtKey)
}
