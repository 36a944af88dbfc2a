package middlewares

import (
	"strings"

	"psxnetplay/models"

	"github.com/gin-gonic/gin"
)

// Bearerトークンのプレフィックスを確認し、存在する場合は削除
func bearerToken(c *gin.Context) string {
	tokenString := c.GetHeader("Authorization")
	if strings.HasPrefix(tokenString, "Bearer ") {
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	}
	return strings.TrimSpace(tokenString)
}

// GetClaims はAuthMiddlewareがセットしたクレームを取り出す
func GetClaims(c *gin.Context) (*models.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*models.Claims)
	return claims, ok
}

// GetUserIDFromToken はリクエストのユーザーIDを返す。未認証なら空文字
func GetUserIDFromToken(c *gin.Context) string {
	if claims, ok := GetClaims(c); ok {
		return claims.ID
	}
	return ""
}
