package models

import (
	jwt "github.com/dgrijalva/jwt-go"
)

// Claims はJWTクレームの構造体定義です。
// アカウント管理側が発行したトークンからユーザー情報を取り出す
type Claims struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
	jwt.StandardClaims
}
