// Package token 提供了网关转发给后端的 Bearer 凭证的读取与检查功能。
// 凭证的签发与验证完全是后端的职责，网关只做透传和过期预判。
package token

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Provider 按需返回当前操作可用的 Bearer token。
// 第二个返回值为 false 表示凭证缺失（对应前端无 accessToken 的演示模式）。
type Provider interface {
	Token() (string, bool)
}

// Static 是一个固定凭证的 Provider，空串视为凭证缺失。测试中也用它充当假凭证。
type Static string

// Token 实现 Provider 接口。
func (s Static) Token() (string, bool) {
	return string(s), s != ""
}

// FromAuthHeader 从 "Authorization: Bearer <token>" 请求头构造一个 Provider。
// 请求头为空或格式不符时返回的 Provider 报告凭证缺失。
func FromAuthHeader(header string) Provider {
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(header, bearerPrefix) {
		return Static("")
	}
	return Static(strings.TrimPrefix(header, bearerPrefix))
}

// IsExpired 对 JWT 形式的凭证做不验签的过期预判。
// 解析失败（例如后端签发的不是 JWT）或没有 exp 声明时一律视为未过期，
// 最终判定交给后端。
func IsExpired(tokenString string) bool {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}

// Usable 返回该 Provider 当前是否持有一个可转发的凭证。
func Usable(p Provider) bool {
	t, ok := p.Token()
	if !ok {
		return false
	}
	return !IsExpired(t)
}
