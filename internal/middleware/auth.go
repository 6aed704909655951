// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/komilovmDev/avishifo-v58-sub000/pkg/log"
	"github.com/komilovmDev/avishifo-v58-sub000/pkg/token"
)

// 存入 Gin 上下文的键。
const TokenKey = "bearer_token"

// BearerPassthrough 创建一个 Gin 中间件，从 Authorization 请求头提取 Bearer 凭证
// 并存入上下文，供后续转发给后端。
//
// 网关不验证凭证：签发与校验完全是后端的职责。凭证缺失或已过期的请求
// 不会被拒绝 —— 后端会对它们返回 401，同步层将其折叠为不可用并回退到
// 本地镜像（演示模式），这正是前端无凭证时的行为。
func BearerPassthrough() gin.HandlerFunc {
	return func(c *gin.Context) {
		provider := token.FromAuthHeader(c.GetHeader("Authorization"))
		tok, ok := provider.Token()
		if !ok {
			log.Debugf("请求未携带 Bearer 凭证，后端调用将走降级路径: %s", c.Request.URL.Path)
		} else if token.IsExpired(tok) {
			log.Debugf("Bearer 凭证已过期，后端调用将走降级路径: %s", c.Request.URL.Path)
		}
		c.Set(TokenKey, tok)
		c.Next()
	}
}

// BearerToken 从 Gin 上下文取出透传凭证，中间件未运行时返回空串。
func BearerToken(c *gin.Context) string {
	return c.GetString(TokenKey)
}
