package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// corsHeaders は許可したオリジンへの応答に付けるヘッダー。
// Last-Event-ID はEventSourceが再接続時に送る。
var corsHeaders = map[string]string{
	"Access-Control-Allow-Methods": "GET, POST, PATCH, DELETE, OPTIONS",
	"Access-Control-Allow-Headers": "Authorization, Content-Type, Last-Event-ID",
	"Access-Control-Max-Age":       "86400",
	"Vary":                         "Origin",
}

// CORS は指定されたオリジンからのクロスオリジンリクエストを許可するGinミドルウェアを返す。
// "*" を含めると全てのオリジンを許可する。プリフライトは常に204で打ち切る。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowAll := false
	originsSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		originsSet[o] = struct{}{}
	}
	allowed := func(origin string) bool {
		if origin == "" {
			return false
		}
		_, ok := originsSet[origin]
		return ok || allowAll
	}

	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); allowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			for k, v := range corsHeaders {
				c.Header(k, v)
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
