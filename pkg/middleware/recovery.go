package middleware

import (
	"log"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
)

// Recovery はハンドラのパニックを回復するGinミドルウェアを返す。
//
// 応答をまだ書いていなければ500と {"message"} を返す。イベントストリームのように
// 既に書き始めている場合は本文を追記せずに処理を打ち切る。
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			log.Printf("[PANIC] %s %s user=%q: %v\n%s",
				c.Request.Method, c.Request.URL.Path, GetUserID(c), r, debug.Stack())

			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"message": "内部サーバーエラーが発生しました",
			})
		}()
		c.Next()
	}
}
