package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/relaymesh/gateway/common/logger"
)

// RelayPanicRecover catches a panic anywhere in the dispatch path
// (including mid-stream, after headers may already be sent) and renders
// a canonical 500 rather than letting gin's own recovery tear down the
// connection with a bare "500 Internal Server Error".
func RelayPanicRecover() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				lg := gmw.GetLogger(c)
				if lg == nil {
					lg = logger.Logger
				}
				lg.Error("panic detected",
					zap.Any("panic", err),
					zap.String("stacktrace", string(debug.Stack())),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path))
				if !c.Writer.Written() {
					c.JSON(http.StatusInternalServerError, gin.H{
						"error": gin.H{
							"type":    "internal_error",
							"message": fmt.Sprintf("panic detected: %v", err),
						},
					})
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}
