// Package middleware holds the gin middlewares wired around the relay
// routes: request-id assignment and panic recovery. The draining
// middleware lives in common/graceful.
package middleware

import (
	gmw "github.com/Laisky/gin-middlewares/v6"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/relaymesh/gateway/common/ctxkey"
	"github.com/relaymesh/gateway/common/logger"
	"github.com/relaymesh/gateway/common/random"
)

// RequestID assigns a request id, echoes it in the response header, and
// binds a per-request logger (via gmw) carrying that id as a field so
// every downstream gmw.GetLogger(c) call is already tagged.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := random.GetUUID()
		c.Set(ctxkey.RequestID, id)
		c.Header("X-Request-Id", id)
		gmw.SetLogger(c, logger.Logger.With(zap.String("request_id", id)))
		c.Next()
	}
}
