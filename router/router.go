// Package router wires the HTTP surface onto a *Dispatcher: one route
// per caller dialect plus the model-listing endpoint, following a
// one-SetRouter-function-per-surface pattern called once from main.
package router

import (
	"github.com/gin-gonic/gin"

	"github.com/relaymesh/gateway/middleware"
	"github.com/relaymesh/gateway/relay/controller"
	relaymodel "github.com/relaymesh/gateway/relay/model"
)

// SetRelayRouter mounts the four relay routes on server, all behind the
// shared request-id/recovery/drain-tracking middleware stack.
func SetRelayRouter(server *gin.Engine, dispatcher *controller.Dispatcher) {
	server.Use(middleware.RequestID(), middleware.RelayPanicRecover())

	v1 := server.Group("/v1")
	{
		v1.POST("/chat/completions", func(c *gin.Context) {
			dispatcher.Handle(c, relaymodel.DialectOpenAI)
		})
		v1.POST("/messages", func(c *gin.Context) {
			dispatcher.Handle(c, relaymodel.DialectClaude)
		})
		v1.GET("/models", controller.ListModels)
	}

	v1beta := server.Group("/v1beta")
	{
		// Gemini's method name rides the path segment after ':' (e.g.
		// "gemini-1.5-pro:generateContent"); gin's :model wildcard
		// captures the whole segment, and the dispatcher itself splits
		// the method suffix back off (see modelFromGeminiPath).
		v1beta.POST("/models/:model", func(c *gin.Context) {
			dispatcher.Handle(c, relaymodel.DialectGemini)
		})
	}
}
