// Package controller implements the Dispatcher: the single component
// that owns a gin.Context across authorize, parse, resolve, and the
// attempt loop, and the only place that renders a canonical ErrorKind
// into an HTTP status and a dialect-shaped body.
package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/gateway/relay/dialect"
	relaymodel "github.com/relaymesh/gateway/relay/model"
)

// statusForKind is the canonical error-kind to HTTP-status table.
func statusForKind(kind relaymodel.ErrorKind) int {
	switch kind {
	case relaymodel.ErrInvalidKey, relaymodel.ErrTokenDisabled, relaymodel.ErrTokenExpired,
		relaymodel.ErrTokenExhausted, relaymodel.ErrQuotaInsufficient:
		return http.StatusUnauthorized
	case relaymodel.ErrIPNotAllowed, relaymodel.ErrModelNotPermitted:
		return http.StatusForbidden
	case relaymodel.ErrUnsupportedFeature, relaymodel.ErrBadRequest:
		return http.StatusBadRequest
	case relaymodel.ErrNoProviderAvailable:
		return http.StatusServiceUnavailable
	case relaymodel.ErrRateLimited:
		return http.StatusTooManyRequests
	case relaymodel.ErrUpstreamTimeout, relaymodel.ErrUpstream5xx, relaymodel.ErrUpstreamAuthFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorBody builds the dialect-shaped JSON body for a terminal error,
// independent of dialect.Translator.RenderStreamError (which SSE-frames
// openai and claude payloads); this is the unary counterpart used before
// any stream has started.
func errorBody(d relaymodel.Dialect, kind relaymodel.ErrorKind, message string) gin.H {
	switch d {
	case relaymodel.DialectClaude:
		return gin.H{
			"type":  "error",
			"error": gin.H{"type": string(kind), "message": message},
		}
	case relaymodel.DialectGemini:
		return gin.H{
			"error": gin.H{"status": string(kind), "message": message},
		}
	default:
		return gin.H{
			"error": gin.H{"type": string(kind), "message": message},
		}
	}
}

// writeError renders a terminal failure before any response bytes have
// been written. Once streaming has started, the dispatcher must instead
// use the translator's RenderStreamError and write a mid-stream chunk;
// calling writeError after headers are sent would be a no-op panic risk
// gin already guards against with a warning, so the attempt loop never
// calls both for the same request.
func writeError(c *gin.Context, d relaymodel.Dialect, kind relaymodel.ErrorKind, message string) {
	c.JSON(statusForKind(kind), errorBody(d, kind, message))
}

// writeDispatchError classifies a relaymodel.Error (or a generic error,
// treated as an internal upstream failure) and writes it.
func writeDispatchError(c *gin.Context, d relaymodel.Dialect, err error) {
	if derr, ok := err.(*relaymodel.Error); ok {
		writeError(c, d, derr.Kind, derr.Message)
		return
	}
	writeError(c, d, relaymodel.ErrUpstream5xx, err.Error())
}

// translatorFor is a thin indirection so tests can swap in a fake
// dialect.Translator without touching package-level state.
var translatorFor = dialect.For
