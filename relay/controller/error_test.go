package controller

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	relaymodel "github.com/relaymesh/gateway/relay/model"
)

func TestStatusForKind(t *testing.T) {
	cases := map[relaymodel.ErrorKind]int{
		relaymodel.ErrInvalidKey:          http.StatusUnauthorized,
		relaymodel.ErrTokenExhausted:      http.StatusUnauthorized,
		relaymodel.ErrQuotaInsufficient:   http.StatusUnauthorized,
		relaymodel.ErrIPNotAllowed:        http.StatusForbidden,
		relaymodel.ErrModelNotPermitted:   http.StatusForbidden,
		relaymodel.ErrBadRequest:          http.StatusBadRequest,
		relaymodel.ErrUnsupportedFeature:  http.StatusBadRequest,
		relaymodel.ErrNoProviderAvailable: http.StatusServiceUnavailable,
		relaymodel.ErrRateLimited:         http.StatusTooManyRequests,
		relaymodel.ErrUpstreamTimeout:     http.StatusBadGateway,
		relaymodel.ErrUpstream5xx:         http.StatusBadGateway,
		relaymodel.ErrUpstreamAuthFailed:  http.StatusBadGateway,
		relaymodel.ErrClientCancelled:     http.StatusInternalServerError,
	}

	for kind, want := range cases {
		require.Equal(t, want, statusForKind(kind), "kind=%s", kind)
	}
}

func TestErrorBodyShapePerDialect(t *testing.T) {
	claude := errorBody(relaymodel.DialectClaude, relaymodel.ErrBadRequest, "bad")
	require.Equal(t, "error", claude["type"])

	gemini := errorBody(relaymodel.DialectGemini, relaymodel.ErrBadRequest, "bad")
	geminiErr, ok := gemini["error"].(gin.H)
	require.True(t, ok)
	require.Equal(t, string(relaymodel.ErrBadRequest), geminiErr["status"])

	openai := errorBody(relaymodel.DialectOpenAI, relaymodel.ErrBadRequest, "bad")
	openaiErr, ok := openai["error"].(gin.H)
	require.True(t, ok)
	require.Equal(t, string(relaymodel.ErrBadRequest), openaiErr["type"])
}
