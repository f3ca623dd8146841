package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/gateway/common/ctxkey"
)

func newTestContext(method, path string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(method, path, nil)
	return c, rec
}

func TestRequestIDSetsHeaderAndContextValue(t *testing.T) {
	c, rec := newTestContext(http.MethodGet, "/v1/chat/completions")

	RequestID()(c)

	id, ok := c.Get(ctxkey.RequestID)
	require.True(t, ok)
	require.NotEmpty(t, id)
	require.Equal(t, id, rec.Header().Get("X-Request-Id"))
}

func TestRelayPanicRecoverRendersInternalError(t *testing.T) {
	c, rec := newTestContext(http.MethodPost, "/v1/chat/completions")

	handler := RelayPanicRecover()
	c.Handlers = gin.HandlersChain{handler, func(c *gin.Context) {
		panic("boom")
	}}
	c.Next()

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "panic detected")
	require.True(t, c.IsAborted())
}

func TestRelayPanicRecoverDoesNotOverwriteWrittenResponse(t *testing.T) {
	c, rec := newTestContext(http.MethodPost, "/v1/chat/completions")

	handler := RelayPanicRecover()
	c.Handlers = gin.HandlersChain{handler, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
		panic("boom after write")
	}}
	c.Next()

	require.Equal(t, http.StatusOK, rec.Code)
}
