// Package adaptor implements the provider adapter layer: one Adaptor per
// provider type, each translating a canonical request into that
// provider's wire call and its response back into a ChunkStream of
// canonical Chunks.
package adaptor

import (
	"context"
	"net/http"

	"github.com/relaymesh/gateway/model"
	relaymodel "github.com/relaymesh/gateway/relay/model"
)

// ChunkStream is a lazy, finite, cancellable sequence of canonical
// Chunks. Next blocks until the next chunk is available, the stream
// ends (Chunk.Done == true, err == nil), or ctx is cancelled. Close
// must always be called and must close the underlying upstream
// connection within one round-trip even if the stream was never fully
// drained.
type ChunkStream interface {
	Next(ctx context.Context) (*relaymodel.Chunk, error)
	Close() error
}

// Adaptor is implemented once per provider type (openai, anthropic,
// google, kiro, glm). Execute owns the full upstream round trip:
// building the request, sending it, and parsing the response into a
// ChunkStream. Adaptors never see gin.Context or write an HTTP response
// themselves; the dispatcher is the only caller and the only component
// that speaks the caller-facing wire format.
type Adaptor interface {
	// Execute sends req to account's upstream endpoint and returns a
	// ChunkStream. For non-streaming requests the returned stream still
	// yields exactly one content Chunk followed by a Done chunk, so the
	// dispatcher can treat both request shapes uniformly.
	Execute(ctx context.Context, account *model.Account, provider *model.Provider, req *relaymodel.Request) (ChunkStream, error)
}

// ClassifyHTTPError maps a non-2xx upstream status code to the
// canonical error taxonomy. Shared by every adaptor so status code
// interpretation is consistent across providers; an adaptor may
// override specific codes by checking the body before falling back to
// this.
func ClassifyHTTPError(statusCode int) relaymodel.ErrorKind {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return relaymodel.ErrRateLimited
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return relaymodel.ErrUpstreamAuthFailed
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return relaymodel.ErrUpstreamTimeout
	case statusCode >= 500:
		return relaymodel.ErrUpstream5xx
	case statusCode >= 400:
		return relaymodel.ErrBadRequest
	default:
		return relaymodel.ErrUpstream5xx
	}
}
