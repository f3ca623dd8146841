// Package dialect implements the per-dialect parse/render function pairs
// between the caller's wire format and the canonical request/response
// shape of relay/model.
package dialect

import relaymodel "github.com/relaymesh/gateway/relay/model"

// Translator is implemented once per caller dialect (OpenAI, Claude,
// Gemini). Parse and RenderUnary are pure; RenderStreamChunk is called
// once per upstream Chunk and must be restartable on a fresh stream (no
// cross-chunk buffering beyond what the dialect's own SSE framing
// requires).
type Translator interface {
	Parse(raw []byte) (*relaymodel.Request, error)
	RenderUnary(resp *relaymodel.Response) ([]byte, error)
	RenderStreamChunk(c *relaymodel.Chunk) []byte
	RenderStreamError(kind relaymodel.ErrorKind, message string) []byte
	ContentType(stream bool) string
}

func For(d relaymodel.Dialect) Translator {
	switch d {
	case relaymodel.DialectClaude:
		return claudeTranslator{}
	case relaymodel.DialectGemini:
		return geminiTranslator{}
	default:
		return openAITranslator{}
	}
}
