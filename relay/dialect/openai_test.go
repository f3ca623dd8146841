package dialect

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	relaymodel "github.com/relaymesh/gateway/relay/model"
)

func TestOpenAIParseSimpleText(t *testing.T) {
	raw := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}],"stream":true}`)

	req, err := openAITranslator{}.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "gpt-4o", req.Model)
	require.True(t, req.Stream)
	require.Equal(t, relaymodel.DialectOpenAI, req.Dialect)
	require.Len(t, req.Messages, 1)
	require.Equal(t, relaymodel.RoleUser, req.Messages[0].Role)
	require.Equal(t, "hello", req.Messages[0].Text)
}

func TestOpenAIParseMultimodalContent(t *testing.T) {
	raw := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":[
		{"type":"text","text":"describe this"},
		{"type":"image_url","image_url":{"url":"https://example.com/a.png"}}
	]}]}`)

	req, err := openAITranslator{}.Parse(raw)
	require.NoError(t, err)
	require.Len(t, req.Messages[0].Parts, 2)
	require.Equal(t, relaymodel.PartText, req.Messages[0].Parts[0].Type)
	require.Equal(t, "describe this", req.Messages[0].Parts[0].Text)
	require.Equal(t, relaymodel.PartImageRef, req.Messages[0].Parts[1].Type)
	require.Equal(t, "https://example.com/a.png", req.Messages[0].Parts[1].ImageURL)
}

func TestOpenAIParseToolsAndToolChoice(t *testing.T) {
	raw := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"weather?"}],
		"tools":[{"type":"function","function":{"name":"get_weather","description":"fetch weather","parameters":{"type":"object"}}}],
		"tool_choice":{"type":"function","function":{"name":"get_weather"}}}`)

	req, err := openAITranslator{}.Parse(raw)
	require.NoError(t, err)
	require.Len(t, req.Tools, 1)
	require.Equal(t, "get_weather", req.Tools[0].Name)
	require.NotNil(t, req.ToolChoice)
	require.Equal(t, "name", req.ToolChoice.Mode)
	require.Equal(t, "get_weather", req.ToolChoice.Name)
}

func TestOpenAIParseToolChoiceStringModes(t *testing.T) {
	raw := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"tool_choice":"required"}`)

	req, err := openAITranslator{}.Parse(raw)
	require.NoError(t, err)
	require.NotNil(t, req.ToolChoice)
	require.Equal(t, "required", req.ToolChoice.Mode)
}

func TestOpenAIParseUnrecognizedContentPartIsUnsupportedFeature(t *testing.T) {
	raw := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":[{"type":"video_url"}]}]}`)

	_, err := openAITranslator{}.Parse(raw)
	require.Error(t, err)
	var relayErr *relaymodel.Error
	require.ErrorAs(t, err, &relayErr)
	require.Equal(t, relaymodel.ErrUnsupportedFeature, relayErr.Kind)
}

func TestOpenAIParseMissingModelIsBadRequest(t *testing.T) {
	raw := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)

	_, err := openAITranslator{}.Parse(raw)
	require.Error(t, err)
	var relayErr *relaymodel.Error
	require.ErrorAs(t, err, &relayErr)
	require.Equal(t, relaymodel.ErrBadRequest, relayErr.Kind)
}

func TestOpenAIRenderUnary(t *testing.T) {
	resp := &relaymodel.Response{
		Model:        "gpt-4o",
		Text:         "hi there",
		FinishReason: relaymodel.FinishStop,
		Usage:        relaymodel.Usage{PromptTokens: 3, CompletionTokens: 2},
	}

	body, err := openAITranslator{}.RenderUnary(resp)
	require.NoError(t, err)
	require.Contains(t, string(body), `"chat.completion"`)
	require.Contains(t, string(body), `"hi there"`)
	require.Contains(t, string(body), `"total_tokens":5`)
}

func TestOpenAIRenderStreamChunkDone(t *testing.T) {
	out := openAITranslator{}.RenderStreamChunk(&relaymodel.Chunk{Done: true})
	require.Equal(t, "data: [DONE]\n\n", string(out))
}

func TestOpenAIRenderStreamChunkDelta(t *testing.T) {
	out := openAITranslator{}.RenderStreamChunk(&relaymodel.Chunk{TextDelta: "abc"})
	require.True(t, strings.HasPrefix(string(out), "data: "))
	require.Contains(t, string(out), `"content":"abc"`)
}

func TestOpenAIContentType(t *testing.T) {
	tr := openAITranslator{}
	require.Equal(t, "text/event-stream", tr.ContentType(true))
	require.Equal(t, "application/json", tr.ContentType(false))
}

func TestForReturnsMatchingTranslator(t *testing.T) {
	require.IsType(t, openAITranslator{}, For(relaymodel.DialectOpenAI))
	require.IsType(t, claudeTranslator{}, For(relaymodel.DialectClaude))
	require.IsType(t, geminiTranslator{}, For(relaymodel.DialectGemini))
	require.IsType(t, openAITranslator{}, For(relaymodel.Dialect("unknown")))
}
