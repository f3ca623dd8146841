package dialect

import (
	"testing"

	"github.com/stretchr/testify/require"

	relaymodel "github.com/relaymesh/gateway/relay/model"
)

func TestGeminiParseContentsAndRoles(t *testing.T) {
	raw := []byte(`{"contents":[
		{"role":"user","parts":[{"text":"hi"}]},
		{"role":"model","parts":[{"text":"hello"}]}
	]}`)

	req, err := geminiTranslator{}.Parse(raw)
	require.NoError(t, err)
	require.Len(t, req.Messages, 2)
	require.Equal(t, relaymodel.RoleUser, req.Messages[0].Role)
	require.Equal(t, relaymodel.RoleAssistant, req.Messages[1].Role)
	require.Equal(t, "hello", req.Messages[1].Text)
}

func TestGeminiParseSystemInstruction(t *testing.T) {
	raw := []byte(`{"systemInstruction":{"parts":[{"text":"be terse"}]},
		"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)

	req, err := geminiTranslator{}.Parse(raw)
	require.NoError(t, err)
	require.Len(t, req.Messages, 2)
	require.Equal(t, relaymodel.RoleSystem, req.Messages[0].Role)
	require.Equal(t, "be terse", req.Messages[0].Text)
}

func TestGeminiParseEmptyContentsIsBadRequest(t *testing.T) {
	raw := []byte(`{"contents":[]}`)

	_, err := geminiTranslator{}.Parse(raw)
	require.Error(t, err)
	var relayErr *relaymodel.Error
	require.ErrorAs(t, err, &relayErr)
	require.Equal(t, relaymodel.ErrBadRequest, relayErr.Kind)
}

func TestGeminiRenderStreamChunkDoneReturnsNil(t *testing.T) {
	out := geminiTranslator{}.RenderStreamChunk(&relaymodel.Chunk{Done: true})
	require.Nil(t, out)
}

func TestGeminiRenderStreamChunkIncludesUsage(t *testing.T) {
	out := geminiTranslator{}.RenderStreamChunk(&relaymodel.Chunk{
		TextDelta: "abc",
		Usage:     &relaymodel.Usage{PromptTokens: 10, CompletionTokens: 5},
	})
	require.Contains(t, string(out), `"promptTokenCount":10`)
	require.Contains(t, string(out), `"candidatesTokenCount":5`)
}

func TestGeminiContentTypeAlwaysJSON(t *testing.T) {
	tr := geminiTranslator{}
	require.Equal(t, "application/json", tr.ContentType(true))
	require.Equal(t, "application/json", tr.ContentType(false))
}

func TestGeminiParseMultipleTextPartsProducesPartsList(t *testing.T) {
	raw := []byte(`{"contents":[{"role":"user","parts":[{"text":"a"},{"text":"b"}]}]}`)

	req, err := geminiTranslator{}.Parse(raw)
	require.NoError(t, err)
	require.Len(t, req.Messages[0].Parts, 2)
	require.Equal(t, "a", req.Messages[0].Parts[0].Text)
	require.Equal(t, "b", req.Messages[0].Parts[1].Text)
}

func TestGeminiParseInlineDataImage(t *testing.T) {
	raw := []byte(`{"contents":[{"role":"user","parts":[
		{"text":"describe"},
		{"inlineData":{"mimeType":"image/png","data":"Zm9v"}}
	]}]}`)

	req, err := geminiTranslator{}.Parse(raw)
	require.NoError(t, err)
	require.Len(t, req.Messages[0].Parts, 2)
	require.Equal(t, relaymodel.PartImageRef, req.Messages[0].Parts[1].Type)
	require.Equal(t, "Zm9v", req.Messages[0].Parts[1].ImageBase64)
	require.Equal(t, "image/png", req.Messages[0].Parts[1].ImageMIME)
}

func TestGeminiParseFunctionCallRoundTrip(t *testing.T) {
	raw := []byte(`{"contents":[{"role":"model","parts":[
		{"functionCall":{"name":"lookup","args":{"city":"nyc"}}}
	]}]}`)

	req, err := geminiTranslator{}.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, relaymodel.PartToolCall, req.Messages[0].Parts[0].Type)
	require.Equal(t, "lookup", req.Messages[0].Parts[0].ToolName)
	require.Contains(t, req.Messages[0].Parts[0].ToolArgsJSON, "nyc")
}

func TestGeminiParseToolsAndToolChoice(t *testing.T) {
	raw := []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}],
		"tools":[{"functionDeclarations":[{"name":"lookup","description":"look things up","parameters":{"type":"object"}}]}],
		"toolConfig":{"functionCallingConfig":{"mode":"ANY","allowedFunctionNames":["lookup"]}}}`)

	req, err := geminiTranslator{}.Parse(raw)
	require.NoError(t, err)
	require.Len(t, req.Tools, 1)
	require.Equal(t, "lookup", req.Tools[0].Name)
	require.NotNil(t, req.ToolChoice)
	require.Equal(t, "name", req.ToolChoice.Mode)
	require.Equal(t, "lookup", req.ToolChoice.Name)
}

func TestGeminiParseUnrecognizedPartIsUnsupportedFeature(t *testing.T) {
	raw := []byte(`{"contents":[{"role":"user","parts":[{"fileData":{"fileUri":"gs://x"}}]}]}`)

	_, err := geminiTranslator{}.Parse(raw)
	require.Error(t, err)
	var relayErr *relaymodel.Error
	require.ErrorAs(t, err, &relayErr)
	require.Equal(t, relaymodel.ErrUnsupportedFeature, relayErr.Kind)
}
