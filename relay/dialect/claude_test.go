package dialect

import (
	"testing"

	"github.com/stretchr/testify/require"

	relaymodel "github.com/relaymesh/gateway/relay/model"
)

func TestClaudeParseSystemAndMessages(t *testing.T) {
	raw := []byte(`{"model":"claude-3-opus","system":"be terse","max_tokens":100,
		"messages":[{"role":"user","content":"hi"}]}`)

	req, err := claudeTranslator{}.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "claude-3-opus", req.Model)
	require.Len(t, req.Messages, 2)
	require.Equal(t, relaymodel.RoleSystem, req.Messages[0].Role)
	require.Equal(t, "be terse", req.Messages[0].Text)
	require.Equal(t, relaymodel.RoleUser, req.Messages[1].Role)
	require.NotNil(t, req.Sampling.MaxTokens)
	require.Equal(t, 100, *req.Sampling.MaxTokens)
}

func TestClaudeParseMissingMessagesIsBadRequest(t *testing.T) {
	raw := []byte(`{"model":"claude-3-opus","max_tokens":10,"messages":[]}`)

	_, err := claudeTranslator{}.Parse(raw)
	require.Error(t, err)
	var relayErr *relaymodel.Error
	require.ErrorAs(t, err, &relayErr)
	require.Equal(t, relaymodel.ErrBadRequest, relayErr.Kind)
}

func TestClaudeParseContentBlocks(t *testing.T) {
	raw := []byte(`{"model":"claude-3-opus","max_tokens":10,
		"messages":[{"role":"user","content":[{"type":"text","text":"part one"}]}]}`)

	req, err := claudeTranslator{}.Parse(raw)
	require.NoError(t, err)
	require.Len(t, req.Messages[0].Parts, 1)
	require.Equal(t, "part one", req.Messages[0].Parts[0].Text)
}

func TestClaudeParseToolsAndToolChoice(t *testing.T) {
	raw := []byte(`{"model":"claude-3-opus","max_tokens":10,
		"messages":[{"role":"user","content":"what's the weather"}],
		"tools":[{"name":"get_weather","description":"fetch weather","input_schema":{"type":"object"}}],
		"tool_choice":{"type":"tool","name":"get_weather"}}`)

	req, err := claudeTranslator{}.Parse(raw)
	require.NoError(t, err)
	require.Len(t, req.Tools, 1)
	require.Equal(t, "get_weather", req.Tools[0].Name)
	require.NotNil(t, req.ToolChoice)
	require.Equal(t, "name", req.ToolChoice.Mode)
	require.Equal(t, "get_weather", req.ToolChoice.Name)
}

func TestClaudeParseToolUseAndToolResultBlocks(t *testing.T) {
	raw := []byte(`{"model":"claude-3-opus","max_tokens":10,
		"messages":[
			{"role":"assistant","content":[{"type":"tool_use","id":"call_1","name":"get_weather","input":{"city":"nyc"}}]},
			{"role":"user","content":[{"type":"tool_result","tool_use_id":"call_1","content":"72F"}]}
		]}`)

	req, err := claudeTranslator{}.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, relaymodel.PartToolCall, req.Messages[0].Parts[0].Type)
	require.Equal(t, "get_weather", req.Messages[0].Parts[0].ToolName)
	require.Contains(t, req.Messages[0].Parts[0].ToolArgsJSON, "nyc")
	require.Equal(t, relaymodel.PartToolResult, req.Messages[1].Parts[0].Type)
	require.Equal(t, "72F", req.Messages[1].Parts[0].ToolResultContent)
}

func TestClaudeParseUnrecognizedContentBlockIsUnsupportedFeature(t *testing.T) {
	raw := []byte(`{"model":"claude-3-opus","max_tokens":10,
		"messages":[{"role":"user","content":[{"type":"unknown_block"}]}]}`)

	_, err := claudeTranslator{}.Parse(raw)
	require.Error(t, err)
	var relayErr *relaymodel.Error
	require.ErrorAs(t, err, &relayErr)
	require.Equal(t, relaymodel.ErrUnsupportedFeature, relayErr.Kind)
}

func TestClaudeRenderUnaryStopReasons(t *testing.T) {
	tr := claudeTranslator{}

	body, err := tr.RenderUnary(&relaymodel.Response{FinishReason: relaymodel.FinishLength})
	require.NoError(t, err)
	require.Contains(t, string(body), "max_tokens")

	body, err = tr.RenderUnary(&relaymodel.Response{FinishReason: relaymodel.FinishToolCalls})
	require.NoError(t, err)
	require.Contains(t, string(body), "tool_use")

	body, err = tr.RenderUnary(&relaymodel.Response{FinishReason: relaymodel.FinishStop})
	require.NoError(t, err)
	require.Contains(t, string(body), "end_turn")
}

func TestClaudeRenderStreamChunkDelta(t *testing.T) {
	out := claudeTranslator{}.RenderStreamChunk(&relaymodel.Chunk{TextDelta: "abc"})
	require.Contains(t, string(out), "event: content_block_delta")
	require.Contains(t, string(out), `"text":"abc"`)
}

func TestClaudeRenderStreamChunkFinish(t *testing.T) {
	stop := relaymodel.FinishStop
	out := claudeTranslator{}.RenderStreamChunk(&relaymodel.Chunk{FinishReason: &stop})
	require.Contains(t, string(out), "event: message_delta")
	require.Contains(t, string(out), "event: content_block_stop")
}

func TestClaudeRenderStreamChunkDone(t *testing.T) {
	out := claudeTranslator{}.RenderStreamChunk(&relaymodel.Chunk{Done: true})
	require.Contains(t, string(out), "event: message_stop")
}
