package gemini

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/gateway/model"
	relaymodel "github.com/relaymesh/gateway/relay/model"
)

func testProvider(baseURL string) *model.Provider {
	return &model.Provider{ID: 1, Type: "gemini", BaseURLOverride: &baseURL}
}

func TestExecuteUnarySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-key", r.URL.Query().Get("key"))
		require.True(t, len(r.URL.Path) > 0)
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"hi there"}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2}}`)
	}))
	defer srv.Close()

	a := New(srv.Client())
	stream, err := a.Execute(context.Background(), &model.Account{Secret: "test-key"}, testProvider(srv.URL), &relaymodel.Request{
		Model:    "gemini-1.5-pro",
		Messages: []relaymodel.Message{{Role: relaymodel.RoleUser, Text: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hi there", chunk.TextDelta)
	require.Equal(t, int64(4), chunk.Usage.PromptTokens)

	done, err := stream.Next(context.Background())
	require.NoError(t, err)
	require.True(t, done.Done)
}

func TestExecuteStreamingConcatenatedObjects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, ":streamGenerateContent")
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"ab"}]}}]}`)
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"cd"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2}}`)
	}))
	defer srv.Close()

	a := New(srv.Client())
	stream, err := a.Execute(context.Background(), &model.Account{Secret: "test-key"}, testProvider(srv.URL), &relaymodel.Request{
		Model:    "gemini-1.5-pro",
		Stream:   true,
		Messages: []relaymodel.Message{{Role: relaymodel.RoleUser, Text: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ab", chunk.TextDelta)

	chunk, err = stream.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "cd", chunk.TextDelta)
	require.Equal(t, int64(2), chunk.Usage.CompletionTokens)

	done, err := stream.Next(context.Background())
	require.NoError(t, err)
	require.True(t, done.Done)
}

func TestExecuteUpstreamErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"message":"blocked"}}`)
	}))
	defer srv.Close()

	a := New(srv.Client())
	_, err := a.Execute(context.Background(), &model.Account{Secret: "test-key"}, testProvider(srv.URL), &relaymodel.Request{
		Model:    "gemini-1.5-pro",
		Messages: []relaymodel.Message{{Role: relaymodel.RoleUser, Text: "hi"}},
	})
	require.Error(t, err)
	var relayErr *relaymodel.Error
	require.ErrorAs(t, err, &relayErr)
	require.Equal(t, "blocked", relayErr.Message)
}

func TestBuildGenerateRequestMapsSystemInstructionAndRoles(t *testing.T) {
	req := &relaymodel.Request{
		Model: "gemini-1.5-pro",
		Messages: []relaymodel.Message{
			{Role: relaymodel.RoleSystem, Text: "be terse"},
			{Role: relaymodel.RoleUser, Text: "hi"},
			{Role: relaymodel.RoleAssistant, Text: "hello"},
		},
	}
	out := buildGenerateRequest(req)
	require.NotNil(t, out.SystemInstruction)
	require.Equal(t, "be terse", out.SystemInstruction.Parts[0].Text)
	require.Len(t, out.Contents, 2)
	require.Equal(t, "user", out.Contents[0].Role)
	require.Equal(t, "model", out.Contents[1].Role)
}

func TestBuildGenerateRequestForwardsToolsAndToolChoice(t *testing.T) {
	req := &relaymodel.Request{
		Model:    "gemini-1.5-pro",
		Messages: []relaymodel.Message{{Role: relaymodel.RoleUser, Text: "weather?"}},
		Tools: []relaymodel.ToolDefinition{
			{Name: "get_weather", Description: "fetch weather", ParamsJSON: `{"type":"object"}`},
		},
		ToolChoice: &relaymodel.ToolChoice{Mode: "name", Name: "get_weather"},
	}

	out := buildGenerateRequest(req)
	require.Len(t, out.Tools, 1)
	require.Len(t, out.Tools[0].FunctionDeclarations, 1)
	require.Equal(t, "get_weather", out.Tools[0].FunctionDeclarations[0].Name)
	require.NotNil(t, out.ToolConfig)
	require.Equal(t, "ANY", out.ToolConfig.FunctionCallingConfig.Mode)
	require.Equal(t, []string{"get_weather"}, out.ToolConfig.FunctionCallingConfig.AllowedFunctionNames)
}

func TestSplitJSONObjectsHandlesStringsWithBraces(t *testing.T) {
	data := []byte(`{"a":"{not a brace}"}{"b":1}`)
	advance, token, err := splitJSONObjects(data, false)
	require.NoError(t, err)
	require.Equal(t, `{"a":"{not a brace}"}`, string(token))
	require.Equal(t, len(token), advance)
}

func TestGeminiURLIncludesKeyParam(t *testing.T) {
	var gotURL *url.URL
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"x"}]},"finishReason":"STOP"}]}`)
	}))
	defer srv.Close()

	a := New(srv.Client())
	_, err := a.Execute(context.Background(), &model.Account{Secret: "abc123"}, testProvider(srv.URL), &relaymodel.Request{
		Model:    "gemini-1.5-pro",
		Messages: []relaymodel.Message{{Role: relaymodel.RoleUser, Text: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "abc123", gotURL.Query().Get("key"))
	require.Contains(t, gotURL.Path, "gemini-1.5-pro:generateContent")
}
