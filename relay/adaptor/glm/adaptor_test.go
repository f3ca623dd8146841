package glm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/gateway/model"
	relaymodel "github.com/relaymesh/gateway/relay/model"
)

func TestExecuteUsesProviderOverrideWhenSet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer glm-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`)
	}))
	defer srv.Close()

	a := New(srv.Client())
	provider := &model.Provider{ID: 1, Type: "glm", BaseURLOverride: &srv.URL}
	stream, err := a.Execute(context.Background(), &model.Account{Secret: "glm-key"}, provider, &relaymodel.Request{
		Model:    "glm-4",
		Messages: []relaymodel.Message{{Role: relaymodel.RoleUser, Text: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", chunk.TextDelta)
}

type capturingTransport struct {
	gotURL string
}

func (c *capturingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.gotURL = r.URL.String()
	return nil, fmt.Errorf("capturingTransport refuses to dial out")
}

func TestExecuteFallsBackToDefaultBaseURLWhenUnset(t *testing.T) {
	provider := &model.Provider{ID: 1, Type: "glm"}
	transport := &capturingTransport{}
	a := New(&http.Client{Transport: transport})

	_, err := a.Execute(context.Background(), &model.Account{Secret: "glm-key"}, provider, &relaymodel.Request{
		Model:    "glm-4",
		Messages: []relaymodel.Message{{Role: relaymodel.RoleUser, Text: "hi"}},
	})
	require.Error(t, err)
	require.Contains(t, transport.gotURL, defaultBaseURL)
	require.Nil(t, provider.BaseURLOverride)
}
