// Package glm implements Zhipu's GLM provider, which speaks the OpenAI
// Chat Completions wire format: this is a thin wrapper around the openai
// adaptor with GLM's default base URL and bearer token scheme.
package glm

import (
	"context"
	"net/http"

	"github.com/relaymesh/gateway/model"
	"github.com/relaymesh/gateway/relay/adaptor"
	"github.com/relaymesh/gateway/relay/adaptor/openai"
	relaymodel "github.com/relaymesh/gateway/relay/model"
)

const defaultBaseURL = "https://open.bigmodel.cn/api/paas/v4"

type Adaptor struct {
	inner *openai.Adaptor
}

func New(client *http.Client) *Adaptor {
	return &Adaptor{inner: openai.New(client)}
}

func (a *Adaptor) Execute(ctx context.Context, account *model.Account, provider *model.Provider, req *relaymodel.Request) (adaptor.ChunkStream, error) {
	if provider.BaseURLOverride == nil || *provider.BaseURLOverride == "" {
		base := defaultBaseURL
		provider = &model.Provider{
			ID:              provider.ID,
			Type:            provider.Type,
			Name:            provider.Name,
			Enabled:         provider.Enabled,
			Priority:        provider.Priority,
			Weight:          provider.Weight,
			Group:           provider.Group,
			SupportedModels: provider.SupportedModels,
			BaseURLOverride: &base,
		}
	}
	return a.inner.Execute(ctx, account, provider, req)
}
