package model

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProviderSupportsModel(t *testing.T) {
	p := &Provider{SupportedModels: "gpt-4o, claude-3-opus ,gemini-1.5-pro"}

	require.True(t, p.SupportsModel("gpt-4o"))
	require.True(t, p.SupportsModel("claude-3-opus"))
	require.False(t, p.SupportsModel("gpt-3.5-turbo"))
}

func TestProviderModelSet(t *testing.T) {
	p := &Provider{SupportedModels: "gpt-4o, ,claude-3-opus,"}

	require.Equal(t, []string{"gpt-4o", "claude-3-opus"}, p.ModelSet())
}

func createTestProvider(t *testing.T, name string, enabled bool, models string) *Provider {
	p := &Provider{Type: ProviderTypeOpenAI, Name: name, Enabled: enabled, SupportedModels: models}
	require.NoError(t, DB.Create(p).Error)
	t.Cleanup(func() {
		DB.Unscoped().Delete(&Provider{}, p.ID)
	})
	return p
}

func TestListEnabledModelsDedupesAndSkipsDisabled(t *testing.T) {
	setupTestDB(t)
	createTestProvider(t, "list-models-a", true, "gpt-4o,claude-3-opus")
	createTestProvider(t, "list-models-b", true, "claude-3-opus,gemini-1.5-pro")
	createTestProvider(t, "list-models-disabled", false, "should-not-appear")

	models, err := ListEnabledModels()
	require.NoError(t, err)

	sort.Strings(models)
	for _, m := range []string{"gpt-4o", "claude-3-opus", "gemini-1.5-pro"} {
		require.Contains(t, models, m)
	}
	require.NotContains(t, models, "should-not-appear")

	seen := map[string]int{}
	for _, m := range models {
		seen[m]++
	}
	require.Equal(t, 1, seen["claude-3-opus"])
}
