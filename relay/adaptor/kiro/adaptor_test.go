package kiro

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/gateway/model"
	relaymodel "github.com/relaymesh/gateway/relay/model"
)

func setupTestDB(t *testing.T) {
	if model.DB == nil {
		require.NoError(t, model.InitDB())
	}
}

func testProvider(baseURL string) *model.Provider {
	return &model.Provider{ID: 1, Type: "kiro", BaseURLOverride: &baseURL}
}

func marshalBundle(t *testing.T, b credentialBundle) string {
	raw, err := json.Marshal(b)
	require.NoError(t, err)
	return string(raw)
}

func TestExecuteStreamingWithoutRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer live-token", r.Header.Get("Authorization"))
		require.NotEmpty(t, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: delta\ndata: {\"content\":\"ab\"}\n\n")
		fmt.Fprint(w, "event: done\ndata: {}\n\n")
	}))
	defer srv.Close()

	bundle := credentialBundle{
		AccessToken:  "live-token",
		ExpiresAt:    time.Now().Add(time.Hour),
		AWSAccessKey: "AKIDEXAMPLE",
		AWSSecretKey: "secret",
	}
	account := &model.Account{ID: 1, Secret: marshalBundle(t, bundle)}

	a := New(srv.Client(), nil)
	stream, err := a.Execute(context.Background(), account, testProvider(srv.URL), &relaymodel.Request{
		Model:    "kiro-default",
		Stream:   true,
		Messages: []relaymodel.Message{{Role: relaymodel.RoleUser, Text: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ab", chunk.TextDelta)

	done, err := stream.Next(context.Background())
	require.NoError(t, err)
	require.True(t, done.Done)
}

func TestExecuteRefreshesNearExpiryCredentialsAndPersists(t *testing.T) {
	setupTestDB(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer refreshed-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: done\ndata: {}\n\n")
	}))
	defer srv.Close()

	bundle := credentialBundle{
		AccessToken:  "stale-token",
		RefreshToken: "refresh-me",
		ExpiresAt:    time.Now().Add(30 * time.Second),
		AWSAccessKey: "AKIDEXAMPLE",
		AWSSecretKey: "secret",
	}
	account := &model.Account{Secret: marshalBundle(t, bundle)}
	require.NoError(t, model.DB.Create(account).Error)
	t.Cleanup(func() { model.DB.Unscoped().Delete(&model.Account{}, account.ID) })

	refreshCalled := false
	refresh := func(ctx context.Context, refreshToken string) (*credentialBundle, error) {
		refreshCalled = true
		require.Equal(t, "refresh-me", refreshToken)
		return &credentialBundle{
			AccessToken:  "refreshed-token",
			RefreshToken: "refresh-me",
			ExpiresAt:    time.Now().Add(time.Hour),
			AWSAccessKey: "AKIDEXAMPLE",
			AWSSecretKey: "secret",
		}, nil
	}

	a := New(srv.Client(), refresh)
	stream, err := a.Execute(context.Background(), account, testProvider(srv.URL), &relaymodel.Request{
		Model:    "kiro-default",
		Stream:   true,
		Messages: []relaymodel.Message{{Role: relaymodel.RoleUser, Text: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()
	require.True(t, refreshCalled)

	var reloaded model.Account
	require.NoError(t, model.DB.First(&reloaded, account.ID).Error)
	var persisted credentialBundle
	require.NoError(t, json.Unmarshal([]byte(reloaded.Secret), &persisted))
	require.Equal(t, "refreshed-token", persisted.AccessToken)
}

func TestRunUsageSweepNilFuncNoops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, RunUsageSweep(ctx, nil, time.Minute, 0))
}

func TestSweepUsageOnceUpdatesEnabledKiroAccounts(t *testing.T) {
	setupTestDB(t)

	provider := &model.Provider{Type: model.ProviderTypeKiro, Enabled: true, SupportedModels: "kiro-default"}
	require.NoError(t, model.DB.Create(provider).Error)
	bundle := credentialBundle{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}
	account := &model.Account{ProviderID: provider.ID, Enabled: true, Secret: marshalBundle(t, bundle)}
	require.NoError(t, model.DB.Create(account).Error)
	t.Cleanup(func() {
		model.DB.Unscoped().Delete(&model.Account{}, account.ID)
		model.DB.Unscoped().Delete(&model.Provider{}, provider.ID)
	})

	sweepUsageOnce(context.Background(), func(ctx context.Context, a *model.Account) (int64, int64, error) {
		require.Equal(t, account.ID, a.ID)
		return 42, 100, nil
	})

	var reloaded model.Account
	require.NoError(t, model.DB.First(&reloaded, account.ID).Error)
	require.NotNil(t, reloaded.UsageCount)
	require.Equal(t, int64(42), *reloaded.UsageCount)
	require.Equal(t, int64(100), *reloaded.UsageLimit)
}

func TestExecuteRefreshFailureClassifiedAsAuthFailed(t *testing.T) {
	setupTestDB(t)

	bundle := credentialBundle{
		AccessToken:  "stale-token",
		RefreshToken: "refresh-me",
		ExpiresAt:    time.Now().Add(30 * time.Second),
		AWSAccessKey: "AKIDEXAMPLE",
		AWSSecretKey: "secret",
	}
	account := &model.Account{Secret: marshalBundle(t, bundle)}
	require.NoError(t, model.DB.Create(account).Error)
	t.Cleanup(func() { model.DB.Unscoped().Delete(&model.Account{}, account.ID) })

	refresh := func(ctx context.Context, refreshToken string) (*credentialBundle, error) {
		return nil, fmt.Errorf("device flow rejected")
	}

	a := New(http.DefaultClient, refresh)
	_, err := a.Execute(context.Background(), account, testProvider("https://example.invalid"), &relaymodel.Request{
		Model:    "kiro-default",
		Messages: []relaymodel.Message{{Role: relaymodel.RoleUser, Text: "hi"}},
	})
	require.Error(t, err)
	var relayErr *relaymodel.Error
	require.ErrorAs(t, err, &relayErr)
	require.Equal(t, relaymodel.ErrUpstreamAuthFailed, relayErr.Kind)
}
