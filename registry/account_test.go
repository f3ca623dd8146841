package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/gateway/model"
)

func setupTestDB(t *testing.T) {
	if model.DB == nil {
		require.NoError(t, model.InitDB())
	}
}

func createTestAccount(t *testing.T) *model.Account {
	a := &model.Account{ProviderID: 1, Secret: "test-secret", Enabled: true}
	require.NoError(t, model.DB.Create(a).Error)
	t.Cleanup(func() {
		model.DB.Unscoped().Delete(&model.Account{}, a.ID)
		model.DB.Unscoped().Delete(&model.HealthState{}, "account_id = ?", a.ID)
	})
	return a
}

func TestPickPrefersHealthyOverDegraded(t *testing.T) {
	setupTestDB(t)
	healthyAcct := createTestAccount(t)
	degradedAcct := createTestAccount(t)
	provider := &model.Provider{ID: 1, Weight: 1}

	candidates := []Candidate{
		{Account: degradedAcct, Provider: provider, Health: &model.HealthState{AccountID: degradedAcct.ID, Status: model.HealthStatusDegraded}},
		{Account: healthyAcct, Provider: provider, Health: &model.HealthState{AccountID: healthyAcct.ID, Status: model.HealthStatusHealthy}},
	}

	chosen, err := Pick(candidates, StrategyWeightedRandom, false)
	require.NoError(t, err)
	require.NotNil(t, chosen)
	require.Equal(t, healthyAcct.ID, chosen.Account.ID)
}

func TestPickExcludesUnhealthyWithoutFallback(t *testing.T) {
	setupTestDB(t)
	acct := createTestAccount(t)
	provider := &model.Provider{ID: 1, Weight: 1}

	candidates := []Candidate{
		{Account: acct, Provider: provider, Health: &model.HealthState{AccountID: acct.ID, Status: model.HealthStatusUnhealthy}},
	}

	chosen, err := Pick(candidates, StrategyWeightedRandom, false)
	require.NoError(t, err)
	require.Nil(t, chosen)
}

func TestPickFallsBackToUnhealthyWhenAllowed(t *testing.T) {
	setupTestDB(t)
	acct := createTestAccount(t)
	provider := &model.Provider{ID: 1, Weight: 1}

	candidates := []Candidate{
		{Account: acct, Provider: provider, Health: &model.HealthState{AccountID: acct.ID, Status: model.HealthStatusUnhealthy}},
	}

	chosen, err := Pick(candidates, StrategyWeightedRandom, true)
	require.NoError(t, err)
	require.NotNil(t, chosen)
	require.Equal(t, acct.ID, chosen.Account.ID)
}

func TestPickExcludesBannedWithActiveCooldown(t *testing.T) {
	setupTestDB(t)
	acct := createTestAccount(t)
	provider := &model.Provider{ID: 1, Weight: 1}

	candidates := []Candidate{
		{Account: acct, Provider: provider, Health: &model.HealthState{AccountID: acct.ID, Status: model.HealthStatusBanned, CooldownUntil: 9_999_999_999}},
	}

	chosen, err := Pick(candidates, StrategyWeightedRandom, true)
	require.NoError(t, err)
	require.Nil(t, chosen)
}

func TestPickEmptyCandidates(t *testing.T) {
	chosen, err := Pick(nil, StrategyWeightedRandom, false)
	require.NoError(t, err)
	require.Nil(t, chosen)
}

func TestSelectByStrategyLRU(t *testing.T) {
	older := Candidate{Account: &model.Account{ID: 1, LastUsedAt: 100}}
	newer := Candidate{Account: &model.Account{ID: 2, LastUsedAt: 200}}

	chosen := selectByStrategy([]Candidate{newer, older}, StrategyLRU)
	require.Equal(t, 1, chosen.Account.ID)
}

func TestSelectByStrategyLeastUsed(t *testing.T) {
	busy := Candidate{Account: &model.Account{ID: 1, TotalRequests: 50}}
	idle := Candidate{Account: &model.Account{ID: 2, TotalRequests: 5}}

	chosen := selectByStrategy([]Candidate{busy, idle}, StrategyLeastUsed)
	require.Equal(t, 2, chosen.Account.ID)
}

func TestWeightedRandomSinglePool(t *testing.T) {
	pool := []Candidate{
		{Account: &model.Account{ID: 1}, Provider: &model.Provider{Weight: 0}},
	}
	chosen := weightedRandom(pool)
	require.Equal(t, 1, chosen.Account.ID)
}
