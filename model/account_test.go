package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) {
	if DB == nil {
		require.NoError(t, InitDB())
	}
	require.NotNil(t, DB)
}

func createTestAccount(t *testing.T) *Account {
	a := &Account{ProviderID: 1, Secret: "test-secret", Enabled: true}
	require.NoError(t, DB.Create(a).Error)
	t.Cleanup(func() {
		DB.Unscoped().Delete(&Account{}, a.ID)
	})
	return a
}

func TestTouchLastUsed(t *testing.T) {
	setupTestDB(t)
	a := createTestAccount(t)

	require.NoError(t, TouchLastUsed(a.ID))

	var reloaded Account
	require.NoError(t, DB.First(&reloaded, a.ID).Error)
	require.Greater(t, reloaded.LastUsedAt, int64(0))
}

func TestRecordSuccessResetsConsecutiveFailures(t *testing.T) {
	setupTestDB(t)
	a := createTestAccount(t)
	require.NoError(t, DB.Model(&Account{}).Where("id = ?", a.ID).
		Update("consecutive_failures", 3).Error)

	require.NoError(t, RecordSuccess(a.ID))

	var reloaded Account
	require.NoError(t, DB.First(&reloaded, a.ID).Error)
	require.Equal(t, 0, reloaded.ConsecutiveFailures)
	require.Equal(t, int64(1), reloaded.TotalRequests)
}

func TestRecordFailureIncrementsAndReturnsConsecutiveCount(t *testing.T) {
	setupTestDB(t)
	a := createTestAccount(t)

	n, err := RecordFailure(a.ID, "rate_limited")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = RecordFailure(a.ID, "rate_limited")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	var reloaded Account
	require.NoError(t, DB.First(&reloaded, a.ID).Error)
	require.Equal(t, int64(2), reloaded.Failed)
	require.Equal(t, int64(2), reloaded.RateLimitErrors)
	require.Equal(t, int64(0), reloaded.AuthErrors)
}

func TestRecordFailureAuthKindCountsAuthErrors(t *testing.T) {
	setupTestDB(t)
	a := createTestAccount(t)

	_, err := RecordFailure(a.ID, "auth_failed")
	require.NoError(t, err)

	var reloaded Account
	require.NoError(t, DB.First(&reloaded, a.ID).Error)
	require.Equal(t, int64(1), reloaded.AuthErrors)
	require.Equal(t, int64(0), reloaded.RateLimitErrors)
}

func TestUpdateSecret(t *testing.T) {
	setupTestDB(t)
	a := createTestAccount(t)

	require.NoError(t, UpdateSecret(a.ID, "rotated-secret"))

	var reloaded Account
	require.NoError(t, DB.First(&reloaded, a.ID).Error)
	require.Equal(t, "rotated-secret", reloaded.Secret)
}
