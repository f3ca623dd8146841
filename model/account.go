package model

import (
	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"

	"github.com/relaymesh/gateway/common/helper"
)

// Account is bound to exactly one Provider. Secret is either a single API
// key or a JSON-encoded credential bundle for device-flow providers (kiro).
type Account struct {
	ID                int    `gorm:"primaryKey" json:"id"`
	ProviderID        int    `gorm:"index" json:"provider_id"`
	Secret            string `gorm:"type:text" json:"-"`
	Enabled           bool   `gorm:"default:true;index" json:"enabled"`
	LastUsedAt        int64  `gorm:"bigint" json:"last_used_at"`
	TotalRequests     int64  `gorm:"bigint;default:0" json:"total_requests"`
	Failed            int64  `gorm:"bigint;default:0" json:"failed"`
	ConsecutiveFailures int  `gorm:"default:0" json:"consecutive_failures"`
	RateLimitErrors   int64  `gorm:"bigint;default:0" json:"rate_limit_errors"`
	AuthErrors        int64  `gorm:"bigint;default:0" json:"auth_errors"`
	RPMLimit          int    `gorm:"default:0" json:"rpm_limit"` // 0 = unlimited, account-layer rate limit
	TPMLimit          int    `gorm:"default:0" json:"tpm_limit"`
	UsageCount        *int64 `json:"usage_count"` // free-tier usage observed, providers that expose it
	UsageLimit        *int64 `json:"usage_limit"`
}

// TouchLastUsed atomically advances LastUsedAt so two concurrent picks
// are less likely to choose the same account when both are healthy. A
// stale read here is tolerated: worst case two dispatches pick the same
// account and the rate limiter gates the second.
func TouchLastUsed(accountID int) error {
	err := DB.Model(&Account{}).Where("id = ?", accountID).
		Update("last_used_at", helper.GetTimestamp()).Error
	if err != nil {
		return errors.Wrapf(err, "touch last_used_at for account=%d", accountID)
	}
	return nil
}

// RecordSuccess resets consecutive_failures and bumps total_requests and
// last_used_at in one statement, called from the health monitor on a
// successful outcome.
func RecordSuccess(accountID int) error {
	err := DB.Model(&Account{}).Where("id = ?", accountID).Updates(map[string]any{
		"consecutive_failures": 0,
		"total_requests":       gorm.Expr("total_requests + 1"),
		"last_used_at":         helper.GetTimestamp(),
	}).Error
	if err != nil {
		return errors.Wrapf(err, "record success for account=%d", accountID)
	}
	return nil
}

// UpdateSecret persists a refreshed credential bundle, used by the kiro
// adaptor after a device-flow token refresh so the next dispatch
// doesn't need to refresh again.
func UpdateSecret(accountID int, secret string) error {
	err := DB.Model(&Account{}).Where("id = ?", accountID).Update("secret", secret).Error
	if err != nil {
		return errors.Wrapf(err, "update secret for account=%d", accountID)
	}
	return nil
}

// ListAccountsByProviderType returns every enabled account belonging to
// a provider of the given type, for background loops (kiro's usage
// refresh) that need to walk all accounts of one provider type without
// going through the registry's per-request candidate pool.
func ListAccountsByProviderType(providerType string) ([]*Account, error) {
	var accounts []*Account
	err := DB.Joins("JOIN providers ON providers.id = accounts.provider_id").
		Where("providers.type = ? AND accounts.enabled = ?", providerType, true).
		Find(&accounts).Error
	if err != nil {
		return nil, errors.Wrapf(err, "list accounts for provider type=%s", providerType)
	}
	return accounts, nil
}

// UpdateUsage persists a provider-reported free-tier usage snapshot,
// used by the kiro adaptor's background usage refresh loop.
func UpdateUsage(accountID int, used, limit int64) error {
	err := DB.Model(&Account{}).Where("id = ?", accountID).Updates(map[string]any{
		"usage_count": used,
		"usage_limit": limit,
	}).Error
	if err != nil {
		return errors.Wrapf(err, "update usage for account=%d", accountID)
	}
	return nil
}

// RecordFailure increments total_requests, failed, consecutive_failures,
// and the outcome-specific counter (rate_limit_errors or auth_errors),
// returning the new consecutive_failures count for the health monitor's
// threshold checks.
func RecordFailure(accountID int, errKind string) (int, error) {
	updates := map[string]any{
		"total_requests":       gorm.Expr("total_requests + 1"),
		"failed":               gorm.Expr("failed + 1"),
		"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
	}
	switch errKind {
	case "rate_limited":
		updates["rate_limit_errors"] = gorm.Expr("rate_limit_errors + 1")
	case "auth_failed":
		updates["auth_errors"] = gorm.Expr("auth_errors + 1")
	}
	if err := DB.Model(&Account{}).Where("id = ?", accountID).Updates(updates).Error; err != nil {
		return 0, errors.Wrapf(err, "record failure for account=%d", accountID)
	}

	var a Account
	if err := DB.Select("consecutive_failures").First(&a, "id = ?", accountID).Error; err != nil {
		return 0, errors.Wrapf(err, "reload account=%d", accountID)
	}
	return a.ConsecutiveFailures, nil
}
