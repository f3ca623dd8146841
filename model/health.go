package model

import (
	"context"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"

	"github.com/relaymesh/gateway/common/helper"
)

const (
	HealthStatusHealthy   = "healthy"
	HealthStatusDegraded  = "degraded"
	HealthStatusUnhealthy = "unhealthy"
	HealthStatusBanned    = "banned"

	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// HealthState is kept separate from Account to keep the reference graph
// acyclic: Account carries only its id, and this table is the health
// monitor's authoritative store, keyed one-to-one by account_id. The
// in-memory engine in package monitor caches this row per account and
// writes through on every transition.
type HealthState struct {
	AccountID       int    `gorm:"primaryKey" json:"account_id"`
	Status          string `gorm:"default:healthy;index" json:"status"`
	Risk            string `gorm:"default:low" json:"risk"`
	LastErrorKind   string `json:"last_error_kind"`
	LastTransitionAt int64 `gorm:"bigint" json:"last_transition_at"`
	CooldownUntil   int64  `gorm:"bigint" json:"cooldown_until"`
}

// GetOrCreateHealthState loads an account's health row, creating a
// healthy default on first reference.
func GetOrCreateHealthState(accountID int) (*HealthState, error) {
	var hs HealthState
	err := DB.First(&hs, "account_id = ?", accountID).Error
	if err == nil {
		return &hs, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(err, "load health state for account=%d", accountID)
	}

	hs = HealthState{
		AccountID:        accountID,
		Status:           HealthStatusHealthy,
		Risk:             RiskLow,
		LastTransitionAt: helper.GetTimestamp(),
	}
	if err := DB.Create(&hs).Error; err != nil {
		return nil, errors.Wrapf(err, "create health state for account=%d", accountID)
	}
	return &hs, nil
}

// SaveHealthState writes through a transitioned state. Called with the
// per-account write lock held (monitor.Engine.transition).
func SaveHealthState(hs *HealthState) error {
	err := runWithSQLiteBusyRetry(context.Background(), func() error {
		return DB.Save(hs).Error
	})
	if err != nil {
		return errors.Wrapf(err, "save health state for account=%d", hs.AccountID)
	}
	return nil
}

// ListNonHealthy returns every account whose status is not healthy, used
// by the background sweep to re-evaluate cooldowns.
func ListNonHealthy() ([]*HealthState, error) {
	var states []*HealthState
	err := DB.Where("status <> ?", HealthStatusHealthy).Find(&states).Error
	if err != nil {
		return nil, errors.Wrap(err, "list non-healthy accounts")
	}
	return states, nil
}
