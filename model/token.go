package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"gorm.io/gorm"

	"github.com/relaymesh/gateway/common"
	"github.com/relaymesh/gateway/common/config"
	"github.com/relaymesh/gateway/common/helper"
	"github.com/relaymesh/gateway/common/logger"
	"github.com/relaymesh/gateway/common/network"
)

const (
	TokenStatusActive    = 1
	TokenStatusDisabled  = 2
	TokenStatusExpired   = 3
	TokenStatusExhausted = 4
)

// AccessToken is the caller-facing API key. ExpiredTime and cooldown-style
// timestamps elsewhere in this module are epoch-seconds; -1 means never
// expires.
type AccessToken struct {
	ID                int     `gorm:"primaryKey" json:"id"`
	UserID            int     `gorm:"index" json:"user_id"`
	Key               string  `gorm:"type:char(48);uniqueIndex" json:"key"`
	Status            int     `gorm:"default:1" json:"status"`
	Name              string  `json:"name"`
	CreatedAt         int64   `gorm:"bigint" json:"created_at"`
	AccessedAt        int64   `gorm:"bigint" json:"accessed_at"`
	ExpiredTime       int64   `gorm:"bigint;default:-1" json:"expired_time"`
	RemainQuota       int64   `gorm:"bigint;default:0" json:"remain_quota"` // -1 = unlimited
	UsedQuota         int64   `gorm:"bigint;default:0" json:"used_quota"`
	Group             string  `gorm:"default:default" json:"group"`
	CrossGroupRetry   bool    `gorm:"default:false" json:"cross_group_retry"`
	Models            *string `gorm:"type:text" json:"models"` // comma-separated whitelist; empty = all
	Subnet            *string `gorm:"type:text" json:"subnet"` // comma-separated CIDR allowlist; empty = any
	RPMLimit          int     `gorm:"default:0" json:"rpm_limit"`
	TPMLimit          int     `gorm:"default:0" json:"tpm_limit"`
}

// MarshalJSON applies the configured key prefix at serialization time
// only; the stored key never carries a prefix.
func (t AccessToken) MarshalJSON() ([]byte, error) {
	raw := strings.TrimPrefix(t.Key, config.TokenKeyPrefix)
	type dto AccessToken
	d := dto(t)
	d.Key = config.TokenKeyPrefix + raw
	return json.Marshal(d)
}

func (t *AccessToken) WhitelistedModels() []string {
	if t == nil || t.Models == nil || *t.Models == "" {
		return nil
	}
	return strings.Split(*t.Models, ",")
}

func (t *AccessToken) AllowedSubnets() []string {
	if t == nil || t.Subnet == nil || *t.Subnet == "" {
		return nil
	}
	return strings.Split(*t.Subnet, ",")
}

func clearTokenCache(ctx context.Context, key string) {
	if common.IsRedisEnabled() {
		if err := common.RedisDel(ctx, fmt.Sprintf("token:%s", key)); err != nil {
			logger.Logger.Warn("failed to clear token cache, continuing", zap.String("key", key), zap.Error(err))
		}
	}
}

// AuthOutcome names why Authorize rejected a request; empty string means
// authorization succeeded. These strings match the canonical error kinds
// used for the rest of the dispatch pipeline.
type AuthOutcome string

const (
	OutcomeOK                 AuthOutcome = ""
	OutcomeInvalidKey         AuthOutcome = "invalid_key"
	OutcomeTokenDisabled      AuthOutcome = "token_disabled"
	OutcomeTokenExpired       AuthOutcome = "token_expired"
	OutcomeTokenExhausted     AuthOutcome = "token_exhausted"
	OutcomeIPNotAllowed       AuthOutcome = "ip_not_allowed"
	OutcomeModelNotPermitted  AuthOutcome = "model_not_permitted"
	OutcomeQuotaInsufficient  AuthOutcome = "quota_insufficient"
)

// Authorize runs the access-token check in order: lookup, status, expiry,
// IP allowlist, model whitelist, quota. Expiry is checked strictly before
// quota so a token that is both expired and out of quota reports expiry.
func Authorize(ctx context.Context, key string, clientIP string, canonicalModel string, estimatedPromptTokens int64) (*AccessToken, AuthOutcome, error) {
	token, err := CacheGetTokenByKey(ctx, key)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, OutcomeInvalidKey, nil
		}
		return nil, "", errors.Wrap(err, "lookup token")
	}

	if token.Status == TokenStatusExhausted {
		return nil, OutcomeTokenExhausted, nil
	}
	if token.Status == TokenStatusExpired {
		return nil, OutcomeTokenExpired, nil
	}
	if token.Status != TokenStatusActive {
		return nil, OutcomeTokenDisabled, nil
	}

	if token.ExpiredTime != -1 && token.ExpiredTime <= helper.GetTimestamp() {
		token.Status = TokenStatusExpired
		if err := token.selectUpdate(ctx); err != nil {
			logger.Logger.Error("failed to persist token expiry", zap.Int("token_id", token.ID), zap.Error(err))
		}
		return nil, OutcomeTokenExpired, nil
	}

	if token.Subnet != nil && *token.Subnet != "" {
		if !network.IsIpInSubnets(ctx, clientIP, *token.Subnet) {
			return nil, OutcomeIPNotAllowed, nil
		}
	}

	if whitelist := token.WhitelistedModels(); len(whitelist) > 0 {
		found := false
		for _, m := range whitelist {
			if m == canonicalModel {
				found = true
				break
			}
		}
		if !found {
			return nil, OutcomeModelNotPermitted, nil
		}
	}

	if token.RemainQuota != -1 && token.RemainQuota < estimatedPromptTokens {
		return nil, OutcomeQuotaInsufficient, nil
	}

	return token, OutcomeOK, nil
}

func (t *AccessToken) selectUpdate(ctx context.Context) error {
	err := runWithSQLiteBusyRetry(ctx, func() error {
		return DB.Model(t).Select("status", "accessed_at").Updates(t).Error
	})
	if err != nil {
		return errors.Wrapf(err, "update token status id=%d", t.ID)
	}
	clearTokenCache(ctx, t.Key)
	return nil
}

// CommitUsage atomically debits prompt+completion from remaining quota,
// increments used quota, and flips status to exhausted when remaining hits
// zero. Serialized per token via the row-level UPDATE's WHERE clause plus
// SQLite busy retry so concurrent commits always sum correctly.
func CommitUsage(ctx context.Context, tokenID int, userID int, promptTokens, completionTokens int64) error {
	delta := promptTokens + completionTokens
	if delta < 0 {
		return errors.Errorf("negative usage delta: %d", delta)
	}

	return runWithSQLiteBusyRetry(ctx, func() error {
		return DB.Transaction(func(tx *gorm.DB) error {
			var token AccessToken
			if err := tx.First(&token, "id = ?", tokenID).Error; err != nil {
				return errors.Wrapf(err, "load token id=%d", tokenID)
			}

			updates := map[string]any{
				"used_quota":  gorm.Expr("used_quota + ?", delta),
				"accessed_at": helper.GetTimestamp(),
			}
			if token.RemainQuota != -1 {
				newRemain := token.RemainQuota - delta
				updates["remain_quota"] = gorm.Expr("remain_quota - ?", delta)
				if newRemain <= 0 {
					updates["status"] = TokenStatusExhausted
				}
			}
			if err := tx.Model(&AccessToken{}).Where("id = ?", tokenID).Updates(updates).Error; err != nil {
				return errors.Wrapf(err, "commit usage token id=%d", tokenID)
			}

			if err := ReconcileUsedQuota(tx, userID, delta); err != nil {
				return err
			}
			return nil
		})
	})
}
