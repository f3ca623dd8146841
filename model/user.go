package model

import (
	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"
)

const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleUser       = "user"
)

// User owns zero-or-more AccessTokens. UsedQuota is denormalized for read
// speed and reconciled on every successful metered request rather than
// computed live, mirroring the token/user quota split used throughout
// this package.
type User struct {
	ID         int    `gorm:"primaryKey" json:"id"`
	Email      string `gorm:"uniqueIndex" json:"email"`
	Role       string `gorm:"default:user" json:"role"`
	TotalQuota int64  `gorm:"bigint;default:0" json:"total_quota"` // -1 = unlimited
	UsedQuota  int64  `gorm:"bigint;default:0" json:"used_quota"`
	Enabled    bool   `gorm:"default:true" json:"enabled"`
}

func GetUserByID(id int) (*User, error) {
	var u User
	if err := DB.First(&u, "id = ?", id).Error; err != nil {
		return nil, errors.Wrapf(err, "get user id=%d", id)
	}
	return &u, nil
}

// ReconcileUsedQuota adds delta to the owning user's denormalized
// used_quota counter. Called from CommitUsage in the same
// transaction as the token's own debit.
func ReconcileUsedQuota(tx *gorm.DB, userID int, delta int64) error {
	if delta == 0 {
		return nil
	}
	res := tx.Model(&User{}).Where("id = ?", userID).
		Update("used_quota", gorm.Expr("used_quota + ?", delta))
	if res.Error != nil {
		return errors.Wrapf(res.Error, "reconcile used_quota for user=%d", userID)
	}
	return nil
}
