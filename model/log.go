package model

import "github.com/Laisky/errors/v2"

// LogRow is the append-only usage record: never mutated after insert.
type LogRow struct {
	ID               int64  `gorm:"primaryKey" json:"id"`
	CreatedAt        int64  `gorm:"bigint;index" json:"created_at"`
	RequestID        string `gorm:"index" json:"request_id"`
	UserID           int    `gorm:"index" json:"user_id"`
	AccessTokenID    int    `gorm:"index" json:"access_token_id"`
	ProviderID       int    `json:"provider_id"`
	AccountID        int    `json:"account_id"`
	CanonicalModel   string `json:"canonical_model"`
	StatusCode       int    `json:"status_code"`
	DurationMillis   int64  `json:"duration_millis"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	ErrorKind        string `json:"error_kind,omitempty"`
}

// InsertLogRows bulk-inserts a flushed batch from the log sink's queue.
func InsertLogRows(rows []*LogRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := DB.Create(&rows).Error; err != nil {
		return errors.Wrap(err, "insert log rows")
	}
	return nil
}
