// Package meta aggregates the per-request state the dispatcher records
// once authorization succeeds: resolved model, group, and
// snapshot-captured timeouts that must agree between authorize-time and
// commit-time within one request.
package meta

import (
	"time"

	relaymodel "github.com/relaymesh/gateway/relay/model"
)

type Meta struct {
	RequestID      string
	ClientIP       string
	Dialect        relaymodel.Dialect
	CanonicalModel string
	Group          string

	AccessTokenID int
	UserID        int

	// ProviderID/AccountID are not filled in: the dispatcher builds Meta
	// once, before the attempt loop, and does not update it afterwards.
	ProviderID int
	AccountID  int

	ConnectTimeout       time.Duration
	FirstByteTimeout     time.Duration
	BetweenChunksTimeout time.Duration

	StartedAt time.Time
}
