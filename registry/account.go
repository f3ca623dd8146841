// Package registry implements account and provider selection: candidate
// listing, health-ranked selection, and priority/weight resolution from
// canonical model name to candidate (provider, account) pairs.
package registry

import (
	"math/rand"
	"sort"

	"github.com/Laisky/errors/v2"

	"github.com/relaymesh/gateway/model"
	"github.com/relaymesh/gateway/monitor"
)

// Strategy selects among equally health-ranked candidates.
type Strategy string

const (
	StrategyWeightedRandom Strategy = "weighted_random"
	StrategyLRU            Strategy = "least_recently_used"
	StrategyLeastUsed      Strategy = "least_used"
)

// Candidate pairs an Account with its owning Provider's weight (needed
// for weighted-random) and current health state.
type Candidate struct {
	Account  *model.Account
	Provider *model.Provider
	Health   *model.HealthState
}

// AccountRegistry lists and ranks accounts for a provider, backed by the
// health monitor for state and the database for the account rows
// themselves; account reads tolerate staleness.
type AccountRegistry struct {
	health *monitor.Engine
}

func NewAccountRegistry(health *monitor.Engine) *AccountRegistry {
	return &AccountRegistry{health: health}
}

// ListForProvider returns every enabled account of provider with its
// current health state attached.
func (r *AccountRegistry) ListForProvider(p *model.Provider) ([]Candidate, error) {
	accounts, err := model.CacheGetEnabledAccountsForProvider(p.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "list accounts for provider=%d", p.ID)
	}

	out := make([]Candidate, 0, len(accounts))
	for _, a := range accounts {
		hs, err := r.health.State(a.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "load health for account=%d", a.ID)
		}
		out = append(out, Candidate{Account: a, Provider: p, Health: hs})
	}
	return out, nil
}

// Pick ranks candidates by health (healthy before degraded; unhealthy
// only when it's the only option and fallback is allowed; banned
// excluded unless its cooldown elapsed) then breaks ties with strategy.
// Returns nil, nil when no candidate is selectable.
func Pick(candidates []Candidate, strategy Strategy, allowUnhealthyFallback bool) (*Candidate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	tiers := map[string][]Candidate{}
	for _, c := range candidates {
		if !monitor.IsSelectable(c.Health, allowUnhealthyFallback, false) {
			continue
		}
		tiers[c.Health.Status] = append(tiers[c.Health.Status], c)
	}

	pool := tiers[model.HealthStatusHealthy]
	if len(pool) == 0 {
		pool = tiers[model.HealthStatusDegraded]
	}
	if len(pool) == 0 && allowUnhealthyFallback {
		for _, c := range candidates {
			if monitor.IsSelectable(c.Health, allowUnhealthyFallback, true) && c.Health.Status == model.HealthStatusUnhealthy {
				pool = append(pool, c)
			}
		}
	}
	if len(pool) == 0 {
		return nil, nil
	}

	chosen := selectByStrategy(pool, strategy)
	if err := model.TouchLastUsed(chosen.Account.ID); err != nil {
		return nil, errors.Wrapf(err, "touch last_used_at for account=%d", chosen.Account.ID)
	}
	return &chosen, nil
}

func selectByStrategy(pool []Candidate, strategy Strategy) Candidate {
	switch strategy {
	case StrategyLRU:
		sort.Slice(pool, func(i, j int) bool { return pool[i].Account.LastUsedAt < pool[j].Account.LastUsedAt })
		return pool[0]
	case StrategyLeastUsed:
		sort.Slice(pool, func(i, j int) bool { return pool[i].Account.TotalRequests < pool[j].Account.TotalRequests })
		return pool[0]
	default: // weighted random
		return weightedRandom(pool)
	}
}

func weightedRandom(pool []Candidate) Candidate {
	total := 0
	for _, c := range pool {
		w := c.Provider.Weight
		if w <= 0 {
			w = 1
		}
		total += w
	}
	if total <= 0 {
		return pool[0]
	}

	n := rand.Intn(total)
	for _, c := range pool {
		w := c.Provider.Weight
		if w <= 0 {
			w = 1
		}
		if n < w {
			return c
		}
		n -= w
	}
	return pool[len(pool)-1]
}
