// Package monitor implements the account health monitor: per-account
// state machine healthy -> degraded -> unhealthy -> banned, with
// risk_level and a scheduled sweep that decays cooldowns. Structured as a
// per-key map behind one RWMutex with a background ticker loop.
package monitor

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/Laisky/zap"

	"github.com/relaymesh/gateway/common/config"
	"github.com/relaymesh/gateway/common/helper"
	"github.com/relaymesh/gateway/common/logger"
	"github.com/relaymesh/gateway/common/metrics"
	"github.com/relaymesh/gateway/model"
)

// Outcome is the dispatcher's per-attempt result, fed into Engine.Record.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeAuthFailed  Outcome = "auth_failed"
	OutcomeUpstream5xx Outcome = "upstream_5xx"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeClientError Outcome = "client_error"
)

var riskGauge = map[string]float64{
	model.RiskLow:      0,
	model.RiskMedium:   1,
	model.RiskHigh:     2,
	model.RiskCritical: 3,
}

func riskForStatus(status string) string {
	switch status {
	case model.HealthStatusDegraded:
		return model.RiskMedium
	case model.HealthStatusUnhealthy:
		return model.RiskHigh
	case model.HealthStatusBanned:
		return model.RiskCritical
	default:
		return model.RiskLow
	}
}

// slidingFailures tracks a 60-bucket (one per second) count of recent
// rate-limited responses, used by the sweep to decide whether a degraded/
// unhealthy/banned account's failure rate has decayed enough to recover.
// Only OutcomeRateLimited bumps it; 5xx, timeout and auth failures are
// not counted here.
type slidingFailures struct {
	buckets [60]int
	lastSec int64
}

func (s *slidingFailures) bump(now int64, delta int) {
	if s.lastSec == 0 {
		s.lastSec = now
	}
	elapsed := now - s.lastSec
	if elapsed > 0 {
		n := elapsed
		if n > 60 {
			n = 60
		}
		for i := int64(0); i < n; i++ {
			idx := (s.lastSec + 1 + i) % 60
			s.buckets[idx] = 0
		}
		s.lastSec = now
	}
	if delta != 0 {
		s.buckets[now%60] += delta
	}
}

func (s *slidingFailures) total(now int64) int {
	s.bump(now, 0)
	sum := 0
	for _, v := range s.buckets {
		sum += v
	}
	return sum
}

// Engine is the process-wide health monitor. It caches each referenced
// account's HealthState row behind one RWMutex (contention is bounded by
// account count) and writes through to the database on every transition
// so state survives restarts.
type Engine struct {
	mu       sync.RWMutex
	states   map[int]*model.HealthState
	failures map[int]*slidingFailures
}

func NewEngine() *Engine {
	return &Engine{
		states:   map[int]*model.HealthState{},
		failures: map[int]*slidingFailures{},
	}
}

func (e *Engine) load(accountID int) (*model.HealthState, error) {
	e.mu.RLock()
	hs, ok := e.states[accountID]
	e.mu.RUnlock()
	if ok {
		return hs, nil
	}

	loaded, err := model.GetOrCreateHealthState(accountID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.states[accountID] = loaded
	e.mu.Unlock()
	return loaded, nil
}

// State returns a copy of the account's current health state, used by
// the registry's health-ranked selection. A banned account with an
// elapsed cooldown is NOT auto-downgraded here; that happens only in the
// sweep, so State stays a cheap read.
func (e *Engine) State(accountID int) (*model.HealthState, error) {
	hs, err := e.load(accountID)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp := *hs
	return &cp, nil
}

// IsSelectable reports whether the account's cooldown has elapsed enough
// to be a candidate at all: a banned account is never returned by pick
// while its cooldown has not elapsed.
func IsSelectable(hs *model.HealthState, allowUnhealthyFallback, lastResort bool) bool {
	now := helper.GetTimestamp()
	switch hs.Status {
	case model.HealthStatusBanned:
		return hs.CooldownUntil <= now
	case model.HealthStatusUnhealthy:
		return lastResort && allowUnhealthyFallback
	default:
		return true
	}
}

// Record applies one dispatch outcome to an account's health state
// according to the status transition table.
func (e *Engine) Record(accountID int, outcome Outcome) error {
	hs, err := e.load(accountID)
	if err != nil {
		return err
	}

	dyn := config.Current()
	now := helper.GetTimestamp()

	e.mu.Lock()
	defer e.mu.Unlock()

	switch outcome {
	case OutcomeSuccess:
		if err := model.RecordSuccess(accountID); err != nil {
			logger.Logger.Error("failed to record success", zap.Int("account_id", accountID), zap.Error(err))
		}
		if hs.Status == model.HealthStatusDegraded {
			f := e.failureCounter(accountID)
			if f.total(now) < dyn.RateLimitDegradeThreshold {
				e.transition(hs, model.HealthStatusHealthy, "", now)
			}
		}

	case OutcomeRateLimited:
		e.failureCounter(accountID).bump(now, 1)
		if _, rerr := model.RecordFailure(accountID, "rate_limited"); rerr != nil {
			logger.Logger.Error("failed to record rate-limit failure", zap.Int("account_id", accountID), zap.Error(rerr))
		}
		if e.failureCounter(accountID).total(now) >= dyn.RateLimitDegradeThreshold {
			hs.CooldownUntil = now + int64(dyn.RateLimitCooldown.Seconds())
			e.transition(hs, model.HealthStatusDegraded, string(outcome), now)
		}

	case OutcomeAuthFailed:
		if _, rerr := model.RecordFailure(accountID, "auth_failed"); rerr != nil {
			logger.Logger.Error("failed to record auth failure", zap.Int("account_id", accountID), zap.Error(rerr))
		}
		hs.CooldownUntil = now + int64(dyn.AuthBanDuration.Seconds())
		e.transition(hs, model.HealthStatusBanned, string(outcome), now)

	case OutcomeUpstream5xx, OutcomeTimeout:
		consecutive, rerr := model.RecordFailure(accountID, "")
		if rerr != nil {
			logger.Logger.Error("failed to record failure", zap.Int("account_id", accountID), zap.Error(rerr))
		}
		switch {
		case consecutive >= dyn.BanAfter:
			hs.CooldownUntil = now + int64(dyn.FailureBanDuration.Seconds())
			e.transition(hs, model.HealthStatusBanned, string(outcome), now)
		case consecutive >= dyn.UnhealthyAfter:
			e.transition(hs, model.HealthStatusUnhealthy, string(outcome), now)
		case consecutive >= dyn.DegradeAfter:
			e.transition(hs, model.HealthStatusDegraded, string(outcome), now)
		}

	case OutcomeClientError:
		// Counted at the caller; does not affect health.
	}

	return nil
}

func (e *Engine) failureCounter(accountID int) *slidingFailures {
	f, ok := e.failures[accountID]
	if !ok {
		f = &slidingFailures{}
		e.failures[accountID] = f
	}
	return f
}

// transition must be called with e.mu held.
func (e *Engine) transition(hs *model.HealthState, status, errKind string, now int64) {
	if hs.Status == status {
		return
	}
	hs.Status = status
	hs.Risk = riskForStatus(status)
	hs.LastErrorKind = errKind
	hs.LastTransitionAt = now
	if err := model.SaveHealthState(hs); err != nil {
		logger.Logger.Error("failed to persist health transition", zap.Int("account_id", hs.AccountID), zap.Error(err))
	}
	metrics.AccountHealthScore.WithLabelValues(strconv.Itoa(hs.AccountID)).Set(riskGauge[hs.Risk])
	logger.Logger.Info("account health transition",
		zap.Int("account_id", hs.AccountID), zap.String("status", status), zap.String("risk", hs.Risk))
}

// Sweep re-evaluates every non-healthy account's cooldown and sliding
// failure rate, downgrading banned->unhealthy->degraded->healthy as they
// decay. The sweep only ever relaxes state, never tightens it. The engine
// reads an account's row from the database only on first reference; a row
// written directly afterwards is not picked up for an account already
// cached in this process.
func (e *Engine) Sweep() {
	states, err := model.ListNonHealthy()
	if err != nil {
		logger.Logger.Error("health sweep: failed to list non-healthy accounts", zap.Error(err))
		return
	}

	now := helper.GetTimestamp()
	dyn := config.Current()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, hs := range states {
		cached, ok := e.states[hs.AccountID]
		if ok {
			hs = cached
		} else {
			e.states[hs.AccountID] = hs
		}

		if hs.CooldownUntil > now {
			continue
		}

		rate := e.failureCounter(hs.AccountID).total(now)
		switch hs.Status {
		case model.HealthStatusBanned:
			e.transition(hs, model.HealthStatusUnhealthy, "", now)
		case model.HealthStatusUnhealthy:
			if rate < dyn.UnhealthyAfter {
				e.transition(hs, model.HealthStatusDegraded, "", now)
			}
		case model.HealthStatusDegraded:
			if rate < dyn.RateLimitDegradeThreshold {
				e.transition(hs, model.HealthStatusHealthy, "", now)
			}
		}
	}
}

// RunSweepLoop blocks until ctx is cancelled, running Sweep on
// config.Current().HealthSweepInterval. Intended to run inside the
// startup errgroup alongside the log flusher and kiro usage refresh.
func (e *Engine) RunSweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(config.Current().HealthSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Sweep()
		}
	}
}

