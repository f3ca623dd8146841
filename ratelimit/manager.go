package ratelimit

import (
	"sync"
)

// Layer names which of the three tiers denied a check.
type Layer string

const (
	LayerGlobal  Layer = "global"
	LayerAccount Layer = "account"
	LayerToken   Layer = "token"
)

// Result reports whether a check admitted the call and, on denial, which
// layer refused and how long until the denying bucket would admit it.
type Result struct {
	Admitted   bool
	DeniedAt   Layer
	RetryAfter float64 // seconds
}

type pair struct {
	rpm *Bucket
	tpm *Bucket
}

// Manager composes global, per-account, and per-token RPM/TPM buckets.
// Account-layer denials are soft (the dispatcher tries another account);
// token and global denials fail the request immediately.
type Manager struct {
	mu sync.Mutex

	global pair

	accounts map[int]*pair
	tokens   map[int]*pair

	defaultUserRPM int
	defaultUserTPM int
}

// NewManager builds a manager with the given global and default-user
// limits. Per-account and per-token buckets are created lazily on first
// use, sized from the caller-supplied limit (falling back to the default
// for tokens whose own limit is 0).
func NewManager(globalRPM, globalTPM, defaultUserRPM, defaultUserTPM int) *Manager {
	return &Manager{
		global:         pair{rpm: NewBucket(globalRPM), tpm: NewBucket(globalTPM)},
		accounts:       map[int]*pair{},
		tokens:         map[int]*pair{},
		defaultUserRPM: defaultUserRPM,
		defaultUserTPM: defaultUserTPM,
	}
}

func (m *Manager) accountBucket(accountID, rpmLimit, tpmLimit int) *pair {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.accounts[accountID]
	if !ok {
		p = &pair{rpm: NewBucket(rpmLimit), tpm: NewBucket(tpmLimit)}
		m.accounts[accountID] = p
	}
	return p
}

func (m *Manager) tokenBucket(tokenID, rpmLimit, tpmLimit int) *pair {
	if rpmLimit == 0 {
		rpmLimit = m.defaultUserRPM
	}
	if tpmLimit == 0 {
		tpmLimit = m.defaultUserTPM
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.tokens[tokenID]
	if !ok {
		p = &pair{rpm: NewBucket(rpmLimit), tpm: NewBucket(tpmLimit)}
		m.tokens[tokenID] = p
	}
	return p
}

// Check gates one attempt: global, then account, then token, in that
// order, pre-charging RPM by 1 and TPM by estimatedPromptTokens on every
// layer that admits. On denial, layers already charged in this call are
// refunded before returning, so a partial admit never leaks tokens.
func (m *Manager) Check(accountID, tokenID int, accountRPM, accountTPM, tokenRPM, tokenTPM int, estimatedPromptTokens int64) Result {
	n := float64(estimatedPromptTokens)

	if !m.global.rpm.TryConsume(1) {
		return Result{DeniedAt: LayerGlobal, RetryAfter: m.global.rpm.RetryAfter(1).Seconds()}
	}
	if !m.global.tpm.TryConsume(n) {
		m.global.rpm.Refund(1)
		return Result{DeniedAt: LayerGlobal, RetryAfter: m.global.tpm.RetryAfter(n).Seconds()}
	}

	acct := m.accountBucket(accountID, accountRPM, accountTPM)
	if !acct.rpm.TryConsume(1) {
		m.global.rpm.Refund(1)
		m.global.tpm.Refund(n)
		return Result{DeniedAt: LayerAccount, RetryAfter: acct.rpm.RetryAfter(1).Seconds()}
	}
	if !acct.tpm.TryConsume(n) {
		acct.rpm.Refund(1)
		m.global.rpm.Refund(1)
		m.global.tpm.Refund(n)
		return Result{DeniedAt: LayerAccount, RetryAfter: acct.tpm.RetryAfter(n).Seconds()}
	}

	tok := m.tokenBucket(tokenID, tokenRPM, tokenTPM)
	if !tok.rpm.TryConsume(1) {
		acct.rpm.Refund(1)
		acct.tpm.Refund(n)
		m.global.rpm.Refund(1)
		m.global.tpm.Refund(n)
		return Result{DeniedAt: LayerToken, RetryAfter: tok.rpm.RetryAfter(1).Seconds()}
	}
	if !tok.tpm.TryConsume(n) {
		tok.rpm.Refund(1)
		acct.rpm.Refund(1)
		acct.tpm.Refund(n)
		m.global.rpm.Refund(1)
		m.global.tpm.Refund(n)
		return Result{DeniedAt: LayerToken, RetryAfter: tok.tpm.RetryAfter(n).Seconds()}
	}

	return Result{Admitted: true}
}

// Reconcile adjusts the global, account and token TPM buckets by the
// delta between the actual completion-inclusive token count and the
// original estimate. A refund never pushes a bucket above its capacity;
// an extra charge that a bucket cannot cover is not applied to it.
func (m *Manager) Reconcile(accountID, tokenID int, estimated, actual int64) {
	delta := actual - estimated
	if delta == 0 {
		return
	}

	m.mu.Lock()
	acct, hasAcct := m.accounts[accountID]
	tok, hasTok := m.tokens[tokenID]
	m.mu.Unlock()

	if delta > 0 {
		m.global.tpm.TryConsume(float64(delta))
		if hasAcct {
			acct.tpm.TryConsume(float64(delta))
		}
		if hasTok {
			tok.tpm.TryConsume(float64(delta))
		}
		return
	}

	refund := float64(-delta)
	m.global.tpm.Refund(refund)
	if hasAcct {
		acct.tpm.Refund(refund)
	}
	if hasTok {
		tok.tpm.Refund(refund)
	}
}

// RefundPreCharge undoes an admitted check's 1 RPM + estimated TPM charge
// across all three layers, used when an attempt is abandoned before
// execution (account-layer soft-skip in the dispatcher's attempt loop).
func (m *Manager) RefundPreCharge(accountID, tokenID int, estimatedPromptTokens int64) {
	n := float64(estimatedPromptTokens)
	m.global.rpm.Refund(1)
	m.global.tpm.Refund(n)

	m.mu.Lock()
	acct, hasAcct := m.accounts[accountID]
	tok, hasTok := m.tokens[tokenID]
	m.mu.Unlock()

	if hasAcct {
		acct.rpm.Refund(1)
		acct.tpm.Refund(n)
	}
	if hasTok {
		tok.rpm.Refund(1)
		tok.tpm.Refund(n)
	}
}

func (l Layer) String() string { return string(l) }
