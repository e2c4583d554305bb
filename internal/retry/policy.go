// Package retry holds the immediate-retry policy for temporary charge
// failures and the scheduler that runs recovery actions at their due time.
package retry

import (
	"math"
	"strings"
	"time"

	"payment-recovery/config"
	"payment-recovery/internal/gateway"
)

// Attempt is one planned immediate retry.
type Attempt struct {
	Number int
	Delay  time.Duration
	Amount int64
}

// Policy is the immediate-retry table, resolved once from configuration.
type Policy struct {
	policies     map[string]config.ImmediatePolicy
	aliases      map[string]string
	temporary    map[string]bool
	tempOrder    []string
	nonRetryable map[string]bool
	nsfHints     []string
	bonus        int
	maxAttempts  int
	delayCut     time.Duration
	minDelay     time.Duration
}

func NewPolicy(cfg config.RecoveryConfig) *Policy {
	p := &Policy{
		policies:     make(map[string]config.ImmediatePolicy, len(cfg.ImmediateRetry)),
		aliases:      make(map[string]string, len(cfg.ImmediateAliases)),
		temporary:    set(cfg.TemporaryCodes),
		tempOrder:    lower(cfg.TemporaryCodes),
		nonRetryable: set(cfg.NonRetryableCodes),
		nsfHints:     lower(cfg.InsufficientFundsHints),
		bonus:        cfg.HighValueBonusAttempts,
		maxAttempts:  cfg.MaxImmediateAttempts,
		delayCut:     cfg.HighValueDelayReduction,
		minDelay:     cfg.MinImmediateDelay,
	}
	for k, v := range cfg.ImmediateRetry {
		p.policies[strings.ToLower(k)] = v
	}
	for k, v := range cfg.ImmediateAliases {
		p.aliases[strings.ToLower(k)] = strings.ToLower(v)
	}
	return p
}

// TemporaryKind returns the immediate-retry kind for a failure, or false when
// the failure is not temporary.
func (p *Policy) TemporaryKind(code, reason string) (string, bool) {
	code = normalize(code)
	if p.nonRetryable[code] {
		return "", false
	}
	if p.temporary[code] {
		return code, true
	}
	text := code + "_" + normalize(reason)
	if ContainsToken(text, p.nsfHints...) {
		return "insufficient_funds", true
	}
	for _, kind := range p.tempOrder {
		if ContainsToken(text, kind) {
			return kind, true
		}
	}
	return "", false
}

// ContainsToken reports whether any pattern occurs in text on underscore
// boundaries, so "nsf" matches "nsf_decline" but not "transfer".
func ContainsToken(text string, patterns ...string) bool {
	padded := "_" + normalize(text) + "_"
	for _, p := range patterns {
		if p != "" && strings.Contains(padded, "_"+normalize(p)+"_") {
			return true
		}
	}
	return false
}

// Lookup returns the policy for a temporary kind, following aliases.
func (p *Policy) Lookup(kind string) (config.ImmediatePolicy, bool) {
	kind = normalize(kind)
	if alias, ok := p.aliases[kind]; ok {
		kind = alias
	}
	pol, ok := p.policies[kind]
	return pol, ok
}

// Retryable reports whether a decline code may be retried at all.
func (p *Policy) Retryable(code string) bool {
	return !p.nonRetryable[normalize(code)]
}

// ChargeError wraps a decline code, permanent when the code is non-retryable.
func (p *Policy) ChargeError(code string) *gateway.ChargeError {
	return &gateway.ChargeError{Code: code, Permanent: !p.Retryable(code)}
}

// MaxAttempts is the immediate-retry budget for kind.
func (p *Policy) MaxAttempts(kind string, highValue bool) int {
	pol, ok := p.Lookup(kind)
	if !ok {
		return 0
	}
	n := pol.MaxAttempts
	if highValue {
		n += p.bonus
		if p.maxAttempts > 0 && n > p.maxAttempts {
			n = p.maxAttempts
		}
	}
	return n
}

// Delay is the spacing between immediate retries for kind.
func (p *Policy) Delay(kind string, highValue bool) time.Duration {
	pol, _ := p.Lookup(kind)
	d := pol.Delay
	if highValue {
		d -= p.delayCut
		if d < p.minDelay {
			d = p.minDelay
		}
	}
	return d
}

// Amount is the charge amount for attempt k (1-based) of original.
func (p *Policy) Amount(kind string, original int64, k int) int64 {
	pol, _ := p.Lookup(kind)
	if pol.AmountReduction <= 0 {
		return original
	}

	reduced := int64(math.Round(float64(original) * (1 - pol.AmountReduction*float64(k))))
	floor := int64(math.Round(float64(original) * pol.MinAmountFraction))
	if floor < pol.MinAmount {
		floor = pol.MinAmount
	}
	if floor > original {
		floor = original
	}
	if reduced < floor {
		return floor
	}
	return reduced
}

// Plan lists every immediate attempt for a failure of the given kind and amount.
func (p *Policy) Plan(kind string, amount int64, highValue bool) []Attempt {
	n := p.MaxAttempts(kind, highValue)
	delay := p.Delay(kind, highValue)
	plan := make([]Attempt, 0, n)
	for k := 1; k <= n; k++ {
		plan = append(plan, Attempt{Number: k, Delay: delay, Amount: p.Amount(kind, amount, k)})
	}
	return plan
}

var separators = strings.NewReplacer(" ", "_", "-", "_", ".", "_", ":", "_", ",", "_")

func normalize(s string) string {
	return separators.Replace(strings.ToLower(strings.TrimSpace(s)))
}

func set(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[normalize(v)] = true
	}
	return out
}

func lower(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = normalize(v)
	}
	return out
}
