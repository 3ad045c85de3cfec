package security

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-db/kestrel/internal/domain"
)

// RedactionToken replaces fully masked values.
const RedactionToken = "***MASKED***"

// TokenVault maps tokenized surrogates back to the original display
// value. Resolution is restricted to admin-level callers; the vault
// itself never leaves the process.
type TokenVault struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewTokenVault() *TokenVault {
	return &TokenVault{tokens: make(map[string]string)}
}

// issue mints a fresh surrogate for the value. Tokens are random per
// issuance: the same value tokenized twice yields different tokens.
func (v *TokenVault) issue(original string) string {
	token := "tok_" + uuid.New().String()
	v.mu.Lock()
	v.tokens[token] = original
	v.mu.Unlock()
	return token
}

// Resolve returns the original value behind a token. The dispatch
// layer gates this behind the admin action.
func (v *TokenVault) Resolve(token string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	original, ok := v.tokens[token]
	return original, ok
}

// Masker rewrites result rows per column and row policies.
type Masker struct {
	auth  *Authorizer
	vault *TokenVault
}

func NewMasker(auth *Authorizer, vault *TokenVault) *Masker {
	return &Masker{auth: auth, vault: vault}
}

// Apply enforces column and row policies on a result in place:
// unreadable columns are masked or dropped, rows failing a row policy
// are filtered unless the caller holds the admin-bypass role. The
// decision instant drives time-conditioned column grants.
func (m *Masker) Apply(res *domain.QueryResult, table string, caller domain.Caller, at time.Time) {
	if res == nil || table == "" {
		return
	}
	bypass := m.auth.HasBypassRole(caller.User)
	if !bypass {
		m.filterRows(res, table, caller)
	}
	m.enforceColumns(res, table, caller, bypass, at)
}

func (m *Masker) filterRows(res *domain.QueryResult, table string, caller domain.Caller) {
	policies := m.auth.rowPolicies(table)
	if len(policies) == 0 {
		return
	}

	kept := res.Rows[:0]
	for _, row := range res.Rows {
		if m.rowVisible(res.Columns, row, policies, caller) {
			kept = append(kept, row)
		}
	}
	res.Rows = kept
	res.RowCount = len(kept)
}

// rowVisible requires every policy whose column is present in the
// result to match the caller's attribute. A policy column absent
// from the projection cannot be checked and hides the row.
func (m *Masker) rowVisible(columns []string, row []domain.Value, policies []domain.RowPolicy, caller domain.Caller) bool {
	for _, p := range policies {
		idx := columnIndex(columns, p.PolicyColumn)
		if idx < 0 || idx >= len(row) {
			return false
		}
		if row[idx].Display() != caller.Attributes[p.CallerAttr] {
			return false
		}
	}
	return true
}

func (m *Masker) enforceColumns(res *domain.QueryResult, table string, caller domain.Caller, bypass bool, at time.Time) {
	policies := m.auth.columnPolicies(table)
	if len(policies) == 0 {
		return
	}
	roles := m.auth.EffectiveRoles(caller.User)

	var drop []int
	for _, cp := range policies {
		idx := columnIndex(res.Columns, cp.Column)
		if idx < 0 {
			continue
		}
		if bypass || (holdsAny(roles, cp.ReadRoles) && m.conditionsHold(cp.Conditions, caller, at)) {
			continue
		}
		if cp.OmitOnDeny {
			drop = append(drop, idx)
			continue
		}
		rule := cp.Mask
		if rule == nil {
			rule = &domain.MaskingRule{Kind: domain.MaskFull}
		}
		for _, row := range res.Rows {
			if idx < len(row) {
				row[idx] = m.mask(*rule, row[idx])
			}
		}
	}
	if len(drop) > 0 {
		dropColumns(res, drop)
	}
}

// conditionsHold requires every policy condition to pass; a condition
// that errors counts as failed, keeping denial the default.
func (m *Masker) conditionsHold(conds []domain.AccessCondition, caller domain.Caller, at time.Time) bool {
	if len(conds) == 0 {
		return true
	}
	req := Request{Caller: caller, At: at.In(m.auth.cond.tz)}
	for _, c := range conds {
		ok, err := m.auth.cond.evaluate(c, req)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// mask transforms one value. Full, partial and hash are deterministic
// for the same input; tokenize is randomized per issuance and
// reversible only through the vault.
func (m *Masker) mask(rule domain.MaskingRule, v domain.Value) domain.Value {
	if v.Kind() == domain.KindNull {
		return v
	}
	display := v.Display()
	switch rule.Kind {
	case domain.MaskPartial:
		return domain.String(partialMask(display, rule.ShowPrefix, rule.ShowSuffix))
	case domain.MaskHash:
		sum := sha256.Sum256([]byte(display))
		return domain.String(hex.EncodeToString(sum[:]))
	case domain.MaskTokenize:
		return domain.String(m.vault.issue(display))
	default:
		return domain.String(RedactionToken)
	}
}

func partialMask(s string, prefix, suffix int) string {
	runes := []rune(s)
	if prefix < 0 {
		prefix = 0
	}
	if suffix < 0 {
		suffix = 0
	}
	if prefix+suffix >= len(runes) {
		// Nothing left to hide; mask everything instead of leaking.
		return strings.Repeat("*", len(runes))
	}
	middle := len(runes) - prefix - suffix
	return string(runes[:prefix]) + strings.Repeat("*", middle) + string(runes[len(runes)-suffix:])
}

func columnIndex(columns []string, name string) int {
	for i, c := range columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

func holdsAny(roles, wanted []string) bool {
	for _, r := range roles {
		for _, w := range wanted {
			if r == w {
				return true
			}
		}
	}
	return false
}

func dropColumns(res *domain.QueryResult, drop []int) {
	dropSet := make(map[int]bool, len(drop))
	for _, i := range drop {
		dropSet[i] = true
	}

	cols := make([]string, 0, len(res.Columns))
	for i, c := range res.Columns {
		if !dropSet[i] {
			cols = append(cols, c)
		}
	}
	for ri, row := range res.Rows {
		next := make([]domain.Value, 0, len(row))
		for i, v := range row {
			if !dropSet[i] {
				next = append(next, v)
			}
		}
		res.Rows[ri] = next
	}
	res.Columns = cols
}
