package security

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-db/kestrel/internal/domain"
)

// Authorizer evaluates access rules against a request. Decisions are
// deny-by-default: a request passes only when an allow rule matches
// and no earlier deny rule does.
type Authorizer struct {
	// snap holds an immutable compiled policy; evaluations read one
	// consistent document even while an admin replaces it.
	snap atomic.Pointer[policySnapshot]

	// mu serializes mutations (assign/revoke/update).
	mu sync.Mutex

	cache *roleCache
	cond  *conditionEvaluator
}

// policySnapshot is an immutable compiled view of one RBACConfig.
type policySnapshot struct {
	cfg   domain.RBACConfig
	roles map[string][]string // role -> direct parents
	exprs *exprEngine

	columns map[string][]domain.ColumnPolicy
	rows    map[string][]domain.RowPolicy
}

// NewAuthorizer compiles the initial policy document.
func NewAuthorizer(cfg domain.RBACConfig, sec domain.SecurityConfig) (*Authorizer, error) {
	cond, err := newConditionEvaluator(sec)
	if err != nil {
		return nil, err
	}
	snap, err := compilePolicy(cfg)
	if err != nil {
		return nil, err
	}
	a := &Authorizer{
		cache: newRoleCache(10_000, 5*time.Minute),
		cond:  cond,
	}
	a.snap.Store(snap)
	return a, nil
}

func compilePolicy(cfg domain.RBACConfig) (*policySnapshot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	exprs, err := newExprEngine()
	if err != nil {
		return nil, err
	}
	for _, rule := range cfg.Rules {
		if rule.Expression == "" {
			continue
		}
		if err := exprs.compile(rule.ID, rule.Expression); err != nil {
			return nil, err
		}
	}

	snap := &policySnapshot{
		cfg:     cfg,
		roles:   make(map[string][]string, len(cfg.Roles)),
		exprs:   exprs,
		columns: make(map[string][]domain.ColumnPolicy),
		rows:    make(map[string][]domain.RowPolicy),
	}
	for _, r := range cfg.Roles {
		snap.roles[r.Name] = r.Inherits
	}
	for _, cp := range cfg.ColumnPolicies {
		snap.columns[cp.Table] = append(snap.columns[cp.Table], cp)
	}
	for _, rp := range cfg.RowPolicies {
		snap.rows[rp.Table] = append(snap.rows[rp.Table], rp)
	}
	return snap, nil
}

// EffectiveRoles resolves a user's assigned roles plus every role
// reachable through inheritance, sorted for determinism.
func (a *Authorizer) EffectiveRoles(user string) []string {
	if roles, ok := a.cache.get(user); ok {
		return roles
	}

	snap := a.snap.Load()
	seen := make(map[string]bool)
	var walk func(role string)
	walk = func(role string) {
		if seen[role] {
			return
		}
		seen[role] = true
		for _, parent := range snap.roles[role] {
			walk(parent)
		}
	}
	for _, role := range snap.cfg.Assignments[user] {
		if _, known := snap.roles[role]; known {
			walk(role)
		}
	}

	roles := make([]string, 0, len(seen))
	for role := range seen {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	a.cache.set(user, roles)
	return roles
}

// HasBypassRole reports whether the caller holds the admin-bypass
// role that skips row-level filtering.
func (a *Authorizer) HasBypassRole(user string) bool {
	bypass := a.snap.Load().cfg.AdminBypassRole
	if bypass == "" {
		return false
	}
	for _, r := range a.EffectiveRoles(user) {
		if r == bypass {
			return true
		}
	}
	return false
}

// Authorize runs the rule list in order: the first matching deny
// wins, otherwise the first matching allow wins, otherwise deny.
func (a *Authorizer) Authorize(req Request) error {
	snap := a.snap.Load()
	roles := a.EffectiveRoles(req.Caller.User)
	roleSet := make(map[string]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}
	req.At = req.At.In(a.cond.tz)

	allowed := false
	for i := range snap.cfg.Rules {
		rule := &snap.cfg.Rules[i]
		match, err := a.ruleMatches(snap, rule, req, roleSet, roles)
		if err != nil {
			return err
		}
		if !match {
			continue
		}
		if rule.Effect == domain.EffectDeny {
			return domain.E(domain.ErrSecurityViolation,
				"access denied by rule %s for user %q (%s on %s)",
				rule.ID, req.Caller.User, req.Action, req.Resource)
		}
		allowed = true
	}
	if !allowed {
		return domain.E(domain.ErrSecurityViolation,
			"access denied: no rule allows user %q to %s on %s",
			req.Caller.User, req.Action, req.Resource)
	}
	return nil
}

func (a *Authorizer) ruleMatches(snap *policySnapshot, rule *domain.AccessRule, req Request, roleSet map[string]bool, roles []string) (bool, error) {
	holdsRole := false
	for _, r := range rule.Roles {
		if roleSet[r] {
			holdsRole = true
			break
		}
	}
	if !holdsRole {
		return false, nil
	}

	actionMatch := false
	for _, act := range rule.Actions {
		if act == req.Action {
			actionMatch = true
			break
		}
	}
	if !actionMatch {
		return false, nil
	}

	if rule.Resource != "*" && rule.Resource != req.Resource {
		return false, nil
	}

	for _, cond := range rule.Conditions {
		ok, err := a.cond.evaluate(cond, req)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	if rule.Expression != "" {
		ok, err := snap.exprs.eval(rule.ID, req, roles)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Config returns the live policy document.
func (a *Authorizer) Config() domain.RBACConfig { return a.snap.Load().cfg }

func (a *Authorizer) columnPolicies(table string) []domain.ColumnPolicy {
	return a.snap.Load().columns[table]
}

func (a *Authorizer) rowPolicies(table string) []domain.RowPolicy {
	return a.snap.Load().rows[table]
}

// sensitivityOf labels a resource from its policies.
func (a *Authorizer) sensitivityOf(table string) string {
	for _, cp := range a.snap.Load().columns[table] {
		if cp.Mask != nil || cp.OmitOnDeny {
			return "sensitive"
		}
	}
	return "normal"
}

// AssignRole grants a role to a user. The user's cached resolution is
// dropped before the call returns, so the next request sees the new
// role set.
func (a *Authorizer) AssignRole(user, role string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.snap.Load()
	if _, known := snap.roles[role]; !known {
		return domain.E(domain.ErrValidation, "unknown role %q", role)
	}
	for _, r := range snap.cfg.Assignments[user] {
		if r == role {
			return nil // already assigned
		}
	}

	cfg := cloneConfig(snap.cfg)
	cfg.Assignments[user] = append(cfg.Assignments[user], role)

	next, err := compilePolicy(cfg)
	if err != nil {
		return err
	}
	a.snap.Store(next)
	a.cache.invalidate(user)
	return nil
}

// RevokeRole removes a role from a user.
func (a *Authorizer) RevokeRole(user, role string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.snap.Load()
	cfg := cloneConfig(snap.cfg)

	current := cfg.Assignments[user]
	kept := make([]string, 0, len(current))
	found := false
	for _, r := range current {
		if r == role {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if !found {
		return domain.E(domain.ErrValidation, "user %q does not hold role %q", user, role)
	}
	if len(kept) == 0 {
		delete(cfg.Assignments, user)
	} else {
		cfg.Assignments[user] = kept
	}

	next, err := compilePolicy(cfg)
	if err != nil {
		return err
	}
	a.snap.Store(next)
	a.cache.invalidate(user)
	return nil
}

// PolicyEmpty reports whether no rules and no assignments are loaded.
// An empty policy denies everything, so the first policy document may
// be installed without an admin grant (there is nobody to hold one).
func (a *Authorizer) PolicyEmpty() bool {
	snap := a.snap.Load()
	return len(snap.cfg.Rules) == 0 && len(snap.cfg.Assignments) == 0
}

// UpdateConfig replaces the whole policy document and flushes every
// cached resolution.
func (a *Authorizer) UpdateConfig(cfg domain.RBACConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	next, err := compilePolicy(cfg)
	if err != nil {
		return err
	}
	a.snap.Store(next)
	a.cache.invalidate("")
	return nil
}

func cloneConfig(cfg domain.RBACConfig) domain.RBACConfig {
	out := cfg
	out.Assignments = make(map[string][]string, len(cfg.Assignments))
	for user, roles := range cfg.Assignments {
		out.Assignments[user] = append([]string(nil), roles...)
	}
	return out
}
