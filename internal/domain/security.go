package domain

import "fmt"

// Role names a set of permissions. Inherited roles form a DAG; cycles
// are rejected at configuration time.
type Role struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Inherits    []string `json:"inherits,omitempty"`
}

// RuleEffect is the outcome of a matching access rule.
type RuleEffect string

const (
	EffectAllow RuleEffect = "allow"
	EffectDeny  RuleEffect = "deny"
)

// ConditionKind selects what an access condition compares.
type ConditionKind string

const (
	CondTimeOfDay       ConditionKind = "time_of_day"
	CondDayOfWeek       ConditionKind = "day_of_week"
	CondIPAddress       ConditionKind = "ip_address"
	CondUserAttribute   ConditionKind = "user_attribute"
	CondDataSensitivity ConditionKind = "data_sensitivity"
	CondQueryComplexity ConditionKind = "query_complexity"
)

// ConditionOp is the comparison operator of an access condition.
type ConditionOp string

const (
	OpEquals      ConditionOp = "eq"
	OpNotEquals   ConditionOp = "ne"
	OpContains    ConditionOp = "contains"
	OpGreaterThan ConditionOp = "gt"
	OpLessThan    ConditionOp = "lt"
	OpBetween     ConditionOp = "between"
	OpIn          ConditionOp = "in"
	OpNotIn       ConditionOp = "not_in"
	OpRegex       ConditionOp = "regex"
)

// AccessCondition gates a rule on request context. Values carry the
// operands: a window "09:00-17:00" for time_of_day, CIDR blocks for
// ip_address, the attribute name in Attribute for user_attribute.
type AccessCondition struct {
	Kind      ConditionKind `json:"kind"`
	Operator  ConditionOp   `json:"operator"`
	Attribute string        `json:"attribute,omitempty"`
	Values    []string      `json:"values"`
}

// AccessRule grants or denies actions on a resource to a role set.
// Within the rule list, the first matching explicit deny wins, then
// the first matching allow; no match is a denial.
type AccessRule struct {
	ID         string            `json:"id"`
	Roles      []string          `json:"roles"`
	Actions    []Action          `json:"actions"`
	Resource   string            `json:"resource"` // table/collection name or "*"
	Effect     RuleEffect        `json:"effect"`
	Conditions []AccessCondition `json:"conditions,omitempty"`

	// Expression is an optional CEL predicate over the request
	// context, compiled once and cached. An expression that evaluates
	// false makes the rule not match.
	Expression string `json:"expression,omitempty"`
}

// MaskKind selects a masking transformation.
type MaskKind string

const (
	MaskFull     MaskKind = "full"
	MaskPartial  MaskKind = "partial"
	MaskHash     MaskKind = "hash"
	MaskTokenize MaskKind = "tokenize"
)

// MaskingRule transforms a column value before it reaches a caller
// lacking full read rights.
type MaskingRule struct {
	Kind MaskKind `json:"kind"`

	// Partial reveal widths.
	ShowPrefix int `json:"showPrefix,omitempty"`
	ShowSuffix int `json:"showSuffix,omitempty"`
}

// ColumnPolicy attaches read/write role sets and an optional mask to
// one column.
type ColumnPolicy struct {
	Table      string       `json:"table"`
	Column     string       `json:"column"`
	ReadRoles  []string     `json:"readRoles,omitempty"`
	WriteRoles []string     `json:"writeRoles,omitempty"`
	Mask       *MaskingRule `json:"mask,omitempty"`

	// Conditions gate the read grant itself: outside a time window the
	// read roles stop applying and the mask takes over.
	Conditions []AccessCondition `json:"conditions,omitempty"`

	// OmitOnDeny drops the column instead of masking it.
	OmitOnDeny bool `json:"omitOnDeny,omitempty"`
}

// RowPolicy filters rows whose policy column does not match the
// caller's attribute, unless the caller holds an admin-bypass role.
type RowPolicy struct {
	Table         string `json:"table"`
	PolicyColumn  string `json:"policyColumn"`
	CallerAttr    string `json:"callerAttribute"`
}

// RBACConfig is the full policy document consumed by the security
// layer and replaceable at runtime via update_rbac_config.
type RBACConfig struct {
	Roles           []Role              `json:"roles"`
	Rules           []AccessRule        `json:"rules"`
	ColumnPolicies  []ColumnPolicy      `json:"columnPolicies,omitempty"`
	RowPolicies     []RowPolicy         `json:"rowPolicies,omitempty"`
	Assignments     map[string][]string `json:"assignments,omitempty"` // user -> roles
	AdminBypassRole string              `json:"adminBypassRole,omitempty"`
}

// Validate rejects policy documents with unknown role references or a
// cyclic inheritance graph.
func (c *RBACConfig) Validate() error {
	known := make(map[string]bool, len(c.Roles))
	for _, r := range c.Roles {
		if r.Name == "" {
			return E(ErrConfiguration, "rbac: role with empty name")
		}
		if known[r.Name] {
			return E(ErrConfiguration, "rbac: duplicate role %q", r.Name)
		}
		known[r.Name] = true
	}
	for _, r := range c.Roles {
		for _, parent := range r.Inherits {
			if !known[parent] {
				return E(ErrConfiguration, "rbac: role %q inherits unknown role %q", r.Name, parent)
			}
		}
	}
	if err := c.checkAcyclic(); err != nil {
		return err
	}
	for _, rule := range c.Rules {
		if rule.Effect != EffectAllow && rule.Effect != EffectDeny {
			return E(ErrConfiguration, "rbac: rule %q has invalid effect %q", rule.ID, rule.Effect)
		}
		for _, role := range rule.Roles {
			if !known[role] {
				return E(ErrConfiguration, "rbac: rule %q references unknown role %q", rule.ID, role)
			}
		}
	}
	return nil
}

// checkAcyclic walks the inheritance graph with three-color DFS.
func (c *RBACConfig) checkAcyclic() error {
	parents := make(map[string][]string, len(c.Roles))
	for _, r := range c.Roles {
		parents[r.Name] = r.Inherits
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(parents))

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			return E(ErrConfiguration, "rbac: role inheritance cycle through %q", name)
		case black:
			return nil
		}
		color[name] = gray
		for _, p := range parents[name] {
			if err := visit(p); err != nil {
				return fmt.Errorf("%w (via %q)", err, name)
			}
		}
		color[name] = black
		return nil
	}

	for name := range parents {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}
