package security

import (
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-db/kestrel/internal/domain"
)

// Request is the evaluation context for one access decision.
type Request struct {
	Caller   domain.Caller
	Action   domain.Action
	Resource string
	Query    string
	EngineID string

	// At is the decision instant, injectable for tests.
	At time.Time

	// Complexity is a structural score of the query (joins, subqueries,
	// unions), filled by the layer before rule evaluation.
	Complexity int

	// Sensitivity labels the target resource; resources carrying masked
	// column policies classify as "sensitive", everything else "normal".
	Sensitivity string
}

// conditionEvaluator applies AccessConditions against a Request.
// Time-window conditions honor the configured timezone and the
// emergency override.
type conditionEvaluator struct {
	tz       *time.Location
	override bool
}

func newConditionEvaluator(cfg domain.SecurityConfig) (*conditionEvaluator, error) {
	tz := time.UTC
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, domain.Wrap(domain.ErrConfiguration, err, "load timezone %q", cfg.Timezone)
		}
		tz = loc
	}
	return &conditionEvaluator{tz: tz, override: cfg.EmergencyOverride}, nil
}

func (e *conditionEvaluator) evaluate(cond domain.AccessCondition, req Request) (bool, error) {
	switch cond.Kind {
	case domain.CondTimeOfDay:
		if e.override {
			return true, nil
		}
		return e.timeOfDay(cond, req.At)
	case domain.CondDayOfWeek:
		if e.override {
			return true, nil
		}
		return e.dayOfWeek(cond, req.At)
	case domain.CondIPAddress:
		return ipAddress(cond, req.Caller.IP)
	case domain.CondUserAttribute:
		return compareStrings(cond.Operator, req.Caller.Attributes[cond.Attribute], cond.Values)
	case domain.CondDataSensitivity:
		return compareStrings(cond.Operator, req.Sensitivity, cond.Values)
	case domain.CondQueryComplexity:
		return compareStrings(cond.Operator, strconv.Itoa(req.Complexity), cond.Values)
	default:
		return false, domain.E(domain.ErrConfiguration, "unknown condition kind %q", cond.Kind)
	}
}

// timeOfDay checks membership in an HH:MM-HH:MM window. Windows may
// wrap midnight ("22:00-06:00"). Values hold either one window string
// or a start/end pair.
func (e *conditionEvaluator) timeOfDay(cond domain.AccessCondition, at time.Time) (bool, error) {
	var startStr, endStr string
	switch len(cond.Values) {
	case 1:
		parts := strings.SplitN(cond.Values[0], "-", 2)
		if len(parts) != 2 {
			return false, domain.E(domain.ErrConfiguration, "time_of_day window %q is not HH:MM-HH:MM", cond.Values[0])
		}
		startStr, endStr = parts[0], parts[1]
	case 2:
		startStr, endStr = cond.Values[0], cond.Values[1]
	default:
		return false, domain.E(domain.ErrConfiguration, "time_of_day condition needs a window")
	}

	start, err := parseClock(startStr)
	if err != nil {
		return false, err
	}
	end, err := parseClock(endStr)
	if err != nil {
		return false, err
	}

	local := at.In(e.tz)
	now := local.Hour()*60 + local.Minute()

	var inside bool
	if start <= end {
		inside = now >= start && now < end
	} else {
		inside = now >= start || now < end
	}
	if cond.Operator == domain.OpNotIn || cond.Operator == domain.OpNotEquals {
		return !inside, nil
	}
	return inside, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, domain.Wrap(domain.ErrConfiguration, err, "parse clock value %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (e *conditionEvaluator) dayOfWeek(cond domain.AccessCondition, at time.Time) (bool, error) {
	day := strings.ToLower(at.In(e.tz).Weekday().String())
	match := false
	for _, v := range cond.Values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == day || (len(v) >= 3 && strings.HasPrefix(day, v)) {
			match = true
			break
		}
	}
	if cond.Operator == domain.OpNotIn || cond.Operator == domain.OpNotEquals {
		return !match, nil
	}
	return match, nil
}

// ipAddress checks CIDR membership. Bare addresses in Values are
// treated as /32 (or /128) prefixes.
func ipAddress(cond domain.AccessCondition, ip string) (bool, error) {
	if ip == "" {
		return false, nil
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false, domain.Wrap(domain.ErrValidation, err, "parse caller ip %q", ip)
	}
	match := false
	for _, v := range cond.Values {
		v = strings.TrimSpace(v)
		if strings.Contains(v, "/") {
			prefix, err := netip.ParsePrefix(v)
			if err != nil {
				return false, domain.Wrap(domain.ErrConfiguration, err, "parse cidr %q", v)
			}
			if prefix.Contains(addr) {
				match = true
				break
			}
		} else if other, err := netip.ParseAddr(v); err == nil && other == addr {
			match = true
			break
		}
	}
	if cond.Operator == domain.OpNotIn || cond.Operator == domain.OpNotEquals {
		return !match, nil
	}
	return match, nil
}

// compareStrings applies the generic operators; gt/lt/between compare
// numerically when both operands parse as numbers.
func compareStrings(op domain.ConditionOp, have string, want []string) (bool, error) {
	first := ""
	if len(want) > 0 {
		first = want[0]
	}
	switch op {
	case domain.OpEquals:
		return have == first, nil
	case domain.OpNotEquals:
		return have != first, nil
	case domain.OpContains:
		return strings.Contains(have, first), nil
	case domain.OpGreaterThan:
		return numericCompare(have, first, func(a, b float64) bool { return a > b })
	case domain.OpLessThan:
		return numericCompare(have, first, func(a, b float64) bool { return a < b })
	case domain.OpBetween:
		if len(want) != 2 {
			return false, domain.E(domain.ErrConfiguration, "between condition needs two values")
		}
		ge, err := numericCompare(have, want[0], func(a, b float64) bool { return a >= b })
		if err != nil || !ge {
			return false, err
		}
		return numericCompare(have, want[1], func(a, b float64) bool { return a <= b })
	case domain.OpIn:
		for _, v := range want {
			if have == v {
				return true, nil
			}
		}
		return false, nil
	case domain.OpNotIn:
		for _, v := range want {
			if have == v {
				return false, nil
			}
		}
		return true, nil
	case domain.OpRegex:
		re, err := regexp.Compile(first)
		if err != nil {
			return false, domain.Wrap(domain.ErrConfiguration, err, "compile condition regex %q", first)
		}
		return re.MatchString(have), nil
	default:
		return false, domain.E(domain.ErrConfiguration, "unknown condition operator %q", op)
	}
}

func numericCompare(have, want string, cmp func(a, b float64) bool) (bool, error) {
	a, err1 := strconv.ParseFloat(have, 64)
	b, err2 := strconv.ParseFloat(want, 64)
	if err1 != nil || err2 != nil {
		// Fall back to lexical ordering for non-numeric operands.
		return cmp(float64(strings.Compare(have, want)), 0), nil
	}
	return cmp(a, b), nil
}

// complexityScore counts structural weight: joins, subqueries and
// set operations.
func complexityScore(query string) int {
	lower := strings.ToLower(query)
	score := strings.Count(lower, " join ") +
		strings.Count(lower, "(select") + strings.Count(lower, "( select") +
		strings.Count(lower, " union ") +
		strings.Count(lower, " intersect ") +
		strings.Count(lower, " except ")
	return score
}
