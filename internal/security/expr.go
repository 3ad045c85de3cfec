package security

import (
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-db/kestrel/internal/domain"
)

// exprEngine compiles the optional CEL predicate attached to an
// access rule. Programs are compiled once and cached under the rule
// id; replacing the policy document clears the cache.
type exprEngine struct {
	env      *cel.Env
	compiled map[string]cel.Program
}

func newExprEngine() (*exprEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("user", cel.StringType),
		cel.Variable("roles", cel.ListType(cel.StringType)),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("engine", cel.StringType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.StringType),
		cel.Variable("complexity", cel.IntType),
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, domain.Wrap(domain.ErrConfiguration, err, "create cel environment")
	}
	return &exprEngine{env: env, compiled: make(map[string]cel.Program)}, nil
}

// compile validates and caches one rule expression. Called under the
// authorizer's write lock when a policy document loads.
func (e *exprEngine) compile(ruleID, expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return domain.Wrap(domain.ErrConfiguration, issues.Err(), "compile rule %s expression", ruleID)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return domain.Wrap(domain.ErrConfiguration, err, "build rule %s program", ruleID)
	}
	e.compiled[ruleID] = prg
	return nil
}

// eval runs a compiled predicate; a missing program (rule added
// without compile) or non-boolean result counts as no-match.
func (e *exprEngine) eval(ruleID string, req Request, roles []string) (bool, error) {
	prg, ok := e.compiled[ruleID]
	if !ok {
		return false, domain.E(domain.ErrConfiguration, "rule %s expression not compiled", ruleID)
	}

	attrs := req.Caller.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	activation := map[string]any{
		"user":       req.Caller.User,
		"roles":      roles,
		"action":     string(req.Action),
		"resource":   req.Resource,
		"engine":     req.EngineID,
		"ip":         req.Caller.IP,
		"hour":       int64(req.At.Hour()),
		"weekday":    strings.ToLower(req.At.Weekday().String()),
		"complexity": int64(req.Complexity),
		"attributes": attrs,
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, domain.Wrap(domain.ErrSecurityViolation, err, "evaluate rule %s expression", ruleID)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, domain.E(domain.ErrConfiguration, "rule %s expression is not boolean", ruleID)
	}
	return bool(b), nil
}
