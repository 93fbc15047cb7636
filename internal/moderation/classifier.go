package moderation

import (
	"strings"

	"github.com/google/cel-go/cel"
)

// Classifier evaluates configured CEL rules against image attributes. Any
// rule that yields true marks the image as a policy violation. With no rules
// configured the classifier passes everything.
type Classifier struct {
	rules []compiledRule
}

type compiledRule struct {
	expr string
	prog cel.Program
}

// NewClassifier compiles the rule expressions. Rules see the variables
// prompt (string), tags (list of string), owner (string), and public (bool).
func NewClassifier(rules []string) (*Classifier, error) {
	env, err := cel.NewEnv(
		cel.Variable("prompt", cel.StringType),
		cel.Variable("tags", cel.ListType(cel.StringType)),
		cel.Variable("owner", cel.StringType),
		cel.Variable("public", cel.BoolType),
	)
	if err != nil {
		return nil, err
	}

	c := &Classifier{}
	for _, expr := range rules {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			continue
		}
		ast, iss := env.Parse(expr)
		if iss != nil && iss.Err() != nil {
			return nil, iss.Err()
		}
		checked, iss2 := env.Check(ast)
		if iss2 != nil && iss2.Err() != nil {
			return nil, iss2.Err()
		}
		prog, err := env.Program(checked)
		if err != nil {
			return nil, err
		}
		c.rules = append(c.rules, compiledRule{expr: expr, prog: prog})
	}
	return c, nil
}

// Classify returns whether the image violates policy and the rule that
// matched. Evaluation errors are treated as non-matches.
func (c *Classifier) Classify(prompt string, tags []string, owner string, public bool) (bool, string) {
	if c == nil || len(c.rules) == 0 {
		return false, ""
	}
	vars := map[string]any{
		"prompt": prompt,
		"tags":   tags,
		"owner":  owner,
		"public": public,
	}
	for _, r := range c.rules {
		out, _, err := r.prog.Eval(vars)
		if err != nil {
			continue
		}
		if v, ok := out.Value().(bool); ok && v {
			return true, r.expr
		}
	}
	return false, ""
}
