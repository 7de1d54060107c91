package importer

import (
	"fmt"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/moznion/go-optional"
	"github.com/vulnai/vulnai/vulnai"
)

type RewriterEnv struct {
	Name        string  `expr:"name"`
	Description string  `expr:"description"`
	Severity    string  `expr:"severity"`
	Cvss2       float64 `expr:"cvss2"`
	Cvss3       float64 `expr:"cvss3"`
}

type CompiledRewriter struct {
	Predicate   *vm.Program
	RewriteRule *vm.Program
	Field       string
}

func NewCompiledRewriter(r vulnai.Rewriter) (cr CompiledRewriter, err error) {
	genericOpts := []expr.Option{
		expr.Env(RewriterEnv{}),
		expr.Function(
			"fmt",
			exprFmt,
			new(func(string, string) string),
			new(func([]any, string) string),
		),
	}

	switch r.Field {
	case "":
		cr.Field = "severity"
	case "severity", "description":
		cr.Field = r.Field
	default:
		return cr, fmt.Errorf("unsupported rewrite field %q", r.Field)
	}

	predicateOpts := append(genericOpts,
		expr.AsBool(),
	)
	cr.Predicate, err = expr.Compile(r.Predicate, predicateOpts...)
	if err != nil {
		return cr, fmt.Errorf("error compiling predicate: %w", err)
	}

	rewriterOpts := append(genericOpts,
		expr.AsKind(reflect.String),
	)
	cr.RewriteRule, err = expr.Compile(r.RewriteRule, rewriterOpts...)
	if err != nil {
		return cr, fmt.Errorf("error compiling rewrite rule: %w", err)
	}

	return cr, err
}

func CompileRewriters(rewriters []vulnai.Rewriter) ([]CompiledRewriter, error) {
	compiled := make([]CompiledRewriter, 0, len(rewriters))
	for i, rewriter := range rewriters {
		cr, err := NewCompiledRewriter(rewriter)
		if err != nil {
			return nil, fmt.Errorf("could not parse rewrite rule %d, %w", i+1, err)
		}
		compiled = append(compiled, cr)
	}
	return compiled, nil
}

func (c CompiledRewriter) Rewrite(cve CVEFixture) (CVEFixture, error) {
	env := RewriterEnv{
		Name:        cve.Name,
		Description: cve.Description.TakeOr(""),
		Severity:    cve.Severity.TakeOr(""),
		Cvss2:       cve.Cvss2BaseScore.TakeOr(0),
		Cvss3:       cve.Cvss3BaseScore.TakeOr(0),
	}
	predicate, err := expr.Run(c.Predicate, env)
	if err != nil {
		return cve, fmt.Errorf("error running predicate: %w", err)
	}
	if !predicate.(bool) {
		return cve, nil
	}
	result, err := expr.Run(c.RewriteRule, env)
	if err != nil {
		return cve, fmt.Errorf("error running rewrite rule: %w", err)
	}
	resultStr := result.(string)
	switch c.Field {
	case "severity":
		cve.Severity = optional.Some(resultStr)
	case "description":
		cve.Description = optional.Some(resultStr)
	}

	return cve, nil
}

// exprFmt is an implementation of sprintf for expr. It takes the thing to be
// formatted as the first argument to make it possible to use with pipes. The
// first argument can either be a string, or a list of any value.
func exprFmt(params ...any) (any, error) {
	switch arg1 := params[0].(type) {
	case string:
		return fmt.Sprintf(params[1].(string), arg1), nil
	case []any:
		return fmt.Sprintf(params[1].(string), arg1...), nil
	default:
		return "", fmt.Errorf("unsupported type for argument 1: %T", arg1)
	}
}
