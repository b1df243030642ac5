// Package expression resolves templated node parameters against a live
// execution scope. Parameter strings may embed {{ expr }} templates and
// $input / $nodes / $vars references; everything else passes through
// untouched. Missing data always resolves to nil, never to an error.
package expression

import (
	"regexp"
	"strings"
)

var templatePattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Scope is the data an expression can see: the current node's composed
// input, the outputs of previously completed nodes, and workflow variables.
type Scope struct {
	Input map[string]interface{}
	Nodes map[string]map[string]interface{}
	Vars  map[string]interface{}
}

// NewScope creates an empty scope.
func NewScope() *Scope {
	return &Scope{
		Nodes: make(map[string]map[string]interface{}),
		Vars:  make(map[string]interface{}),
	}
}

// Resolver renders templates and references. A single Resolver is shared by
// all executions; compiled expressions are cached by source string.
type Resolver struct {
	cache *programCache
}

// NewResolver creates a resolver with an empty program cache.
func NewResolver() *Resolver {
	return &Resolver{cache: newProgramCache()}
}

// Resolve walks a parameter tree and replaces every template or reference
// leaf with its value. Maps and slices keep their structure; non-string
// leaves are returned as-is. Resolving an already-resolved tree changes
// nothing.
func (r *Resolver) Resolve(params map[string]interface{}, scope *Scope) (map[string]interface{}, error) {
	if params == nil {
		return nil, nil
	}
	result := make(map[string]interface{}, len(params))
	for key, value := range params {
		resolved, err := r.resolveValue(value, scope)
		if err != nil {
			return nil, err
		}
		result[key] = resolved
	}
	return result, nil
}

func (r *Resolver) resolveValue(value interface{}, scope *Scope) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return r.ResolveString(v, scope)
	case map[string]interface{}:
		return r.Resolve(v, scope)
	case []interface{}:
		result := make([]interface{}, len(v))
		for i, item := range v {
			resolved, err := r.resolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			result[i] = resolved
		}
		return result, nil
	default:
		return value, nil
	}
}

// ResolveString resolves one string parameter. A string that is exactly one
// template or one reference yields the typed value; templates embedded in
// longer text are stringified in canonical form.
func (r *Resolver) ResolveString(s string, scope *Scope) (interface{}, error) {
	trimmed := strings.TrimSpace(s)

	if loc := templatePattern.FindStringIndex(trimmed); loc != nil && loc[0] == 0 && loc[1] == len(trimmed) {
		inner := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		return r.evalExpr(inner, scope)
	}

	if strings.Contains(s, "{{") {
		var evalErr error
		result := templatePattern.ReplaceAllStringFunc(s, func(match string) string {
			inner := strings.TrimSpace(match[2 : len(match)-2])
			val, err := r.evalExpr(inner, scope)
			if err != nil {
				if evalErr == nil {
					evalErr = err
				}
				return match
			}
			return Stringify(val)
		})
		if evalErr != nil {
			return nil, evalErr
		}
		return result, nil
	}

	if isReference(trimmed) {
		return r.lookupReference(trimmed, scope), nil
	}

	return s, nil
}

// EvaluateCondition resolves a condition string to a boolean. Templates are
// substituted first (strings quoted so equality still works), then the whole
// string is evaluated as one expression. An empty condition is false; so is
// any condition over missing data. Only malformed expressions return an
// error.
func (r *Resolver) EvaluateCondition(cond string, scope *Scope) (bool, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return false, nil
	}

	if strings.Contains(cond, "{{") {
		var evalErr error
		cond = templatePattern.ReplaceAllStringFunc(cond, func(match string) string {
			inner := strings.TrimSpace(match[2 : len(match)-2])
			val, err := r.evalExpr(inner, scope)
			if err != nil {
				if evalErr == nil {
					evalErr = err
				}
				return match
			}
			return quoteLiteral(val)
		})
		if evalErr != nil {
			return false, evalErr
		}
	}

	result, err := r.evalExpr(cond, scope)
	if err != nil {
		return false, err
	}
	return Truthy(result), nil
}
