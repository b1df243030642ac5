package expression

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// reference is one $input/$nodes/$vars token found in an expression, paired
// with the synthetic identifier it was rewritten to.
type reference struct {
	token string
	ident string
}

// compiled pairs an expr program with the references its source contained.
// Programs are compiled once per distinct source string; only the reference
// values change between runs.
type compiled struct {
	program *vm.Program
	refs    []reference
}

type programCache struct {
	mu       sync.RWMutex
	programs map[string]*compiled
}

func newProgramCache() *programCache {
	return &programCache{programs: make(map[string]*compiled)}
}

func (c *programCache) get(src string) (*compiled, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.programs[src]
	return p, ok
}

func (c *programCache) put(src string, p *compiled) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.programs[src] = p
}

// evalExpr evaluates a single expression (the inside of a template, or a
// whole condition after template substitution). Compile failures surface as
// SyntaxError; runtime failures count as missing data and yield nil.
func (r *Resolver) evalExpr(src string, scope *Scope) (interface{}, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, nil
	}

	// Pure references skip the expression machinery entirely.
	if isReference(src) {
		return r.lookupReference(src, scope), nil
	}

	entry, ok := r.cache.get(src)
	if !ok {
		rewritten, refs := rewriteReferences(src)
		program, err := expr.Compile(rewritten,
			expr.Env(map[string]interface{}{}),
			expr.AllowUndefinedVariables(),
		)
		if err != nil {
			return nil, &SyntaxError{Expr: src, Err: err}
		}
		entry = &compiled{program: program, refs: refs}
		r.cache.put(src, entry)
	}

	env := map[string]interface{}{"null": nil}
	for _, ref := range entry.refs {
		env[ref.ident] = r.lookupReference(ref.token, scope)
	}

	out, err := expr.Run(entry.program, env)
	if err != nil {
		// Operations on absent data (nil arithmetic, indexing nil) are not
		// errors here; the value is simply null.
		return nil, nil
	}
	return out, nil
}

// lookupReference resolves a $input/$nodes/$vars token against the scope.
// Every miss resolves to nil.
func (r *Resolver) lookupReference(token string, scope *Scope) interface{} {
	if scope == nil {
		return nil
	}
	switch {
	case token == "$input":
		return scope.inputValue()
	case strings.HasPrefix(token, "$input."):
		return Lookup(scope.inputValue(), strings.TrimPrefix(token, "$input."))
	case strings.HasPrefix(token, "$nodes."):
		rest := strings.TrimPrefix(token, "$nodes.")
		nodeID := rest
		path := ""
		if i := strings.IndexByte(rest, '.'); i != -1 {
			nodeID, path = rest[:i], rest[i+1:]
		}
		output, ok := scope.Nodes[nodeID]
		if !ok {
			return nil
		}
		if path == "" {
			return output
		}
		return Lookup(map[string]interface{}(output), path)
	case strings.HasPrefix(token, "$vars."):
		return scope.Vars[strings.TrimPrefix(token, "$vars.")]
	default:
		return nil
	}
}

func (s *Scope) inputValue() interface{} {
	if s.Input == nil {
		return nil
	}
	return map[string]interface{}(s.Input)
}

// isReference reports whether src is exactly one reference token with no
// surrounding expression.
func isReference(src string) bool {
	if !strings.HasPrefix(src, "$") {
		return false
	}
	token, rest := scanReference(src)
	return token != "" && rest == ""
}

// rewriteReferences replaces every reference token in src with a synthetic
// identifier so the result is a valid expression over plain variables. Node
// ids may contain dashes, which are not legal in identifiers, so references
// cannot be passed through as-is. Tokens inside string literals are left
// alone.
func rewriteReferences(src string) (string, []reference) {
	var (
		out     strings.Builder
		refs    []reference
		inStr   bool
		strChar byte
	)

	for i := 0; i < len(src); {
		c := src[i]

		if inStr {
			out.WriteByte(c)
			if c == strChar && src[i-1] != '\\' {
				inStr = false
			}
			i++
			continue
		}

		switch {
		case c == '"' || c == '\'':
			inStr = true
			strChar = c
			out.WriteByte(c)
			i++
		case c == '$':
			token, _ := scanReference(src[i:])
			if token == "" {
				out.WriteByte(c)
				i++
				continue
			}
			ident := fmt.Sprintf("__ref%d", len(refs))
			refs = append(refs, reference{token: token, ident: ident})
			out.WriteString(ident)
			i += len(token)
		default:
			out.WriteByte(c)
			i++
		}
	}

	return out.String(), refs
}

// scanReference reads a reference token from the start of src and returns it
// along with the remainder. Returns "" when src does not start with one.
func scanReference(src string) (token, rest string) {
	root := ""
	for _, prefix := range []string{"$input", "$nodes", "$vars"} {
		if strings.HasPrefix(src, prefix) {
			root = prefix
			break
		}
	}
	if root == "" {
		return "", src
	}

	end := len(root)
	for end < len(src) {
		if src[end] != '.' {
			break
		}
		segEnd := end + 1
		for segEnd < len(src) && isPathByte(src[segEnd]) {
			segEnd++
		}
		if segEnd == end+1 {
			break // trailing dot belongs to the surrounding expression
		}
		// Optional [n] index suffix on the segment.
		if segEnd < len(src) && src[segEnd] == '[' {
			if j := strings.IndexByte(src[segEnd:], ']'); j > 1 && allDigits(src[segEnd+1:segEnd+j]) {
				segEnd += j + 1
			}
		}
		end = segEnd
	}

	// $nodes and $vars are meaningless without at least one segment.
	if (root == "$nodes" || root == "$vars") && end == len(root) {
		return "", src
	}
	return src[:end], src[end:]
}

func isPathByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' || c == '_' || c == '-'
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// quoteLiteral renders a value for substitution into a condition string.
// Strings are single-quoted so comparisons keep working after substitution;
// nil becomes the null keyword.
func quoteLiteral(v interface{}) string {
	if v == nil {
		return "null"
	}
	if s, ok := v.(string); ok {
		escaped := strings.ReplaceAll(s, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `'`, `\'`)
		return "'" + escaped + "'"
	}
	return Stringify(v)
}
