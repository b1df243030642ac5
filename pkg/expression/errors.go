package expression

import "fmt"

// SyntaxError reports an expression that could not be parsed. Missing data is
// never a SyntaxError; references to absent inputs resolve to nil.
type SyntaxError struct {
	Expr string
	Err  error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid expression %q: %v", e.Expr, e.Err)
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

// IsSyntaxError reports whether err is a SyntaxError.
func IsSyntaxError(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*SyntaxError)
	return ok
}
