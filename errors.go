package formula

import "fmt"

// CompileErrorKind classifies failures surfaced by Compile
type CompileErrorKind uint8

const (
	// UnexpectedToken indicates a token that is not valid where it appears.
	UnexpectedToken CompileErrorKind = 1

	// UnbalancedDelimiter indicates mismatched parentheses, braces, or an
	// unclosed string literal.
	UnbalancedDelimiter CompileErrorKind = 2

	// InvalidReference indicates malformed A1/R1C1 cell or range syntax.
	InvalidReference CompileErrorKind = 3

	// InvalidLiteral indicates a malformed numeric or string literal.
	InvalidLiteral CompileErrorKind = 4
)

var compileErrorKindNames = map[CompileErrorKind]string{
	UnexpectedToken:     "unexpected token",
	UnbalancedDelimiter: "unbalanced delimiter",
	InvalidReference:    "invalid reference",
	InvalidLiteral:      "invalid literal",
}

// CompileError is a syntax error reported by Compile. Pos is the rune
// offset into the formula text where the problem starts.
type CompileError struct {
	Kind    CompileErrorKind
	Pos     int
	Message string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("%s at offset %d: %s", compileErrorKindNames[e.Kind], e.Pos, e.Message)
}

func NewCompileError(kind CompileErrorKind, pos int, message string) *CompileError {
	return &CompileError{Kind: kind, Pos: pos, Message: message}
}

// FormulaError wraps an ErrorValue with the originating call site and the
// formula's source text for end-user diagnostics. spreadsheet errors flow
// through evaluation as ordinary values; this wrapper exists for the hosts
// that need the full "where and what" message.
type FormulaError struct {
	Value    *ErrorValue
	CallSite string
	Formula  string
}

func (e *FormulaError) Error() string {
	return fmt.Sprintf("Formula error in %s: %s (formula: %q)", e.CallSite, e.Value.Error(), e.Formula)
}

// Unwrap exposes the underlying ErrorValue to errors.As
func (e *FormulaError) Unwrap() error {
	return e.Value
}

func NewFormulaError(value *ErrorValue, callSite, formulaText string) *FormulaError {
	return &FormulaError{Value: value, CallSite: callSite, Formula: formulaText}
}

// CircularReferenceError is returned by DependencyGraph.SetFormula when the
// new edge set would make the node reachable from itself. no edges are
// committed when this error is returned.
type CircularReferenceError struct {
	Node DependencyNode
}

func (e *CircularReferenceError) Error() string {
	return fmt.Sprintf("circular reference: setting formula at %s would create a cycle", e.Node)
}
