package formula

import (
	"fmt"
	"strconv"
	"strings"
)

// Value represents the result of evaluating a formula or a cell lookup.
// types:
//   - int64: integer numeric values
//   - float64: floating-point numeric values
//   - string: text values
//   - bool: boolean values (TRUE/FALSE)
//   - nil: empty/null cells
//   - *Array: rectangular blocks of values (ranges, array literals)
//   - *ErrorValue: error values (#DIV/0!, #VALUE!, etc.)
type Value any

// ErrorKind represents standard spreadsheet error codes following
// Excel conventions
type ErrorKind uint8

const (
	ErrorKindNA       ErrorKind = 1 // #N/A - lookup failed or value not available
	ErrorKindRef      ErrorKind = 2 // #REF! - invalid cell reference
	ErrorKindValue    ErrorKind = 3 // #VALUE! - wrong type of argument or operand
	ErrorKindDiv0     ErrorKind = 4 // #DIV/0! - division by zero
	ErrorKindName     ErrorKind = 5 // #NAME? - unrecognized function name
	ErrorKindNum      ErrorKind = 6 // #NUM! - number out of range
	ErrorKindCircular ErrorKind = 7 // #CIRCULAR! - circular reference
)

// errorLabels maps error kinds to their display representations
var errorLabels = map[ErrorKind]string{
	ErrorKindNA:       "#N/A",
	ErrorKindRef:      "#REF!",
	ErrorKindValue:    "#VALUE!",
	ErrorKindDiv0:     "#DIV/0!",
	ErrorKindName:     "#NAME?",
	ErrorKindNum:      "#NUM!",
	ErrorKindCircular: "#CIRCULAR!",
}

// ErrorValue is a spreadsheet error. it is a first-class Value, not an
// exception: it can be stored in a cell, compared, and returned from a
// sub-expression, and it propagates through enclosing operators unless a
// function explicitly traps it (IFERROR).
type ErrorValue struct {
	Kind    ErrorKind
	Message string
}

func (e *ErrorValue) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return errorLabels[e.Kind]
}

// Label returns the canonical display form, e.g. "#N/A"
func (e *ErrorValue) Label() string {
	return errorLabels[e.Kind]
}

func NewErrorValue(kind ErrorKind, message string) *ErrorValue {
	if message == "" {
		message = errorLabels[kind]
	}
	return &ErrorValue{
		Kind:    kind,
		Message: message,
	}
}

// errNA is the bare lookup-failure value shared by the lookup functions
func errNA() *ErrorValue { return NewErrorValue(ErrorKindNA, "") }

// Array is a row-major flattening of a rectangular block of values with its
// shape retained for the 2D-aware functions (INDEX, OFFSET, HLOOKUP).
// a one-element Array is distinct from a bare scalar: "A1:A1" evaluates to
// an Array of one, "A1" to a scalar.
type Array struct {
	Values []Value
	Rows   int
	Cols   int
}

// NewArray builds an Array, deriving a 1xN shape when none is given
func NewArray(values []Value, rows, cols int) *Array {
	if rows <= 0 || cols <= 0 {
		rows, cols = 1, len(values)
	}
	return &Array{Values: values, Rows: rows, Cols: cols}
}

// At returns the element at zero-based (row, col), nil when out of bounds
func (a *Array) At(row, col int) Value {
	if row < 0 || row >= a.Rows || col < 0 || col >= a.Cols {
		return nil
	}
	idx := row*a.Cols + col
	if idx >= len(a.Values) {
		return nil
	}
	return a.Values[idx]
}

// Row returns a copy of one row of the array
func (a *Array) Row(row int) []Value {
	if row < 0 || row >= a.Rows {
		return nil
	}
	out := make([]Value, a.Cols)
	for c := 0; c < a.Cols; c++ {
		out[c] = a.At(row, c)
	}
	return out
}

// Col returns a copy of one column of the array
func (a *Array) Col(col int) []Value {
	if col < 0 || col >= a.Cols {
		return nil
	}
	out := make([]Value, a.Rows)
	for r := 0; r < a.Rows; r++ {
		out[r] = a.At(r, col)
	}
	return out
}

// errorIn returns the error if value is an *ErrorValue, nil otherwise
func errorIn(value Value) *ErrorValue {
	if err, ok := value.(*ErrorValue); ok {
		return err
	}
	return nil
}

// toNumber converts value to a float64, returning ok=false if the
// conversion fails. strings get a best-effort numeric parse.
func toNumber(value Value) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		num, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return num, true
	case nil:
		return 0, true
	default:
		return 0, false
	}
}

// toInt converts value to an integer index argument (MATCH modes, INDEX
// positions, OFFSET distances). floats must be whole numbers.
func toInt(value Value) (int, bool) {
	switch v := value.(type) {
	case int64:
		return int(v), true
	case int:
		return v, true
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int(v), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		return int(n), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// isNumeric reports whether value is an Int or Float without coercion
func isNumeric(value Value) bool {
	switch value.(type) {
	case int64, float64:
		return true
	}
	return false
}

// toString converts value to its display string
func toString(value Value) string {
	switch v := value.(type) {
	case nil:
		return ""
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case *ErrorValue:
		return v.Label()
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprint(value)
	}
}

// isTruthy checks if value is truthy
func isTruthy(value Value) bool {
	switch v := value.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int64:
		return v != 0
	case string:
		return v != ""
	case nil:
		return false
	default:
		return true
	}
}

// compareValues compares two values. returns -1 if left < right, 0 if
// equal, 1 if left > right, and incomparable=true when the operands have no
// defined ordering. numeric comparison ignores the Int/Float distinction;
// a string compared against a number is parsed numerically first, falling
// back to lexical comparison of the display strings.
func compareValues(left, right Value) (cmp int, incomparable bool) {
	if left == nil && right == nil {
		return 0, false
	}
	if left == nil {
		return -1, false
	}
	if right == nil {
		return 1, false
	}

	leftNum, leftIsNum := toNumber(left)
	rightNum, rightIsNum := toNumber(right)
	if leftIsNum && rightIsNum {
		switch {
		case leftNum < rightNum:
			return -1, false
		case leftNum > rightNum:
			return 1, false
		}
		return 0, false
	}

	leftBool, leftIsBool := left.(bool)
	rightBool, rightIsBool := right.(bool)
	if leftIsBool && rightIsBool {
		if leftBool == rightBool {
			return 0, false
		}
		if !leftBool {
			return -1, false
		}
		return 1, false
	}

	if _, isArr := left.(*Array); isArr {
		return 0, true
	}
	if _, isArr := right.(*Array); isArr {
		return 0, true
	}

	leftStr := toString(left)
	rightStr := toString(right)
	switch {
	case leftStr < rightStr:
		return -1, false
	case leftStr > rightStr:
		return 1, false
	}
	return 0, false
}
