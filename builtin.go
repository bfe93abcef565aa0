package formula

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Clock interface provides time functionality for testing
type Clock interface {
	Now() time.Time
}

// WallClock is the default implementation using system time
type WallClock struct{}

func (w *WallClock) Now() time.Time {
	return time.Now()
}

// RandomGenerator interface provides random number generation for testing
type RandomGenerator interface {
	Float64() float64
}

// DefaultRandomGenerator uses the standard library's rand package
type DefaultRandomGenerator struct{}

func (d *DefaultRandomGenerator) Float64() float64 {
	return rand.Float64()
}

// FunctionHandler implements one spreadsheet function. arguments arrive
// already evaluated; error values are passed through so the handler decides
// whether to propagate or absorb them. results that are spreadsheet errors
// are returned as *ErrorValue values with a nil Go error.
type FunctionHandler func(args []Value, ctx *EvalContext) (Value, error)

// FunctionTable is the dispatch table for function calls. lookups are
// case-insensitive. the table is extensible through Register, so hosts can
// add their own functions without touching compiled formulas: name
// resolution happens at evaluation time.
type FunctionTable struct {
	handlers map[string]FunctionHandler
	clock    Clock
	rng      RandomGenerator
}

// volatileFunctions names the functions whose results change without any
// input changing. formulas calling them must be recomputed on every pass.
var volatileFunctions = map[string]bool{
	"NOW":   true,
	"TODAY": true,
	"RAND":  true,
}

// NewFunctionTable creates a table with every built-in function registered
// and real time/randomness sources
func NewFunctionTable() *FunctionTable {
	t := &FunctionTable{
		handlers: make(map[string]FunctionHandler),
		clock:    &WallClock{},
		rng:      &DefaultRandomGenerator{},
	}
	t.registerBuiltins()
	t.registerLookups()
	return t
}

// SetClock replaces the time source for NOW and TODAY
func (t *FunctionTable) SetClock(clock Clock) {
	t.clock = clock
}

// SetRandom replaces the randomness source for RAND
func (t *FunctionTable) SetRandom(rng RandomGenerator) {
	t.rng = rng
}

// Register adds or replaces a function under the given name
func (t *FunctionTable) Register(name string, handler FunctionHandler) {
	t.handlers[strings.ToUpper(name)] = handler
}

// Lookup finds a handler by name, case-insensitively
func (t *FunctionTable) Lookup(name string) (FunctionHandler, bool) {
	handler, ok := t.handlers[strings.ToUpper(name)]
	return handler, ok
}

func (t *FunctionTable) registerBuiltins() {
	t.Register("SUM", fnSum)
	t.Register("AVERAGE", fnAverage)
	t.Register("COUNT", fnCount)
	t.Register("COUNTA", fnCountA)
	t.Register("MIN", fnMin)
	t.Register("MAX", fnMax)
	t.Register("MEDIAN", fnMedian)
	t.Register("AND", fnAnd)
	t.Register("OR", fnOr)
	t.Register("NOT", fnNot)
	t.Register("ISBLANK", fnIsBlank)
	t.Register("CONCATENATE", fnConcatenate)
	t.Register("LEN", fnLen)
	t.Register("UPPER", fnUpper)
	t.Register("LOWER", fnLower)
	t.Register("TRIM", fnTrim)
	t.Register("ABS", fnAbs)
	t.Register("ROUND", fnRound)
	t.Register("FLOOR", fnFloor)
	t.Register("CEILING", fnCeiling)
	t.Register("SQRT", fnSqrt)
	t.Register("POWER", fnPower)
	t.Register("MOD", fnMod)
	t.Register("PI", fnPi)
	t.Register("NOW", t.fnNow)
	t.Register("TODAY", t.fnToday)
	t.Register("RAND", t.fnRand)
}

// forEachNumeric walks the numeric content of an argument list: direct
// scalar arguments are coerced (a "10" string counts as ten), array
// elements are taken as-is with non-numeric elements skipped. error values
// anywhere stop the walk.
func forEachNumeric(args []Value, visit func(v Value, num float64)) *ErrorValue {
	for _, arg := range args {
		if errVal := errorIn(arg); errVal != nil {
			return errVal
		}
		if arr, ok := arg.(*Array); ok {
			for _, value := range arr.Values {
				if errVal := errorIn(value); errVal != nil {
					return errVal
				}
				if !isNumeric(value) {
					continue
				}
				num, _ := toNumber(value)
				visit(value, num)
			}
			continue
		}
		num, ok := toNumber(arg)
		if !ok {
			return NewErrorValue(ErrorKindValue, fmt.Sprintf("expected a numeric value, got %s", toString(arg)))
		}
		visit(arg, num)
	}
	return nil
}

func fnSum(args []Value, ctx *EvalContext) (Value, error) {
	var sum float64
	var intSum int64
	allInt := true
	errVal := forEachNumeric(args, func(v Value, num float64) {
		sum += num
		if i, ok := v.(int64); ok {
			intSum += i
		} else {
			allInt = false
		}
	})
	if errVal != nil {
		return errVal, nil
	}
	if allInt {
		return intSum, nil
	}
	return sum, nil
}

func fnAverage(args []Value, ctx *EvalContext) (Value, error) {
	var sum float64
	count := 0
	errVal := forEachNumeric(args, func(v Value, num float64) {
		sum += num
		count++
	})
	if errVal != nil {
		return errVal, nil
	}
	if count == 0 {
		return NewErrorValue(ErrorKindDiv0, "AVERAGE of no numeric values"), nil
	}
	return sum / float64(count), nil
}

func fnCount(args []Value, ctx *EvalContext) (Value, error) {
	var count int64
	for _, arg := range args {
		if errVal := errorIn(arg); errVal != nil {
			return errVal, nil
		}
		if arr, ok := arg.(*Array); ok {
			// errors inside a range are skipped, not propagated
			for _, value := range arr.Values {
				if isNumeric(value) {
					count++
				}
			}
			continue
		}
		if isNumeric(arg) {
			count++
		}
	}
	return count, nil
}

func fnCountA(args []Value, ctx *EvalContext) (Value, error) {
	var count int64
	for _, arg := range args {
		if errVal := errorIn(arg); errVal != nil {
			return errVal, nil
		}
		if arr, ok := arg.(*Array); ok {
			// errors count as non-empty cells
			for _, value := range arr.Values {
				if value != nil {
					count++
				}
			}
			continue
		}
		if arg != nil {
			count++
		}
	}
	return count, nil
}

func fnMin(args []Value, ctx *EvalContext) (Value, error) {
	var best Value
	bestNum := math.Inf(1)
	errVal := forEachNumeric(args, func(v Value, num float64) {
		if best == nil || num < bestNum {
			best, bestNum = v, num
		}
	})
	if errVal != nil {
		return errVal, nil
	}
	if best == nil {
		return int64(0), nil
	}
	return best, nil
}

func fnMax(args []Value, ctx *EvalContext) (Value, error) {
	var best Value
	bestNum := math.Inf(-1)
	errVal := forEachNumeric(args, func(v Value, num float64) {
		if best == nil || num > bestNum {
			best, bestNum = v, num
		}
	})
	if errVal != nil {
		return errVal, nil
	}
	if best == nil {
		return int64(0), nil
	}
	return best, nil
}

func fnMedian(args []Value, ctx *EvalContext) (Value, error) {
	var values []float64
	errVal := forEachNumeric(args, func(v Value, num float64) {
		values = append(values, num)
	})
	if errVal != nil {
		return errVal, nil
	}
	if len(values) == 0 {
		return NewErrorValue(ErrorKindNum, "MEDIAN of no numeric values"), nil
	}

	for i := 0; i < len(values); i++ {
		for j := i + 1; j < len(values); j++ {
			if values[j] < values[i] {
				values[i], values[j] = values[j], values[i]
			}
		}
	}

	mid := len(values) / 2
	if len(values)%2 == 0 {
		return (values[mid-1] + values[mid]) / 2, nil
	}
	return values[mid], nil
}

// logicalOperand interprets one AND/OR argument, flattening arrays
func logicalOperands(arg Value, visit func(truthy bool)) *ErrorValue {
	if errVal := errorIn(arg); errVal != nil {
		return errVal
	}
	if arr, ok := arg.(*Array); ok {
		for _, value := range arr.Values {
			if errVal := errorIn(value); errVal != nil {
				return errVal
			}
			if value == nil {
				continue
			}
			visit(isTruthy(value))
		}
		return nil
	}
	visit(isTruthy(arg))
	return nil
}

func fnAnd(args []Value, ctx *EvalContext) (Value, error) {
	if len(args) == 0 {
		return NewErrorValue(ErrorKindValue, "AND requires at least 1 argument"), nil
	}
	result := true
	for _, arg := range args {
		if errVal := logicalOperands(arg, func(truthy bool) {
			result = result && truthy
		}); errVal != nil {
			return errVal, nil
		}
	}
	return result, nil
}

func fnOr(args []Value, ctx *EvalContext) (Value, error) {
	if len(args) == 0 {
		return NewErrorValue(ErrorKindValue, "OR requires at least 1 argument"), nil
	}
	result := false
	for _, arg := range args {
		if errVal := logicalOperands(arg, func(truthy bool) {
			result = result || truthy
		}); errVal != nil {
			return errVal, nil
		}
	}
	return result, nil
}

func fnNot(args []Value, ctx *EvalContext) (Value, error) {
	if len(args) != 1 {
		return NewErrorValue(ErrorKindValue, "NOT requires exactly 1 argument"), nil
	}
	if errVal := errorIn(args[0]); errVal != nil {
		return errVal, nil
	}
	return !isTruthy(args[0]), nil
}

func fnIsBlank(args []Value, ctx *EvalContext) (Value, error) {
	if len(args) != 1 {
		return NewErrorValue(ErrorKindValue, "ISBLANK requires exactly 1 argument"), nil
	}
	return args[0] == nil, nil
}

func fnConcatenate(args []Value, ctx *EvalContext) (Value, error) {
	var result strings.Builder
	for _, arg := range args {
		if errVal := errorIn(arg); errVal != nil {
			return errVal, nil
		}
		if arr, ok := arg.(*Array); ok {
			for _, value := range arr.Values {
				if errVal := errorIn(value); errVal != nil {
					return errVal, nil
				}
				result.WriteString(toString(value))
			}
			continue
		}
		result.WriteString(toString(arg))
	}
	return result.String(), nil
}

// stringArg validates a single-argument text function call
func stringArg(name string, args []Value) (string, *ErrorValue) {
	if len(args) != 1 {
		return "", NewErrorValue(ErrorKindValue, name+" requires exactly 1 argument")
	}
	if errVal := errorIn(args[0]); errVal != nil {
		return "", errVal
	}
	if _, ok := args[0].(*Array); ok {
		return "", NewErrorValue(ErrorKindValue, name+" requires a scalar argument")
	}
	return toString(args[0]), nil
}

func fnLen(args []Value, ctx *EvalContext) (Value, error) {
	s, errVal := stringArg("LEN", args)
	if errVal != nil {
		return errVal, nil
	}
	return int64(len([]rune(s))), nil
}

func fnUpper(args []Value, ctx *EvalContext) (Value, error) {
	s, errVal := stringArg("UPPER", args)
	if errVal != nil {
		return errVal, nil
	}
	return strings.ToUpper(s), nil
}

func fnLower(args []Value, ctx *EvalContext) (Value, error) {
	s, errVal := stringArg("LOWER", args)
	if errVal != nil {
		return errVal, nil
	}
	return strings.ToLower(s), nil
}

func fnTrim(args []Value, ctx *EvalContext) (Value, error) {
	s, errVal := stringArg("TRIM", args)
	if errVal != nil {
		return errVal, nil
	}
	return strings.TrimSpace(s), nil
}

// numberArg validates a single-argument numeric function call
func numberArg(name string, args []Value) (float64, *ErrorValue) {
	if len(args) != 1 {
		return 0, NewErrorValue(ErrorKindValue, name+" requires exactly 1 argument")
	}
	if errVal := errorIn(args[0]); errVal != nil {
		return 0, errVal
	}
	num, ok := toNumber(args[0])
	if !ok {
		return 0, NewErrorValue(ErrorKindValue, name+" requires a numeric argument")
	}
	return num, nil
}

func fnAbs(args []Value, ctx *EvalContext) (Value, error) {
	if len(args) == 1 {
		if i, ok := args[0].(int64); ok {
			if i < 0 {
				return -i, nil
			}
			return i, nil
		}
	}
	num, errVal := numberArg("ABS", args)
	if errVal != nil {
		return errVal, nil
	}
	return math.Abs(num), nil
}

func fnRound(args []Value, ctx *EvalContext) (Value, error) {
	if len(args) < 1 || len(args) > 2 {
		return NewErrorValue(ErrorKindValue, "ROUND requires 1 or 2 arguments"), nil
	}
	for _, arg := range args {
		if errVal := errorIn(arg); errVal != nil {
			return errVal, nil
		}
	}

	num, ok := toNumber(args[0])
	if !ok {
		return NewErrorValue(ErrorKindValue, "ROUND requires a numeric first argument"), nil
	}
	places := 0
	if len(args) == 2 {
		places, ok = toInt(args[1])
		if !ok {
			return NewErrorValue(ErrorKindValue, "ROUND requires an integer second argument"), nil
		}
	}

	multiplier := math.Pow(10, float64(places))
	return math.Round(num*multiplier) / multiplier, nil
}

func fnFloor(args []Value, ctx *EvalContext) (Value, error) {
	num, errVal := numberArg("FLOOR", args)
	if errVal != nil {
		return errVal, nil
	}
	return math.Floor(num), nil
}

func fnCeiling(args []Value, ctx *EvalContext) (Value, error) {
	num, errVal := numberArg("CEILING", args)
	if errVal != nil {
		return errVal, nil
	}
	return math.Ceil(num), nil
}

func fnSqrt(args []Value, ctx *EvalContext) (Value, error) {
	num, errVal := numberArg("SQRT", args)
	if errVal != nil {
		return errVal, nil
	}
	if num < 0 {
		return NewErrorValue(ErrorKindNum, "SQRT of a negative number"), nil
	}
	return math.Sqrt(num), nil
}

func fnPower(args []Value, ctx *EvalContext) (Value, error) {
	if len(args) != 2 {
		return NewErrorValue(ErrorKindValue, "POWER requires exactly 2 arguments"), nil
	}
	for _, arg := range args {
		if errVal := errorIn(arg); errVal != nil {
			return errVal, nil
		}
	}
	base, ok1 := toNumber(args[0])
	exp, ok2 := toNumber(args[1])
	if !ok1 || !ok2 {
		return NewErrorValue(ErrorKindValue, "POWER requires numeric arguments"), nil
	}
	result := math.Pow(base, exp)
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return NewErrorValue(ErrorKindNum, "POWER result out of range"), nil
	}
	return result, nil
}

func fnMod(args []Value, ctx *EvalContext) (Value, error) {
	if len(args) != 2 {
		return NewErrorValue(ErrorKindValue, "MOD requires exactly 2 arguments"), nil
	}
	for _, arg := range args {
		if errVal := errorIn(arg); errVal != nil {
			return errVal, nil
		}
	}
	dividend, ok1 := toNumber(args[0])
	divisor, ok2 := toNumber(args[1])
	if !ok1 || !ok2 {
		return NewErrorValue(ErrorKindValue, "MOD requires numeric arguments"), nil
	}
	if divisor == 0 {
		return NewErrorValue(ErrorKindDiv0, "MOD by zero"), nil
	}
	// result carries the sign of the divisor
	result := math.Mod(dividend, divisor)
	if result != 0 && (result < 0) != (divisor < 0) {
		result += divisor
	}
	return result, nil
}

func fnPi(args []Value, ctx *EvalContext) (Value, error) {
	if len(args) != 0 {
		return NewErrorValue(ErrorKindValue, "PI takes no arguments"), nil
	}
	return math.Pi, nil
}

// serial date constants. the December 30, 1899 epoch absorbs the historical
// 1900 leap-year quirk so serial numbers match spreadsheet convention for
// modern dates.
const (
	serialEpochMs = -2209161600000 // December 30, 1899 00:00:00 UTC
	msPerDay      = 86400000
)

func (t *FunctionTable) fnNow(args []Value, ctx *EvalContext) (Value, error) {
	if len(args) != 0 {
		return NewErrorValue(ErrorKindValue, "NOW takes no arguments"), nil
	}
	now := t.clock.Now()
	diffMs := float64(now.UnixMilli() - serialEpochMs)
	return diffMs / msPerDay, nil
}

func (t *FunctionTable) fnToday(args []Value, ctx *EvalContext) (Value, error) {
	if len(args) != 0 {
		return NewErrorValue(ErrorKindValue, "TODAY takes no arguments"), nil
	}
	now := t.clock.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	diffMs := float64(midnight.UnixMilli() - serialEpochMs)
	return math.Floor(diffMs / msPerDay), nil
}

func (t *FunctionTable) fnRand(args []Value, ctx *EvalContext) (Value, error) {
	if len(args) != 0 {
		return NewErrorValue(ErrorKindValue, "RAND takes no arguments"), nil
	}
	return t.rng.Float64(), nil
}
