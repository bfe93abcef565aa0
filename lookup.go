package formula

import "strings"

// lookup function family: VLOOKUP, HLOOKUP, INDEX, MATCH, XLOOKUP.
// OFFSET is a special form and lives in eval.go.

func (t *FunctionTable) registerLookups() {
	t.Register("VLOOKUP", fnVLookup)
	t.Register("HLOOKUP", fnHLookup)
	t.Register("INDEX", fnIndex)
	t.Register("MATCH", fnMatch)
	t.Register("XLOOKUP", fnXLookup)
}

// lookupCompare compares a lookup value against a candidate cell. numbers
// compare numerically regardless of int/float representation, strings
// case-sensitively. a string against a number parses numerically first,
// falling back to lexical comparison of the display strings. booleans only
// compare against booleans; empty cells are incomparable, which means
// "no match" to every lookup function.
func lookupCompare(lookup, candidate Value) (cmp int, ok bool) {
	if lookup == nil || candidate == nil {
		return 0, false
	}

	ls, lIsStr := lookup.(string)
	cs, cIsStr := candidate.(string)
	if lIsStr && cIsStr {
		return strings.Compare(ls, cs), true
	}

	if (isNumeric(lookup) || lIsStr) && (isNumeric(candidate) || cIsStr) {
		a, aok := toNumber(lookup)
		b, bok := toNumber(candidate)
		if aok && bok {
			switch {
			case a < b:
				return -1, true
			case a > b:
				return 1, true
			}
			return 0, true
		}
		return strings.Compare(toString(lookup), toString(candidate)), true
	}

	if lb, lok := lookup.(bool); lok {
		if cb, cok := candidate.(bool); cok {
			if lb == cb {
				return 0, true
			}
			if !lb {
				return -1, true
			}
			return 1, true
		}
	}

	return 0, false
}

func lookupEqual(lookup, candidate Value) bool {
	cmp, ok := lookupCompare(lookup, candidate)
	return ok && cmp == 0
}

// wildcardMatch reports whether text matches a pattern with * (any run)
// and ? (any one character), case-insensitively. a ~ escapes the following
// metacharacter.
func wildcardMatch(pattern, text string) bool {
	return globMatch(strings.ToLower(pattern), strings.ToLower(text))
}

func globMatch(pattern, text string) bool {
	p := []rune(pattern)
	t := []rune(text)

	// iterative glob with single-star backtracking
	pi, ti := 0, 0
	starP, starT := -1, -1

	for ti < len(t) {
		if pi < len(p) {
			switch p[pi] {
			case '*':
				starP, starT = pi, ti
				pi++
				continue
			case '?':
				pi++
				ti++
				continue
			case '~':
				if pi+1 < len(p) && p[pi+1] == t[ti] {
					pi += 2
					ti++
					continue
				}
			default:
				if p[pi] == t[ti] {
					pi++
					ti++
					continue
				}
			}
		}
		if starP == -1 {
			return false
		}
		// backtrack: let the star absorb one more character
		starT++
		pi, ti = starP+1, starT
	}

	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

// tableArg extracts an *Array argument
func tableArg(name string, v Value) (*Array, *ErrorValue) {
	if errVal := errorIn(v); errVal != nil {
		return nil, errVal
	}
	arr, ok := v.(*Array)
	if !ok {
		return nil, NewErrorValue(ErrorKindValue, name+" requires a range or array")
	}
	return arr, nil
}

// vectorArg extracts a one-row or one-column array as a flat slice
func vectorArg(name string, v Value) ([]Value, *ErrorValue) {
	arr, errVal := tableArg(name, v)
	if errVal != nil {
		return nil, errVal
	}
	if arr.Rows != 1 && arr.Cols != 1 {
		return nil, NewErrorValue(ErrorKindValue, name+" requires a single row or column")
	}
	return arr.Values, nil
}

// approxLargestLE binary-searches an ascending-sorted vector for the last
// position whose value is <= lookup. returns -1 when every value is greater.
func approxLargestLE(lookup Value, values []Value, at func(int) Value) int {
	lo, hi := 0, len(values)-1
	best := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		cmp, ok := lookupCompare(lookup, at(mid))
		if ok && cmp >= 0 {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

// approxSmallestGE binary-searches a descending-sorted vector for the last
// position whose value is >= lookup. returns -1 when every value is smaller.
func approxSmallestGE(lookup Value, values []Value, at func(int) Value) int {
	lo, hi := 0, len(values)-1
	best := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		cmp, ok := lookupCompare(lookup, at(mid))
		if ok && cmp <= 0 {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

// fnVLookup implements VLOOKUP(value, table, col_index, [range_lookup]).
// exact mode scans the first column top to bottom; approximate mode (the
// default) binary-searches it, assuming ascending sort, for the largest
// value not greater than the lookup value.
func fnVLookup(args []Value, ctx *EvalContext) (Value, error) {
	if len(args) < 3 || len(args) > 4 {
		return NewErrorValue(ErrorKindValue, "VLOOKUP requires 3 or 4 arguments"), nil
	}
	if errVal := errorIn(args[0]); errVal != nil {
		return errVal, nil
	}

	table, errVal := tableArg("VLOOKUP", args[1])
	if errVal != nil {
		return errVal, nil
	}

	colIndex, ok := toInt(args[2])
	if !ok || colIndex < 1 {
		return NewErrorValue(ErrorKindValue, "VLOOKUP column index must be a positive integer"), nil
	}
	if colIndex > table.Cols {
		return NewErrorValue(ErrorKindRef, "VLOOKUP column index is outside the table"), nil
	}

	approximate := true
	if len(args) == 4 {
		if errVal := errorIn(args[3]); errVal != nil {
			return errVal, nil
		}
		approximate = isTruthy(args[3])
	}

	lookup := args[0]
	if approximate {
		keys := table.Col(0)
		row := approxLargestLE(lookup, keys, func(i int) Value { return keys[i] })
		if row == -1 {
			return errNA(), nil
		}
		return table.At(row, colIndex-1), nil
	}

	for row := 0; row < table.Rows; row++ {
		if lookupEqual(lookup, table.At(row, 0)) {
			return table.At(row, colIndex-1), nil
		}
	}
	return errNA(), nil
}

// fnHLookup implements HLOOKUP(value, table, row_index, [range_lookup]),
// the transposed mirror of VLOOKUP over the first row
func fnHLookup(args []Value, ctx *EvalContext) (Value, error) {
	if len(args) < 3 || len(args) > 4 {
		return NewErrorValue(ErrorKindValue, "HLOOKUP requires 3 or 4 arguments"), nil
	}
	if errVal := errorIn(args[0]); errVal != nil {
		return errVal, nil
	}

	table, errVal := tableArg("HLOOKUP", args[1])
	if errVal != nil {
		return errVal, nil
	}

	rowIndex, ok := toInt(args[2])
	if !ok || rowIndex < 1 {
		return NewErrorValue(ErrorKindValue, "HLOOKUP row index must be a positive integer"), nil
	}
	if rowIndex > table.Rows {
		return NewErrorValue(ErrorKindRef, "HLOOKUP row index is outside the table"), nil
	}

	approximate := true
	if len(args) == 4 {
		if errVal := errorIn(args[3]); errVal != nil {
			return errVal, nil
		}
		approximate = isTruthy(args[3])
	}

	lookup := args[0]
	if approximate {
		keys := table.Row(0)
		col := approxLargestLE(lookup, keys, func(i int) Value { return keys[i] })
		if col == -1 {
			return errNA(), nil
		}
		return table.At(rowIndex-1, col), nil
	}

	for col := 0; col < table.Cols; col++ {
		if lookupEqual(lookup, table.At(0, col)) {
			return table.At(rowIndex-1, col), nil
		}
	}
	return errNA(), nil
}

// fnIndex implements INDEX(array, row, [col]) with 1-based positions. a
// single position over a one-row or one-column array indexes along that
// vector.
func fnIndex(args []Value, ctx *EvalContext) (Value, error) {
	if len(args) < 2 || len(args) > 3 {
		return NewErrorValue(ErrorKindValue, "INDEX requires 2 or 3 arguments"), nil
	}

	table, errVal := tableArg("INDEX", args[0])
	if errVal != nil {
		return errVal, nil
	}
	if errVal := errorIn(args[1]); errVal != nil {
		return errVal, nil
	}

	first, ok := toInt(args[1])
	if !ok {
		return NewErrorValue(ErrorKindValue, "INDEX position must be an integer"), nil
	}

	if len(args) == 2 {
		// vector addressing over single-row or single-column arrays
		if table.Rows == 1 || table.Cols == 1 {
			if first < 1 || first > len(table.Values) {
				return NewErrorValue(ErrorKindRef, "INDEX position is outside the array"), nil
			}
			return table.Values[first-1], nil
		}
		return NewErrorValue(ErrorKindValue, "INDEX of a 2D array requires a row and a column"), nil
	}

	if errVal := errorIn(args[2]); errVal != nil {
		return errVal, nil
	}
	col, ok := toInt(args[2])
	if !ok {
		return NewErrorValue(ErrorKindValue, "INDEX position must be an integer"), nil
	}

	if first < 1 || first > table.Rows || col < 1 || col > table.Cols {
		return NewErrorValue(ErrorKindRef, "INDEX position is outside the array"), nil
	}
	return table.At(first-1, col-1), nil
}

// fnMatch implements MATCH(value, vector, [match_type]). match type 0 is
// an exact linear scan; 1 (the default) assumes ascending sort and finds
// the largest value <= lookup; -1 assumes descending sort and finds the
// smallest value >= lookup. returns a 1-based position.
func fnMatch(args []Value, ctx *EvalContext) (Value, error) {
	if len(args) < 2 || len(args) > 3 {
		return NewErrorValue(ErrorKindValue, "MATCH requires 2 or 3 arguments"), nil
	}
	if errVal := errorIn(args[0]); errVal != nil {
		return errVal, nil
	}

	values, errVal := vectorArg("MATCH", args[1])
	if errVal != nil {
		return errVal, nil
	}

	matchType := 1
	if len(args) == 3 {
		if errVal := errorIn(args[2]); errVal != nil {
			return errVal, nil
		}
		mt, ok := toInt(args[2])
		if !ok || mt < -1 || mt > 1 {
			return NewErrorValue(ErrorKindValue, "MATCH type must be -1, 0, or 1"), nil
		}
		matchType = mt
	}

	lookup := args[0]
	switch matchType {
	case 0:
		for i, v := range values {
			if lookupEqual(lookup, v) {
				return int64(i + 1), nil
			}
		}
	case 1:
		if i := approxLargestLE(lookup, values, func(i int) Value { return values[i] }); i != -1 {
			return int64(i + 1), nil
		}
	case -1:
		if i := approxSmallestGE(lookup, values, func(i int) Value { return values[i] }); i != -1 {
			return int64(i + 1), nil
		}
	}
	return errNA(), nil
}

// XLOOKUP match modes
const (
	xlMatchExact       = 0
	xlMatchNextSmaller = -1
	xlMatchNextLarger  = 1
	xlMatchWildcard    = 2
)

// XLOOKUP search modes
const (
	xlSearchFirst      = 1
	xlSearchLast       = -1
	xlSearchBinaryAsc  = 2
	xlSearchBinaryDesc = -2
)

// fnXLookup implements XLOOKUP(value, lookup_vector, return_vector,
// [if_not_found], [match_mode], [search_mode])
func fnXLookup(args []Value, ctx *EvalContext) (Value, error) {
	if len(args) < 3 || len(args) > 6 {
		return NewErrorValue(ErrorKindValue, "XLOOKUP requires 3 to 6 arguments"), nil
	}
	if errVal := errorIn(args[0]); errVal != nil {
		return errVal, nil
	}

	lookupValues, errVal := vectorArg("XLOOKUP", args[1])
	if errVal != nil {
		return errVal, nil
	}
	returnValues, errVal := vectorArg("XLOOKUP", args[2])
	if errVal != nil {
		return errVal, nil
	}
	if len(lookupValues) != len(returnValues) {
		return NewErrorValue(ErrorKindValue, "XLOOKUP lookup and return arrays must be the same length"), nil
	}

	matchMode := xlMatchExact
	if len(args) >= 5 && args[4] != nil {
		if errVal := errorIn(args[4]); errVal != nil {
			return errVal, nil
		}
		mm, ok := toInt(args[4])
		if !ok || mm < -1 || mm > 2 {
			return NewErrorValue(ErrorKindValue, "XLOOKUP match mode must be -1, 0, 1, or 2"), nil
		}
		matchMode = mm
	}

	searchMode := xlSearchFirst
	if len(args) == 6 && args[5] != nil {
		if errVal := errorIn(args[5]); errVal != nil {
			return errVal, nil
		}
		sm, ok := toInt(args[5])
		if !ok || (sm != 1 && sm != -1 && sm != 2 && sm != -2) {
			return NewErrorValue(ErrorKindValue, "XLOOKUP search mode must be 1, -1, 2, or -2"), nil
		}
		searchMode = sm
	}

	if matchMode == xlMatchWildcard && (searchMode == xlSearchBinaryAsc || searchMode == xlSearchBinaryDesc) {
		return NewErrorValue(ErrorKindValue, "XLOOKUP wildcard matching cannot use binary search"), nil
	}

	idx := xlookupIndex(args[0], lookupValues, matchMode, searchMode)
	if idx == -1 {
		if len(args) >= 4 && args[3] != nil {
			return args[3], nil
		}
		return errNA(), nil
	}
	return returnValues[idx], nil
}

func xlookupIndex(lookup Value, values []Value, matchMode, searchMode int) int {
	switch searchMode {
	case xlSearchBinaryAsc:
		i := approxLargestLE(lookup, values, func(i int) Value { return values[i] })
		return resolveApprox(lookup, values, matchMode, i, true)
	case xlSearchBinaryDesc:
		i := approxSmallestGE(lookup, values, func(i int) Value { return values[i] })
		return resolveApprox(lookup, values, matchMode, i, false)
	}

	// linear scan, forward or reverse
	indices := make([]int, len(values))
	for i := range indices {
		if searchMode == xlSearchLast {
			indices[i] = len(values) - 1 - i
		} else {
			indices[i] = i
		}
	}

	bestIdx := -1
	for _, i := range indices {
		candidate := values[i]
		if matchMode == xlMatchWildcard {
			pattern, pok := lookup.(string)
			text, tok := candidate.(string)
			if pok && tok && wildcardMatch(pattern, text) {
				return i
			}
			continue
		}

		cmp, ok := lookupCompare(lookup, candidate)
		if !ok {
			continue
		}
		if cmp == 0 {
			return i
		}
		switch matchMode {
		case xlMatchNextSmaller:
			// candidate below lookup, keep the largest such
			if cmp > 0 {
				if bestIdx == -1 || mustCompare(candidate, values[bestIdx]) > 0 {
					bestIdx = i
				}
			}
		case xlMatchNextLarger:
			// candidate above lookup, keep the smallest such
			if cmp < 0 {
				if bestIdx == -1 || mustCompare(candidate, values[bestIdx]) < 0 {
					bestIdx = i
				}
			}
		}
	}
	return bestIdx
}

// resolveApprox converts a binary-search boundary position into a final
// index for the given match mode. pos is the last value <= lookup for
// ascending order, or the last value >= lookup for descending.
func resolveApprox(lookup Value, values []Value, matchMode, pos int, ascending bool) int {
	exactAt := func(i int) bool {
		return i >= 0 && i < len(values) && lookupEqual(lookup, values[i])
	}

	if exactAt(pos) {
		return pos
	}

	switch matchMode {
	case xlMatchExact:
		return -1
	case xlMatchNextSmaller:
		if ascending {
			return pos // last <= lookup, may be -1
		}
		// descending: the next smaller value sits after the boundary
		if pos+1 < len(values) {
			return pos + 1
		}
		return -1
	case xlMatchNextLarger:
		if ascending {
			if pos+1 < len(values) {
				return pos + 1
			}
			return -1
		}
		return pos
	}
	return -1
}

// mustCompare compares two candidate values known to share the lookup
// value's type
func mustCompare(a, b Value) int {
	cmp, _ := lookupCompare(a, b)
	return cmp
}
