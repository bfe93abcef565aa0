package formula

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gridFixture is a minimal host-side cell store for evaluation tests. the
// engine itself never stores values; tests play the host.
type gridFixture struct {
	cells map[SheetID]map[CellAddress]Value
	names map[string]SheetID
	funcs *FunctionTable
}

func newGridFixture() *gridFixture {
	return &gridFixture{
		cells: make(map[SheetID]map[CellAddress]Value),
		names: map[string]SheetID{"Sheet1": 1, "Sheet2": 2},
		funcs: NewFunctionTable(),
	}
}

func (g *gridFixture) set(sheet SheetID, cell string, value Value) *gridFixture {
	addr, err := ParseCellAddress(cell)
	if err != nil {
		panic(err)
	}
	if g.cells[sheet] == nil {
		g.cells[sheet] = make(map[CellAddress]Value)
	}
	g.cells[sheet][addr] = value
	return g
}

func (g *gridFixture) ctx(sheet SheetID, anchor CellAddress) *EvalContext {
	return &EvalContext{
		Sheet:    sheet,
		Row:      anchor.Row,
		Col:      anchor.Col,
		CallSite: anchor.String(),
		Cell: func(s SheetID, addr CellAddress) Value {
			return g.cells[s][addr]
		},
		Range: func(s SheetID, r CellRange) []Value {
			values := make([]Value, 0, r.Rows()*r.Cols())
			for row := r.Start.Row; row <= r.End.Row; row++ {
				for col := r.Start.Col; col <= r.End.Col; col++ {
					values = append(values, g.cells[s][CellAddress{Row: row, Col: col}])
				}
			}
			return values
		},
		ResolveSheet: func(name string) (SheetID, bool) {
			id, ok := g.names[name]
			return id, ok
		},
		Functions: g.funcs,
	}
}

// eval compiles and evaluates text anchored at the given cell on sheet 1
func (g *gridFixture) eval(t *testing.T, anchor, text string) Value {
	t.Helper()
	f, err := Compile(text)
	require.NoError(t, err)
	addr, perr := ParseCellAddress(anchor)
	require.NoError(t, perr)
	val, err := Evaluate(f, g.ctx(1, addr))
	require.NoError(t, err)
	return val
}

func assertErrorKind(t *testing.T, val Value, kind ErrorKind) *ErrorValue {
	t.Helper()
	errVal, ok := val.(*ErrorValue)
	require.True(t, ok, "expected an error value, got %#v", val)
	assert.Equal(t, kind, errVal.Kind, "message: %s", errVal.Message)
	return errVal
}

func TestEvalArithmetic(t *testing.T) {
	g := newGridFixture()

	cases := []struct {
		formula string
		want    Value
	}{
		// integer arithmetic stays integer
		{"=2+3", int64(5)},
		{"=7-10", int64(-3)},
		{"=6*7", int64(42)},
		{"=-5", int64(-5)},
		{"=+5", int64(5)},
		// any float operand promotes
		{"=2+3.5", 5.5},
		{"=2.0*3", 6.0},
		// division always yields a float
		{"=7/2", 3.5},
		{"=8/2", 4.0},
		// strings coerce numerically and promote to float
		{"=\"10\"+5", 15.0},
		{"=\"2.5\"*2", 5.0},
		// booleans coerce to 1/0
		{"=TRUE+1", 2.0},
		// empty cells coerce to zero
		{"=Z99+1", 1.0},
		{"=2^10", 1024.0},
		{"=9^0.5", 3.0},
		{"=50%", 0.5},
		{"=50%%", 0.005},
		{"=10%3", 1.0},
		{"=-5%4", 3.0},
		{"=200*10%", 20.0},
	}

	for _, tc := range cases {
		t.Run(tc.formula, func(t *testing.T) {
			assert.Equal(t, tc.want, g.eval(t, "A1", tc.formula))
		})
	}
}

func TestEvalArithmeticErrors(t *testing.T) {
	g := newGridFixture()

	assertErrorKind(t, g.eval(t, "A1", "=1/0"), ErrorKindDiv0)
	assertErrorKind(t, g.eval(t, "A1", "=10%0"), ErrorKindDiv0)
	assertErrorKind(t, g.eval(t, "A1", "=\"abc\"+1"), ErrorKindValue)
	assertErrorKind(t, g.eval(t, "A1", "=-\"abc\""), ErrorKindValue)
	assertErrorKind(t, g.eval(t, "A1", "=(-1)^0.5"), ErrorKindNum)

	// errors propagate through enclosing operators
	assertErrorKind(t, g.eval(t, "A1", "=1/0+5"), ErrorKindDiv0)
	assertErrorKind(t, g.eval(t, "A1", "=2*(1/0)"), ErrorKindDiv0)
}

func TestEvalConcatAndComparison(t *testing.T) {
	g := newGridFixture()

	cases := []struct {
		formula string
		want    Value
	}{
		{"=\"a\"&\"b\"", "ab"},
		{"=\"n=\"&42", "n=42"},
		{"=1&2", "12"},
		{"=TRUE&\"!\"", "TRUE!"},
		{"=1<2", true},
		{"=2<=2", true},
		{"=3>4", false},
		{"=1<>2", true},
		{"=\"a\"<\"b\"", true},
		{"=\"B\"=\"b\"", false},
		// numeric comparison ignores the int/float distinction
		{"=2=2.0", true},
		// strings compared against numbers parse numerically first
		{"=\"10\"=10", true},
		{"=\"10\">9", true},
		{"=FALSE<TRUE", true},
	}

	for _, tc := range cases {
		t.Run(tc.formula, func(t *testing.T) {
			assert.Equal(t, tc.want, g.eval(t, "A1", tc.formula))
		})
	}

	assertErrorKind(t, g.eval(t, "A1", "=A1:B2&\"x\""), ErrorKindValue)
	assertErrorKind(t, g.eval(t, "A1", "={1,2}>1"), ErrorKindValue)
}

func TestEvalCellAndRangeReferences(t *testing.T) {
	g := newGridFixture()
	g.set(1, "A1", int64(7))
	g.set(1, "A2", "text")
	g.set(2, "A1", int64(99))

	t.Run("cell reference is a scalar", func(t *testing.T) {
		assert.Equal(t, int64(7), g.eval(t, "B1", "=A1"))
	})

	t.Run("one-cell range is an array", func(t *testing.T) {
		val := g.eval(t, "B1", "=A1:A1")
		arr, ok := val.(*Array)
		require.True(t, ok)
		assert.Equal(t, 1, arr.Rows)
		assert.Equal(t, 1, arr.Cols)
		assert.Equal(t, int64(7), arr.At(0, 0))
	})

	t.Run("range shape", func(t *testing.T) {
		val := g.eval(t, "C1", "=A1:B2")
		arr, ok := val.(*Array)
		require.True(t, ok)
		assert.Equal(t, 2, arr.Rows)
		assert.Equal(t, 2, arr.Cols)
		assert.Equal(t, int64(7), arr.At(0, 0))
		assert.Nil(t, arr.At(0, 1))
	})

	t.Run("reversed corners normalize", func(t *testing.T) {
		val := g.eval(t, "C1", "=B2:A1")
		arr, ok := val.(*Array)
		require.True(t, ok)
		assert.Equal(t, int64(7), arr.At(0, 0))
	})

	t.Run("empty cell is nil", func(t *testing.T) {
		assert.Nil(t, g.eval(t, "B1", "=Z99"))
	})

	t.Run("cross-sheet reference", func(t *testing.T) {
		assert.Equal(t, int64(99), g.eval(t, "B1", "=Sheet2!A1"))
	})

	t.Run("unknown sheet", func(t *testing.T) {
		assertErrorKind(t, g.eval(t, "B1", "=Missing!A1"), ErrorKindRef)
	})
}

func TestEvalR1C1References(t *testing.T) {
	g := newGridFixture()
	g.set(1, "A1", int64(9))
	g.set(1, "A2", int64(5))

	// anchored at B2: R[-1]C[-1] is A1, RC[-1] is A2
	assert.Equal(t, int64(9), g.eval(t, "B2", "=R[-1]C[-1]"))
	assert.Equal(t, int64(5), g.eval(t, "B2", "=RC[-1]"))
	// absolute R1C1 ignores the anchor
	assert.Equal(t, int64(9), g.eval(t, "E5", "=R1C1"))

	t.Run("off-grid resolution", func(t *testing.T) {
		assertErrorKind(t, g.eval(t, "A1", "=R[-1]C"), ErrorKindRef)
		assertErrorKind(t, g.eval(t, "A1", "=R[-1]C:RC[0]"), ErrorKindRef)
	})

	t.Run("relative range", func(t *testing.T) {
		val := g.eval(t, "B3", "=R[-2]C[-1]:RC[-1]")
		arr, ok := val.(*Array)
		require.True(t, ok)
		assert.Equal(t, 3, arr.Rows)
		assert.Equal(t, int64(9), arr.At(0, 0))
		assert.Equal(t, int64(5), arr.At(1, 0))
	})
}

func TestEvalIf(t *testing.T) {
	g := newGridFixture()
	g.set(1, "A1", int64(7))

	assert.Equal(t, "big", g.eval(t, "B1", "=IF(A1>5,\"big\",\"small\")"))
	assert.Equal(t, "small", g.eval(t, "B1", "=IF(A1>50,\"big\",\"small\")"))
	assert.Equal(t, false, g.eval(t, "B1", "=IF(FALSE,1)"))

	t.Run("only the selected branch evaluates", func(t *testing.T) {
		assert.Equal(t, int64(1), g.eval(t, "B1", "=IF(TRUE,1,1/0)"))
		assert.Equal(t, int64(2), g.eval(t, "B1", "=IF(FALSE,1/0,2)"))
	})

	t.Run("condition errors propagate", func(t *testing.T) {
		assertErrorKind(t, g.eval(t, "B1", "=IF(1/0,1,2)"), ErrorKindDiv0)
	})

	t.Run("string and array conditions are invalid", func(t *testing.T) {
		assertErrorKind(t, g.eval(t, "B1", "=IF(\"yes\",1,2)"), ErrorKindValue)
		assertErrorKind(t, g.eval(t, "B1", "=IF({1,2},1,2)"), ErrorKindValue)
	})
}

func TestEvalIfError(t *testing.T) {
	g := newGridFixture()

	assert.Equal(t, "fallback", g.eval(t, "A1", "=IFERROR(1/0,\"fallback\")"))
	assert.Equal(t, int64(3), g.eval(t, "A1", "=IFERROR(3,9)"))
	// the fallback itself may be an error
	assertErrorKind(t, g.eval(t, "A1", "=IFERROR(1/0,1/0)"), ErrorKindDiv0)
	assertErrorKind(t, g.eval(t, "A1", "=IFERROR(1)"), ErrorKindValue)
}

func TestEvalOffset(t *testing.T) {
	g := newGridFixture()
	g.set(1, "A1", int64(1)).set(1, "B1", int64(2))
	g.set(1, "A2", int64(3)).set(1, "B2", int64(42))

	t.Run("shifted cell stays scalar", func(t *testing.T) {
		assert.Equal(t, int64(42), g.eval(t, "D1", "=OFFSET(A1,1,1)"))
	})

	t.Run("explicit shape yields an array", func(t *testing.T) {
		val := g.eval(t, "D1", "=OFFSET(A1,0,0,2,2)")
		arr, ok := val.(*Array)
		require.True(t, ok)
		assert.Equal(t, 2, arr.Rows)
		assert.Equal(t, 2, arr.Cols)
		assert.Equal(t, int64(42), arr.At(1, 1))
	})

	t.Run("range base keeps its shape", func(t *testing.T) {
		val := g.eval(t, "D1", "=OFFSET(A1:B1,1,0)")
		arr, ok := val.(*Array)
		require.True(t, ok)
		assert.Equal(t, 1, arr.Rows)
		assert.Equal(t, 2, arr.Cols)
		assert.Equal(t, int64(3), arr.At(0, 0))
	})

	t.Run("off-grid and bad shapes", func(t *testing.T) {
		assertErrorKind(t, g.eval(t, "D1", "=OFFSET(A1,-1,0)"), ErrorKindRef)
		assertErrorKind(t, g.eval(t, "D1", "=OFFSET(A1,0,0,0,1)"), ErrorKindRef)
	})

	t.Run("first argument must be a reference", func(t *testing.T) {
		assertErrorKind(t, g.eval(t, "D1", "=OFFSET(1,0,0)"), ErrorKindValue)
		assertErrorKind(t, g.eval(t, "D1", "=OFFSET({1,2},0,0)"), ErrorKindValue)
	})
}

func TestEvalUnknownNames(t *testing.T) {
	g := newGridFixture()

	errVal := assertErrorKind(t, g.eval(t, "A1", "=NOSUCHFN(1)"), ErrorKindName)
	assert.Equal(t, "unknown function: NOSUCHFN", errVal.Message)

	errVal = assertErrorKind(t, g.eval(t, "A1", "=myname"), ErrorKindName)
	assert.Equal(t, "unknown name: myname", errVal.Message)

	// unknown names propagate like any other error value
	assertErrorKind(t, g.eval(t, "A1", "=myname+1"), ErrorKindName)
}

func TestEvalNilArguments(t *testing.T) {
	f, err := Compile("=1+1")
	require.NoError(t, err)

	_, err = Evaluate(nil, &EvalContext{CallSite: "B2"})
	var ferr *FormulaError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "B2", ferr.CallSite)

	_, err = Evaluate(f, nil)
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "=1+1", ferr.Formula)
}

func TestEvalNilAccessors(t *testing.T) {
	// a context without accessors treats every cell as empty
	f, err := Compile("=A1")
	require.NoError(t, err)
	val, err := Evaluate(f, &EvalContext{})
	require.NoError(t, err)
	assert.Nil(t, val)

	f, err = Compile("=SUM(A1:A3)")
	require.NoError(t, err)
	val, err = Evaluate(f, &EvalContext{Functions: NewFunctionTable()})
	require.NoError(t, err)
	assert.Equal(t, int64(0), val)
}

func TestEvalRangeAccessorMismatch(t *testing.T) {
	f, err := Compile("=A1:B2")
	require.NoError(t, err)

	ctx := &EvalContext{
		Range: func(SheetID, CellRange) []Value { return []Value{1} },
	}
	val, err := Evaluate(f, ctx)
	require.NoError(t, err)
	assertErrorKind(t, val, ErrorKindRef)
}

func TestFormulaErrorMessage(t *testing.T) {
	ferr := NewFormulaError(
		NewErrorValue(ErrorKindDiv0, "division by zero"),
		"Sheet1!B2",
		"=A1/A2",
	)
	assert.Equal(t, `Formula error in Sheet1!B2: division by zero (formula: "=A1/A2")`, ferr.Error())

	var ev *ErrorValue
	require.ErrorAs(t, ferr, &ev)
	assert.Equal(t, ErrorKindDiv0, ev.Kind)
}

func TestEvalCustomFunction(t *testing.T) {
	g := newGridFixture()
	g.funcs.Register("double", func(args []Value, ctx *EvalContext) (Value, error) {
		num, _ := toNumber(args[0])
		return num * 2, nil
	})

	// registration is case-insensitive, resolution happens at eval time
	assert.Equal(t, 14.0, g.eval(t, "A1", "=DOUBLE(7)"))
	assert.Equal(t, 14.0, g.eval(t, "A1", "=double(7)"))
}
