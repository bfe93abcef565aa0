package formula

import "fmt"

// EvalContext carries everything a single evaluation needs: the identity
// of the evaluating cell (the anchor for relative references), accessor
// callbacks into the host's cell storage, and the function table. the
// engine never stores cell values itself.
type EvalContext struct {
	// Sheet, Row, Col identify the evaluating cell. relative (R1C1)
	// references resolve against this anchor.
	Sheet SheetID
	Row   int
	Col   int

	// CallSite names the evaluating cell for diagnostics, e.g. "Sheet1!B2"
	CallSite string

	// Cell returns the current value of a single cell. a nil func or a nil
	// return means the cell is empty.
	Cell func(sheet SheetID, addr CellAddress) Value

	// Range returns the values of a rectangular range in row-major order.
	// the slice must have exactly Rows()*Cols() elements; missing cells
	// are nil.
	Range func(sheet SheetID, r CellRange) []Value

	// ResolveSheet maps a sheet name from a Sheet!-qualified reference to
	// its ID. unresolvable names evaluate to #REF!.
	ResolveSheet SheetResolver

	// Functions is the dispatch table for function calls. nil means every
	// call evaluates to #NAME?.
	Functions *FunctionTable
}

// Evaluate evaluates a compiled formula against the given context.
// spreadsheet errors (#N/A, #DIV/0!, ...) are results, not Go errors:
// they come back as an *ErrorValue in the Value return with a nil error.
// the error return is reserved for invocation misuse such as a nil
// formula or context, reported as a *FormulaError.
func Evaluate(f *CompiledFormula, ctx *EvalContext) (Value, error) {
	if f == nil {
		return nil, NewFormulaError(
			NewErrorValue(ErrorKindValue, "nil formula"), callSiteOf(ctx), "")
	}
	if ctx == nil {
		return nil, NewFormulaError(
			NewErrorValue(ErrorKindValue, "nil evaluation context"), "", f.text)
	}
	return f.root.Eval(ctx)
}

func callSiteOf(ctx *EvalContext) string {
	if ctx == nil {
		return ""
	}
	return ctx.CallSite
}

// cellValue reads one cell through the host accessor
func (ctx *EvalContext) cellValue(sheet SheetID, addr CellAddress) Value {
	if ctx.Cell == nil {
		return nil
	}
	return ctx.Cell(sheet, addr)
}

// rangeValues materializes a range as an *Array through the host accessor
func (ctx *EvalContext) rangeValues(sheet SheetID, r CellRange) Value {
	rows, cols := r.Rows(), r.Cols()
	if ctx.Range == nil {
		return NewArray(make([]Value, rows*cols), rows, cols)
	}
	values := ctx.Range(sheet, r)
	if len(values) != rows*cols {
		return NewErrorValue(ErrorKindRef, fmt.Sprintf("range accessor returned %d values for a %dx%d range", len(values), rows, cols))
	}
	return NewArray(values, rows, cols)
}

// resolveSheetName maps a reference's sheet prefix to a SheetID. an empty
// name is the evaluating cell's own sheet.
func (ctx *EvalContext) resolveSheetName(name string) (SheetID, *ErrorValue) {
	if name == "" {
		return ctx.Sheet, nil
	}
	if ctx.ResolveSheet == nil {
		return 0, NewErrorValue(ErrorKindRef, fmt.Sprintf("unknown sheet: %s", name))
	}
	id, ok := ctx.ResolveSheet(name)
	if !ok {
		return 0, NewErrorValue(ErrorKindRef, fmt.Sprintf("unknown sheet: %s", name))
	}
	return id, nil
}

// resolveCellRef resolves a cell reference's sheet and coordinates against
// the evaluating cell
func resolveCellRef(ctx *EvalContext, sheetName string, row, col axisCoord) (SheetID, CellAddress, *ErrorValue) {
	sheet, errVal := ctx.resolveSheetName(sheetName)
	if errVal != nil {
		return 0, CellAddress{}, errVal
	}
	r := row.resolve(ctx.Row)
	c := col.resolve(ctx.Col)
	if r < 0 || c < 0 {
		return 0, CellAddress{}, NewErrorValue(ErrorKindRef, "reference resolves off the grid")
	}
	return sheet, CellAddress{Row: r, Col: c}, nil
}

// resolveRangeRef resolves a range reference, normalizing the corners
func resolveRangeRef(ctx *EvalContext, n *RangeNode) (SheetID, CellRange, *ErrorValue) {
	sheet, errVal := ctx.resolveSheetName(n.Sheet)
	if errVal != nil {
		return 0, CellRange{}, errVal
	}
	startRow := n.StartRow.resolve(ctx.Row)
	startCol := n.StartCol.resolve(ctx.Col)
	endRow := n.EndRow.resolve(ctx.Row)
	endCol := n.EndCol.resolve(ctx.Col)
	if startRow < 0 || startCol < 0 || endRow < 0 || endCol < 0 {
		return 0, CellRange{}, NewErrorValue(ErrorKindRef, "range resolves off the grid")
	}
	r := NewCellRange(
		CellAddress{Row: startRow, Col: startCol},
		CellAddress{Row: endRow, Col: endCol},
	)
	return sheet, r, nil
}

// Eval dispatches a function call. IF, IFERROR, and OFFSET are special
// forms evaluated here because they must control argument evaluation:
// IF and IFERROR evaluate only the branch they select, and OFFSET takes
// its first argument as an unevaluated reference.
func (n *FunctionCallNode) Eval(ctx *EvalContext) (Value, error) {
	switch n.Name {
	case "IF":
		return evalIf(n, ctx)
	case "IFERROR":
		return evalIfError(n, ctx)
	case "OFFSET":
		return evalOffset(n, ctx)
	}

	if ctx.Functions == nil {
		return NewErrorValue(ErrorKindName, fmt.Sprintf("unknown function: %s", n.Name)), nil
	}
	handler, ok := ctx.Functions.Lookup(n.Name)
	if !ok {
		return NewErrorValue(ErrorKindName, fmt.Sprintf("unknown function: %s", n.Name)), nil
	}

	// arguments are evaluated eagerly, left to right. error values are
	// passed through so each function decides whether to propagate or
	// absorb them.
	args := make([]Value, len(n.Args))
	for i, argNode := range n.Args {
		val, err := argNode.Eval(ctx)
		if err != nil {
			return nil, err
		}
		args[i] = val
	}

	return handler(args, ctx)
}

// evalIf implements IF(condition, then, [else]) with short-circuit
// branch evaluation
func evalIf(n *FunctionCallNode, ctx *EvalContext) (Value, error) {
	if len(n.Args) < 2 || len(n.Args) > 3 {
		return NewErrorValue(ErrorKindValue, "IF requires 2 or 3 arguments"), nil
	}

	cond, err := n.Args[0].Eval(ctx)
	if err != nil {
		return nil, err
	}
	if errVal := errorIn(cond); errVal != nil {
		return errVal, nil
	}
	if _, isStr := cond.(string); isStr {
		return NewErrorValue(ErrorKindValue, "IF condition must be boolean or numeric"), nil
	}
	if _, isArr := cond.(*Array); isArr {
		return NewErrorValue(ErrorKindValue, "IF condition must be boolean or numeric"), nil
	}

	if isTruthy(cond) {
		return n.Args[1].Eval(ctx)
	}
	if len(n.Args) == 3 {
		return n.Args[2].Eval(ctx)
	}
	return false, nil
}

// evalIfError implements IFERROR(value, fallback). the fallback is only
// evaluated when the first argument produces an error value.
func evalIfError(n *FunctionCallNode, ctx *EvalContext) (Value, error) {
	if len(n.Args) != 2 {
		return NewErrorValue(ErrorKindValue, "IFERROR requires 2 arguments"), nil
	}

	val, err := n.Args[0].Eval(ctx)
	if err != nil {
		return nil, err
	}
	if errorIn(val) != nil {
		return n.Args[1].Eval(ctx)
	}
	return val, nil
}

// evalOffset implements OFFSET(reference, rows, cols, [height], [width]).
// the reference argument is taken syntactically, not evaluated, so the
// displacement applies to the reference itself rather than its value.
func evalOffset(n *FunctionCallNode, ctx *EvalContext) (Value, error) {
	if len(n.Args) < 3 || len(n.Args) > 5 {
		return NewErrorValue(ErrorKindValue, "OFFSET requires 3 to 5 arguments"), nil
	}

	var sheet SheetID
	var base CellRange
	fromCell := false

	switch ref := n.Args[0].(type) {
	case *CellRefNode:
		s, addr, errVal := resolveCellRef(ctx, ref.Sheet, ref.Row, ref.Col)
		if errVal != nil {
			return errVal, nil
		}
		sheet = s
		base = CellRange{Start: addr, End: addr}
		fromCell = true
	case *RangeNode:
		s, r, errVal := resolveRangeRef(ctx, ref)
		if errVal != nil {
			return errVal, nil
		}
		sheet = s
		base = r
	default:
		return NewErrorValue(ErrorKindValue, "OFFSET requires a cell or range reference"), nil
	}

	rowShift, errVal := intArgAt(n, ctx, 1)
	if errVal != nil {
		return errVal, nil
	}
	colShift, errVal := intArgAt(n, ctx, 2)
	if errVal != nil {
		return errVal, nil
	}

	height := base.Rows()
	width := base.Cols()
	explicitShape := false
	if len(n.Args) >= 4 {
		height, errVal = intArgAt(n, ctx, 3)
		if errVal != nil {
			return errVal, nil
		}
		explicitShape = true
	}
	if len(n.Args) == 5 {
		width, errVal = intArgAt(n, ctx, 4)
		if errVal != nil {
			return errVal, nil
		}
	}
	if height < 1 || width < 1 {
		return NewErrorValue(ErrorKindRef, "OFFSET height and width must be at least 1"), nil
	}

	startRow := base.Start.Row + rowShift
	startCol := base.Start.Col + colShift
	if startRow < 0 || startCol < 0 {
		return NewErrorValue(ErrorKindRef, "OFFSET resolves off the grid"), nil
	}

	target := CellRange{
		Start: CellAddress{Row: startRow, Col: startCol},
		End:   CellAddress{Row: startRow + height - 1, Col: startCol + width - 1},
	}

	// a plain shifted cell stays scalar; explicit shape always yields an array
	if fromCell && !explicitShape {
		return ctx.cellValue(sheet, target.Start), nil
	}
	return ctx.rangeValues(sheet, target), nil
}

// intArgAt evaluates argument i of a call and coerces it to an integer
func intArgAt(n *FunctionCallNode, ctx *EvalContext, i int) (int, *ErrorValue) {
	val, err := n.Args[i].Eval(ctx)
	if err != nil {
		return 0, NewErrorValue(ErrorKindValue, err.Error())
	}
	if errVal := errorIn(val); errVal != nil {
		return 0, errVal
	}
	iv, ok := toInt(val)
	if !ok {
		return 0, NewErrorValue(ErrorKindValue, fmt.Sprintf("%s argument %d must be an integer", n.Name, i+1))
	}
	return iv, nil
}
