package formula

// CompiledFormula is an immutable parsed formula. safe for concurrent reads
// and for sharing between cells: evaluation takes all per-cell state through
// the EvalContext.
type CompiledFormula struct {
	text string
	root ASTNode
}

// Compile parses formula text into a CompiledFormula. the leading '=' is
// optional, so both "=SUM(A1:A3)" and "SUM(A1:A3)" compile to the same
// formula. syntax problems are reported as a *CompileError with the rune
// offset of the failure.
func Compile(text string) (*CompiledFormula, error) {
	tokens, lexErr := NewLexer(text).Tokenize()
	if lexErr != nil {
		return nil, lexErr
	}

	root, parseErr := NewParser(tokens).Parse()
	if parseErr != nil {
		return nil, parseErr
	}

	return &CompiledFormula{text: text, root: root}, nil
}

// Text returns the original source text the formula was compiled from
func (f *CompiledFormula) Text() string {
	return f.text
}

// Key returns a normalized rendering of the formula. formulas that differ
// only in whitespace, case of function names, or the optional '=' prefix
// share a key, which makes it usable for AST interning and cache lookup.
func (f *CompiledFormula) Key() string {
	return f.root.ToString()
}

// Reference is one static cell or range reference found in a formula.
// Sheet is empty for references on the evaluating cell's own sheet.
type Reference struct {
	Sheet   string
	Range   CellRange
	IsRange bool // distinguishes A1:A1 from A1
}

// References enumerates the cell and range references in the formula,
// with relative (R1C1) components resolved against the given anchor cell.
// references that resolve off the grid are skipped; evaluation reports
// those as #REF!. dynamic references constructed by OFFSET are not
// statically enumerable and only the anchor reference appears.
func (f *CompiledFormula) References(anchor CellAddress) []Reference {
	var refs []Reference
	collectReferences(f.root, anchor, &refs)
	return refs
}

// Volatile reports whether the formula calls any volatile function
// (NOW, TODAY, RAND). volatile formulas must be recomputed on every
// calculation pass regardless of dirty state.
func (f *CompiledFormula) Volatile() bool {
	return hasVolatileCall(f.root)
}

func collectReferences(node ASTNode, anchor CellAddress, refs *[]Reference) {
	switch n := node.(type) {
	case *CellRefNode:
		row := n.Row.resolve(anchor.Row)
		col := n.Col.resolve(anchor.Col)
		if row < 0 || col < 0 {
			return
		}
		addr := CellAddress{Row: row, Col: col}
		*refs = append(*refs, Reference{
			Sheet: n.Sheet,
			Range: CellRange{Start: addr, End: addr},
		})

	case *RangeNode:
		startRow := n.StartRow.resolve(anchor.Row)
		startCol := n.StartCol.resolve(anchor.Col)
		endRow := n.EndRow.resolve(anchor.Row)
		endCol := n.EndCol.resolve(anchor.Col)
		if startRow < 0 || startCol < 0 || endRow < 0 || endCol < 0 {
			return
		}
		*refs = append(*refs, Reference{
			Sheet: n.Sheet,
			Range: NewCellRange(
				CellAddress{Row: startRow, Col: startCol},
				CellAddress{Row: endRow, Col: endCol},
			),
			IsRange: true,
		})

	case *BinaryOpNode:
		collectReferences(n.Left, anchor, refs)
		collectReferences(n.Right, anchor, refs)

	case *UnaryOpNode:
		collectReferences(n.Operand, anchor, refs)

	case *FunctionCallNode:
		for _, arg := range n.Args {
			collectReferences(arg, anchor, refs)
		}

	case *ArrayNode:
		for _, row := range n.Elements {
			for _, elem := range row {
				collectReferences(elem, anchor, refs)
			}
		}
	}
}

func hasVolatileCall(node ASTNode) bool {
	switch n := node.(type) {
	case *FunctionCallNode:
		if volatileFunctions[n.Name] {
			return true
		}
		for _, arg := range n.Args {
			if hasVolatileCall(arg) {
				return true
			}
		}
	case *BinaryOpNode:
		return hasVolatileCall(n.Left) || hasVolatileCall(n.Right)
	case *UnaryOpNode:
		return hasVolatileCall(n.Operand)
	case *ArrayNode:
		for _, row := range n.Elements {
			for _, elem := range row {
				if hasVolatileCall(elem) {
					return true
				}
			}
		}
	}
	return false
}
