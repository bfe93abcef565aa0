package formula

import (
	"fmt"
	"testing"
)

// benchHost pairs a dependency graph with a value store, recalculating the
// way an embedding application would: dirty layers in order, volatile cells
// first.
type benchHost struct {
	graph *DependencyGraph
	cells map[DependencyNode]Value
	funcs *FunctionTable
}

func newBenchHost() *benchHost {
	return &benchHost{
		graph: NewDependencyGraph(nil),
		cells: make(map[DependencyNode]Value),
		funcs: NewFunctionTable(),
	}
}

func (h *benchHost) setValue(cell string, value Value) {
	addr, err := ParseCellAddress(cell)
	if err != nil {
		panic(err)
	}
	node := DependencyNode{Sheet: 1, Addr: addr}
	h.cells[node] = value
	h.graph.MarkDirty(1, addr)
}

func (h *benchHost) setFormula(cell, text string) {
	addr, err := ParseCellAddress(cell)
	if err != nil {
		panic(err)
	}
	if _, err := h.graph.SetFormula(1, addr, text); err != nil {
		panic(err)
	}
}

func (h *benchHost) ctx(node DependencyNode) *EvalContext {
	return &EvalContext{
		Sheet:    node.Sheet,
		Row:      node.Addr.Row,
		Col:      node.Addr.Col,
		CallSite: node.String(),
		Cell: func(s SheetID, addr CellAddress) Value {
			return h.cells[DependencyNode{Sheet: s, Addr: addr}]
		},
		Range: func(s SheetID, r CellRange) []Value {
			values := make([]Value, 0, r.Rows()*r.Cols())
			for row := r.Start.Row; row <= r.End.Row; row++ {
				for col := r.Start.Col; col <= r.End.Col; col++ {
					values = append(values, h.cells[DependencyNode{Sheet: s, Addr: CellAddress{Row: row, Col: col}}])
				}
			}
			return values
		},
		Functions: h.funcs,
	}
}

func (h *benchHost) calculate() {
	h.graph.MarkVolatileDirty()
	for _, layer := range h.graph.DirtyLayers() {
		for _, node := range layer {
			f, ok := h.graph.Formula(node.Sheet, node.Addr)
			if !ok {
				continue
			}
			val, err := Evaluate(f, h.ctx(node))
			if err != nil {
				panic(err)
			}
			h.cells[node] = val
		}
	}
	h.graph.ClearAllDirty()
}

func BenchmarkCompile(b *testing.B) {
	for i := 0; i < b.N; i++ {
		if _, err := Compile("=IF(AVERAGE(A1:A20)>10,SUM(B1:B20),MAX(A1:A20))"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkFormulaDependencyChain(b *testing.B) {
	h := newBenchHost()
	h.setValue("A1", 1.0)
	for i := 2; i <= 100; i++ {
		h.setFormula(fmt.Sprintf("A%d", i), fmt.Sprintf("=A%d+1", i-1))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.setValue("A1", float64(i))
		h.calculate()
	}
}

func BenchmarkWideDependencyFanOut(b *testing.B) {
	h := newBenchHost()
	h.setValue("A1", 100.0)
	for i := 2; i <= 500; i++ {
		h.setFormula(fmt.Sprintf("B%d", i), "=A1*2")
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.setValue("A1", float64(i))
		h.calculate()
	}
}

func BenchmarkLargeRangeSUM(b *testing.B) {
	h := newBenchHost()
	for i := 1; i <= 1000; i++ {
		h.setValue(fmt.Sprintf("A%d", i), float64(i))
	}
	h.setFormula("B1", "=SUM(A1:A1000)")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.setValue("A1", float64(i))
		h.calculate()
	}
}

func BenchmarkComplexNestedFormulas(b *testing.B) {
	h := newBenchHost()
	for i := 1; i <= 20; i++ {
		h.setValue(fmt.Sprintf("A%d", i), float64(i))
		h.setValue(fmt.Sprintf("B%d", i), float64(i*2))
	}
	h.setFormula("C1", "=IF(AVERAGE(A1:A20)>10,SUM(B1:B20),MAX(A1:A20))")
	h.setFormula("D1", "=ROUND(SQRT(C1)*PI(),2)")
	h.setFormula("E1", "=IF(D1>100,MEDIAN(A1:A20),MIN(B1:B20))")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.setValue("A1", float64(i%40))
		h.calculate()
	}
}

func BenchmarkVolatileFunctions(b *testing.B) {
	h := newBenchHost()
	for i := 1; i <= 50; i++ {
		h.setFormula(fmt.Sprintf("A%d", i), "=RAND()")
		h.setFormula(fmt.Sprintf("B%d", i), fmt.Sprintf("=A%d*100", i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.calculate()
	}
}

func BenchmarkCircularReferenceDetection(b *testing.B) {
	for i := 0; i < b.N; i++ {
		h := newBenchHost()
		h.setFormula("A1", "=B1+C1")
		h.setFormula("B1", "=C1+D1")
		h.setFormula("C1", "=D1+E1")
		h.setFormula("D1", "=E1+F1")

		// closing the loop must fail without corrupting the graph
		addr, _ := ParseCellAddress("E1")
		if _, err := h.graph.SetFormula(1, addr, "=A1"); err == nil {
			b.Fatal("expected a circular reference error")
		}
	}
}

func BenchmarkLookupTable(b *testing.B) {
	h := newBenchHost()
	for i := 1; i <= 500; i++ {
		h.setValue(fmt.Sprintf("A%d", i), float64(i*10))
		h.setValue(fmt.Sprintf("B%d", i), fmt.Sprintf("item-%d", i))
	}
	h.setFormula("D1", "=VLOOKUP(2500,A1:B500,2)")
	h.setFormula("D2", "=MATCH(4990,A1:A500,1)")
	h.setFormula("D3", "=XLOOKUP(1730,A1:A500,B1:B500,\"missing\")")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.setValue("A1", 10.0)
		h.calculate()
	}
}

func BenchmarkDirtyPropagation(b *testing.B) {
	h := newBenchHost()

	grid := 20
	for row := 1; row <= grid; row++ {
		for col := 0; col < grid; col++ {
			cell := fmt.Sprintf("%s%d", ColumnLabel(col), row)
			switch {
			case row == 1 && col == 0:
				h.setValue(cell, 1.0)
			case row == 1:
				h.setFormula(cell, fmt.Sprintf("=%s%d+1", ColumnLabel(col-1), row))
			case col == 0:
				h.setFormula(cell, fmt.Sprintf("=%s%d+1", ColumnLabel(col), row-1))
			default:
				h.setFormula(cell, fmt.Sprintf("=%s%d+%s%d", ColumnLabel(col-1), row, ColumnLabel(col), row-1))
			}
		}
	}
	h.calculate()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.setValue("A1", float64(i%100))
		h.calculate()
	}
}
