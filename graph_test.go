package formula

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// graphScenario chains graph mutations and keeps the first error, so tests
// read as a script of host actions
type graphScenario struct {
	t     *testing.T
	graph *DependencyGraph
	err   error
}

func newGraphScenario(t *testing.T) *graphScenario {
	resolve := func(name string) (SheetID, bool) {
		switch name {
		case "Sheet1":
			return 1, true
		case "Sheet2":
			return 2, true
		default:
			return 0, false
		}
	}
	return &graphScenario{t: t, graph: NewDependencyGraph(resolve)}
}

func (s *graphScenario) set(sheet SheetID, cell, text string) *graphScenario {
	if s.err != nil {
		return s
	}
	_, s.err = s.graph.SetFormula(sheet, addr(s.t, cell), text)
	return s
}

func (s *graphScenario) remove(sheet SheetID, cell string) *graphScenario {
	if s.err != nil {
		return s
	}
	s.graph.RemoveFormula(sheet, addr(s.t, cell))
	return s
}

func (s *graphScenario) settle() *graphScenario {
	if s.err == nil {
		s.graph.ClearAllDirty()
	}
	return s
}

func (s *graphScenario) touch(sheet SheetID, cell string) *graphScenario {
	if s.err != nil {
		return s
	}
	s.graph.MarkDirty(sheet, addr(s.t, cell))
	return s
}

func (s *graphScenario) ok() *DependencyGraph {
	require.NoError(s.t, s.err)
	return s.graph
}

func addr(t *testing.T, cell string) CellAddress {
	t.Helper()
	a, err := ParseCellAddress(cell)
	require.NoError(t, err)
	return a
}

func TestGraphSetFormula(t *testing.T) {
	g := newGraphScenario(t).set(1, "B1", "=A1+1").ok()

	f, exists := g.Formula(1, addr(t, "B1"))
	require.True(t, exists)
	assert.Equal(t, "=A1+1", f.Text())

	// the new formula cell is dirty until the host recomputes it
	assert.True(t, g.IsDirty(1, addr(t, "B1")))

	_, exists = g.Formula(1, addr(t, "A1"))
	assert.False(t, exists)

	assert.ElementsMatch(t,
		[]DependencyNode{{Sheet: 1, Addr: addr(t, "A1")}},
		g.Precedents(1, addr(t, "B1")))
	assert.ElementsMatch(t,
		[]DependencyNode{{Sheet: 1, Addr: addr(t, "B1")}},
		g.Dependents(1, addr(t, "A1")))
}

func TestGraphCompileErrorLeavesGraphUntouched(t *testing.T) {
	g := NewDependencyGraph(nil)
	_, err := g.SetFormula(1, addr(t, "B1"), "=SUM(")

	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, UnbalancedDelimiter, cerr.Kind)
	assert.Zero(t, g.NodeCount())
}

func TestGraphDirtyPropagation(t *testing.T) {
	g := newGraphScenario(t).
		set(1, "B1", "=A1+1").
		set(1, "C1", "=B1*2").
		settle().
		touch(1, "A1").
		ok()

	// the plain input cell carries no formula and is never dirty
	assert.ElementsMatch(t, []DependencyNode{
		{Sheet: 1, Addr: addr(t, "B1")},
		{Sheet: 1, Addr: addr(t, "C1")},
	}, g.DirtyNodes())
}

func TestGraphRangeObservation(t *testing.T) {
	s := newGraphScenario(t).
		set(1, "B1", "=SUM(A1:A10)").
		settle()
	g := s.ok()
	assert.Equal(t, 1, g.RangeObserverCount())

	s.touch(1, "A3")
	assert.True(t, g.IsDirty(1, addr(t, "B1")))

	// a cell outside the observed range does not dirty the observer
	s.settle().touch(1, "A11")
	assert.False(t, g.IsDirty(1, addr(t, "B1")))
}

func TestGraphCrossSheetPropagation(t *testing.T) {
	g := newGraphScenario(t).
		set(1, "B1", "=Sheet2!A1+1").
		set(1, "C1", "=SUM(Sheet2!A1:A5)").
		settle().
		touch(2, "A1").
		ok()

	assert.True(t, g.IsDirty(1, addr(t, "B1")))
	assert.True(t, g.IsDirty(1, addr(t, "C1")))
}

func TestGraphCycleRejected(t *testing.T) {
	s := newGraphScenario(t).set(1, "A1", "=B1+1")
	g := s.ok()

	_, err := g.SetFormula(1, addr(t, "B1"), "=A1+1")
	var cyc *CircularReferenceError
	require.ErrorAs(t, err, &cyc)
	assert.Equal(t, DependencyNode{Sheet: 1, Addr: addr(t, "B1")}, cyc.Node)

	// nothing was committed: B1 has no formula and A1 still depends on it
	_, exists := g.Formula(1, addr(t, "B1"))
	assert.False(t, exists)
	assert.ElementsMatch(t,
		[]DependencyNode{{Sheet: 1, Addr: addr(t, "A1")}},
		g.Dependents(1, addr(t, "B1")))

	// a non-cyclic formula still installs afterwards
	_, err = g.SetFormula(1, addr(t, "B1"), "=C1+1")
	require.NoError(t, err)
}

func TestGraphSelfReferenceRejected(t *testing.T) {
	cases := []string{
		"=A1",
		"=A1+1",
		"=SUM(A1:A5)",
		"=IF(B1,A1,2)",
	}

	for _, formula := range cases {
		t.Run(formula, func(t *testing.T) {
			g := NewDependencyGraph(nil)
			_, err := g.SetFormula(1, addr(t, "A1"), formula)
			var cyc *CircularReferenceError
			require.ErrorAs(t, err, &cyc)
		})
	}
}

func TestGraphIndirectCycleRejected(t *testing.T) {
	g := newGraphScenario(t).
		set(1, "A1", "=B1").
		set(1, "B1", "=C1").
		ok()

	_, err := g.SetFormula(1, addr(t, "C1"), "=A1")
	var cyc *CircularReferenceError
	require.ErrorAs(t, err, &cyc)
}

func TestGraphRangeCycleRejected(t *testing.T) {
	g := newGraphScenario(t).set(1, "B1", "=SUM(A1:A10)").ok()

	// A3 feeding B1 through the observed range closes a cycle
	_, err := g.SetFormula(1, addr(t, "A3"), "=B1*2")
	var cyc *CircularReferenceError
	require.ErrorAs(t, err, &cyc)
}

func TestGraphCycleRollbackKeepsPreviousFormula(t *testing.T) {
	s := newGraphScenario(t).
		set(1, "A1", "=C1").
		set(1, "B1", "=A1")
	g := s.ok()

	_, err := g.SetFormula(1, addr(t, "A1"), "=B1+1")
	var cyc *CircularReferenceError
	require.ErrorAs(t, err, &cyc)

	// A1 keeps its previous formula and its previous edges
	f, exists := g.Formula(1, addr(t, "A1"))
	require.True(t, exists)
	assert.Equal(t, "=C1", f.Text())

	s.settle().touch(1, "C1")
	assert.True(t, g.IsDirty(1, addr(t, "A1")))
	assert.True(t, g.IsDirty(1, addr(t, "B1")))
}

func TestGraphDirtyLayers(t *testing.T) {
	g := newGraphScenario(t).
		set(1, "B1", "=A1+1").
		set(1, "C1", "=B1+1").
		set(1, "D1", "=B1+C1").
		settle().
		touch(1, "A1").
		ok()

	layers := g.DirtyLayers()
	require.Len(t, layers, 3)
	assert.ElementsMatch(t, []DependencyNode{{Sheet: 1, Addr: addr(t, "B1")}}, layers[0])
	assert.ElementsMatch(t, []DependencyNode{{Sheet: 1, Addr: addr(t, "C1")}}, layers[1])
	assert.ElementsMatch(t, []DependencyNode{{Sheet: 1, Addr: addr(t, "D1")}}, layers[2])
}

func TestGraphDirtyLayersWithRangeEdges(t *testing.T) {
	g := newGraphScenario(t).
		set(1, "B1", "=A1*2").
		set(1, "C1", "=SUM(A1:B5)").
		settle().
		touch(1, "A1").
		ok()

	// the SUM observes B1 through its range, so it lands in a later layer
	layers := g.DirtyLayers()
	require.Len(t, layers, 2)
	assert.ElementsMatch(t, []DependencyNode{{Sheet: 1, Addr: addr(t, "B1")}}, layers[0])
	assert.ElementsMatch(t, []DependencyNode{{Sheet: 1, Addr: addr(t, "C1")}}, layers[1])
}

func TestGraphDirtyLayersEmpty(t *testing.T) {
	g := newGraphScenario(t).set(1, "B1", "=A1").settle().ok()
	assert.Nil(t, g.DirtyLayers())
}

func TestGraphRemoveFormula(t *testing.T) {
	s := newGraphScenario(t).
		set(1, "B1", "=A1").
		set(1, "C1", "=B1").
		settle()
	g := s.ok()

	assert.True(t, g.RemoveFormula(1, addr(t, "B1")))

	// dependents go dirty, the removed cell does not
	assert.True(t, g.IsDirty(1, addr(t, "C1")))
	assert.False(t, g.IsDirty(1, addr(t, "B1")))
	_, exists := g.Formula(1, addr(t, "B1"))
	assert.False(t, exists)

	// removing again is a no-op
	assert.False(t, g.RemoveFormula(1, addr(t, "B1")))

	// B1's edge to A1 is gone, so touching A1 dirties nothing
	s.settle().touch(1, "A1")
	assert.Empty(t, g.DirtyNodes())
}

func TestGraphVolatileTracking(t *testing.T) {
	s := newGraphScenario(t).
		set(1, "A1", "=RAND()").
		set(1, "B1", "=A1+1").
		settle()
	g := s.ok()

	assert.ElementsMatch(t,
		[]DependencyNode{{Sheet: 1, Addr: addr(t, "A1")}},
		g.VolatileNodes())

	g.MarkVolatileDirty()
	assert.True(t, g.IsDirty(1, addr(t, "A1")))
	assert.True(t, g.IsDirty(1, addr(t, "B1")))

	// replacing the formula clears volatility
	_, err := g.SetFormula(1, addr(t, "A1"), "=1+1")
	require.NoError(t, err)
	assert.Empty(t, g.VolatileNodes())
}

func TestGraphClearDirty(t *testing.T) {
	g := newGraphScenario(t).
		set(1, "B1", "=A1").
		set(1, "C1", "=A1").
		ok()

	g.ClearDirty(1, addr(t, "B1"))
	assert.False(t, g.IsDirty(1, addr(t, "B1")))
	assert.True(t, g.IsDirty(1, addr(t, "C1")))

	g.ClearAllDirty()
	assert.Empty(t, g.DirtyNodes())
}

func TestGraphClear(t *testing.T) {
	g := newGraphScenario(t).
		set(1, "B1", "=SUM(A1:A5)").
		set(1, "C1", "=RAND()").
		ok()

	g.Clear()
	assert.Zero(t, g.NodeCount())
	assert.Zero(t, g.RangeObserverCount())
	assert.Empty(t, g.DirtyNodes())
	assert.Empty(t, g.VolatileNodes())
}

func TestGraphReplaceFormulaRewiresEdges(t *testing.T) {
	s := newGraphScenario(t).
		set(1, "B1", "=A1").
		set(1, "B1", "=C1").
		settle()
	g := s.ok()

	// the old precedent no longer reaches B1
	s.touch(1, "A1")
	assert.False(t, g.IsDirty(1, addr(t, "B1")))
	s.touch(1, "C1")
	assert.True(t, g.IsDirty(1, addr(t, "B1")))

	// the abandoned A1 node was garbage-collected
	assert.Equal(t, 2, g.NodeCount())
}

func TestGraphUnresolvableSheetGetsNoEdge(t *testing.T) {
	g := newGraphScenario(t).
		set(1, "B1", "=Missing!A1+1").
		settle().
		ok()

	// only B1 itself is tracked; the reference evaluates to #REF! instead
	assert.Equal(t, 1, g.NodeCount())
	assert.Empty(t, g.Precedents(1, addr(t, "B1")))
}

func TestGraphDeepChainPropagation(t *testing.T) {
	s := newGraphScenario(t)
	for i := 2; i <= 50; i++ {
		s.set(1, fmt.Sprintf("A%d", i), fmt.Sprintf("=A%d+1", i-1))
	}
	g := s.settle().touch(1, "A1").ok()

	assert.Len(t, g.DirtyNodes(), 49)
	layers := g.DirtyLayers()
	require.Len(t, layers, 49)
	assert.Equal(t, addr(t, "A2"), layers[0][0].Addr)
	assert.Equal(t, addr(t, "A50"), layers[48][0].Addr)
}
