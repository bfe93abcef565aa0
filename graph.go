package formula

import (
	"fmt"
	"sync"
)

// DependencyNode identifies a cell in the dependency graph. comparable and
// usable as a map key.
type DependencyNode struct {
	Sheet SheetID
	Addr  CellAddress
}

func (n DependencyNode) String() string {
	if n.Sheet == 0 {
		return n.Addr.String()
	}
	return fmt.Sprintf("#%d!%s", uint32(n.Sheet), n.Addr)
}

// rangeKey identifies an observed range
type rangeKey struct {
	Sheet SheetID
	Range CellRange
}

// graphNode holds the edges and formula for one cell. nodes exist for
// formula cells and for plain cells that some formula references; a plain
// node has a nil formula and disappears once nothing references it.
type graphNode struct {
	formula         *CompiledFormula
	precedents      map[DependencyNode]struct{}
	dependents      map[DependencyNode]struct{}
	rangePrecedents map[rangeKey]struct{}
}

func newGraphNode() *graphNode {
	return &graphNode{
		precedents:      make(map[DependencyNode]struct{}),
		dependents:      make(map[DependencyNode]struct{}),
		rangePrecedents: make(map[rangeKey]struct{}),
	}
}

// DependencyGraph tracks which formula cells depend on which cells and
// ranges across sheets, and which of them are dirty. the graph stores
// compiled formulas and edges only, never cell values. safe for concurrent
// use; all operations take the internal lock.
type DependencyGraph struct {
	mu             sync.RWMutex
	nodes          map[DependencyNode]*graphNode
	rangeObservers map[rangeKey]map[DependencyNode]struct{}
	dirty          map[DependencyNode]struct{}
	volatile       map[DependencyNode]struct{}
	resolve        SheetResolver
}

// NewDependencyGraph creates an empty graph. the resolver maps sheet names
// in Sheet!-qualified references to IDs when formulas are assigned; a nil
// resolver leaves such references untracked (they still evaluate, to #REF!).
func NewDependencyGraph(resolve SheetResolver) *DependencyGraph {
	return &DependencyGraph{
		nodes:          make(map[DependencyNode]*graphNode),
		rangeObservers: make(map[rangeKey]map[DependencyNode]struct{}),
		dirty:          make(map[DependencyNode]struct{}),
		volatile:       make(map[DependencyNode]struct{}),
		resolve:        resolve,
	}
}

// nodeSnapshot captures a node's formula and outgoing edges for rollback
type nodeSnapshot struct {
	formula    *CompiledFormula
	precedents []DependencyNode
	ranges     []rangeKey
	volatile   bool
}

// SetFormula compiles the formula text and installs it at the given cell,
// replacing any previous formula there. the new edge set is checked for
// cycles before it takes effect: on a *CircularReferenceError the graph is
// left exactly as it was, with no partial edges committed. on success the
// cell and its transitive dependents are marked dirty and the compiled
// formula is returned for the host to evaluate.
func (dg *DependencyGraph) SetFormula(sheet SheetID, addr CellAddress, text string) (*CompiledFormula, error) {
	f, err := Compile(text)
	if err != nil {
		return nil, err
	}

	node := DependencyNode{Sheet: sheet, Addr: addr}
	cellPrec, rangePrec := dg.resolveReferences(sheet, addr, f)

	dg.mu.Lock()
	defer dg.mu.Unlock()

	prev := dg.snapshotLocked(node)
	dg.retractLocked(node)
	dg.installLocked(node, f, cellPrec, rangePrec)

	if dg.reachesSelfLocked(node) {
		dg.retractLocked(node)
		dg.restoreLocked(node, prev)
		return nil, &CircularReferenceError{Node: node}
	}

	if f.Volatile() {
		dg.volatile[node] = struct{}{}
	} else {
		delete(dg.volatile, node)
	}

	dg.markDirtyLocked(node, true)
	return f, nil
}

// RemoveFormula retracts the formula at a cell. dependents of the cell are
// marked dirty since the cell's value is about to change out from under
// them. no-op when the cell has no formula.
func (dg *DependencyGraph) RemoveFormula(sheet SheetID, addr CellAddress) bool {
	node := DependencyNode{Sheet: sheet, Addr: addr}

	dg.mu.Lock()
	defer dg.mu.Unlock()

	gn, exists := dg.nodes[node]
	if !exists || gn.formula == nil {
		return false
	}

	dg.markDirtyLocked(node, false)
	dg.retractLocked(node)
	delete(dg.dirty, node)
	delete(dg.volatile, node)
	gn.formula = nil
	dg.cleanupLocked(node)
	return true
}

// Formula returns the compiled formula installed at a cell
func (dg *DependencyGraph) Formula(sheet SheetID, addr CellAddress) (*CompiledFormula, bool) {
	dg.mu.RLock()
	defer dg.mu.RUnlock()

	gn, exists := dg.nodes[DependencyNode{Sheet: sheet, Addr: addr}]
	if !exists || gn.formula == nil {
		return nil, false
	}
	return gn.formula, true
}

// MarkDirty records that a cell's value changed and propagates dirtiness
// to every formula cell downstream of it, through both direct references
// and range observation. the changed cell itself is marked only when it
// carries a formula.
func (dg *DependencyGraph) MarkDirty(sheet SheetID, addr CellAddress) {
	dg.mu.Lock()
	defer dg.mu.Unlock()
	dg.markDirtyLocked(DependencyNode{Sheet: sheet, Addr: addr}, false)
}

// DirtyNodes returns the cells currently needing recalculation, in no
// particular order
func (dg *DependencyGraph) DirtyNodes() []DependencyNode {
	dg.mu.RLock()
	defer dg.mu.RUnlock()

	result := make([]DependencyNode, 0, len(dg.dirty))
	for n := range dg.dirty {
		result = append(result, n)
	}
	return result
}

// IsDirty reports whether a cell is marked for recalculation
func (dg *DependencyGraph) IsDirty(sheet SheetID, addr CellAddress) bool {
	dg.mu.RLock()
	defer dg.mu.RUnlock()
	_, dirty := dg.dirty[DependencyNode{Sheet: sheet, Addr: addr}]
	return dirty
}

// DirtyLayers partitions the dirty set into topological layers: every cell
// in a layer depends only on cells in earlier layers, so the cells within
// one layer can be recomputed in parallel. layer edges include range
// observation, so a SUM over A1:A10 lands after a dirty A3.
func (dg *DependencyGraph) DirtyLayers() [][]DependencyNode {
	dg.mu.RLock()
	defer dg.mu.RUnlock()

	if len(dg.dirty) == 0 {
		return nil
	}

	// indegree restricted to the dirty subgraph
	indegree := make(map[DependencyNode]int, len(dg.dirty))
	downstream := make(map[DependencyNode][]DependencyNode, len(dg.dirty))

	for n := range dg.dirty {
		indegree[n] = 0
	}
	for n := range dg.dirty {
		for _, prec := range dg.dirtyPrecedentsLocked(n) {
			indegree[n]++
			downstream[prec] = append(downstream[prec], n)
		}
	}

	var layers [][]DependencyNode
	var current []DependencyNode
	for n, deg := range indegree {
		if deg == 0 {
			current = append(current, n)
		}
	}

	remaining := len(indegree)
	for len(current) > 0 {
		layers = append(layers, current)
		remaining -= len(current)

		var next []DependencyNode
		for _, n := range current {
			for _, dep := range downstream[n] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}

	// cycles cannot survive SetFormula's eager check, but stay defensive
	// against a stalled layering rather than dropping cells silently
	if remaining > 0 {
		var leftover []DependencyNode
		for n, deg := range indegree {
			if deg > 0 {
				leftover = append(leftover, n)
			}
		}
		layers = append(layers, leftover)
	}

	return layers
}

// ClearDirty removes one cell from the dirty set, typically after the host
// recomputed and stored its value
func (dg *DependencyGraph) ClearDirty(sheet SheetID, addr CellAddress) {
	dg.mu.Lock()
	defer dg.mu.Unlock()
	delete(dg.dirty, DependencyNode{Sheet: sheet, Addr: addr})
}

// ClearAllDirty empties the dirty set
func (dg *DependencyGraph) ClearAllDirty() {
	dg.mu.Lock()
	defer dg.mu.Unlock()
	dg.dirty = make(map[DependencyNode]struct{})
}

// VolatileNodes returns the cells whose formulas call volatile functions
func (dg *DependencyGraph) VolatileNodes() []DependencyNode {
	dg.mu.RLock()
	defer dg.mu.RUnlock()

	result := make([]DependencyNode, 0, len(dg.volatile))
	for n := range dg.volatile {
		result = append(result, n)
	}
	return result
}

// MarkVolatileDirty marks every volatile cell, and its dependents, dirty.
// hosts call this at the start of a calculation pass so NOW/TODAY/RAND
// formulas recompute even when nothing changed.
func (dg *DependencyGraph) MarkVolatileDirty() {
	dg.mu.Lock()
	defer dg.mu.Unlock()
	for n := range dg.volatile {
		dg.markDirtyLocked(n, true)
	}
}

// Precedents returns the cells a formula cell directly references
func (dg *DependencyGraph) Precedents(sheet SheetID, addr CellAddress) []DependencyNode {
	dg.mu.RLock()
	defer dg.mu.RUnlock()

	gn, exists := dg.nodes[DependencyNode{Sheet: sheet, Addr: addr}]
	if !exists {
		return nil
	}
	result := make([]DependencyNode, 0, len(gn.precedents))
	for p := range gn.precedents {
		result = append(result, p)
	}
	return result
}

// Dependents returns the formula cells directly referencing a cell,
// excluding range observers
func (dg *DependencyGraph) Dependents(sheet SheetID, addr CellAddress) []DependencyNode {
	dg.mu.RLock()
	defer dg.mu.RUnlock()

	gn, exists := dg.nodes[DependencyNode{Sheet: sheet, Addr: addr}]
	if !exists {
		return nil
	}
	result := make([]DependencyNode, 0, len(gn.dependents))
	for d := range gn.dependents {
		result = append(result, d)
	}
	return result
}

// NodeCount returns the number of cells tracked by the graph
func (dg *DependencyGraph) NodeCount() int {
	dg.mu.RLock()
	defer dg.mu.RUnlock()
	return len(dg.nodes)
}

// RangeObserverCount returns the number of distinct observed ranges
func (dg *DependencyGraph) RangeObserverCount() int {
	dg.mu.RLock()
	defer dg.mu.RUnlock()
	return len(dg.rangeObservers)
}

// Clear removes everything from the graph
func (dg *DependencyGraph) Clear() {
	dg.mu.Lock()
	defer dg.mu.Unlock()
	dg.nodes = make(map[DependencyNode]*graphNode)
	dg.rangeObservers = make(map[rangeKey]map[DependencyNode]struct{})
	dg.dirty = make(map[DependencyNode]struct{})
	dg.volatile = make(map[DependencyNode]struct{})
}

// resolveReferences turns a formula's static references into graph edge
// targets. references to unresolvable sheet names get no edge; evaluation
// reports those as #REF!.
func (dg *DependencyGraph) resolveReferences(sheet SheetID, addr CellAddress, f *CompiledFormula) ([]DependencyNode, []rangeKey) {
	var cells []DependencyNode
	var ranges []rangeKey
	for _, ref := range f.References(addr) {
		refSheet := sheet
		if ref.Sheet != "" {
			if dg.resolve == nil {
				continue
			}
			id, ok := dg.resolve(ref.Sheet)
			if !ok {
				continue
			}
			refSheet = id
		}
		if ref.IsRange {
			ranges = append(ranges, rangeKey{Sheet: refSheet, Range: ref.Range})
		} else {
			cells = append(cells, DependencyNode{Sheet: refSheet, Addr: ref.Range.Start})
		}
	}
	return cells, ranges
}

func (dg *DependencyGraph) getOrCreateLocked(n DependencyNode) *graphNode {
	if gn, exists := dg.nodes[n]; exists {
		return gn
	}
	gn := newGraphNode()
	dg.nodes[n] = gn
	return gn
}

// snapshotLocked captures a node's outgoing edges for rollback
func (dg *DependencyGraph) snapshotLocked(n DependencyNode) nodeSnapshot {
	gn, exists := dg.nodes[n]
	if !exists {
		return nodeSnapshot{}
	}
	snap := nodeSnapshot{formula: gn.formula}
	for p := range gn.precedents {
		snap.precedents = append(snap.precedents, p)
	}
	for rk := range gn.rangePrecedents {
		snap.ranges = append(snap.ranges, rk)
	}
	_, snap.volatile = dg.volatile[n]
	return snap
}

// retractLocked removes a node's outgoing edges (its precedent side),
// leaving incoming edges from its own dependents intact
func (dg *DependencyGraph) retractLocked(n DependencyNode) {
	gn, exists := dg.nodes[n]
	if !exists {
		return
	}

	for p := range gn.precedents {
		if pn, ok := dg.nodes[p]; ok {
			delete(pn.dependents, n)
			dg.cleanupLocked(p)
		}
	}
	gn.precedents = make(map[DependencyNode]struct{})

	for rk := range gn.rangePrecedents {
		if observers, ok := dg.rangeObservers[rk]; ok {
			delete(observers, n)
			if len(observers) == 0 {
				delete(dg.rangeObservers, rk)
			}
		}
	}
	gn.rangePrecedents = make(map[rangeKey]struct{})
}

// installLocked sets a node's formula and outgoing edges
func (dg *DependencyGraph) installLocked(n DependencyNode, f *CompiledFormula, cells []DependencyNode, ranges []rangeKey) {
	gn := dg.getOrCreateLocked(n)
	gn.formula = f

	for _, p := range cells {
		gn.precedents[p] = struct{}{}
		dg.getOrCreateLocked(p).dependents[n] = struct{}{}
	}
	for _, rk := range ranges {
		gn.rangePrecedents[rk] = struct{}{}
		if dg.rangeObservers[rk] == nil {
			dg.rangeObservers[rk] = make(map[DependencyNode]struct{})
		}
		dg.rangeObservers[rk][n] = struct{}{}
	}
}

// restoreLocked reinstates a snapshot taken before a failed SetFormula
func (dg *DependencyGraph) restoreLocked(n DependencyNode, snap nodeSnapshot) {
	if snap.formula == nil && len(snap.precedents) == 0 && len(snap.ranges) == 0 {
		if gn, exists := dg.nodes[n]; exists {
			gn.formula = nil
			dg.cleanupLocked(n)
		}
		return
	}
	dg.installLocked(n, snap.formula, snap.precedents, snap.ranges)
	if snap.volatile {
		dg.volatile[n] = struct{}{}
	}
}

// cleanupLocked drops a node that carries no formula and no edges
func (dg *DependencyGraph) cleanupLocked(n DependencyNode) {
	gn, exists := dg.nodes[n]
	if !exists {
		return
	}
	if gn.formula != nil || len(gn.precedents) > 0 || len(gn.dependents) > 0 || len(gn.rangePrecedents) > 0 {
		return
	}
	delete(dg.nodes, n)
	delete(dg.dirty, n)
}

// reachesSelfLocked reports whether start can reach itself by following
// precedent edges, treating a range precedent as an edge to every formula
// cell inside the range. three states per node: unvisited (absent),
// visiting (false), done (true).
func (dg *DependencyGraph) reachesSelfLocked(start DependencyNode) bool {
	state := make(map[DependencyNode]bool)

	var visit func(n DependencyNode) bool
	visit = func(n DependencyNode) bool {
		if done, seen := state[n]; seen {
			return !done && n == start
		}
		state[n] = false

		if gn, exists := dg.nodes[n]; exists {
			for p := range gn.precedents {
				if p == start || visit(p) {
					return true
				}
			}
			for rk := range gn.rangePrecedents {
				if rk.Sheet == start.Sheet && rk.Range.Contains(start.Addr) {
					return true
				}
				for other, ogn := range dg.nodes {
					if ogn.formula == nil || other.Sheet != rk.Sheet {
						continue
					}
					if !rk.Range.Contains(other.Addr) {
						continue
					}
					if other == start || visit(other) {
						return true
					}
				}
			}
		}

		state[n] = true
		return false
	}

	return visit(start)
}

// markDirtyLocked marks every formula cell downstream of start dirty,
// following dependent edges and range observation breadth-first.
// includeSelf additionally marks start when it carries a formula.
func (dg *DependencyGraph) markDirtyLocked(start DependencyNode, includeSelf bool) {
	if includeSelf {
		if gn, exists := dg.nodes[start]; exists && gn.formula != nil {
			dg.dirty[start] = struct{}{}
		}
	}

	seen := map[DependencyNode]struct{}{start: {}}
	queue := []DependencyNode{start}

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		if gn, exists := dg.nodes[n]; exists {
			for d := range gn.dependents {
				if _, ok := seen[d]; ok {
					continue
				}
				seen[d] = struct{}{}
				dg.dirty[d] = struct{}{}
				queue = append(queue, d)
			}
		}
		for rk, observers := range dg.rangeObservers {
			if rk.Sheet != n.Sheet || !rk.Range.Contains(n.Addr) {
				continue
			}
			for o := range observers {
				if _, ok := seen[o]; ok {
					continue
				}
				seen[o] = struct{}{}
				dg.dirty[o] = struct{}{}
				queue = append(queue, o)
			}
		}
	}
}

// dirtyPrecedentsLocked returns the dirty cells that n depends on, through
// direct references and range observation
func (dg *DependencyGraph) dirtyPrecedentsLocked(n DependencyNode) []DependencyNode {
	gn, exists := dg.nodes[n]
	if !exists {
		return nil
	}

	var result []DependencyNode
	for p := range gn.precedents {
		if _, dirty := dg.dirty[p]; dirty {
			result = append(result, p)
		}
	}
	for rk := range gn.rangePrecedents {
		for d := range dg.dirty {
			if d == n || d.Sheet != rk.Sheet {
				continue
			}
			if rk.Range.Contains(d.Addr) {
				result = append(result, d)
			}
		}
	}
	return result
}
