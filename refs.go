package formula

import (
	"fmt"
	"strconv"
	"strings"
)

// SheetID is an opaque numeric identifier for a sheet. IDs are minted by the
// storage layer and resolved from names through a SheetResolver; the engine
// never invents one. zero is reserved for "no sheet".
type SheetID uint32

// SheetResolver resolves a sheet name to its ID. supplied by the storage
// layer; consulted when a formula carries a Sheet!-qualified reference.
type SheetResolver func(name string) (SheetID, bool)

// CellAddress identifies a single cell by zero-based (row, col). immutable
// value type, comparable and usable as a map key.
type CellAddress struct {
	Row int
	Col int
}

// String renders the address in A1 notation
func (a CellAddress) String() string {
	return ColumnLabel(a.Col) + strconv.Itoa(a.Row+1)
}

// CellRange is an inclusive rectangle of cells. always normalized so that
// Start <= End component-wise; construct through NewCellRange.
type CellRange struct {
	Start CellAddress
	End   CellAddress
}

// NewCellRange builds a normalized range from two corners
func NewCellRange(a, b CellAddress) CellRange {
	return CellRange{
		Start: CellAddress{Row: min(a.Row, b.Row), Col: min(a.Col, b.Col)},
		End:   CellAddress{Row: max(a.Row, b.Row), Col: max(a.Col, b.Col)},
	}
}

// Rows returns the number of rows in the range
func (r CellRange) Rows() int { return r.End.Row - r.Start.Row + 1 }

// Cols returns the number of columns in the range
func (r CellRange) Cols() int { return r.End.Col - r.Start.Col + 1 }

// Contains checks if a cell is within the range
func (r CellRange) Contains(addr CellAddress) bool {
	return addr.Row >= r.Start.Row && addr.Row <= r.End.Row &&
		addr.Col >= r.Start.Col && addr.Col <= r.End.Col
}

// String renders the range in A1 notation
func (r CellRange) String() string {
	return r.Start.String() + ":" + r.End.String()
}

// ColumnLabel converts a zero-based column index to its letter label
// (0 -> "A", 25 -> "Z", 26 -> "AA")
func ColumnLabel(col int) string {
	if col < 0 {
		return ""
	}
	label := ""
	for {
		label = string(rune('A'+col%26)) + label
		col = col/26 - 1
		if col < 0 {
			break
		}
	}
	return label
}

// ParseColumnLabel converts a letter label to a zero-based column index
// (A=0, B=1, ..., Z=25, AA=26, AB=27, ...)
func ParseColumnLabel(label string) (int, bool) {
	if label == "" {
		return 0, false
	}
	col := 0
	for i, ch := range strings.ToUpper(label) {
		if ch < 'A' || ch > 'Z' {
			return 0, false
		}
		col = col*26 + int(ch-'A')
		if i < len(label)-1 {
			col++ // account for positional notation
		}
	}
	return col, true
}

// ParseCellAddress parses an A1-notation cell like "B2" into a zero-based
// CellAddress
func ParseCellAddress(cell string) (CellAddress, error) {
	if len(cell) < 2 {
		return CellAddress{}, fmt.Errorf("invalid cell reference: %s", cell)
	}

	// find where letters end and digits begin
	letterEnd := 0
	for i, ch := range cell {
		if ch >= 'A' && ch <= 'Z' || ch >= 'a' && ch <= 'z' {
			letterEnd = i + 1
		} else {
			break
		}
	}

	if letterEnd == 0 || letterEnd == len(cell) {
		return CellAddress{}, fmt.Errorf("invalid cell reference: %s", cell)
	}

	col, ok := ParseColumnLabel(cell[:letterEnd])
	if !ok {
		return CellAddress{}, fmt.Errorf("invalid column in cell reference: %s", cell)
	}

	rowNum, err := strconv.ParseInt(cell[letterEnd:], 10, 32)
	if err != nil {
		return CellAddress{}, fmt.Errorf("invalid row number: %s", cell[letterEnd:])
	}
	if rowNum < 1 {
		return CellAddress{}, fmt.Errorf("row number must be positive: %d", rowNum)
	}

	return CellAddress{Row: int(rowNum - 1), Col: col}, nil
}

// splitSheetPrefix splits a "Sheet1!A1" or "'My Sheet'!A1:B2" reference into
// its sheet name (empty when absent) and the bare cell/range part
func splitSheetPrefix(ref string) (sheet string, rest string) {
	idx := strings.LastIndex(ref, "!")
	if idx == -1 {
		return "", ref
	}
	sheet = ref[:idx]
	rest = ref[idx+1:]
	if strings.HasPrefix(sheet, "'") && strings.HasSuffix(sheet, "'") && len(sheet) >= 2 {
		sheet = sheet[1 : len(sheet)-1]
	}
	return sheet, rest
}
