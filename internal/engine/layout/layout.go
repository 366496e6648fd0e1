// Package layout computes tile geometry for the session grid. Pure
// functions only: no I/O, no state.
package layout

// Class is a grid capacity class: the fixed slot counts the grid
// promotes between.
type Class int

const (
	Class2 Class = 2
	Class4 Class = 4
	Class9 Class = 9
)

// ClassFor picks the smallest capacity class that fits count. Promotion
// is monotonic; the grid never truncates. Counts above the largest
// class clamp to it.
func ClassFor(count int) Class {
	switch {
	case count <= 2:
		return Class2
	case count <= 4:
		return Class4
	default:
		return Class9
	}
}

func (c Class) columns() int {
	if c == Class9 {
		return 3
	}
	return 2
}

// Cell is one placed slot in grid units, 1-indexed.
type Cell struct {
	Row     int
	Col     int
	RowSpan int
	ColSpan int
}

// Placement assigns one cell per participant index, in input order.
type Placement struct {
	Rows  int
	Cols  int
	Cells []Cell
}

// Arrange maps (count, hostIdx) to tile geometry. hostIdx is the index
// of the primary host inside the participant list; it receives the
// emphasized cell in partially-filled arrangements. The per-count
// patterns for 3, 5, 7 and 8 are fixed tables, never derived.
func Arrange(count, hostIdx int) Placement {
	if count <= 0 {
		return Placement{}
	}
	if hostIdx < 0 || hostIdx >= count {
		hostIdx = 0
	}

	switch count {
	case 2:
		return uniform(count, 1, 2)
	case 3:
		// Host spans two rows in column 1, two others stacked.
		return emphasized(count, hostIdx, 2, 2, Cell{Row: 1, Col: 1, RowSpan: 2, ColSpan: 1}, []Cell{
			{Row: 1, Col: 2, RowSpan: 1, ColSpan: 1},
			{Row: 2, Col: 2, RowSpan: 1, ColSpan: 1},
		})
	case 4:
		return uniform(count, 2, 2)
	case 5:
		// Host spans two rows, four others in 2x2.
		return emphasized(count, hostIdx, 2, 3, Cell{Row: 1, Col: 1, RowSpan: 2, ColSpan: 1}, []Cell{
			{Row: 1, Col: 2, RowSpan: 1, ColSpan: 1},
			{Row: 1, Col: 3, RowSpan: 1, ColSpan: 1},
			{Row: 2, Col: 2, RowSpan: 1, ColSpan: 1},
			{Row: 2, Col: 3, RowSpan: 1, ColSpan: 1},
		})
	case 7:
		// Host spans all rows, six others in 2x3.
		return emphasized(count, hostIdx, 3, 3, Cell{Row: 1, Col: 1, RowSpan: 3, ColSpan: 1}, []Cell{
			{Row: 1, Col: 2, RowSpan: 1, ColSpan: 1},
			{Row: 1, Col: 3, RowSpan: 1, ColSpan: 1},
			{Row: 2, Col: 2, RowSpan: 1, ColSpan: 1},
			{Row: 2, Col: 3, RowSpan: 1, ColSpan: 1},
			{Row: 3, Col: 2, RowSpan: 1, ColSpan: 1},
			{Row: 3, Col: 3, RowSpan: 1, ColSpan: 1},
		})
	case 8:
		// Host paired with one peer on the left, six others in 2x3.
		return emphasized(count, hostIdx, 3, 3, Cell{Row: 1, Col: 1, RowSpan: 2, ColSpan: 1}, []Cell{
			{Row: 3, Col: 1, RowSpan: 1, ColSpan: 1},
			{Row: 1, Col: 2, RowSpan: 1, ColSpan: 1},
			{Row: 1, Col: 3, RowSpan: 1, ColSpan: 1},
			{Row: 2, Col: 2, RowSpan: 1, ColSpan: 1},
			{Row: 2, Col: 3, RowSpan: 1, ColSpan: 1},
			{Row: 3, Col: 2, RowSpan: 1, ColSpan: 1},
			{Row: 3, Col: 3, RowSpan: 1, ColSpan: 1},
		})
	case 9:
		return uniform(count, 3, 3)
	default:
		// No explicit pattern: generic row-major uniform grid.
		cols := ClassFor(count).columns()
		if count < cols {
			cols = count
		}
		rows := (count + cols - 1) / cols
		return uniform(count, rows, cols)
	}
}

func uniform(count, rows, cols int) Placement {
	p := Placement{Rows: rows, Cols: cols, Cells: make([]Cell, count)}
	for i := 0; i < count; i++ {
		p.Cells[i] = Cell{
			Row:     i/cols + 1,
			Col:     i%cols + 1,
			RowSpan: 1,
			ColSpan: 1,
		}
	}
	return p
}

// emphasized hands hostIdx the emphasis cell and fills rest in input
// order.
func emphasized(count, hostIdx, rows, cols int, host Cell, rest []Cell) Placement {
	p := Placement{Rows: rows, Cols: cols, Cells: make([]Cell, count)}
	next := 0
	for i := 0; i < count; i++ {
		if i == hostIdx {
			p.Cells[i] = host
			continue
		}
		p.Cells[i] = rest[next]
		next++
	}
	return p
}
