package spatial

import (
	"log/slog"
	"math"
)

// Cell is an integer grid coordinate.
type Cell struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Entry is one indexed agent.
type Entry struct {
	ID  uint64
	Pos Vec2
}

// Hash is a uniform grid over the map. It is rebuilt from scratch every tick
// and is read-only between rebuilds, so concurrent queries are safe.
type Hash struct {
	cellSize float64
	cols     int
	rows     int
	width    float64
	height   float64
	cells    [][]Entry // flat grid, row-major

	count   int
	crowded int // per-cell size that triggers a warning; 0 disables
	hot     int // cells that crossed crowded during the last rebuild
}

// NewHash creates a grid covering a width×height map.
func NewHash(width, height, cellSize float64, crowded int) *Hash {
	if cellSize <= 0 {
		cellSize = 64
	}
	cols := int(width/cellSize) + 1
	rows := int(height/cellSize) + 1

	cells := make([][]Entry, cols*rows)
	for i := range cells {
		cells[i] = make([]Entry, 0, 8)
	}

	return &Hash{
		cellSize: cellSize,
		cols:     cols,
		rows:     rows,
		width:    width,
		height:   height,
		cells:    cells,
		crowded:  crowded,
	}
}

// CellSize returns the grid cell edge length in world units.
func (h *Hash) CellSize() float64 { return h.cellSize }

// Dims returns the grid size in cells.
func (h *Hash) Dims() (cols, rows int) { return h.cols, h.rows }

// Len returns the number of indexed entries.
func (h *Hash) Len() int { return h.count }

// CrowdedCells returns how many cells exceeded the crowding threshold during
// the last rebuild.
func (h *Hash) CrowdedCells() int { return h.hot }

// Clear empties every bucket, keeping capacity.
func (h *Hash) Clear() {
	for i := range h.cells {
		h.cells[i] = h.cells[i][:0]
	}
	h.count = 0
	h.hot = 0
}

// Insert adds one entry. Positions outside the map land in the nearest edge cell.
func (h *Hash) Insert(id uint64, pos Vec2) {
	c := h.CellOf(pos)
	idx := c.Y*h.cols + c.X
	h.cells[idx] = append(h.cells[idx], Entry{ID: id, Pos: pos})
	h.count++

	if h.crowded > 0 && len(h.cells[idx]) == h.crowded {
		h.hot++
		slog.Warn("spatial cell crowded", "cell_x", c.X, "cell_y", c.Y, "entries", h.crowded)
	}
}

// Rebuild clears the grid and reinserts every entry.
func (h *Hash) Rebuild(entries []Entry) {
	h.Clear()
	for _, e := range entries {
		h.Insert(e.ID, e.Pos)
	}
}

// CellOf returns the grid coordinate for a position, clamped to the grid.
func (h *Hash) CellOf(pos Vec2) Cell {
	return Cell{X: clampInt(floorDiv(pos.X, h.cellSize), 0, h.cols-1), Y: clampInt(floorDiv(pos.Y, h.cellSize), 0, h.rows-1)}
}

// QueryCell returns the IDs stored in one cell. Coordinates outside the grid
// return nil.
func (h *Hash) QueryCell(c Cell) []uint64 {
	if c.X < 0 || c.Y < 0 || c.X >= h.cols || c.Y >= h.rows {
		return nil
	}
	bucket := h.cells[c.Y*h.cols+c.X]
	if len(bucket) == 0 {
		return nil
	}
	ids := make([]uint64, len(bucket))
	for i, e := range bucket {
		ids[i] = e.ID
	}
	return ids
}

// QueryRadius returns the IDs of all entries within distance r of p.
func (h *Hash) QueryRadius(p Vec2, r float64) []uint64 {
	return h.QueryRadiusInto(nil, p, r)
}

// QueryRadiusInto appends the IDs of all entries within distance r of p to dst.
// Reuse dst across calls to avoid allocations.
func (h *Hash) QueryRadiusInto(dst []uint64, p Vec2, r float64) []uint64 {
	h.visit(p, r, func(e Entry) bool {
		dst = append(dst, e.ID)
		return true
	})
	return dst
}

// CountWithin counts entries within distance r of p, skipping exclude.
func (h *Hash) CountWithin(p Vec2, r float64, exclude uint64) int {
	n := 0
	h.visit(p, r, func(e Entry) bool {
		if e.ID != exclude {
			n++
		}
		return true
	})
	return n
}

// visit calls fn for every entry within r of p until fn returns false.
func (h *Hash) visit(p Vec2, r float64, fn func(Entry) bool) {
	if r < 0 || h.count == 0 || math.IsNaN(r) {
		return
	}
	lo := h.CellOf(Vec2{p.X - r, p.Y - r})
	hi := h.CellOf(Vec2{p.X + r, p.Y + r})
	r2 := r * r

	for row := lo.Y; row <= hi.Y; row++ {
		base := row * h.cols
		for col := lo.X; col <= hi.X; col++ {
			for _, e := range h.cells[base+col] {
				if e.Pos.Dist2(p) <= r2 {
					if !fn(e) {
						return
					}
				}
			}
		}
	}
}

// floorDiv divides and floors, so negative coordinates map below cell zero.
func floorDiv(v, size float64) int {
	f := math.Floor(v / size)
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	if f < math.MinInt32 {
		return math.MinInt32
	}
	return int(f)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
