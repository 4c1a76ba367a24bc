package spatial

import (
	"math/rand"
	"sort"
	"testing"
)

func TestQueryCellScenario(t *testing.T) {
	h := NewHash(1024, 1024, 64, 0)
	h.Insert(7, Vec2{100, 100})

	ids := h.QueryCell(Cell{1, 1})
	if len(ids) != 1 || ids[0] != 7 {
		t.Fatalf("QueryCell(1,1) = %v, want [7]", ids)
	}

	cols, rows := h.Dims()
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			if x == 1 && y == 1 {
				continue
			}
			if got := h.QueryCell(Cell{x, y}); len(got) != 0 {
				t.Fatalf("agent also found in cell (%d,%d)", x, y)
			}
		}
	}
}

func TestOutOfBoundsClamps(t *testing.T) {
	h := NewHash(256, 256, 64, 0)
	h.Insert(1, Vec2{-500, -20})
	h.Insert(2, Vec2{9000, 100})

	if got := h.CellOf(Vec2{-500, -20}); got != (Cell{0, 0}) {
		t.Errorf("CellOf negative = %v, want (0,0)", got)
	}
	cols, _ := h.Dims()
	if got := h.CellOf(Vec2{9000, 100}); got.X != cols-1 || got.Y != 1 {
		t.Errorf("CellOf far = %v, want (%d,1)", got, cols-1)
	}

	// Exact distance still applies to clamped entries.
	if got := h.QueryRadius(Vec2{0, 0}, 10); len(got) != 0 {
		t.Errorf("QueryRadius near origin = %v, want none", got)
	}
	if got := h.QueryRadius(Vec2{-500, -20}, 1); len(got) != 1 || got[0] != 1 {
		t.Errorf("QueryRadius at outlier = %v, want [1]", got)
	}
}

func TestEmptyHash(t *testing.T) {
	h := NewHash(512, 512, 64, 0)
	if got := h.QueryRadius(Vec2{10, 10}, 1000); len(got) != 0 {
		t.Errorf("empty hash returned %v", got)
	}
	if got := h.QueryCell(Cell{0, 0}); got != nil {
		t.Errorf("empty cell returned %v", got)
	}
	if got := h.QueryCell(Cell{-1, 40}); got != nil {
		t.Errorf("invalid cell returned %v", got)
	}
}

func TestQueryRadiusMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(11))

	for trial := 0; trial < 50; trial++ {
		w := 200 + rng.Float64()*2000
		hgt := 200 + rng.Float64()*2000
		h := NewHash(w, hgt, 16+rng.Float64()*100, 0)

		n := rng.Intn(2000)
		entries := make([]Entry, n)
		for i := range entries {
			// Some entries deliberately fall outside the map.
			entries[i] = Entry{
				ID:  uint64(i + 1),
				Pos: Vec2{rng.Float64()*(w+200) - 100, rng.Float64()*(hgt+200) - 100},
			}
		}
		h.Rebuild(entries)

		for q := 0; q < 20; q++ {
			p := Vec2{rng.Float64()*(w+400) - 200, rng.Float64()*(hgt+400) - 200}
			r := rng.Float64() * 300

			got := h.QueryRadius(p, r)
			var want []uint64
			for _, e := range entries {
				if e.Pos.Dist2(p) <= r*r {
					want = append(want, e.ID)
				}
			}

			sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
			if len(got) != len(want) {
				t.Fatalf("trial %d: got %d results, brute force %d", trial, len(got), len(want))
			}
			for i := range got {
				if got[i] != want[i] {
					t.Fatalf("trial %d: result %d = %d, want %d", trial, i, got[i], want[i])
				}
			}
		}
	}
}

func TestRebuildReplacesContents(t *testing.T) {
	h := NewHash(512, 512, 64, 0)
	h.Rebuild([]Entry{{ID: 1, Pos: Vec2{10, 10}}, {ID: 2, Pos: Vec2{20, 20}}})
	h.Rebuild([]Entry{{ID: 3, Pos: Vec2{400, 400}}})

	if h.Len() != 1 {
		t.Fatalf("Len = %d, want 1", h.Len())
	}
	if got := h.QueryRadius(Vec2{10, 10}, 30); len(got) != 0 {
		t.Errorf("stale entries survived rebuild: %v", got)
	}
}

func TestCrowdedCellGrows(t *testing.T) {
	h := NewHash(128, 128, 64, 4)
	for i := 0; i < 100; i++ {
		h.Insert(uint64(i), Vec2{5, 5})
	}
	if got := len(h.QueryCell(Cell{0, 0})); got != 100 {
		t.Fatalf("crowded cell holds %d, want 100", got)
	}
	if h.CrowdedCells() != 1 {
		t.Errorf("CrowdedCells = %d, want 1", h.CrowdedCells())
	}
	if got := h.CountWithin(Vec2{5, 5}, 1, 0); got != 99 {
		t.Errorf("CountWithin = %d, want 99", got)
	}
}
