// City generation using layered simplex noise. A density field decides where
// people live, an affluence field decides who they are, and business
// districts form at the densest scored cells.
package citygen

import (
	"math"
	"math/rand"
	"sort"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/talgya/metropolis/internal/agents"
	"github.com/talgya/metropolis/internal/spatial"
)

// GenConfig holds city generation parameters.
type GenConfig struct {
	Width, Height float64
	Seed          int64   // 0 = random
	Places        int     // Homes to place; workplaces are a third of that
	NoiseScale    float64 // Field frequency in world units
	CellSize      float64 // Scoring grid for business districts
	Districts     int     // Business districts to place
}

// DefaultGenConfig returns a small city suited to tests and quick runs.
func DefaultGenConfig() GenConfig {
	return GenConfig{
		Width:      4096,
		Height:     4096,
		Seed:       42,
		Places:     600,
		NoiseScale: 0.0008,
		CellSize:   512,
		Districts:  4,
	}
}

// City is a generated layout: the buildings agents are assigned to plus the
// fields they were derived from.
type City struct {
	Seed      int64
	Homes     []agents.Place
	Works     []agents.Place
	Districts []spatial.Vec2 // Business district centers, densest first

	cfg       GenConfig
	density   opensimplex.Noise
	affluence opensimplex.Noise
}

// Generate lays out a city.
func Generate(cfg GenConfig) *City {
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Int63()
	}
	if cfg.NoiseScale <= 0 {
		cfg.NoiseScale = DefaultGenConfig().NoiseScale
	}
	if cfg.CellSize <= 0 {
		cfg.CellSize = DefaultGenConfig().CellSize
	}
	if cfg.Districts <= 0 {
		cfg.Districts = 1
	}

	c := &City{
		Seed:      seed,
		cfg:       cfg,
		density:   opensimplex.NewNormalized(seed),
		affluence: opensimplex.NewNormalized(seed + 1),
	}
	rng := rand.New(rand.NewSource(seed + 100))

	c.Districts = c.placeDistricts()
	c.Homes = c.placeHomes(rng, cfg.Places)
	c.Works = c.placeWorks(rng, max(cfg.Places/3, 1), uint64(len(c.Homes)))
	return c
}

// Density returns the residential density at p, in [0, 1]. The field falls
// off toward the map edge so the city has outskirts.
func (c *City) Density(p spatial.Vec2) float64 {
	d := octaveNoise(c.density, p.X, p.Y, 4, c.cfg.NoiseScale, 0.5)
	cx, cy := c.cfg.Width/2, c.cfg.Height/2
	r := math.Hypot((p.X-cx)/cx, (p.Y-cy)/cy) / math.Sqrt2
	falloff := 1 - math.Pow(r, 2.5)
	return clamp01(d * falloff * 1.4)
}

// Affluence returns how wealthy the neighbourhood at p is, in [0, 1].
func (c *City) Affluence(p spatial.Vec2) float64 {
	return octaveNoise(c.affluence, p.X, p.Y, 3, c.cfg.NoiseScale*0.6, 0.5)
}

// placeDistricts scores every grid cell by density and keeps the best ones
// that are not too close to an already chosen district.
func (c *City) placeDistricts() []spatial.Vec2 {
	type scored struct {
		center spatial.Vec2
		score  float64
	}
	var candidates []scored
	size := c.cfg.CellSize
	for y := size / 2; y < c.cfg.Height; y += size {
		for x := size / 2; x < c.cfg.Width; x += size {
			p := spatial.Vec2{X: x, Y: y}
			if s := c.Density(p); s > 0 {
				candidates = append(candidates, scored{p, s})
			}
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	minDist := size * 2
	var out []spatial.Vec2
	for _, cand := range candidates {
		if len(out) >= c.cfg.Districts {
			break
		}
		if tooClose(cand.center, out, minDist) {
			continue
		}
		out = append(out, cand.center)
	}
	if len(out) == 0 {
		out = append(out, spatial.Vec2{X: c.cfg.Width / 2, Y: c.cfg.Height / 2})
	}
	return out
}

// placeHomes rejection-samples points against the density field.
func (c *City) placeHomes(rng *rand.Rand, n int) []agents.Place {
	homes := make([]agents.Place, 0, n)
	for tries := 0; len(homes) < n && tries < n*200; tries++ {
		p := spatial.Vec2{X: rng.Float64() * c.cfg.Width, Y: rng.Float64() * c.cfg.Height}
		if rng.Float64() > c.Density(p) {
			continue
		}
		homes = append(homes, agents.Place{ID: uint64(len(homes) + 1), Pos: p})
	}
	// A degenerate field still yields a populated city.
	for len(homes) < n {
		p := spatial.Vec2{X: rng.Float64() * c.cfg.Width, Y: rng.Float64() * c.cfg.Height}
		homes = append(homes, agents.Place{ID: uint64(len(homes) + 1), Pos: p})
	}
	return homes
}

// placeWorks clusters workplaces around the business districts.
func (c *City) placeWorks(rng *rand.Rand, n int, firstID uint64) []agents.Place {
	works := make([]agents.Place, 0, n)
	spread := c.cfg.CellSize * 0.75
	for i := 0; i < n; i++ {
		center := c.Districts[i%len(c.Districts)]
		p := spatial.Vec2{
			X: center.X + rng.NormFloat64()*spread,
			Y: center.Y + rng.NormFloat64()*spread,
		}.Clamp(c.cfg.Width, c.cfg.Height)
		works = append(works, agents.Place{ID: firstID + uint64(i) + 1, Pos: p})
	}
	return works
}

// Demographics draws an income class and education level for someone living
// at p. Richer neighbourhoods skew toward higher income and more schooling.
func (c *City) Demographics(rng *rand.Rand, p spatial.Vec2) (agents.IncomeClass, agents.EducationLevel) {
	a := c.Affluence(p)
	u := clamp01(a + (rng.Float64()-0.5)*0.6)
	income := agents.IncomeLow
	switch {
	case u > 0.68:
		income = agents.IncomeHigh
	case u > 0.38:
		income = agents.IncomeMiddle
	}
	e := clamp01(a*0.7 + rng.Float64()*0.5)
	edu := agents.EducationBasic
	switch {
	case e > 0.75:
		edu = agents.EducationTertiary
	case e > 0.4:
		edu = agents.EducationSecondary
	}
	return income, edu
}

func tooClose(p spatial.Vec2, taken []spatial.Vec2, d float64) bool {
	for _, q := range taken {
		if p.Dist2(q) < d*d {
			return true
		}
	}
	return false
}

// octaveNoise generates fractal noise by layering multiple frequencies.
func octaveNoise(noise opensimplex.Noise, x, y float64, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0
	for i := 0; i < octaves; i++ {
		total += noise.Eval2(x*frequency, y*frequency) * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}
	return total / maxVal
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
