package locate

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"voxelrtp.ai/internal/sim/terrain"
)

// Sampler draws points uniformly by area from an annulus. Safe for
// concurrent use.
type Sampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewSampler(seed int64) *Sampler {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Sampler{rng: rand.New(rand.NewSource(seed))}
}

// Point returns a point at distance r from (cx, cz) with r^2 uniform over
// [minR^2, maxR^2].
func (s *Sampler) Point(cx, cz, minR, maxR float64) (x, z, r float64) {
	s.mu.Lock()
	angle := s.rng.Float64() * 2 * math.Pi
	u := s.rng.Float64()
	s.mu.Unlock()

	r = math.Sqrt(u*(maxR*maxR-minR*minR) + minR*minR)
	return cx + r*math.Cos(angle), cz + r*math.Sin(angle), r
}

// Float64 exposes the shared source for small jitter decisions.
func (s *Sampler) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// annulus resolves the effective radius bounds of a query. The border caps
// the outer radius; an inner radius at or past the outer one collapses to 0.
func annulus(p Profile, border terrain.Border, q Query) (float64, float64) {
	minR := float64(p.MinRadius)
	maxR := float64(p.MaxRadius)
	if q.MinRadius != nil {
		minR = float64(*q.MinRadius)
	}
	if q.MaxRadius != nil {
		maxR = float64(*q.MaxRadius)
	}
	if minR < 0 {
		minR = 0
	}
	if maxR <= 0 {
		maxR = border.Radius
	}
	if minR > maxR {
		minR, maxR = maxR, minR
	}
	if border.Radius > 0 && maxR > border.Radius {
		maxR = border.Radius
	}
	if minR >= maxR {
		minR = 0
	}
	return minR, maxR
}

func clampToBorder(x, z float64, b terrain.Border) (float64, float64) {
	if b.Radius <= 0 {
		return x, z
	}
	clamp := func(v, c float64) float64 {
		lo, hi := c-b.Radius, c+b.Radius
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}
	return clamp(x, b.CenterX), clamp(z, b.CenterZ)
}
