package reactor

import (
	"slices"
	"time"
)

// quantile estimates one quantile of a stream of durations, in constant
// space, using the P² algorithm (Jain and Chlamtac, 1985). Five markers track
// the minimum, p/2, p, (1+p)/2 and the maximum.
//
// Thread Safety: NOT thread-safe.
type quantile struct {
	heights  [5]float64
	pos      [5]int
	desired  [5]float64
	incr     [5]float64
	p        float64
	observed int
}

func newQuantile(p float64) *quantile {
	p = min(max(p, 0), 1)
	return &quantile{
		p:    p,
		incr: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

func (x *quantile) observe(d time.Duration) {
	v := float64(d)
	x.observed++
	if x.observed <= 5 {
		x.heights[x.observed-1] = v
		if x.observed == 5 {
			slices.Sort(x.heights[:])
			x.pos = [5]int{0, 1, 2, 3, 4}
			x.desired = [5]float64{0, 2 * x.p, 4 * x.p, 2 + 2*x.p, 4}
		}
		return
	}

	var cell int
	switch {
	case v < x.heights[0]:
		x.heights[0] = v
	case v >= x.heights[4]:
		x.heights[4] = v
		cell = 3
	default:
		for cell = 0; cell < 3 && v >= x.heights[cell+1]; cell++ {
		}
	}

	for i := cell + 1; i < 5; i++ {
		x.pos[i]++
	}
	for i := range x.desired {
		x.desired[i] += x.incr[i]
	}

	for i := 1; i < 4; i++ {
		d := x.desired[i] - float64(x.pos[i])
		if !((d >= 1 && x.pos[i+1]-x.pos[i] > 1) || (d <= -1 && x.pos[i-1]-x.pos[i] < -1)) {
			continue
		}
		step := 1
		if d < 0 {
			step = -1
		}
		if h := x.parabolic(i, step); x.heights[i-1] < h && h < x.heights[i+1] {
			x.heights[i] = h
		} else {
			x.heights[i] += float64(step) * (x.heights[i+step] - x.heights[i]) / float64(x.pos[i+step]-x.pos[i])
		}
		x.pos[i] += step
	}
}

func (x *quantile) parabolic(i, step int) float64 {
	s := float64(step)
	n, prev, next := float64(x.pos[i]), float64(x.pos[i-1]), float64(x.pos[i+1])
	return x.heights[i] + s/(next-prev)*
		((n-prev+s)*(x.heights[i+1]-x.heights[i])/(next-n)+
			(next-n-s)*(x.heights[i]-x.heights[i-1])/(n-prev))
}

// value returns the current estimate. Until five observations were made, it
// is the nearest rank of those seen.
func (x *quantile) value() time.Duration {
	switch {
	case x.observed == 0:
		return 0
	case x.observed < 5:
		seen := slices.Clone(x.heights[:x.observed])
		slices.Sort(seen)
		return time.Duration(seen[int(float64(len(seen)-1)*x.p)])
	default:
		return time.Duration(x.heights[2])
	}
}
