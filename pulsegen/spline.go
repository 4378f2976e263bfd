package pulsegen

import "errors"

var ErrUnsortedPoints = errors.New("pulsegen: control point times must be strictly increasing")

// Grid returns n+1 evenly spaced samples covering [a, b] inclusive.
func Grid(a, b float64, n int) []float64 {
	if n < 1 {
		return []float64{a}
	}
	out := make([]float64, n+1)
	step := (b - a) / float64(n)
	for i := 0; i <= n; i++ {
		out[i] = a + float64(i)*step
	}
	out[n] = b
	return out
}

// PchipInterpolate evaluates a shape-preserving piecewise-cubic Hermite
// spline through (xs, ys) at the query points. Slopes use the harmonic
// mean of adjacent secants and are zeroed at local extrema, so the curve
// never overshoots its control points. xs must be strictly increasing.
func PchipInterpolate(xs, ys, qs []float64) ([]float64, error) {
	m, err := pchipSlopes(xs, ys)
	if err != nil {
		return nil, err
	}
	return hermiteEval(xs, ys, m, qs), nil
}

// CubicInterpolate evaluates a natural cubic spline through (xs, ys) at
// the query points. Smoother than PchipInterpolate but may overshoot
// between control points.
func CubicInterpolate(xs, ys, qs []float64) ([]float64, error) {
	m, err := naturalSlopes(xs, ys)
	if err != nil {
		return nil, err
	}
	return hermiteEval(xs, ys, m, qs), nil
}

func checkPoints(xs, ys []float64) error {
	if len(xs) != len(ys) {
		return ErrPointMismatch
	}
	if len(xs) < 2 {
		return ErrTooFewPoints
	}
	for i := 1; i < len(xs); i++ {
		if xs[i] <= xs[i-1] {
			return ErrUnsortedPoints
		}
	}
	return nil
}

func pchipSlopes(xs, ys []float64) ([]float64, error) {
	if err := checkPoints(xs, ys); err != nil {
		return nil, err
	}
	n := len(xs)
	h := make([]float64, n-1)
	delta := make([]float64, n-1)
	for i := 0; i < n-1; i++ {
		h[i] = xs[i+1] - xs[i]
		delta[i] = (ys[i+1] - ys[i]) / h[i]
	}
	m := make([]float64, n)
	for i := 1; i < n-1; i++ {
		if delta[i-1]*delta[i] <= 0 {
			m[i] = 0
			continue
		}
		// Harmonic mean of the adjacent secant slopes.
		m[i] = 2 / (1/delta[i-1] + 1/delta[i])
	}
	m[0] = delta[0]
	m[n-1] = delta[n-2]
	return m, nil
}

func naturalSlopes(xs, ys []float64) ([]float64, error) {
	if err := checkPoints(xs, ys); err != nil {
		return nil, err
	}
	n := len(xs)
	if n == 2 {
		d := (ys[1] - ys[0]) / (xs[1] - xs[0])
		return []float64{d, d}, nil
	}
	// Solve the tridiagonal system for C1-continuous slopes with natural
	// (zero second derivative) boundary conditions.
	a := make([]float64, n)
	b := make([]float64, n)
	c := make([]float64, n)
	r := make([]float64, n)
	h := make([]float64, n-1)
	for i := 0; i < n-1; i++ {
		h[i] = xs[i+1] - xs[i]
	}
	b[0] = 2 * h[0]
	c[0] = h[0]
	r[0] = 3 * (ys[1] - ys[0])
	for i := 1; i < n-1; i++ {
		a[i] = h[i]
		b[i] = 2 * (h[i-1] + h[i])
		c[i] = h[i-1]
		r[i] = 3 * ((ys[i]-ys[i-1])/h[i-1]*h[i] + (ys[i+1]-ys[i])/h[i]*h[i-1])
	}
	a[n-1] = h[n-2]
	b[n-1] = 2 * h[n-2]
	r[n-1] = 3 * (ys[n-1] - ys[n-2])
	// Thomas algorithm.
	for i := 1; i < n; i++ {
		w := a[i] / b[i-1]
		b[i] -= w * c[i-1]
		r[i] -= w * r[i-1]
	}
	m := make([]float64, n)
	m[n-1] = r[n-1] / b[n-1]
	for i := n - 2; i >= 0; i-- {
		m[i] = (r[i] - c[i]*m[i+1]) / b[i]
	}
	return m, nil
}

// hermiteEval evaluates the cubic Hermite interpolant defined by points
// (xs, ys) and slopes m at the query points. Queries outside [xs[0],
// xs[n-1]] are clamped to the boundary intervals.
func hermiteEval(xs, ys, m, qs []float64) []float64 {
	n := len(xs)
	out := make([]float64, len(qs))
	seg := 0
	for i, q := range qs {
		for seg < n-2 && q >= xs[seg+1] {
			seg++
		}
		for seg > 0 && q < xs[seg] {
			seg--
		}
		h := xs[seg+1] - xs[seg]
		t := (q - xs[seg]) / h
		t2 := t * t
		t3 := t2 * t
		h00 := 2*t3 - 3*t2 + 1
		h10 := t3 - 2*t2 + t
		h01 := -2*t3 + 3*t2
		h11 := t3 - t2
		out[i] = h00*ys[seg] + h10*h*m[seg] + h01*ys[seg+1] + h11*h*m[seg+1]
	}
	return out
}
