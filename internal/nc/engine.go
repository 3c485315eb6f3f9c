// Package nc implements the network-coordinate embedding engine: a
// process-wide 2*d-dimensional in/out coordinate pair updated by a
// gradient-descent solver seeded from (remote coordinate, measured latency,
// freshness weight) triples.
package nc

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/optimize"
)

// Dimensions is the in-core default coordinate dimension d.
const Dimensions = 5

// Lambda is the L2 regularization weight in the cost function.
const Lambda = 2.0

// PushCoalesce is the recommended minimum interval between
// NotifyNetworkCoordinates pushes to the same peer.
const PushCoalesce = 500 * time.Millisecond

// ErrNoPeers is returned by Update when no peer carries both LatencyMetrics
// and Coordinates; this is not a failure, just "no update this cycle."
var ErrNoPeers = errors.New("nc: no eligible peers for this cycle")

// ErrDegenerateWeights is returned when every peer's elapsed-since-update is
// identical, making the weight denominator zero.
var ErrDegenerateWeights = errors.New("nc: weight denominator is zero")

// ErrNonFinite marks an InvariantViolation: the gradient contained NaN or
// Inf. The caller must abandon the step and leave the parameter unchanged.
var ErrNonFinite = errors.New("nc: non-finite gradient")

// Sample is one peer's contribution to an update cycle: its self-reported
// in/out coordinates, the measured latency to it in milliseconds, and how
// long ago that measurement was taken (used to compute the freshness weight).
type Sample struct {
	RemoteIn     []float64
	RemoteOut    []float64
	LatencyMS    float64
	SinceUpdate  time.Duration
}

// Coordinates is a process-wide (in, out) vector pair.
type Coordinates struct {
	In  []float64
	Out []float64
}

// Engine owns OwnCoordinates and the reusable solver state: the iteration
// counter and the last best parameter, both preserved across cycles.
type Engine struct {
	dim       int
	best      Coordinates
	iteration uint64
	epoch     uint64
	lastCost  float64
	rng       func() float64
}

// NewEngine returns an Engine seeded with small pseudo-random coordinates
// (per the reference implementation, which avoids starting every node at a
// degenerate all-zero embedding).
func NewEngine(dim int, seed func() float64) *Engine {
	e := &Engine{dim: dim, rng: seed}
	e.best = Coordinates{In: make([]float64, dim), Out: make([]float64, dim)}
	for i := 0; i < dim; i++ {
		e.best.In[i] = seed() * 0.01
		e.best.Out[i] = seed() * 0.01
	}
	return e
}

// Own returns a copy of the current best coordinates.
func (e *Engine) Own() Coordinates {
	return Coordinates{In: append([]float64(nil), e.best.In...), Out: append([]float64(nil), e.best.Out...)}
}

// Iteration returns the solver's monotonic iteration counter.
func (e *Engine) Iteration() uint64 { return e.iteration }

// Epoch returns a monotonically increasing counter bumped once per
// completed Update call, independent of whether that update changed the
// coordinates; useful only for correlating logs with a given push.
func (e *Engine) Epoch() uint64 { return e.epoch }

// LastCost returns the cost function value at the most recently accepted
// (improved) update, for metrics exposition.
func (e *Engine) LastCost() float64 { return e.lastCost }

// weights computes the freshness weight w_j = (a_max - a_j) / sum_k(a_max - a_k).
func weights(samples []Sample) ([]float64, error) {
	aMax := samples[0].SinceUpdate
	for _, s := range samples {
		if s.SinceUpdate > aMax {
			aMax = s.SinceUpdate
		}
	}

	denom := 0.0
	diffs := make([]float64, len(samples))
	for i, s := range samples {
		diffs[i] = float64(aMax - s.SinceUpdate)
		denom += diffs[i]
	}
	if denom == 0 {
		return nil, ErrDegenerateWeights
	}

	w := make([]float64, len(samples))
	for i, d := range diffs {
		w[i] = d / denom
	}
	return w, nil
}

// cost and gradient operate on a flattened parameter vector
// x = [out(0..d), in(0..d)].
func (e *Engine) costFunc(samples []Sample, weights []float64) func(x []float64) float64 {
	d := e.dim
	return func(x []float64) float64 {
		out := x[:d]
		in := x[d:]

		c := 0.0
		for j, s := range samples {
			predOut := dot(out, s.RemoteIn)
			predIn := dot(in, s.RemoteOut)
			dOut := predOut - s.LatencyMS
			dIn := predIn - s.LatencyMS
			c += weights[j] * (dOut*dOut + dIn*dIn)
		}
		c += Lambda * (sqNorm(in) + sqNorm(out))
		return c
	}
}

func (e *Engine) gradFunc(samples []Sample, weights []float64) func(grad, x []float64) {
	d := e.dim
	return func(grad, x []float64) {
		out := x[:d]
		in := x[d:]

		gOut := make([]float64, d)
		gIn := make([]float64, d)

		for j, s := range samples {
			predOut := dot(out, s.RemoteIn)
			predIn := dot(in, s.RemoteOut)
			errOut := predOut - s.LatencyMS
			errIn := predIn - s.LatencyMS

			for k := 0; k < d; k++ {
				gOut[k] += 2 * weights[j] * errOut * s.RemoteIn[k]
				gIn[k] += 2 * weights[j] * errIn * s.RemoteOut[k]
			}
		}
		for k := 0; k < d; k++ {
			gOut[k] += 2 * Lambda * out[k]
			gIn[k] += 2 * Lambda * in[k]
			grad[k] = gOut[k]
			grad[d+k] = gIn[k]
		}
	}
}

// Update runs one steepest-descent iteration with a More-Thuente line
// search, seeded from the previous best parameter. It returns the new
// coordinates and whether they improved on the prior best; ErrNoPeers and
// ErrDegenerateWeights are non-fatal "skip this cycle" results. A non-finite
// gradient returns ErrNonFinite and leaves the engine's parameter unchanged.
func (e *Engine) Update(samples []Sample) (Coordinates, bool, error) {
	if len(samples) == 0 {
		return e.Own(), false, ErrNoPeers
	}

	w, err := weights(samples)
	if err != nil {
		return e.Own(), false, err
	}

	x0 := make([]float64, 2*e.dim)
	copy(x0[:e.dim], e.best.Out)
	copy(x0[e.dim:], e.best.In)

	problem := optimize.Problem{
		Func: e.costFunc(samples, w),
		Grad: e.gradFunc(samples, w),
	}

	// Validate the gradient at the seed point before handing it to the
	// solver: a NaN/Inf latency sample would otherwise propagate silently.
	g0 := make([]float64, len(x0))
	problem.Grad(g0, x0)
	for _, v := range g0 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return e.Own(), false, ErrNonFinite
		}
	}

	prevCost := problem.Func(x0)

	result, err := optimize.Minimize(problem, x0, &optimize.Settings{
		MajorIterations: 1,
	}, &optimize.GradientDescent{Linesearcher: &optimize.MoreThuente{}})
	// A status of IterationLimit is the expected outcome of a deliberately
	// single-iteration run, not a failure. Only an error with no result at
	// all aborts the cycle's step; an error returned alongside a result still
	// lets that result through the finiteness check and the cost comparison
	// below, which reject it unless it lowers the cost.
	if err != nil && result == nil {
		return e.Own(), false, fmt.Errorf("nc: solver step: %w", err)
	}

	for _, v := range result.X {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return e.Own(), false, ErrNonFinite
		}
	}

	e.iteration++
	e.epoch++

	newCost := problem.Func(result.X)
	improved := newCost < prevCost
	if improved {
		e.best = Coordinates{
			Out: append([]float64(nil), result.X[:e.dim]...),
			In:  append([]float64(nil), result.X[e.dim:]...),
		}
		e.lastCost = newCost
	}

	return e.Own(), improved, nil
}

func dot(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	s := 0.0
	for i := 0; i < n; i++ {
		s += a[i] * b[i]
	}
	return s
}

func sqNorm(v []float64) float64 {
	return dot(v, v)
}

// PredictLatencyMS predicts the RTT, in milliseconds, from self to a peer
// given the peer's in-vector, via Out(self) . In(remote).
func PredictLatencyMS(selfOut, remoteIn []float64) float64 {
	return dot(selfOut, remoteIn)
}
