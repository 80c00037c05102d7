/*Package malus fits polarizer transmission curves to Malus's law,

	P(θ) = A·cos²(θ − φ) + C

and inverts the fitted model to find the rotator angle that produces a
requested power.

Angles are degrees.  Because cos² has a period of 180°, the phase φ is always
reported modulo 180°; two fits of the same hardware may legitimately differ
by a half turn and still describe the same curve.
*/
package malus

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"github.com/polarlab/rashgctl/util"
)

var (
	// ErrInsufficientData is generated when fewer than 4 distinct angles are
	// supplied.  A three-parameter cos² fit is under-determined below that.
	ErrInsufficientData = errors.New("fewer than 4 distinct angles, cos² fit is under-determined")

	// ErrNoSolution is generated by inverse lookups for powers outside the
	// range the fitted curve can reach.
	ErrNoSolution = errors.New("requested power is outside the range of the fitted curve")
)

// DivergenceError is generated when the optimizer fails to converge.
type DivergenceError struct {
	// Iterations is the number of major iterations consumed
	Iterations int

	// Err is the underlying optimizer error, may be nil when the iteration
	// cap was the limiting factor
	Err error
}

func (e *DivergenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fit diverged after %d iterations: %v", e.Iterations, e.Err)
	}
	return fmt.Sprintf("fit did not converge within %d iterations", e.Iterations)
}

func (e *DivergenceError) Unwrap() error { return e.Err }

// Point is one measured (angle, power) pair at a fixed wavelength.
type Point struct {
	// Angle is the rotator angle in degrees
	Angle float64 `yaml:"angle"`

	// Power is the measured optical power
	Power float64 `yaml:"power"`

	// Variance is the sample variance of the power reading
	Variance float64 `yaml:"variance,omitempty"`
}

// Guess is the initial parameter estimate for a fit.  The zero value causes
// Fit to estimate starting parameters from the data.
type Guess struct {
	A, Phi, C float64
}

// Options tune the fit.
type Options struct {
	// MaxIterations caps the optimizer; <= 0 uses the default of 2000
	MaxIterations int

	// MaxRMS is the residual RMS above which the fit is marked invalid;
	// <= 0 disables the check
	MaxRMS float64
}

// Fit is a fitted Malus curve.
type Fit struct {
	// A is the amplitude, always >= 0
	A float64 `yaml:"a"`

	// Phi is the phase offset in degrees, always in [0, 180)
	Phi float64 `yaml:"phi"`

	// C is the baseline
	C float64 `yaml:"c"`

	// R2 is the coefficient of determination of the fit
	R2 float64 `yaml:"r2"`

	// RMS is the root-mean-square residual of the fit
	RMS float64 `yaml:"rms"`

	// Valid is false when the residual RMS exceeded the configured threshold
	Valid bool `yaml:"valid"`
}

// Power evaluates the fitted curve at an angle in degrees.
func (f Fit) Power(deg float64) float64 {
	return f.A*cos2deg(deg-f.Phi) + f.C
}

// Angles returns every angle in [0, 360) at which the fitted curve crosses
// the target power, sorted ascending.  ErrNoSolution is returned when the
// target is unreachable.
func (f Fit) Angles(power float64) ([]float64, error) {
	if f.A <= 0 {
		return nil, ErrNoSolution
	}
	u := (power - f.C) / f.A
	if u < 0 || u > 1 {
		return nil, ErrNoSolution
	}
	// cos²(x) = u  =>  x = ±acos(√u), then the 180° period
	base := math.Acos(math.Sqrt(u)) * 180 / math.Pi
	set := map[float64]struct{}{}
	for _, x := range []float64{base, -base} {
		for k := 0.; k < 2; k++ {
			set[round6(util.NormalizeDeg(f.Phi+x+180*k))] = struct{}{}
		}
	}
	out := make([]float64, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Float64s(out)
	return out, nil
}

// AngleNear returns the solution of Angles closest to ref.  When two
// solutions are equidistant from ref, the lower angle wins.
func (f Fit) AngleNear(power, ref float64) (float64, error) {
	sols, err := f.Angles(power)
	if err != nil {
		return 0, err
	}
	best := sols[0]
	bestD := util.AngularDistance(sols[0], ref)
	for _, s := range sols[1:] {
		d := util.AngularDistance(s, ref)
		// strict inequality keeps the lower angle on ties, sols is sorted
		if d < bestD {
			best, bestD = s, d
		}
	}
	return best, nil
}

// Do performs the fit.  Angles are normalized to [0, 360) first.  Fewer than
// 4 distinct angles yields ErrInsufficientData; optimizer failure yields a
// *DivergenceError.
func Do(points []Point, guess Guess, opts Options) (Fit, error) {
	if len(distinctAngles(points)) < 4 {
		return Fit{}, ErrInsufficientData
	}
	pts := make([]Point, len(points))
	for i, p := range points {
		pts[i] = Point{Angle: util.NormalizeDeg(p.Angle), Power: p.Power, Variance: p.Variance}
	}
	if guess == (Guess{}) {
		guess = estimate(pts)
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = 2000
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			var sse float64
			for _, p := range pts {
				r := p.Power - (x[0]*cos2deg(p.Angle-x[1]) + x[2])
				sse += r * r
			}
			return sse
		},
	}
	settings := &optimize.Settings{MajorIterations: maxIter}
	res, err := optimize.Minimize(problem, []float64{guess.A, guess.Phi, guess.C}, settings, &optimize.NelderMead{})
	if err != nil {
		iters := 0
		if res != nil {
			iters = res.Stats.MajorIterations
		}
		return Fit{}, &DivergenceError{Iterations: iters, Err: err}
	}
	if res.Status == optimize.IterationLimit || math.IsNaN(res.F) || math.IsInf(res.F, 0) {
		return Fit{}, &DivergenceError{Iterations: res.Stats.MajorIterations}
	}

	a, phi, c := canonicalize(res.X[0], res.X[1], res.X[2])
	fit := Fit{A: a, Phi: phi, C: c, Valid: true}
	fit.RMS = math.Sqrt(res.F / float64(len(pts)))
	fit.R2 = rSquared(pts, fit)
	if opts.MaxRMS > 0 && fit.RMS > opts.MaxRMS {
		fit.Valid = false
	}
	return fit, nil
}

// canonicalize maps an arbitrary (A, φ, C) onto the equivalent curve with
// A >= 0 and φ in [0, 180).  A negative amplitude is the same curve shifted
// a quarter turn with the baseline dropped by |A|:
//
//	A·cos²(θ−φ) + C  ==  |A|·cos²(θ−φ−90°) + (C − |A|),  A < 0
func canonicalize(a, phi, c float64) (float64, float64, float64) {
	if a < 0 {
		c += a
		a = -a
		phi += 90
	}
	phi = math.Mod(util.NormalizeDeg(phi), 180)
	return a, phi, c
}

func estimate(pts []Point) Guess {
	lo, hi := pts[0].Power, pts[0].Power
	argmax := pts[0].Angle
	for _, p := range pts[1:] {
		if p.Power < lo {
			lo = p.Power
		}
		if p.Power > hi {
			hi = p.Power
			argmax = p.Angle
		}
	}
	return Guess{A: hi - lo, Phi: argmax, C: lo}
}

func rSquared(pts []Point, f Fit) float64 {
	powers := make([]float64, len(pts))
	for i, p := range pts {
		powers[i] = p.Power
	}
	mean := stat.Mean(powers, nil)
	var ssTot, ssRes float64
	for _, p := range pts {
		dm := p.Power - mean
		dr := p.Power - f.Power(p.Angle)
		ssTot += dm * dm
		ssRes += dr * dr
	}
	if ssTot == 0 {
		return 0
	}
	return 1 - ssRes/ssTot
}

func distinctAngles(pts []Point) map[float64]struct{} {
	set := make(map[float64]struct{}, len(pts))
	for _, p := range pts {
		set[util.NormalizeDeg(p.Angle)] = struct{}{}
	}
	return set
}

func cos2deg(deg float64) float64 {
	c := math.Cos(deg * math.Pi / 180)
	return c * c
}

// round6 trims float noise so duplicate inverse solutions collapse.
func round6(x float64) float64 {
	return math.Round(x*1e6) / 1e6
}
