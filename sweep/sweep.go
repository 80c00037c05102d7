/*Package sweep orchestrates rotator calibration sweeps.

A sweep steps one rotation mount through a configured angle list while the
other mounts in the optical path hold their reference positions, records an
averaged power reading at each angle, fits the collected points to Malus's
law, and validates the fit against held-out angles that did not participate
in the fit.

The run progresses through an explicit state machine:

	IDLE → HOMING → SWEEPING → FITTING → VALIDATING → DONE

with FAILED reachable from any state on a hardware error.  Validation
failure is a reported condition, not a retry trigger: the sweep data and fit
are retained, because repeated validation failure usually means an alignment
problem that needs an operator, not another sweep.
*/
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/polarlab/rashgctl/calibration"
	"github.com/polarlab/rashgctl/instrument"
	"github.com/polarlab/rashgctl/malus"
	"github.com/polarlab/rashgctl/util"
)

// State is the position of a sweep in its lifecycle.
type State int

// Sweep states, in nominal order.
const (
	Idle State = iota
	Homing
	Sweeping
	Fitting
	Validating
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Homing:
		return "HOMING"
	case Sweeping:
		return "SWEEPING"
	case Fitting:
		return "FITTING"
	case Validating:
		return "VALIDATING"
	case Done:
		return "DONE"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// HomingTimeoutError is generated when a mount's position feedback does not
// settle within the configured timeout after a home command.
type HomingTimeoutError struct {
	Axis    string
	Timeout time.Duration
}

func (e *HomingTimeoutError) Error() string {
	return fmt.Sprintf("%s: homing did not settle within %v", e.Axis, e.Timeout)
}

// ValidationError is generated when a held-out angle disagrees with the
// fitted curve by more than the tolerance.  The fit and sweep data are still
// returned alongside this error.
type ValidationError struct {
	Axis      string
	Angle     float64
	Measured  float64
	Predicted float64
	Tolerance float64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: validation failed at %g°: measured %g, fit predicts %g, tolerance %g",
		e.Axis, e.Angle, e.Measured, e.Predicted, e.Tolerance)
}

// Axis pairs a rotation mount with its role in the optical path.
type Axis struct {
	// Name identifies the mount, e.g. "hwp-in"
	Name string

	Rotator instrument.Rotator

	// Reference is the park angle this axis holds while another axis
	// sweeps, used until the axis has a fit of its own
	Reference float64
}

// Config tunes a sweep.
type Config struct {
	// Angles is the sweep grid in degrees; non-uniform spacing is fine and
	// denser sampling near expected extrema is encouraged
	Angles []float64

	// Holdout are validation angles excluded from the fit
	Holdout []float64

	// Settle is the dwell after each move before reading power
	Settle time.Duration

	// Samples is the number of power readings averaged per angle
	Samples int

	// HomingTimeout bounds the wait for position feedback to settle after
	// homing; HomingPoll is the feedback poll interval
	HomingTimeout time.Duration
	HomingPoll    time.Duration

	// ValidationTolerance is the maximum absolute power residual allowed at
	// a held-out angle
	ValidationTolerance float64

	// Fit tunes the Malus fitter
	Fit malus.Options
}

func (c Config) withDefaults() Config {
	if c.Samples < 1 {
		c.Samples = 1
	}
	if c.HomingTimeout <= 0 {
		c.HomingTimeout = 30 * time.Second
	}
	if c.HomingPoll <= 0 {
		c.HomingPoll = 10 * time.Millisecond
	}
	return c
}

// ValidationPoint is one held-out measurement compared against the fit.
type ValidationPoint struct {
	Angle     float64
	Measured  float64
	Predicted float64
}

// Result is the outcome of one axis sweep.
type Result struct {
	Axis       string
	Wavelength float64
	Points     []calibration.Point
	Fit        malus.Fit
	Validation []ValidationPoint
}

// Entry converts the result into a calibration table entry.
func (r Result) Entry() calibration.RotatorEntry {
	return calibration.RotatorEntry{Wavelength: r.Wavelength, Fit: r.Fit, Points: r.Points}
}

// Manager runs calibration sweeps over one or more rotators sharing the
// optical path.  Axes are ordered innermost optical element first; in
// cross-calibration the innermost is swept first so that later sweeps can
// hold earlier axes at their fitted reference.
type Manager struct {
	Axes  []Axis
	Meter instrument.PowerMeter
	Cfg   Config
	Log   logrus.FieldLogger

	runMu sync.Mutex // held for the duration of a run; the bench is single-user
	mu    sync.Mutex
	state State
}

// ErrBusy is generated when a sweep is requested while another is running.
var ErrBusy = errors.New("a sweep is already running against this bench")

// New returns a Manager.  The logger may be nil.
func New(axes []Axis, meter instrument.PowerMeter, cfg Config, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{Axes: axes, Meter: meter, Cfg: cfg.withDefaults(), Log: log}
}

// State returns the current sweep state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.Log.WithField("state", s.String()).Info("sweep state")
}

// Run calibrates the first (innermost) axis at one wavelength, holding the
// other axes at their reference positions.
func (m *Manager) Run(ctx context.Context, wavelength float64) (Result, error) {
	results, err := m.run(ctx, wavelength, 1)
	if len(results) == 0 {
		return Result{}, err
	}
	return results[0], err
}

// RunAll cross-calibrates every axis at one wavelength, innermost first.
// Once an axis has been fitted, later sweeps hold it at its fitted phase
// rather than its configured reference.  On validation failure the completed
// results, including the failing one, are returned with the error.
func (m *Manager) RunAll(ctx context.Context, wavelength float64) ([]Result, error) {
	return m.run(ctx, wavelength, len(m.Axes))
}

func (m *Manager) run(ctx context.Context, wavelength float64, n int) ([]Result, error) {
	if !m.runMu.TryLock() {
		return nil, ErrBusy
	}
	defer m.runMu.Unlock()

	holds := make([]float64, len(m.Axes))
	for i, ax := range m.Axes {
		holds[i] = ax.Reference
	}

	var results []Result
	for i := 0; i < n; i++ {
		res, err := m.sweepAxis(ctx, wavelength, i, holds)
		if err != nil {
			if _, ok := err.(*ValidationError); ok {
				// partial success: keep the fit, report the condition
				results = append(results, res)
			}
			return results, err
		}
		results = append(results, res)
		// later sweeps hold this axis at its fitted transmission maximum
		holds[i] = res.Fit.Phi
	}
	return results, nil
}

func (m *Manager) sweepAxis(ctx context.Context, wavelength float64, idx int, holds []float64) (Result, error) {
	ax := m.Axes[idx]
	log := m.Log.WithFields(logrus.Fields{"axis": ax.Name, "wavelength": wavelength})
	res := Result{Axis: ax.Name, Wavelength: wavelength}

	fail := func(err error) (Result, error) {
		m.setState(Failed)
		log.WithError(err).Error("sweep failed")
		return res, err
	}

	m.setState(Homing)
	for _, a := range m.Axes {
		if err := a.Rotator.Home(ctx); err != nil {
			return fail(instrument.Fail(a.Name, "home", err))
		}
	}
	for _, a := range m.Axes {
		if err := m.waitSettle(ctx, a); err != nil {
			return fail(err)
		}
	}

	m.setState(Sweeping)
	for j, a := range m.Axes {
		if j == idx {
			continue
		}
		if err := a.Rotator.SetPosition(holds[j]); err != nil {
			return fail(instrument.Fail(a.Name, "set-position", err))
		}
	}
	for _, angle := range m.Cfg.Angles {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		pt, err := m.measureAt(ctx, ax, angle, wavelength)
		if err != nil {
			return fail(err)
		}
		res.Points = append(res.Points, pt)
	}

	m.setState(Fitting)
	fit, err := malus.Do(toMalus(res.Points), malus.Guess{}, m.Cfg.Fit)
	if err != nil {
		return fail(err)
	}
	res.Fit = fit
	log.WithFields(logrus.Fields{
		"A": fit.A, "phi": fit.Phi, "C": fit.C, "r2": fit.R2, "rms": fit.RMS, "valid": fit.Valid,
	}).Info("fit complete")

	m.setState(Validating)
	for _, angle := range m.Cfg.Holdout {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		pt, err := m.measureAt(ctx, ax, angle, wavelength)
		if err != nil {
			return fail(err)
		}
		predicted := fit.Power(angle)
		res.Validation = append(res.Validation, ValidationPoint{Angle: angle, Measured: pt.Power, Predicted: predicted})
		residual := pt.Power - predicted
		if residual < 0 {
			residual = -residual
		}
		if m.Cfg.ValidationTolerance > 0 && residual > m.Cfg.ValidationTolerance {
			verr := &ValidationError{
				Axis:      ax.Name,
				Angle:     angle,
				Measured:  pt.Power,
				Predicted: predicted,
				Tolerance: m.Cfg.ValidationTolerance,
			}
			m.setState(Failed)
			log.WithError(verr).Warn("validation failed, fit retained")
			return res, verr
		}
	}

	m.setState(Done)
	return res, nil
}

func (m *Manager) measureAt(ctx context.Context, ax Axis, angle, wavelength float64) (calibration.Point, error) {
	if err := ax.Rotator.SetPosition(angle); err != nil {
		return calibration.Point{}, instrument.Fail(ax.Name, "set-position", err)
	}
	if err := util.SleepCtx(ctx, m.Cfg.Settle); err != nil {
		return calibration.Point{}, err
	}
	s, err := instrument.AveragePower(m.Meter, m.Cfg.Samples)
	if err != nil {
		return calibration.Point{}, instrument.Fail("meter", "read-power", err)
	}
	return calibration.Point{Angle: angle, Power: s.Mean, Wavelength: wavelength, Variance: s.Variance}, nil
}

// waitSettle polls position feedback until the mount reports settled or the
// homing timeout expires.
func (m *Manager) waitSettle(ctx context.Context, ax Axis) error {
	deadline := time.Now().Add(m.Cfg.HomingTimeout)
	for {
		moving, err := ax.Rotator.Moving()
		if err != nil {
			return instrument.Fail(ax.Name, "moving", err)
		}
		if !moving {
			return nil
		}
		if time.Now().After(deadline) {
			return &HomingTimeoutError{Axis: ax.Name, Timeout: m.Cfg.HomingTimeout}
		}
		if err := util.SleepCtx(ctx, m.Cfg.HomingPoll); err != nil {
			return err
		}
	}
}

func toMalus(pts []calibration.Point) []malus.Point {
	out := make([]malus.Point, len(pts))
	for i, p := range pts {
		out[i] = malus.Point{Angle: p.Angle, Power: p.Power, Variance: p.Variance}
	}
	return out
}
