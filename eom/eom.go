/*Package eom closes the optical power loop: it converts a target power at a
wavelength into an EOM drive voltage using the calibration table as a seed,
then servos the drive voltage with a PID loop against photodiode feedback
until the sensed voltage holds the predicted value.

The loop is paced by a rate limiter rather than a hard ticker: serial I/O
latency varies by instrument, so the guarantee is a minimum inter-sample
delay, not a fixed frequency.  The drive voltage is clamped to the configured
safe range before every hardware write, and the integral term is bounded so a
large setpoint jump cannot wind up unbounded overshoot.
*/
package eom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/polarlab/rashgctl/calibration"
	"github.com/polarlab/rashgctl/instrument"
	"github.com/polarlab/rashgctl/util"
)

// ErrBusy is generated when a power-control operation is requested while one
// is already running; the EOM and photodiode cannot serve two loops.
var ErrBusy = errors.New("a power-control operation is already running")

// ErrNoCalibration is generated when the store has never been populated.
var ErrNoCalibration = errors.New("no calibration table is loaded")

// TimeoutError is generated when the loop does not converge within the
// configured duration.  Best contains the final state; the caller decides
// whether to retry, abort, or accept the best-effort voltage.
type TimeoutError struct {
	Timeout time.Duration
	Best    State
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("power did not converge within %v, best-effort drive %.4fV (error %.2g)",
		e.Timeout, e.Best.LastOutput, e.Best.LastError)
}

// Gains are the PID loop gains.
type Gains struct {
	Kp float64 `yaml:"kp"`
	Ki float64 `yaml:"ki"`
	Kd float64 `yaml:"kd"`
}

// Config tunes the controller.
type Config struct {
	Gains Gains `yaml:"gains"`

	// VMin and VMax bound the drive voltage; every write is clamped to
	// this range no matter what the loop computes
	VMin float64 `yaml:"vmin"`
	VMax float64 `yaml:"vmax"`

	// Window is the number of consecutive in-tolerance samples required to
	// declare convergence; a single good sample is treated as noise
	Window int `yaml:"window"`

	// Tolerance is the relative error bound for an in-tolerance sample,
	// e.g. 0.001 for 0.1%
	Tolerance float64 `yaml:"tolerance"`

	// Samples is the photodiode averaging window per loop tick
	Samples int `yaml:"samples"`

	// MinTick is the minimum delay between feedback samples
	MinTick time.Duration `yaml:"mintick"`

	// Timeout bounds the whole control attempt
	Timeout time.Duration `yaml:"timeout"`
}

func (c Config) withDefaults() Config {
	if c.Window < 1 {
		c.Window = 3
	}
	if c.Tolerance <= 0 {
		c.Tolerance = 1e-3
	}
	if c.Samples < 1 {
		c.Samples = 1
	}
	if c.MinTick <= 0 {
		c.MinTick = 10 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// State is the live state of one power-control request.  It is created when
// the request starts, mutated every tick, and discarded with the request; it
// is never persisted across scan points.
type State struct {
	// Setpoint is the target photodiode voltage
	Setpoint float64

	// Integral is the accumulated integral term, after anti-windup bounding
	Integral float64

	// LastError is the most recent setpoint − measured error
	LastError float64

	// LastOutput is the most recent commanded drive voltage, post-clamp
	LastOutput float64

	// Streak is the number of consecutive in-tolerance samples
	Streak int

	// Ticks is the number of loop iterations consumed
	Ticks int
}

func (s State) fields() logrus.Fields {
	return logrus.Fields{
		"setpoint": s.Setpoint,
		"integral": s.Integral,
		"error":    s.LastError,
		"output":   s.LastOutput,
		"streak":   s.Streak,
		"ticks":    s.Ticks,
	}
}

// Result is the outcome of a power-control request.
type Result struct {
	// Converged reports whether the window criterion was met
	Converged bool

	// Drive is the final commanded voltage
	Drive float64

	// Sense is the final measured photodiode voltage
	Sense float64

	// Elapsed is the wall time the loop ran
	Elapsed time.Duration

	// Ticks is the number of loop iterations consumed
	Ticks int
}

// Controller owns the EOM drive output and photodiode feedback input.
type Controller struct {
	Source   instrument.VoltageSource
	Feedback instrument.VoltageReader
	Cal      *calibration.Store

	// ID keys this EOM's entry in the calibration table
	ID string

	Cfg Config
	Log logrus.FieldLogger

	mu sync.Mutex
}

// New returns a Controller.  The logger may be nil.
func New(src instrument.VoltageSource, fb instrument.VoltageReader, cal *calibration.Store, id string, cfg Config, log logrus.FieldLogger) *Controller {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Controller{Source: src, Feedback: fb, Cal: cal, ID: id, Cfg: cfg.withDefaults(), Log: log}
}

// SetPower drives the measured optical power to target at the given
// wavelength.  The calibration table provides the initial drive voltage and
// the photodiode setpoint; wavelengths between calibrated entries are
// interpolated, wavelengths outside the calibrated range fail with a
// *calibration.RangeError before any voltage is written.
func (c *Controller) SetPower(ctx context.Context, wavelength, target float64) (Result, error) {
	if !c.mu.TryLock() {
		return Result{}, ErrBusy
	}
	defer c.mu.Unlock()

	tbl := c.Cal.Current()
	if tbl == nil {
		return Result{}, ErrNoCalibration
	}
	cal, ok := tbl.EOM(c.ID)
	if !ok {
		return Result{}, fmt.Errorf("%w for EOM %q", ErrNoCalibration, c.ID)
	}
	seed, err := cal.SeedAt(wavelength, target)
	if err != nil {
		return Result{}, err
	}

	log := c.Log.WithFields(logrus.Fields{"eom": c.ID, "wavelength": wavelength, "power": target})
	st := State{Setpoint: seed.Sense}

	start := time.Now()
	deadline := start.Add(c.Cfg.Timeout)
	limiter := rate.NewLimiter(rate.Every(c.Cfg.MinTick), 1)

	write := func(v float64) error {
		clamped := util.Clamp(v, c.Cfg.VMin, c.Cfg.VMax)
		if clamped != v {
			log.WithFields(st.fields()).WithField("unclamped", v).Warn("drive voltage clamped")
		}
		st.LastOutput = clamped
		if err := c.Source.SetVoltage(clamped); err != nil {
			return instrument.Fail(c.ID, "set-voltage", err)
		}
		return nil
	}

	if err := write(seed.Drive); err != nil {
		return Result{}, err
	}
	// the PID output is positional about the calibration seed; the integral
	// term absorbs whatever static error the seed carries
	base := st.LastOutput

	lastTick := time.Now()
	for {
		if err := limiter.Wait(ctx); err != nil {
			return c.finish(st, start, false), err
		}
		now := time.Now()
		dt := now.Sub(lastTick).Seconds()
		lastTick = now

		sample, err := c.Feedback.ReadVoltage(c.Cfg.Samples)
		if err != nil {
			return c.finish(st, start, false), instrument.Fail(c.ID, "read-voltage", err)
		}
		st.Ticks++
		e := st.Setpoint - sample.Mean

		if inTolerance(e, st.Setpoint, c.Cfg.Tolerance) {
			st.Streak++
		} else {
			st.Streak = 0
		}
		if st.Streak >= c.Cfg.Window {
			log.WithFields(st.fields()).Info("power converged")
			res := c.finish(st, start, true)
			res.Sense = sample.Mean
			return res, nil
		}

		if time.Now().After(deadline) {
			log.WithFields(st.fields()).Warn("power convergence timed out")
			res := c.finish(st, start, false)
			res.Sense = sample.Mean
			return res, &TimeoutError{Timeout: c.Cfg.Timeout, Best: st}
		}

		// abort is honored here: after a sample, before the next write
		if err := ctx.Err(); err != nil {
			return c.finish(st, start, false), err
		}

		st.Integral = c.boundIntegral(st.Integral + e*dt)
		d := 0.
		if st.Ticks > 1 && dt > 0 {
			d = (e - st.LastError) / dt
		}
		st.LastError = e

		out := base + c.Cfg.Gains.Kp*e + c.Cfg.Gains.Ki*st.Integral + c.Cfg.Gains.Kd*d
		if err := write(out); err != nil {
			return c.finish(st, start, false), err
		}
	}
}

// boundIntegral keeps the integral contribution within the output span so
// the loop cannot wind up across a setpoint jump.
func (c *Controller) boundIntegral(i float64) float64 {
	if c.Cfg.Gains.Ki == 0 {
		return i
	}
	span := (c.Cfg.VMax - c.Cfg.VMin) / c.Cfg.Gains.Ki
	if span < 0 {
		span = -span
	}
	return util.Clamp(i, -span, span)
}

func (c *Controller) finish(st State, start time.Time, converged bool) Result {
	return Result{
		Converged: converged,
		Drive:     st.LastOutput,
		Elapsed:   time.Since(start),
		Ticks:     st.Ticks,
	}
}

func inTolerance(err, setpoint, tol float64) bool {
	if err < 0 {
		err = -err
	}
	bound := setpoint * tol
	if bound < 0 {
		bound = -bound
	}
	return err <= bound
}
