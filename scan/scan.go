/*Package scan drives multi-dimensional RASHG acquisitions: for each
wavelength, for each power (descending), for each analyzer angle, it tunes
the source, converges the power loop, positions the rotator, and hands the
readings to a Recorder.

Powers are visited in descending order within each wavelength to minimize
thermal drift in the optics.  A hardware failure at one coordinate is
recorded as missing data and the scan continues; a multi-hour scan should
not die because one point misbehaved.  Fatal hardware errors (loss of
communication with a required instrument) stop the scan.
*/
package scan

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/polarlab/rashgctl/eom"
	"github.com/polarlab/rashgctl/instrument"
	"github.com/polarlab/rashgctl/util"
)

// Coordinate is one point in the scan's parameter space.
type Coordinate struct {
	Wavelength float64 `json:"wavelength"`
	Power      float64 `json:"power"`
	Angle      float64 `json:"angle"`
}

// Frame is an optional camera frame captured at a coordinate.
type Frame struct {
	Width, Height int
	Pix           []uint16
	Exposure      time.Duration
}

// FrameSource captures camera frames; nil disables frame capture.
type FrameSource interface {
	Snap() (*Frame, error)
}

// Reading is everything measured at one coordinate.
type Reading struct {
	Coordinate Coordinate

	// Power is the averaged power-meter reading
	Power instrument.Sample

	// Photodiode is the averaged feedback voltage at the coordinate
	Photodiode instrument.Sample

	// Converged and Ticks carry the power loop's convergence diagnostics
	Converged bool
	Ticks     int

	// Timestamp is when the coordinate completed
	Timestamp time.Time

	// Frame is nil when no camera is attached
	Frame *Frame
}

// Recorder consumes scan output.  Skip is called for coordinates that
// produced no data; implementations must record them as missing, never as
// zero.
type Recorder interface {
	Record(Reading) error
	Skip(Coordinate, error) error
}

// Plan is the parameter space of one scan.
type Plan struct {
	// Wavelengths are visited in the order given
	Wavelengths []float64 `json:"wavelengths"`

	// Powers are visited in descending order regardless of the order given
	Powers []float64 `json:"powers"`

	// Angles are visited in the order given
	Angles []float64 `json:"angles"`

	// Settle is the dwell after each rotator move
	Settle time.Duration `json:"settle"`

	// Samples is the power-meter averaging count per coordinate
	Samples int `json:"samples"`
}

func (p Plan) normalized() Plan {
	powers := make([]float64, len(p.Powers))
	copy(powers, p.Powers)
	sort.Sort(sort.Reverse(sort.Float64Slice(powers)))
	p.Powers = powers
	if p.Samples < 1 {
		p.Samples = 1
	}
	return p
}

// Size returns the number of coordinates in the plan.
func (p Plan) Size() int {
	return len(p.Wavelengths) * len(p.Powers) * len(p.Angles)
}

// Status is a snapshot of a running scan.
type Status struct {
	Running   bool       `json:"running"`
	Total     int        `json:"total"`
	Completed int        `json:"completed"`
	Skipped   int        `json:"skipped"`
	Current   Coordinate `json:"current"`
}

// Sequencer owns the instruments for the duration of a scan.
type Sequencer struct {
	Laser      instrument.Wavelengther
	Power      *eom.Controller
	Analyzer   instrument.Rotator
	Meter      instrument.PowerMeter
	Photodiode instrument.VoltageReader

	// Frames is optional; nil scans record no images
	Frames FrameSource

	Rec Recorder
	Log logrus.FieldLogger

	mu     sync.Mutex
	status Status
}

// New returns a Sequencer.  The logger may be nil.
func New(rec Recorder, log logrus.FieldLogger) *Sequencer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sequencer{Rec: rec, Log: log}
}

// Status returns a snapshot of scan progress.
func (s *Sequencer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Sequencer) update(fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	s.mu.Unlock()
}

// Run executes the plan.  It returns nil on normal completion, including
// completions with skipped points; it returns an error when the scan cannot
// continue (context cancellation or a fatal hardware error).
func (s *Sequencer) Run(ctx context.Context, plan Plan) error {
	plan = plan.normalized()
	s.update(func(st *Status) {
		*st = Status{Running: true, Total: plan.Size()}
	})
	defer s.update(func(st *Status) { st.Running = false })

	for _, wl := range plan.Wavelengths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Laser.SetWavelength(wl); err != nil {
			// a source that won't tune invalidates every coordinate at
			// this wavelength and beyond; stop
			return &instrument.HardwareError{Device: "laser", Op: "set-wavelength", Fatal: true, Err: err}
		}
		for _, power := range plan.Powers {
			for _, angle := range plan.Angles {
				if err := ctx.Err(); err != nil {
					return err
				}
				coord := Coordinate{Wavelength: wl, Power: power, Angle: angle}
				s.update(func(st *Status) { st.Current = coord })
				if err := s.point(ctx, coord, plan); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					if instrument.IsFatal(err) {
						s.Log.WithError(err).Error("fatal hardware error, scan stopped")
						return err
					}
					s.Log.WithError(err).WithFields(logrus.Fields{
						"wavelength": coord.Wavelength, "power": coord.Power, "angle": coord.Angle,
					}).Warn("scan point skipped")
					s.update(func(st *Status) { st.Skipped++ })
					if rerr := s.Rec.Skip(coord, err); rerr != nil {
						return rerr
					}
					continue
				}
				s.update(func(st *Status) { st.Completed++ })
			}
		}
	}
	return nil
}

func (s *Sequencer) point(ctx context.Context, coord Coordinate, plan Plan) error {
	res, err := s.Power.SetPower(ctx, coord.Wavelength, coord.Power)
	if err != nil {
		return err
	}
	if err := s.Analyzer.SetPosition(coord.Angle); err != nil {
		return instrument.Fail("analyzer", "set-position", err)
	}
	if err := util.SleepCtx(ctx, plan.Settle); err != nil {
		return err
	}
	power, err := instrument.AveragePower(s.Meter, plan.Samples)
	if err != nil {
		return instrument.Fail("meter", "read-power", err)
	}
	pd, err := s.Photodiode.ReadVoltage(plan.Samples)
	if err != nil {
		return instrument.Fail("photodiode", "read-voltage", err)
	}
	reading := Reading{
		Coordinate: coord,
		Power:      power,
		Photodiode: pd,
		Converged:  res.Converged,
		Ticks:      res.Ticks,
		Timestamp:  time.Now(),
	}
	if s.Frames != nil {
		frame, err := s.Frames.Snap()
		if err != nil {
			return instrument.Fail("camera", "snap", err)
		}
		reading.Frame = frame
	}
	return s.Rec.Record(reading)
}
