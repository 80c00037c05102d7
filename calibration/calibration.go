/*Package calibration holds the fitted calibration tables for the bench and is
the single source of truth for converting setpoint requests into hardware
values.

Tables are immutable once built; recalibration constructs a new table and
swaps it into the Store atomically, so a measurement in flight sees either
the old table or the new one, never a half-written mix.
*/
package calibration

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/interp"

	"github.com/polarlab/rashgctl/malus"
)

// Point is one recorded calibration sample.  Points are immutable once
// recorded.
type Point struct {
	// Angle is the rotator angle in degrees for rotator sweeps
	Angle float64 `yaml:"angle"`

	// Power is the measured optical power
	Power float64 `yaml:"power"`

	// Wavelength is the source wavelength in nm when the point was taken
	Wavelength float64 `yaml:"wavelength"`

	// Variance is the sample variance of the power reading
	Variance float64 `yaml:"variance,omitempty"`
}

// RangeError is generated when a request falls outside the calibrated range.
// No extrapolation is performed; an extrapolated voltage could exceed
// hardware safety limits.
type RangeError struct {
	// Kind names the out-of-range quantity, "wavelength" or "power"
	Kind string

	// Value is the requested value
	Value float64

	// Min and Max bound the calibrated range
	Min, Max float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("calibration missing: %s %g outside calibrated range [%g, %g]",
		e.Kind, e.Value, e.Min, e.Max)
}

// RotatorEntry is the fit for one rotator at one wavelength.
type RotatorEntry struct {
	Wavelength float64 `yaml:"wavelength"`

	Fit malus.Fit `yaml:"fit"`

	// Points optionally retains the sweep data behind the fit
	Points []Point `yaml:"points,omitempty"`
}

// RotatorCal maps wavelength to a Malus fit for one rotation mount.
// Entries are kept sorted by wavelength.
type RotatorCal struct {
	Entries []RotatorEntry `yaml:"entries"`
}

// WithEntry returns a copy of the calibration with the entry for its
// wavelength inserted or replaced.
func (rc RotatorCal) WithEntry(e RotatorEntry) RotatorCal {
	out := RotatorCal{Entries: make([]RotatorEntry, 0, len(rc.Entries)+1)}
	replaced := false
	for _, old := range rc.Entries {
		if sameWavelength(old.Wavelength, e.Wavelength) {
			out.Entries = append(out.Entries, e)
			replaced = true
			continue
		}
		out.Entries = append(out.Entries, old)
	}
	if !replaced {
		out.Entries = append(out.Entries, e)
	}
	sort.Slice(out.Entries, func(i, j int) bool {
		return out.Entries[i].Wavelength < out.Entries[j].Wavelength
	})
	return out
}

// FitAt returns the fit at a calibrated wavelength.  Rotator fits are not
// interpolated between wavelengths; a wavelength with no entry is a
// *RangeError.
func (rc RotatorCal) FitAt(wavelength float64) (malus.Fit, error) {
	for _, e := range rc.Entries {
		if sameWavelength(e.Wavelength, wavelength) {
			return e.Fit, nil
		}
	}
	lo, hi := rc.span()
	return malus.Fit{}, &RangeError{Kind: "wavelength", Value: wavelength, Min: lo, Max: hi}
}

func (rc RotatorCal) span() (float64, float64) {
	if len(rc.Entries) == 0 {
		return math.NaN(), math.NaN()
	}
	return rc.Entries[0].Wavelength, rc.Entries[len(rc.Entries)-1].Wavelength
}

// VoltagePoint relates a target power to the EOM drive voltage that produced
// it and the photodiode (sense) voltage observed at that power.
type VoltagePoint struct {
	Power float64 `yaml:"power"`
	Drive float64 `yaml:"drive"`
	Sense float64 `yaml:"sense"`
}

// EOMCurve is the EOM transfer curve at one wavelength, sorted by power.
type EOMCurve struct {
	Wavelength float64        `yaml:"wavelength"`
	Points     []VoltagePoint `yaml:"points"`
}

// EOMCal is the calibration of one EOM across wavelengths, sorted by
// wavelength.
type EOMCal struct {
	// Correction is an empirical scale applied to the predicted sense
	// voltage.  The value is determined on the bench and has no derived
	// justification; it is configuration, not physics.  1.0 means none.
	Correction float64 `yaml:"correction"`

	Curves []EOMCurve `yaml:"curves"`
}

// Seed is the initial operating point for a power-control request.
type Seed struct {
	// Drive is the EOM drive voltage estimated to produce the target power
	Drive float64

	// Sense is the photodiode voltage expected at the target power, after
	// the correction scale; this is the PID setpoint
	Sense float64
}

// SeedAt looks up the operating point for (wavelength, power).  Wavelengths
// between calibrated curves are linearly interpolated; wavelengths outside
// the calibrated span are a *RangeError.
func (ec EOMCal) SeedAt(wavelength, power float64) (Seed, error) {
	if len(ec.Curves) == 0 {
		return Seed{}, &RangeError{Kind: "wavelength", Value: wavelength, Min: math.NaN(), Max: math.NaN()}
	}
	lo := ec.Curves[0].Wavelength
	hi := ec.Curves[len(ec.Curves)-1].Wavelength
	if wavelength < lo || wavelength > hi {
		return Seed{}, &RangeError{Kind: "wavelength", Value: wavelength, Min: lo, Max: hi}
	}
	corr := ec.Correction
	if corr == 0 {
		corr = 1
	}
	for _, c := range ec.Curves {
		if sameWavelength(c.Wavelength, wavelength) {
			s, err := c.at(power)
			s.Sense *= corr
			return s, err
		}
	}
	// bracket and blend
	i := sort.Search(len(ec.Curves), func(i int) bool {
		return ec.Curves[i].Wavelength >= wavelength
	})
	below, above := ec.Curves[i-1], ec.Curves[i]
	s0, err := below.at(power)
	if err != nil {
		return Seed{}, err
	}
	s1, err := above.at(power)
	if err != nil {
		return Seed{}, err
	}
	frac := (wavelength - below.Wavelength) / (above.Wavelength - below.Wavelength)
	return Seed{
		Drive: s0.Drive + frac*(s1.Drive-s0.Drive),
		Sense: (s0.Sense + frac*(s1.Sense-s0.Sense)) * corr,
	}, nil
}

// at interpolates the curve at one power, without extrapolation.
func (c EOMCurve) at(power float64) (Seed, error) {
	n := len(c.Points)
	if n == 0 {
		return Seed{}, &RangeError{Kind: "power", Value: power, Min: math.NaN(), Max: math.NaN()}
	}
	lo, hi := c.Points[0].Power, c.Points[n-1].Power
	if power < lo || power > hi {
		return Seed{}, &RangeError{Kind: "power", Value: power, Min: lo, Max: hi}
	}
	if n == 1 {
		return Seed{Drive: c.Points[0].Drive, Sense: c.Points[0].Sense}, nil
	}
	powers := make([]float64, n)
	drives := make([]float64, n)
	senses := make([]float64, n)
	for i, p := range c.Points {
		powers[i], drives[i], senses[i] = p.Power, p.Drive, p.Sense
	}
	var pd, ps interp.PiecewiseLinear
	if err := pd.Fit(powers, drives); err != nil {
		return Seed{}, fmt.Errorf("malformed EOM curve at %gnm: %w", c.Wavelength, err)
	}
	if err := ps.Fit(powers, senses); err != nil {
		return Seed{}, fmt.Errorf("malformed EOM curve at %gnm: %w", c.Wavelength, err)
	}
	return Seed{Drive: pd.Predict(power), Sense: ps.Predict(power)}, nil
}

// Table is one complete calibration of the bench, keyed by instrument id.
type Table struct {
	Rotators map[string]RotatorCal `yaml:"rotators"`
	EOMs     map[string]EOMCal     `yaml:"eoms"`
}

// Rotator returns the calibration of a rotation mount, if present.
func (t *Table) Rotator(id string) (RotatorCal, bool) {
	rc, ok := t.Rotators[id]
	return rc, ok
}

// EOM returns the calibration of an EOM, if present.
func (t *Table) EOM(id string) (EOMCal, bool) {
	ec, ok := t.EOMs[id]
	return ec, ok
}

// clone deep-copies the table's maps so copy-on-write updates never alias the
// published table.
func (t *Table) clone() *Table {
	out := &Table{
		Rotators: make(map[string]RotatorCal, len(t.Rotators)),
		EOMs:     make(map[string]EOMCal, len(t.EOMs)),
	}
	for k, v := range t.Rotators {
		out.Rotators[k] = v
	}
	for k, v := range t.EOMs {
		out.EOMs[k] = v
	}
	return out
}

func sameWavelength(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}
