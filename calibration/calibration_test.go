package calibration_test

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polarlab/rashgctl/calibration"
	"github.com/polarlab/rashgctl/malus"
)

// threeWavelengthCal builds an EOM calibration at 700, 750, 800 nm where both
// drive and sense scale linearly with power and with wavelength, so expected
// interpolants are exact.
func threeWavelengthCal() calibration.EOMCal {
	curve := func(wl, slope float64) calibration.EOMCurve {
		c := calibration.EOMCurve{Wavelength: wl}
		for _, p := range []float64{0, 1, 2, 3, 4} {
			c.Points = append(c.Points, calibration.VoltagePoint{
				Power: p,
				Drive: slope * p,
				Sense: 0.5 * slope * p,
			})
		}
		return c
	}
	return calibration.EOMCal{
		Correction: 1,
		Curves: []calibration.EOMCurve{
			curve(700, 1.0),
			curve(750, 1.2),
			curve(800, 1.4),
		},
	}
}

func TestSeedAtExactWavelength(t *testing.T) {
	cal := threeWavelengthCal()
	s, err := cal.SeedAt(750, 2)
	require.NoError(t, err)
	assert.InDelta(t, 2.4, s.Drive, 1e-9)
	assert.InDelta(t, 1.2, s.Sense, 1e-9)
}

func TestSeedAtInterpolatesBetweenWavelengths(t *testing.T) {
	cal := threeWavelengthCal()
	// 725 is the midpoint of 700 and 750
	s, err := cal.SeedAt(725, 2)
	require.NoError(t, err)
	assert.InDelta(t, 2.2, s.Drive, 1e-9)
	assert.InDelta(t, 1.1, s.Sense, 1e-9)
}

func TestSeedAtRefusesExtrapolation(t *testing.T) {
	cal := threeWavelengthCal()
	_, err := cal.SeedAt(690, 2)
	var re *calibration.RangeError
	require.True(t, errors.As(err, &re), "expected RangeError, got %v", err)
	assert.Equal(t, "wavelength", re.Kind)
	assert.Equal(t, 700.0, re.Min)
	assert.Equal(t, 800.0, re.Max)

	_, err = cal.SeedAt(810, 2)
	assert.True(t, errors.As(err, &re))
}

func TestSeedAtRefusesPowerOutsideCurve(t *testing.T) {
	cal := threeWavelengthCal()
	_, err := cal.SeedAt(750, 9)
	var re *calibration.RangeError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "power", re.Kind)
}

func TestSeedAtAppliesCorrectionScale(t *testing.T) {
	cal := threeWavelengthCal()
	cal.Correction = 1.065
	s, err := cal.SeedAt(750, 2)
	require.NoError(t, err)
	assert.InDelta(t, 1.2*1.065, s.Sense, 1e-9)
	// the correction is on the predicted sense voltage, not the drive
	assert.InDelta(t, 2.4, s.Drive, 1e-9)
}

func TestRotatorFitAtExactOnly(t *testing.T) {
	rc := calibration.RotatorCal{}
	rc = rc.WithEntry(calibration.RotatorEntry{Wavelength: 800, Fit: malus.Fit{A: 5, Phi: 15, C: 1, Valid: true}})
	fit, err := rc.FitAt(800)
	require.NoError(t, err)
	assert.Equal(t, 5.0, fit.A)

	_, err = rc.FitAt(750)
	var re *calibration.RangeError
	assert.True(t, errors.As(err, &re))
}

func TestWithEntryReplacesAndSorts(t *testing.T) {
	rc := calibration.RotatorCal{}
	rc = rc.WithEntry(calibration.RotatorEntry{Wavelength: 800, Fit: malus.Fit{A: 5}})
	rc = rc.WithEntry(calibration.RotatorEntry{Wavelength: 700, Fit: malus.Fit{A: 3}})
	rc = rc.WithEntry(calibration.RotatorEntry{Wavelength: 800, Fit: malus.Fit{A: 6}})
	require.Len(t, rc.Entries, 2)
	assert.Equal(t, 700.0, rc.Entries[0].Wavelength)
	assert.Equal(t, 6.0, rc.Entries[1].Fit.A)
}

func TestStoreSwapIsWholeTable(t *testing.T) {
	s := calibration.NewStore(nil)
	assert.Nil(t, s.Current())

	s.SetEOM("eom", threeWavelengthCal())
	first := s.Current()
	require.NotNil(t, first)

	// concurrent readers during a burst of writes must always see a table
	// with consistent contents
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			tbl := s.Current()
			if tbl == nil {
				t.Error("reader saw nil table after first publish")
				return
			}
			if _, ok := tbl.EOM("eom"); !ok {
				t.Error("reader saw table missing the eom entry")
				return
			}
		}
	}()
	for i := 0; i < 1000; i++ {
		s.SetRotator("hwp", calibration.RotatorCal{})
	}
	close(stop)
	wg.Wait()

	// the first snapshot is untouched by later writes
	_, ok := first.Rotator("hwp")
	assert.False(t, ok, "published table mutated in place")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tbl := &calibration.Table{
		Rotators: map[string]calibration.RotatorCal{
			"hwp": {Entries: []calibration.RotatorEntry{{Wavelength: 800, Fit: malus.Fit{A: 5, Phi: 15, C: 1, Valid: true}}}},
		},
		EOMs: map[string]calibration.EOMCal{"eom": threeWavelengthCal()},
	}
	var buf bytes.Buffer
	require.NoError(t, calibration.Save(&buf, tbl))

	got, err := calibration.Load(&buf)
	require.NoError(t, err)
	fit, err := got.Rotators["hwp"].FitAt(800)
	require.NoError(t, err)
	assert.InDelta(t, 15.0, fit.Phi, 1e-9)
	s, err := got.EOMs["eom"].SeedAt(725, 2)
	require.NoError(t, err)
	assert.InDelta(t, 2.2, s.Drive, 1e-9)
}

func TestLoadRejectsVersionMismatch(t *testing.T) {
	tbl := &calibration.Table{}
	var buf bytes.Buffer
	require.NoError(t, calibration.Save(&buf, tbl))
	doc := strings.Replace(buf.String(), "version: 1", "version: 99", 1)

	_, err := calibration.Load(strings.NewReader(doc))
	var le *calibration.LoadError
	require.True(t, errors.As(err, &le), "expected LoadError, got %v", err)
	assert.Contains(t, le.Reason, "version")
}

func TestLoadRejectsChecksumMismatch(t *testing.T) {
	tbl := &calibration.Table{
		EOMs: map[string]calibration.EOMCal{"eom": {Correction: 1}},
	}
	var buf bytes.Buffer
	require.NoError(t, calibration.Save(&buf, tbl))
	doc := strings.Replace(buf.String(), "correction: 1", "correction: 9", 1)

	_, err := calibration.Load(strings.NewReader(doc))
	var le *calibration.LoadError
	require.True(t, errors.As(err, &le), "expected LoadError, got %v", err)
	assert.Contains(t, le.Reason, "checksum")
}

func TestLoadRejectsUnsortedEntries(t *testing.T) {
	// a hand-edited file can carry a valid checksum over out-of-order data
	cases := map[string]*calibration.Table{
		"rotator wavelengths": {
			Rotators: map[string]calibration.RotatorCal{
				"hwp": {Entries: []calibration.RotatorEntry{{Wavelength: 800}, {Wavelength: 700}}},
			},
		},
		"curve wavelengths": {
			EOMs: map[string]calibration.EOMCal{
				"eom": {Correction: 1, Curves: []calibration.EOMCurve{{Wavelength: 800}, {Wavelength: 700}}},
			},
		},
		"curve powers": {
			EOMs: map[string]calibration.EOMCal{
				"eom": {Correction: 1, Curves: []calibration.EOMCurve{{
					Wavelength: 800,
					Points: []calibration.VoltagePoint{
						{Power: 2, Drive: 2, Sense: 2},
						{Power: 1, Drive: 1, Sense: 1},
					},
				}}},
			},
		},
	}
	for name, tbl := range cases {
		var buf bytes.Buffer
		require.NoError(t, calibration.Save(&buf, tbl))
		_, err := calibration.Load(&buf)
		var le *calibration.LoadError
		require.True(t, errors.As(err, &le), "%s: expected LoadError, got %v", name, err)
		assert.Contains(t, le.Reason, "ascending", name)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	_, err := calibration.Load(strings.NewReader("{:not yaml::"))
	var le *calibration.LoadError
	assert.True(t, errors.As(err, &le))
}
