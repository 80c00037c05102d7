package scan_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polarlab/rashgctl/calibration"
	"github.com/polarlab/rashgctl/eom"
	"github.com/polarlab/rashgctl/instrument"
	"github.com/polarlab/rashgctl/instrument/sim"
	"github.com/polarlab/rashgctl/scan"
)

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type memRecorder struct {
	mu       sync.Mutex
	readings []scan.Reading
	skips    []scan.Coordinate
	skipErrs []error
}

func (r *memRecorder) Record(rd scan.Reading) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings = append(r.readings, rd)
	return nil
}

func (r *memRecorder) Skip(c scan.Coordinate, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skips = append(r.skips, c)
	r.skipErrs = append(r.skipErrs, err)
	return nil
}

func benchStore() *calibration.Store {
	curve := func(wl float64) calibration.EOMCurve {
		c := calibration.EOMCurve{Wavelength: wl}
		for _, p := range []float64{0, 1, 2, 3, 4} {
			c.Points = append(c.Points, calibration.VoltagePoint{Power: p, Drive: p, Sense: p})
		}
		return c
	}
	s := calibration.NewStore(nil)
	s.SetEOM("eom", calibration.EOMCal{Correction: 1, Curves: []calibration.EOMCurve{curve(700), curve(800)}})
	return s
}

func bench(t *testing.T) (*scan.Sequencer, *memRecorder, *sim.Rotator, *sim.Laser, *sim.EOM) {
	t.Helper()
	plant := sim.NewEOM(1.0)
	rot := sim.NewRotator()
	laser := sim.NewLaser()
	meter := sim.NewMalusMeter(rot, 5, 15, 1, 0)
	rec := &memRecorder{}

	ctrl := eom.New(plant, plant, benchStore(), "eom", eom.Config{
		Gains: eom.Gains{Kp: 0.6, Ki: 50},
		VMin:  0, VMax: 5,
		Window:  2,
		MinTick: time.Millisecond,
		Timeout: time.Second,
	}, quietLog())

	seq := scan.New(rec, quietLog())
	seq.Laser = laser
	seq.Power = ctrl
	seq.Analyzer = rot
	seq.Meter = meter
	seq.Photodiode = plant
	return seq, rec, rot, laser, plant
}

func plan() scan.Plan {
	return scan.Plan{
		Wavelengths: []float64{800, 700},
		Powers:      []float64{1, 3, 2}, // deliberately unsorted
		Angles:      []float64{0, 90},
		Samples:     2,
	}
}

func TestScanVisitsPowersDescending(t *testing.T) {
	seq, rec, _, _, _ := bench(t)

	require.NoError(t, seq.Run(context.Background(), plan()))
	require.Len(t, rec.readings, 12)

	// within each wavelength, powers must descend
	var lastWl, lastPower float64
	for i, rd := range rec.readings {
		if i == 0 || rd.Coordinate.Wavelength != lastWl {
			lastWl = rd.Coordinate.Wavelength
			lastPower = rd.Coordinate.Power
			continue
		}
		assert.LessOrEqual(t, rd.Coordinate.Power, lastPower)
		lastPower = rd.Coordinate.Power
	}
}

func TestScanRecordsConvergenceDiagnostics(t *testing.T) {
	seq, rec, _, _, _ := bench(t)
	require.NoError(t, seq.Run(context.Background(), plan()))
	for _, rd := range rec.readings {
		assert.True(t, rd.Converged)
		assert.False(t, rd.Timestamp.IsZero())
		assert.Equal(t, 2, rd.Power.N)
	}
}

func TestScanSkipsBadPointAndContinues(t *testing.T) {
	seq, rec, rot, _, _ := bench(t)
	// fail a single move, then heal the rotator
	moveErr := errors.New("stage fault")
	rot.FailMove = moveErr
	go func() {
		time.Sleep(20 * time.Millisecond)
		rot.Lock()
		rot.FailMove = nil
		rot.Unlock()
	}()

	require.NoError(t, seq.Run(context.Background(), plan()))
	total := len(rec.readings) + len(rec.skips)
	assert.Equal(t, 12, total)
	assert.NotEmpty(t, rec.skips, "expected at least one skipped coordinate")
	for _, err := range rec.skipErrs {
		assert.Error(t, err)
	}
	st := seq.Status()
	assert.False(t, st.Running)
	assert.Equal(t, len(rec.skips), st.Skipped)
	assert.Equal(t, len(rec.readings), st.Completed)
}

func TestScanFatalErrorStops(t *testing.T) {
	seq, rec, _, laser, _ := bench(t)
	laser.FailSet = errors.New("no response from source")

	err := seq.Run(context.Background(), plan())
	require.Error(t, err)
	assert.True(t, instrument.IsFatal(err))
	assert.Empty(t, rec.readings)
}

func TestScanStopsWhenAnalyzerIsGone(t *testing.T) {
	seq, rec, rot, _, _ := bench(t)
	rot.FailMove = &instrument.HardwareError{
		Device: "analyzer", Op: "set-position", Fatal: true,
		Err: errors.New("no response from stage"),
	}

	err := seq.Run(context.Background(), plan())
	require.Error(t, err)
	assert.True(t, instrument.IsFatal(err), "fatal bit lost while wrapping: %v", err)
	assert.Empty(t, rec.readings)
	assert.Empty(t, rec.skips, "fatal errors must stop the scan, not skip points")
}

func TestScanAbortReturnsPromptly(t *testing.T) {
	seq, _, _, _, _ := bench(t)
	p := plan()
	p.Settle = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- seq.Run(ctx, p) }()
	time.Sleep(25 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("abort not honored")
	}
	assert.False(t, seq.Status().Running)
}

type fakeFrames struct{ n int }

func (f *fakeFrames) Snap() (*scan.Frame, error) {
	f.n++
	return &scan.Frame{Width: 4, Height: 4, Pix: make([]uint16, 16), Exposure: time.Millisecond}, nil
}

func TestScanCapturesFramesWhenSourcePresent(t *testing.T) {
	seq, rec, _, _, _ := bench(t)
	frames := &fakeFrames{}
	seq.Frames = frames

	require.NoError(t, seq.Run(context.Background(), plan()))
	assert.Equal(t, 12, frames.n)
	for _, rd := range rec.readings {
		require.NotNil(t, rd.Frame)
		assert.Equal(t, 4, rd.Frame.Width)
	}
}
