package main

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/polarlab/rashgctl/calibration"
	"github.com/polarlab/rashgctl/daq"
	"github.com/polarlab/rashgctl/elliptec"
	"github.com/polarlab/rashgctl/eom"
	"github.com/polarlab/rashgctl/instrument"
	"github.com/polarlab/rashgctl/instrument/sim"
	"github.com/polarlab/rashgctl/maitai"
	"github.com/polarlab/rashgctl/newport"
	"github.com/polarlab/rashgctl/scan"
	"github.com/polarlab/rashgctl/scan/fitsrec"
	"github.com/polarlab/rashgctl/sweep"
)

// bench collects the wired-up kernel types for one μRASHG bench, simulated
// or real.
type bench struct {
	store   *calibration.Store
	sweeps  *sweep.Manager
	power   *eom.Controller
	scanner *scan.Sequencer

	closers []io.Closer
}

func (b *bench) Close() {
	for _, c := range b.closers {
		c.Close()
	}
}

// buildBench constructs the bench described by c.  With c.Sim set, every
// instrument is simulated and the analyzer's power follows a Malus curve, so
// the whole stack can be exercised without hardware.
func buildBench(c config, log logrus.FieldLogger) (*bench, error) {
	if c.Sim {
		return buildSim(c, log), nil
	}
	return buildHardware(c, log)
}

func buildSim(c config, log logrus.FieldLogger) *bench {
	b := &bench{store: calibration.NewStore(nil)}

	axes := make([]sweep.Axis, 0, len(c.Rotators))
	var analyzer *sim.Rotator
	for _, rc := range c.Rotators {
		rot := sim.NewRotator()
		axes = append(axes, sweep.Axis{Name: rc.Name, Rotator: rot})
		if rc.Name == c.Scan.Analyzer || analyzer == nil {
			analyzer = rot
		}
	}
	meter := sim.NewMalusMeter(analyzer, 5, 15, 1, 0.001)
	plant := sim.NewEOM(1.0)
	laser := sim.NewLaser()

	b.sweeps = sweep.New(axes, meter, c.Sweep.toSweep(), log)
	b.power = eom.New(plant, plant, b.store, "eom", c.EOM.toEOM(), log)

	b.scanner = scan.New(fitsrec.New(c.Recorder.Root, c.Recorder.Prefix), log)
	b.scanner.Laser = laser
	b.scanner.Power = b.power
	b.scanner.Analyzer = analyzer
	b.scanner.Meter = meter
	b.scanner.Photodiode = plant
	return b
}

func buildHardware(c config, log logrus.FieldLogger) (*bench, error) {
	b := &bench{store: calibration.NewStore(nil)}
	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	axes := make([]sweep.Axis, 0, len(c.Rotators))
	var analyzer instrument.Rotator
	for _, rc := range c.Rotators {
		if rc.Bus == "" {
			return nil, fmt.Errorf("rotator %q has no bus address", rc.Name)
		}
		rot := elliptec.New(rc.Port, rc.Bus[0], rc.Name)
		if err := rot.Open(); err != nil {
			return nil, fmt.Errorf("opening rotator %q: %w", rc.Name, err)
		}
		b.closers = append(b.closers, rot)
		axes = append(axes, sweep.Axis{Name: rc.Name, Rotator: rot})
		if rc.Name == c.Scan.Analyzer || analyzer == nil {
			analyzer = rot
		}
	}
	if len(axes) == 0 {
		return nil, fmt.Errorf("no rotators configured")
	}

	meter := newport.New1830C(c.Meter.Addr, c.Meter.Serial, "power-meter")
	if err := meter.Open(); err != nil {
		return nil, fmt.Errorf("opening power meter: %w", err)
	}
	b.closers = append(b.closers, meter)

	box := daq.New(c.DAQ.Addr, c.DAQ.Serial, byte(c.DAQ.Bus), "daq")
	if err := box.Open(); err != nil {
		return nil, fmt.Errorf("opening daq: %w", err)
	}
	b.closers = append(b.closers, box)
	drive := daq.AnalogOut{Box: box, Channel: byte(c.DAQ.DriveChannel)}
	sense := daq.AnalogIn{Box: box, Channel: byte(c.DAQ.SenseChannel)}

	laser := maitai.New(c.Laser.Addr, "laser")
	if err := laser.Open(); err != nil {
		return nil, fmt.Errorf("opening laser: %w", err)
	}
	b.closers = append(b.closers, laser)

	b.sweeps = sweep.New(axes, meter, c.Sweep.toSweep(), log)
	b.power = eom.New(drive, sense, b.store, "eom", c.EOM.toEOM(), log)

	b.scanner = scan.New(fitsrec.New(c.Recorder.Root, c.Recorder.Prefix), log)
	b.scanner.Laser = laser
	b.scanner.Power = b.power
	b.scanner.Analyzer = analyzer
	b.scanner.Meter = meter
	b.scanner.Photodiode = sense
	ok = true
	return b, nil
}
