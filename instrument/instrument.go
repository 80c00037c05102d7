// Package instrument defines the capability interfaces the calibration and
// control kernel consumes.  Each physical device on the bench (rotation mount,
// power meter, analog I/O box, laser) is wrapped by an adapter implementing
// one or more of these interfaces; the kernel never talks to a vendor
// protocol directly.
package instrument

import (
	"context"
	"errors"
	"fmt"
)

// Sample is a (possibly averaged) reading from a sensor.
type Sample struct {
	// Mean is the average of the samples taken
	Mean float64

	// Variance is the sample variance; zero when N == 1
	Variance float64

	// N is the number of raw readings folded into the sample
	N int
}

// Rotator is a motorized rotation mount holding a waveplate or polarizer.
// Positions are in degrees.
type Rotator interface {
	// Home drives the mount to its reference position.  The call commands
	// the move; settling is observed through Moving.
	Home(ctx context.Context) error

	// SetPosition moves the mount to an absolute angle in degrees
	SetPosition(deg float64) error

	// GetPosition returns the current angle in degrees
	GetPosition() (float64, error)

	// Moving returns true while the mount has not settled
	Moving() (bool, error)
}

// PowerMeter reads optical power in the measurement arm.
type PowerMeter interface {
	// ReadPower returns one power reading in the meter's configured unit
	ReadPower() (Sample, error)
}

// VoltageSource drives an analog output, e.g. the EOM amplifier input.
type VoltageSource interface {
	// SetVoltage applies an output voltage
	SetVoltage(v float64) error
}

// VoltageReader reads an analog input, e.g. the feedback photodiode.
type VoltageReader interface {
	// ReadVoltage reads n raw samples and returns their aggregate
	ReadVoltage(n int) (Sample, error)
}

// Wavelengther tunes and reports the source wavelength in nanometers.
type Wavelengther interface {
	SetWavelength(nm float64) error
	GetWavelength() (float64, error)
}

// HardwareError wraps a device communication failure.  Fatal marks errors the
// caller cannot usefully continue past, e.g. total loss of communication, as
// opposed to a single failed move or read.
type HardwareError struct {
	// Device identifies the instrument, e.g. "rot-hwp"
	Device string

	// Op is the operation that failed, e.g. "set-position"
	Op string

	// Fatal indicates the device is gone, not merely that one command failed
	Fatal bool

	// Err is the underlying error
	Err error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Device, e.Op, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }

// IsFatal returns true if err wraps a HardwareError with Fatal set.
func IsFatal(err error) bool {
	var hw *HardwareError
	if errors.As(err, &hw) {
		return hw.Fatal
	}
	return false
}

// Fail wraps err with device and op context.  The Fatal bit of any
// HardwareError already in the chain is carried onto the new wrapper so
// that IsFatal sees it on the outermost error.
func Fail(device, op string, err error) error {
	var hw *HardwareError
	fatal := false
	if errors.As(err, &hw) {
		fatal = hw.Fatal
	}
	return &HardwareError{Device: device, Op: op, Fatal: fatal, Err: err}
}
