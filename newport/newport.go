/*Package newport provides an adapter for the Newport 1830-C optical power
meter.

The meter speaks a terse ASCII query language; commands are a letter or two,
queries end in '?'.  It is reached either directly over RS-232 or through a
port on a terminal server, so the constructor takes a flag for the transport.
*/
package newport

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tarm/serial"

	"github.com/polarlab/rashgctl/comm"
	"github.com/polarlab/rashgctl/instrument"
)

// Model1830C is a 1830-C power meter.  It implements instrument.PowerMeter
// and instrument.Wavelengther; the wavelength setting selects the detector's
// calibration point and must track the source.
type Model1830C struct {
	dev *comm.Device

	// Name identifies the meter in errors
	Name string
}

// New1830C returns a power meter reached at addr.  If serialMode is true,
// addr is a serial port name, otherwise a host:port on a terminal server.
// Call Open before use.
func New1830C(addr string, serialMode bool, name string) *Model1830C {
	var d *comm.Device
	if serialMode {
		d = comm.NewSerial(&serial.Config{Name: addr, Baud: 9600})
	} else {
		d = comm.NewTCP(addr)
	}
	d.RxTerm = '\n'
	return &Model1830C{dev: d, Name: name}
}

// Open connects to the meter.
func (m *Model1830C) Open() error {
	return m.dev.Open()
}

// Close closes the connection.
func (m *Model1830C) Close() error {
	return m.dev.Close()
}

func (m *Model1830C) hwerr(op string, fatal bool, err error) error {
	return &instrument.HardwareError{Device: m.Name, Op: op, Fatal: fatal, Err: err}
}

func (m *Model1830C) queryFloat(op, cmd string) (float64, error) {
	resp, err := m.dev.Txn([]byte(cmd))
	if err != nil {
		return 0, m.hwerr(op, true, err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(resp)), 64)
	if err != nil {
		return 0, m.hwerr(op, false, fmt.Errorf("malformed reply %q: %w", resp, err))
	}
	return v, nil
}

// ReadPower returns the displayed power in the meter's configured unit.
func (m *Model1830C) ReadPower() (instrument.Sample, error) {
	v, err := m.queryFloat("read-power", "D?")
	if err != nil {
		return instrument.Sample{}, err
	}
	return instrument.Sample{Mean: v, N: 1}, nil
}

// SetWavelength sets the detector calibration wavelength.  The meter only
// accepts whole nanometers; nm is rounded.
func (m *Model1830C) SetWavelength(nm float64) error {
	cmd := fmt.Sprintf("W%d", int(nm+0.5))
	if err := m.dev.Send([]byte(cmd)); err != nil {
		return m.hwerr("set-wavelength", true, err)
	}
	return nil
}

// GetWavelength returns the detector calibration wavelength in nanometers.
func (m *Model1830C) GetWavelength() (float64, error) {
	return m.queryFloat("get-wavelength", "W?")
}

// SetAttenuator switches the 1:100 attenuator compensation on or off.
func (m *Model1830C) SetAttenuator(on bool) error {
	cmd := "A0"
	if on {
		cmd = "A1"
	}
	if err := m.dev.Send([]byte(cmd)); err != nil {
		return m.hwerr("set-attenuator", true, err)
	}
	return nil
}

// SetUnits selects the display unit.  Valid units are W, dB, dBm and REL.
func (m *Model1830C) SetUnits(unit string) error {
	codes := map[string]int{"W": 1, "dB": 2, "dBm": 3, "REL": 4}
	code, ok := codes[unit]
	if !ok {
		return fmt.Errorf("unit %q is not one of W, dB, dBm, REL", unit)
	}
	if err := m.dev.Send([]byte(fmt.Sprintf("U%d", code))); err != nil {
		return m.hwerr("set-units", true, err)
	}
	return nil
}
