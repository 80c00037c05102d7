/*Package maitai provides an adapter for Spectra-Physics Mai Tai tunable
Ti:sapphire lasers.

The laser speaks a SCPI-flavored ASCII protocol.  Wavelength replies carry a
"nm" unit suffix, which is stripped here.
*/
package maitai

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/polarlab/rashgctl/comm"
	"github.com/polarlab/rashgctl/instrument"
)

// Laser is a Mai Tai laser.  It implements instrument.Wavelengther.
type Laser struct {
	dev *comm.Device

	// Name identifies the laser in errors
	Name string
}

// New returns a Laser reached at a host:port on a terminal server.  Call
// Open before use.
func New(addr, name string) *Laser {
	d := comm.NewTCP(addr)
	d.TxTerm = '\n'
	d.RxTerm = '\n'
	return &Laser{dev: d, Name: name}
}

// Open connects to the laser.
func (l *Laser) Open() error {
	return l.dev.Open()
}

// Close closes the connection.
func (l *Laser) Close() error {
	return l.dev.Close()
}

func (l *Laser) hwerr(op string, fatal bool, err error) error {
	return &instrument.HardwareError{Device: l.Name, Op: op, Fatal: fatal, Err: err}
}

// parseWavelength strips the unit suffix from a reply like "800nm".
func parseWavelength(resp string) (float64, error) {
	s := strings.TrimSpace(resp)
	s = strings.TrimSuffix(s, "nm")
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("malformed wavelength reply %q: %w", resp, err)
	}
	return v, nil
}

// SetWavelength tunes the laser.  The laser accepts whole nanometers.
func (l *Laser) SetWavelength(nm float64) error {
	cmd := fmt.Sprintf("WAVelength %d", int(nm+0.5))
	if err := l.dev.Send([]byte(cmd)); err != nil {
		return l.hwerr("set-wavelength", true, err)
	}
	return nil
}

// GetWavelength returns the commanded wavelength in nanometers.
func (l *Laser) GetWavelength() (float64, error) {
	resp, err := l.dev.Txn([]byte("WAVelength?"))
	if err != nil {
		return 0, l.hwerr("get-wavelength", true, err)
	}
	v, err := parseWavelength(string(resp))
	if err != nil {
		return 0, l.hwerr("get-wavelength", false, err)
	}
	return v, nil
}

// SetShutter opens or closes the output shutter.
func (l *Laser) SetShutter(open bool) error {
	arg := 0
	if open {
		arg = 1
	}
	if err := l.dev.Send([]byte(fmt.Sprintf("SHUTter %d", arg))); err != nil {
		return l.hwerr("set-shutter", true, err)
	}
	return nil
}

// On enables emission.
func (l *Laser) On() error {
	if err := l.dev.Send([]byte("ON")); err != nil {
		return l.hwerr("on", true, err)
	}
	return nil
}

// Off disables emission.
func (l *Laser) Off() error {
	if err := l.dev.Send([]byte("OFF")); err != nil {
		return l.hwerr("off", true, err)
	}
	return nil
}
