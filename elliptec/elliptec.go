/*Package elliptec speaks the Thorlabs Elliptec ASCII protocol for ELL14
rotation mounts.

Commands are a single-character bus address, a two-letter mnemonic, and
hex-encoded data; replies mirror the shape.  Positions on the wire are signed
32-bit pulse counts, 143360 pulses per revolution on the ELL14.  Moves and
homes are answered only after the mechanics settle, so SetPosition and Home
block for the duration of the move.
*/
package elliptec

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tarm/serial"

	"github.com/polarlab/rashgctl/comm"
	"github.com/polarlab/rashgctl/instrument"
)

// PulsesPerRev is the encoder resolution of the ELL14 rotation stage.
const PulsesPerRev = 143360

// status codes returned by the GS reply
const (
	statusOK   = 0
	statusBusy = 9
)

var statusText = map[int]string{
	0:  "OK",
	1:  "COMMUNICATION TIMEOUT",
	2:  "MECHANICAL TIMEOUT",
	3:  "COMMAND ERROR OR NOT SUPPORTED",
	4:  "VALUE OUT OF RANGE",
	5:  "MODULE ISOLATED",
	6:  "MODULE OUT OF ISOLATION",
	7:  "INITIALIZING ERROR",
	8:  "THERMAL ERROR",
	9:  "BUSY",
	10: "SENSOR ERROR",
	11: "MOTOR ERROR",
	12: "OUT OF RANGE",
	13: "OVER CURRENT ERROR",
}

// StatusError is a nonzero status code returned by the mount.
type StatusError struct {
	Code int
}

func (e StatusError) Error() string {
	if s, ok := statusText[e.Code]; ok {
		return fmt.Sprintf("elliptec status %d - %s", e.Code, s)
	}
	return fmt.Sprintf("elliptec status %d - UNKNOWN", e.Code)
}

// ELL14 is one rotation mount on an Elliptec bus.  It implements
// instrument.Rotator.
type ELL14 struct {
	dev *comm.Device

	// Name identifies the mount in errors, e.g. "rot-hwp"
	Name string

	// Bus is the single-character bus address, '0' through 'F'
	Bus byte
}

// New returns an ELL14 on the given serial port and bus address.  The
// connection is not opened; call Open before use.
func New(portName string, bus byte, name string) *ELL14 {
	conf := &serial.Config{
		Name:     portName,
		Baud:     9600,
		Size:     8,
		Parity:   serial.ParityNone,
		StopBits: serial.Stop1}
	d := comm.NewSerial(conf)
	d.RxTerm = '\n'
	return &ELL14{dev: d, Bus: bus, Name: name}
}

// Open connects to the serial port.
func (e *ELL14) Open() error {
	return e.dev.Open()
}

// Close closes the serial port.
func (e *ELL14) Close() error {
	return e.dev.Close()
}

func (e *ELL14) hwerr(op string, fatal bool, err error) error {
	return &instrument.HardwareError{Device: e.Name, Op: op, Fatal: fatal, Err: err}
}

// txn runs one command and returns the reply mnemonic and data with the bus
// address and trailing CR stripped.
func (e *ELL14) txn(op, mnemonic string, data string) (string, string, error) {
	cmd := append([]byte{e.Bus}, []byte(mnemonic+data)...)
	resp, err := e.dev.Txn(cmd)
	if err != nil {
		return "", "", e.hwerr(op, true, err)
	}
	s := strings.TrimRight(string(resp), "\r")
	if len(s) < 3 {
		return "", "", e.hwerr(op, false, fmt.Errorf("short reply %q", s))
	}
	return s[1:3], s[3:], nil
}

// status parses a GS reply body.
func status(data string) (int, error) {
	code, err := strconv.ParseInt(data, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed status %q: %w", data, err)
	}
	return int(code), nil
}

func degToPulses(deg float64) int32 {
	p := deg / 360 * PulsesPerRev
	if p < 0 {
		return int32(p - 0.5)
	}
	return int32(p + 0.5)
}

func pulsesToDeg(p int32) float64 {
	return float64(p) / PulsesPerRev * 360
}

// parsePosition decodes an 8-hex-digit two's complement pulse count.
func parsePosition(data string) (int32, error) {
	if len(data) < 8 {
		return 0, fmt.Errorf("malformed position %q", data)
	}
	u, err := strconv.ParseUint(data[:8], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed position %q: %w", data, err)
	}
	return int32(u), nil
}

// checkReply interprets a reply that may be either a position echo or a
// status word.  Status replies other than OK and BUSY are errors.
func (e *ELL14) checkReply(op, mn, data string) error {
	switch mn {
	case "PO":
		return nil
	case "GS":
		code, err := status(data)
		if err != nil {
			return e.hwerr(op, false, err)
		}
		if code == statusOK || code == statusBusy {
			return nil
		}
		return e.hwerr(op, false, StatusError{Code: code})
	default:
		return e.hwerr(op, false, fmt.Errorf("unexpected reply %q", mn+data))
	}
}

// Home drives the mount to its reference position in the clockwise
// direction.  The mount answers when the home completes; ctx cancellation
// abandons the wait but cannot recall the motion.
func (e *ELL14) Home(ctx context.Context) error {
	type reply struct {
		mn, data string
		err      error
	}
	ch := make(chan reply, 1)
	go func() {
		mn, data, err := e.txn("home", "ho", "0")
		ch <- reply{mn, data, err}
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		return e.checkReply("home", r.mn, r.data)
	}
}

// SetPosition moves to an absolute angle in degrees.  The call returns when
// the move completes.
func (e *ELL14) SetPosition(deg float64) error {
	data := fmt.Sprintf("%08X", uint32(degToPulses(deg)))
	mn, body, err := e.txn("set-position", "ma", data)
	if err != nil {
		return err
	}
	return e.checkReply("set-position", mn, body)
}

// GetPosition returns the current angle in degrees.
func (e *ELL14) GetPosition() (float64, error) {
	mn, data, err := e.txn("get-position", "gp", "")
	if err != nil {
		return 0, err
	}
	if mn != "PO" {
		return 0, e.checkReply("get-position", mn, data)
	}
	p, err := parsePosition(data)
	if err != nil {
		return 0, e.hwerr("get-position", false, err)
	}
	return pulsesToDeg(p), nil
}

// Moving returns true while the mount reports BUSY.
func (e *ELL14) Moving() (bool, error) {
	mn, data, err := e.txn("moving", "gs", "")
	if err != nil {
		return false, err
	}
	if mn != "GS" {
		return false, e.hwerr("moving", false, fmt.Errorf("unexpected reply %q", mn+data))
	}
	code, err := status(data)
	if err != nil {
		return false, e.hwerr("moving", false, err)
	}
	switch code {
	case statusBusy:
		return true, nil
	case statusOK:
		return false, nil
	default:
		return false, e.hwerr("moving", false, StatusError{Code: code})
	}
}
