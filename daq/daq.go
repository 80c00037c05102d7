/*Package daq operates the analog I/O box carrying the EOM drive output and
the feedback photodiode input.

The box speaks framed binary telegrams with a CRC-16 integrity word.  Analog
values on the wire are signed 16-bit counts over a +/-10V span.  A DAQ wraps
the connection; AnalogOut and AnalogIn bind a channel number to the kernel's
VoltageSource and VoltageReader interfaces.
*/
package daq

import (
	"fmt"

	"github.com/tarm/serial"
	"gonum.org/v1/gonum/stat"

	"github.com/polarlab/rashgctl/comm"
	"github.com/polarlab/rashgctl/instrument"
)

// DAQ is one analog I/O box on a serial line or terminal server port.
type DAQ struct {
	dev *comm.Device

	// Name identifies the box in errors
	Name string

	// Addr is the box's bus address
	Addr byte
}

// New returns a DAQ reached at addr.  If serialMode is true, addr is a
// serial port name, otherwise a host:port.  Call Open before use.
func New(addr string, serialMode bool, busAddr byte, name string) *DAQ {
	var d *comm.Device
	if serialMode {
		d = comm.NewSerial(&serial.Config{Name: addr, Baud: 115200})
	} else {
		d = comm.NewTCP(addr)
	}
	d.TxTerm = telEnd
	d.RxTerm = telEnd
	return &DAQ{dev: d, Addr: busAddr, Name: name}
}

// Open connects to the box.
func (d *DAQ) Open() error {
	return d.dev.Open()
}

// Close closes the connection.
func (d *DAQ) Close() error {
	return d.dev.Close()
}

func (d *DAQ) hwerr(op string, fatal bool, err error) error {
	return &instrument.HardwareError{Device: d.Name, Op: op, Fatal: fatal, Err: err}
}

// txn sends one frame and decodes the box's reply.
func (d *DAQ) txn(op string, f Frame) (Frame, error) {
	raw, err := d.dev.Txn(f.Encode())
	if err != nil {
		return Frame{}, d.hwerr(op, true, err)
	}
	resp, err := Decode(raw)
	if err != nil {
		return Frame{}, d.hwerr(op, false, err)
	}
	if resp.Op == OpNack {
		return Frame{}, d.hwerr(op, false, fmt.Errorf("channel %d refused the command", f.Channel))
	}
	return resp, nil
}

// write sets one output channel.
func (d *DAQ) write(ch byte, v float64) error {
	resp, err := d.txn("set-voltage", Frame{Addr: d.Addr, Op: OpWrite, Channel: ch, Data: putCounts(v)})
	if err != nil {
		return err
	}
	if resp.Op != OpAck {
		return d.hwerr("set-voltage", false, fmt.Errorf("expected ack, got op %02X", resp.Op))
	}
	return nil
}

// read samples one input channel once.
func (d *DAQ) read(ch byte) (float64, error) {
	resp, err := d.txn("read-voltage", Frame{Addr: d.Addr, Op: OpRead, Channel: ch})
	if err != nil {
		return 0, err
	}
	v, err := getCounts(resp.Data)
	if err != nil {
		return 0, d.hwerr("read-voltage", false, err)
	}
	return v, nil
}

// AnalogOut is one output channel.  It implements instrument.VoltageSource.
type AnalogOut struct {
	Box     *DAQ
	Channel byte
}

// SetVoltage applies v to the channel.
func (a AnalogOut) SetVoltage(v float64) error {
	return a.Box.write(a.Channel, v)
}

// AnalogIn is one input channel.  It implements instrument.VoltageReader.
type AnalogIn struct {
	Box     *DAQ
	Channel byte
}

// ReadVoltage takes n samples and folds them into one aggregate.
func (a AnalogIn) ReadVoltage(n int) (instrument.Sample, error) {
	if n < 1 {
		n = 1
	}
	vals := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		v, err := a.Box.read(a.Channel)
		if err != nil {
			return instrument.Sample{}, err
		}
		vals = append(vals, v)
	}
	if len(vals) == 1 {
		return instrument.Sample{Mean: vals[0], N: 1}, nil
	}
	mean, variance := stat.MeanVariance(vals, nil)
	return instrument.Sample{Mean: mean, Variance: variance, N: len(vals)}, nil
}
