/*Package comm provides a terminator-framed connection type for the serial and
TCP instruments on the bench.

Device adapters embed Device and speak their protocol through Txn (write a
command, read one framed reply) or Send (write only).  The connection is
guarded by a mutex: a serial port cannot serve two concurrent commands, so
callers are serialized here rather than in every adapter.
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when Send or Txn is called before Open.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not
	// found in a response.
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Device is a connection to one instrument, either over RS-232 or TCP.
// The zero value is not usable; construct with NewSerial or NewTCP.
type Device struct {
	// Addr is the network address, for TCP devices
	Addr string

	// SerialConf is the port configuration, for serial devices
	SerialConf *serial.Config

	// TxTerm and RxTerm are the transmit and receive framing bytes
	TxTerm, RxTerm byte

	// Timeout bounds connection establishment and reads
	Timeout time.Duration

	mu   sync.Mutex
	conn io.ReadWriteCloser
}

// NewSerial returns a Device speaking over an RS-232 port.
func NewSerial(conf *serial.Config) *Device {
	return &Device{SerialConf: conf, TxTerm: '\r', RxTerm: '\r', Timeout: 3 * time.Second}
}

// NewTCP returns a Device speaking over a TCP socket, e.g. a port on a
// terminal server.
func NewTCP(addr string) *Device {
	return &Device{Addr: addr, TxTerm: '\r', RxTerm: '\r', Timeout: 3 * time.Second}
}

// Open establishes the connection.  Connection attempts are retried with
// exponential backoff; some of the bench hardware drops the first attempt
// after a power cycle.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return nil
	}
	wasTimeout := false
	op := func() error {
		err := d.open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") {
				return err
			}
			wasTimeout = true
			return nil
		}
		return nil
	}

	// backoff ceases on a timeout so we don't wait forever; check
	// wasTimeout afterward to distinguish the cases
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil && !wasTimeout {
		return nil
	}
	if wasTimeout {
		return fmt.Errorf("connection timeout to %s", d.label())
	}
	return err
}

func (d *Device) open() error {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	if d.SerialConf != nil {
		conn, err = serial.OpenPort(d.SerialConf)
	} else {
		conn, err = TCPSetup(d.Addr, d.Timeout)
	}
	if err != nil {
		return err
	}
	d.conn = conn
	return nil
}

func (d *Device) label() string {
	if d.SerialConf != nil {
		return d.SerialConf.Name
	}
	return d.Addr
}

// Close closes the connection.  The Device may be reopened.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	if err == nil {
		d.conn = nil
	}
	return err
}

// Send writes one command, appending the Tx terminator.
func (d *Device) Send(b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.send(b)
}

func (d *Device) send(b []byte) error {
	if d.conn == nil {
		return ErrNotConnected
	}
	d.refreshDeadline()
	b = append(b, d.TxTerm)
	_, err := d.conn.Write(b)
	return err
}

// refreshDeadline pushes the I/O deadline forward on TCP connections so a
// long-lived connection does not expire between transactions.
func (d *Device) refreshDeadline() {
	if conn, ok := d.conn.(net.Conn); ok {
		conn.SetDeadline(time.Now().Add(d.Timeout))
	}
}

// Txn writes one command and reads one reply, stripping the Rx terminator.
// The write and read happen under one lock acquisition so replies cannot be
// interleaved between callers.
func (d *Device) Txn(b []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.send(b); err != nil {
		return nil, err
	}
	return d.recv()
}

func (d *Device) recv() ([]byte, error) {
	if d.conn == nil {
		return nil, ErrNotConnected
	}
	buf, err := bufio.NewReader(d.conn).ReadBytes(d.RxTerm)
	if err != nil {
		return nil, err
	}
	if bytes.HasSuffix(buf, []byte{d.RxTerm}) {
		return buf[:len(buf)-1], nil
	}
	return buf, ErrTerminatorNotFound
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read,
// and write.
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
