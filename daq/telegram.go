package daq

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/snksoft/crc"
)

// Telegrams are encoded as [SOT] [ADDR] [OP] [CHANNEL] [0..n data bytes]
// [CRC-hi] [CRC-lo] [EOT].  The CRC is CRC-16/XMODEM over ADDR through the
// last data byte.  Bytes that collide with the framing set are escaped by
// ESC followed by the byte plus escShift.
const (
	telStart = 0x0D
	telEnd   = 0x0A

	escMarker = 0x5E
	escShift  = 0x40
)

// operation codes
const (
	OpRead  byte = 0x01
	OpWrite byte = 0x02
	OpAck   byte = 0x03
	OpNack  byte = 0x04
)

var (
	framingSet = []byte{telStart, telEnd, escMarker}

	crcTable = crc.NewTable(crc.XMODEM)
)

// Frame is one telegram before packing or after decoding.
type Frame struct {
	Addr, Op, Channel byte
	Data              []byte
}

func escape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if bytes.IndexByte(framingSet, b) >= 0 {
			out = append(out, escMarker, b+escShift)
		} else {
			out = append(out, b)
		}
	}
	return out
}

func unescape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	shift := false
	for _, b := range data {
		if b == escMarker {
			shift = true
			continue
		}
		if shift {
			b -= escShift
			shift = false
		}
		out = append(out, b)
	}
	return out
}

// Encode packs the frame with its CRC.  The trailing EOT is left off; the
// transport appends it as the transmit terminator.
func (f Frame) Encode() []byte {
	body := append([]byte{f.Addr, f.Op, f.Channel}, f.Data...)
	c := uint16(crcTable.CalculateCRC(body))
	body = append(body, byte(c>>8), byte(c))
	out := append([]byte{telStart}, escape(body)...)
	return out
}

// Decode unpacks a received telegram.  The input may carry the SOT and EOT
// bytes or have them already stripped by the transport.
func Decode(raw []byte) (Frame, error) {
	if i := bytes.IndexByte(raw, telStart); i >= 0 {
		raw = raw[i+1:]
	}
	if i := bytes.IndexByte(raw, telEnd); i >= 0 {
		raw = raw[:i]
	}
	body := unescape(raw)
	if len(body) < 5 {
		return Frame{}, fmt.Errorf("telegram too short, %d bytes after unescaping", len(body))
	}
	split := len(body) - 2
	want := uint16(body[split])<<8 | uint16(body[split+1])
	got := uint16(crcTable.CalculateCRC(body[:split]))
	if want != got {
		return Frame{}, fmt.Errorf("telegram CRC mismatch, want %04X got %04X", want, got)
	}
	return Frame{
		Addr:    body[0],
		Op:      body[1],
		Channel: body[2],
		Data:    body[3:split],
	}, nil
}

// counts are signed 16-bit over a +/-10V span
const (
	voltSpan   = 10.0
	countsFull = 32768.0
)

func voltsToCounts(v float64) int16 {
	c := v / voltSpan * countsFull
	if c > 32767 {
		c = 32767
	}
	if c < -32768 {
		c = -32768
	}
	if c < 0 {
		return int16(c - 0.5)
	}
	return int16(c + 0.5)
}

func countsToVolts(c int16) float64 {
	return float64(c) / countsFull * voltSpan
}

func putCounts(v float64) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(voltsToCounts(v)))
	return b
}

func getCounts(b []byte) (float64, error) {
	if len(b) != 2 {
		return 0, fmt.Errorf("expected 2 data bytes, got %d", len(b))
	}
	return countsToVolts(int16(binary.BigEndian.Uint16(b))), nil
}
