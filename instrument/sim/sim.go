// Package sim provides a simulated bench: rotation mounts, a power meter
// driven by a Malus curve, and an EOM plant with a static gain.  It backs the
// test suite and lets the server run without hardware attached.
package sim

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/polarlab/rashgctl/instrument"
)

// Rotator is a simulated rotation mount.  Moves complete after SettleTime;
// the zero value settles instantly.
type Rotator struct {
	sync.Mutex

	// SettleTime is how long Moving reports true after a command
	SettleTime time.Duration

	// HomeTime is how long homing takes; StuckHoming makes homing never
	// settle, for timeout tests
	HomeTime    time.Duration
	StuckHoming bool

	// FailMove, when non-nil, is returned by SetPosition
	FailMove error

	pos       float64
	busyUntil time.Time
}

// NewRotator returns a rotator that settles instantly.
func NewRotator() *Rotator { return &Rotator{} }

func (r *Rotator) Home(ctx context.Context) error {
	r.Lock()
	defer r.Unlock()
	r.pos = 0
	if r.StuckHoming {
		r.busyUntil = time.Now().Add(24 * time.Hour)
	} else {
		r.busyUntil = time.Now().Add(r.HomeTime)
	}
	return nil
}

func (r *Rotator) SetPosition(deg float64) error {
	r.Lock()
	defer r.Unlock()
	if r.FailMove != nil {
		return r.FailMove
	}
	r.pos = deg
	r.busyUntil = time.Now().Add(r.SettleTime)
	return nil
}

func (r *Rotator) GetPosition() (float64, error) {
	r.Lock()
	defer r.Unlock()
	return r.pos, nil
}

func (r *Rotator) Moving() (bool, error) {
	r.Lock()
	defer r.Unlock()
	return time.Now().Before(r.busyUntil), nil
}

// MalusMeter is a power meter whose reading follows a Malus curve of the
// attached rotator's position: P = A·cos²(θ−Phi) + C, plus Gaussian noise.
type MalusMeter struct {
	Rotator *Rotator
	A, Phi  float64
	C       float64
	Noise   float64

	// FailRead, when non-nil, is returned by ReadPower
	FailRead error

	mu  sync.Mutex
	rng *rand.Rand
}

// NewMalusMeter returns a meter with a deterministic noise source.
func NewMalusMeter(rot *Rotator, a, phi, c, noise float64) *MalusMeter {
	return &MalusMeter{Rotator: rot, A: a, Phi: phi, C: c, Noise: noise, rng: rand.New(rand.NewSource(42))}
}

func (m *MalusMeter) ReadPower() (instrument.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailRead != nil {
		return instrument.Sample{}, m.FailRead
	}
	pos, err := m.Rotator.GetPosition()
	if err != nil {
		return instrument.Sample{}, err
	}
	cth := math.Cos((pos - m.Phi) * math.Pi / 180)
	p := m.A*cth*cth + m.C
	if m.Noise > 0 && m.rng != nil {
		p += m.rng.NormFloat64() * m.Noise
	}
	return instrument.Sample{Mean: p, N: 1, Variance: m.Noise * m.Noise}, nil
}

// EOM is a simulated EOM + photodiode plant.  The photodiode (sense) voltage
// responds to the drive voltage with a static gain:
//
//	sense = Gain·drive + Offset (+ noise)
type EOM struct {
	sync.Mutex

	Gain   float64
	Offset float64
	Noise  float64

	// FailWrite, when non-nil, is returned by SetVoltage
	FailWrite error

	drive  float64
	writes int
	rng    *rand.Rand
}

// NewEOM returns a plant with the given static gain and no noise.
func NewEOM(gain float64) *EOM {
	return &EOM{Gain: gain, rng: rand.New(rand.NewSource(7))}
}

func (e *EOM) SetVoltage(v float64) error {
	e.Lock()
	defer e.Unlock()
	if e.FailWrite != nil {
		return e.FailWrite
	}
	e.drive = v
	e.writes++
	return nil
}

// Drive returns the last commanded drive voltage.
func (e *EOM) Drive() float64 {
	e.Lock()
	defer e.Unlock()
	return e.drive
}

// Writes returns how many times SetVoltage has been called.
func (e *EOM) Writes() int {
	e.Lock()
	defer e.Unlock()
	return e.writes
}

func (e *EOM) ReadVoltage(n int) (instrument.Sample, error) {
	e.Lock()
	defer e.Unlock()
	if n < 1 {
		n = 1
	}
	sense := e.Gain*e.drive + e.Offset
	var sum, sumsq float64
	for i := 0; i < n; i++ {
		v := sense
		if e.Noise > 0 && e.rng != nil {
			v += e.rng.NormFloat64() * e.Noise
		}
		sum += v
		sumsq += v * v
	}
	mean := sum / float64(n)
	variance := 0.
	if n > 1 {
		variance = (sumsq - float64(n)*mean*mean) / float64(n-1)
	}
	return instrument.Sample{Mean: mean, Variance: variance, N: n}, nil
}

// Laser is a simulated tunable source.
type Laser struct {
	sync.Mutex

	// FailSet, when non-nil, is returned by SetWavelength
	FailSet error

	nm float64
}

// NewLaser returns a laser parked at 800 nm.
func NewLaser() *Laser { return &Laser{nm: 800} }

func (l *Laser) SetWavelength(nm float64) error {
	l.Lock()
	defer l.Unlock()
	if l.FailSet != nil {
		return l.FailSet
	}
	l.nm = nm
	return nil
}

func (l *Laser) GetWavelength() (float64, error) {
	l.Lock()
	defer l.Unlock()
	return l.nm, nil
}
