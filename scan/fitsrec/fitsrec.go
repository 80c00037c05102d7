// Package fitsrec records scan output as FITS files, one file per
// coordinate, in yyyy-mm-dd dated subfolders with an incrementing counter in
// the filename.  The per-coordinate metadata (setpoints, timestamps,
// convergence diagnostics) rides in the FITS header, so a file is
// self-describing even when separated from its scan.
package fitsrec

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/polarlab/rashgctl/scan"
)

// Recorder implements scan.Recorder on the local filesystem.
type Recorder struct {
	// Root is the folder dated subfolders are created under
	Root string

	// Prefix is the filename prefix, e.g. "rashg"
	Prefix string

	mu      sync.Mutex
	counter int
}

// New returns a Recorder writing under root.
func New(root, prefix string) *Recorder {
	return &Recorder{Root: root, Prefix: prefix}
}

func (r *Recorder) nextPath() (string, error) {
	now := time.Now()
	fldr := path.Join(r.Root, fmt.Sprintf("%04d-%02d-%02d", now.Year(), now.Month(), now.Day()))
	if err := os.MkdirAll(fldr, 0777); err != nil {
		return "", err
	}
	r.counter++
	return path.Join(fldr, fmt.Sprintf("%s_%06d.fits", r.Prefix, r.counter)), nil
}

func cards(rd scan.Reading) []fitsio.Card {
	out := []fitsio.Card{
		{Name: "WAVELEN", Value: rd.Coordinate.Wavelength, Comment: "source wavelength, nm"},
		{Name: "PWRSET", Value: rd.Coordinate.Power, Comment: "power setpoint"},
		{Name: "ANGLE", Value: rd.Coordinate.Angle, Comment: "analyzer angle, deg"},
		{Name: "PWRMEAN", Value: rd.Power.Mean, Comment: "measured power, mean"},
		{Name: "PWRVAR", Value: rd.Power.Variance, Comment: "measured power, sample variance"},
		{Name: "PDMEAN", Value: rd.Photodiode.Mean, Comment: "photodiode voltage, mean"},
		{Name: "PDVAR", Value: rd.Photodiode.Variance, Comment: "photodiode voltage, sample variance"},
		{Name: "CONVERGE", Value: rd.Converged, Comment: "power loop converged"},
		{Name: "PIDTICKS", Value: rd.Ticks, Comment: "power loop iterations"},
		{Name: "DATE-OBS", Value: rd.Timestamp.UTC().Format(time.RFC3339), Comment: "acquisition time, UTC"},
	}
	if rd.Frame != nil {
		out = append(out, fitsio.Card{Name: "EXPTIME", Value: rd.Frame.Exposure.Seconds(), Comment: "exposure, s"})
	}
	return out
}

// Record writes one coordinate's data.  Readings without a frame produce a
// header-only primary HDU carrying the metadata cards.
func (r *Recorder) Record(rd scan.Reading) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, err := r.nextPath()
	if err != nil {
		return err
	}
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer f.Close()

	fits, err := fitsio.Create(f)
	if err != nil {
		return err
	}
	defer fits.Close()

	dims := []int{}
	if rd.Frame != nil {
		dims = []int{rd.Frame.Width, rd.Frame.Height}
	}
	im := fitsio.NewImage(16, dims)
	defer im.Close()
	if err := im.Header().Append(cards(rd)...); err != nil {
		return err
	}
	if rd.Frame != nil {
		// FITS 16-bit images are signed; shift the unsigned pixel data the
		// conventional way with BZERO
		if err := im.Header().Append(
			fitsio.Card{Name: "BZERO", Value: 32768},
			fitsio.Card{Name: "BSCALE", Value: 1.0},
		); err != nil {
			return err
		}
		ints := make([]int16, len(rd.Frame.Pix))
		for i, v := range rd.Frame.Pix {
			ints[i] = int16(int32(v) - 32768)
		}
		if err := im.Write(ints); err != nil {
			return err
		}
	}
	return fits.Write(im)
}

// Skip records a coordinate that produced no data as a line in skipped.jsonl
// under the dated folder.  Missing points are never written as zeros.
func (r *Recorder) Skip(c scan.Coordinate, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	fldr := path.Join(r.Root, fmt.Sprintf("%04d-%02d-%02d", now.Year(), now.Month(), now.Day()))
	if err := os.MkdirAll(fldr, 0777); err != nil {
		return err
	}
	f, err := os.OpenFile(path.Join(fldr, "skipped.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(struct {
		Coordinate scan.Coordinate `json:"coordinate"`
		Error      string          `json:"error"`
		Time       time.Time       `json:"time"`
	}{c, cause.Error(), now})
}
