package fitsrec_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polarlab/rashgctl/instrument"
	"github.com/polarlab/rashgctl/scan"
	"github.com/polarlab/rashgctl/scan/fitsrec"
)

func sampleReading(withFrame bool) scan.Reading {
	rd := scan.Reading{
		Coordinate: scan.Coordinate{Wavelength: 800, Power: 2, Angle: 45},
		Power:      instrument.Sample{Mean: 1.9, Variance: 1e-4, N: 5},
		Photodiode: instrument.Sample{Mean: 3.3, Variance: 1e-6, N: 5},
		Converged:  true,
		Ticks:      7,
		Timestamp:  time.Now(),
	}
	if withFrame {
		pix := make([]uint16, 16)
		for i := range pix {
			pix[i] = uint16(i * 1000)
		}
		rd.Frame = &scan.Frame{Width: 4, Height: 4, Pix: pix, Exposure: 10 * time.Millisecond}
	}
	return rd
}

func onlyFits(t *testing.T, root string) string {
	t.Helper()
	var found string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if strings.HasSuffix(p, ".fits") {
			found = p
		}
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, found, "no fits file written")
	return found
}

func TestRecordWritesFrameAndMetadata(t *testing.T) {
	root := t.TempDir()
	rec := fitsrec.New(root, "rashg")
	require.NoError(t, rec.Record(sampleReading(true)))

	f, err := os.Open(onlyFits(t, root))
	require.NoError(t, err)
	defer f.Close()
	fits, err := fitsio.Open(f)
	require.NoError(t, err)
	defer fits.Close()

	hdu := fits.HDU(0)
	hdr := hdu.Header()
	card := hdr.Get("WAVELEN")
	require.NotNil(t, card)
	assert.Equal(t, 800.0, card.Value)
	card = hdr.Get("PIDTICKS")
	require.NotNil(t, card)
	assert.Equal(t, 7, card.Value)
	assert.Equal(t, []int{4, 4}, hdr.Axes())
}

func TestRecordHeaderOnlyWithoutFrame(t *testing.T) {
	root := t.TempDir()
	rec := fitsrec.New(root, "rashg")
	require.NoError(t, rec.Record(sampleReading(false)))

	f, err := os.Open(onlyFits(t, root))
	require.NoError(t, err)
	defer f.Close()
	fits, err := fitsio.Open(f)
	require.NoError(t, err)
	defer fits.Close()

	hdr := fits.HDU(0).Header()
	require.NotNil(t, hdr.Get("PWRMEAN"))
	assert.Empty(t, hdr.Axes())
}

func TestSkipAppendsMissingRecord(t *testing.T) {
	root := t.TempDir()
	rec := fitsrec.New(root, "rashg")
	c := scan.Coordinate{Wavelength: 700, Power: 1, Angle: 10}
	require.NoError(t, rec.Skip(c, errors.New("stage fault")))
	require.NoError(t, rec.Skip(c, errors.New("stage fault again")))

	var lines string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if strings.HasSuffix(p, "skipped.jsonl") {
			b, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			lines = string(b)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(lines, "\n"))
	assert.Contains(t, lines, "stage fault")
}

func TestFilenamesIncrement(t *testing.T) {
	root := t.TempDir()
	rec := fitsrec.New(root, "rashg")
	require.NoError(t, rec.Record(sampleReading(false)))
	require.NoError(t, rec.Record(sampleReading(false)))

	count := 0
	filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if strings.HasSuffix(p, ".fits") {
			count++
		}
		return nil
	})
	assert.Equal(t, 2, count)
}
