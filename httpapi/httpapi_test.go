package httpapi_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polarlab/rashgctl/calibration"
	"github.com/polarlab/rashgctl/eom"
	"github.com/polarlab/rashgctl/httpapi"
	"github.com/polarlab/rashgctl/instrument/sim"
	"github.com/polarlab/rashgctl/malus"
	"github.com/polarlab/rashgctl/scan"
	"github.com/polarlab/rashgctl/sweep"
	"github.com/polarlab/rashgctl/util"
)

type memRecorder struct {
	readings []scan.Reading
	skips    []scan.Coordinate
}

func (m *memRecorder) Record(rd scan.Reading) error {
	m.readings = append(m.readings, rd)
	return nil
}

func (m *memRecorder) Skip(c scan.Coordinate, cause error) error {
	m.skips = append(m.skips, c)
	return nil
}

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func benchTable() *calibration.Table {
	return &calibration.Table{
		EOMs: map[string]calibration.EOMCal{
			"eom": {
				Correction: 1.0,
				Curves: []calibration.EOMCurve{
					{
						Wavelength: 800,
						Points: []calibration.VoltagePoint{
							{Power: 0, Drive: 0, Sense: 0},
							{Power: 5, Drive: 5, Sense: 5},
						},
					},
				},
			},
		},
		Rotators: map[string]calibration.RotatorCal{
			"analyzer": {Entries: []calibration.RotatorEntry{
				{Wavelength: 800, Fit: malus.Fit{A: 5, Phi: 15, C: 1, Valid: true}},
			}},
		},
	}
}

// bench wires a simulated bench to a Server and returns both.
func bench(t *testing.T) (*httpapi.Server, *memRecorder) {
	t.Helper()
	log := quietLog()
	store := calibration.NewStore(nil)

	rot := sim.NewRotator()
	meter := sim.NewMalusMeter(rot, 5, 15, 1, 0)
	mgr := sweep.New(
		[]sweep.Axis{{Name: "analyzer", Rotator: rot}},
		meter,
		sweep.Config{
			Angles:  util.Linspace(0, 340, 18),
			Samples: 1,
		},
		log,
	)

	plant := sim.NewEOM(1.0)
	ctl := eom.New(plant, plant, store, "eom", eom.Config{
		Gains:   eom.Gains{Kp: 0.6, Ki: 50},
		VMin:    0,
		VMax:    5,
		Window:  2,
		MinTick: time.Millisecond,
		Timeout: 5 * time.Second,
	}, log)

	rec := &memRecorder{}
	seq := scan.New(rec, log)
	seq.Laser = sim.NewLaser()
	seq.Power = ctl
	seq.Analyzer = sim.NewRotator()
	seq.Meter = meter
	seq.Photodiode = plant

	calPath := filepath.Join(t.TempDir(), "cal.yaml")
	return httpapi.New(store, calPath, mgr, ctl, seq, log), rec
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func TestCalibrationRoutes(t *testing.T) {
	srv, _ := bench(t)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/calibration")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no table yet")
	resp.Body.Close()

	srv.Store.Replace(benchTable())

	resp, err = http.Get(ts.URL + "/calibration")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var tbl calibration.Table
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tbl))
	resp.Body.Close()
	assert.Contains(t, tbl.EOMs, "eom")

	resp = postJSON(t, ts, "/calibration/save", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	srv.Store.Replace(&calibration.Table{})
	resp = postJSON(t, ts, "/calibration/load", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Contains(t, srv.Store.Current().EOMs, "eom", "load should restore the saved table")
}

func TestCalibrateFoldsFitsIntoStore(t *testing.T) {
	srv, _ := bench(t)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	resp := postJSON(t, ts, "/calibrate", map[string]float64{"f64": 800})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var results []sweep.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&results))
	resp.Body.Close()
	require.Len(t, results, 1)
	assert.InDelta(t, 15, results[0].Fit.Phi, 0.1)

	tbl := srv.Store.Current()
	require.NotNil(t, tbl)
	rc, ok := tbl.Rotator("analyzer")
	require.True(t, ok)
	require.Len(t, rc.Entries, 1)
	assert.InDelta(t, 15, rc.Entries[0].Fit.Phi, 0.1)
}

func TestSetPowerRoutes(t *testing.T) {
	srv, _ := bench(t)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	resp := postJSON(t, ts, "/power", map[string]float64{"wavelength": 800, "power": 2})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no calibration loaded")
	resp.Body.Close()

	srv.Store.Replace(benchTable())

	resp = postJSON(t, ts, "/power", map[string]float64{"wavelength": 800, "power": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res eom.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	resp.Body.Close()
	assert.True(t, res.Converged)

	resp = postJSON(t, ts, "/power", map[string]float64{"wavelength": 800, "power": 50})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "out of calibrated span")
	resp.Body.Close()
}

func TestScanLifecycle(t *testing.T) {
	srv, rec := bench(t)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()
	srv.Store.Replace(benchTable())

	resp := postJSON(t, ts, "/scan", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "empty plan")
	resp.Body.Close()

	resp = postJSON(t, ts, "/scan/abort", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "nothing to abort")
	resp.Body.Close()

	resp = postJSON(t, ts, "/scan", map[string]interface{}{
		"wavelengths": []float64{800},
		"powers":      []float64{2},
		"angles":      []float64{0, 90},
		"samples":     1,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	deadline := time.Now().Add(10 * time.Second)
	for {
		r, err := http.Get(ts.URL + "/scan/status")
		require.NoError(t, err)
		var st scan.Status
		require.NoError(t, json.NewDecoder(r.Body).Decode(&st))
		r.Body.Close()
		if !st.Running && st.Completed+st.Skipped == st.Total && st.Total > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("scan did not finish, status %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Len(t, rec.readings, 2)
}

func TestManualLockBouncesRequests(t *testing.T) {
	srv, _ := bench(t)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()
	srv.Store.Replace(benchTable())

	resp := postJSON(t, ts, "/lock", map[string]bool{"bool": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts, "/power", map[string]float64{"wavelength": 800, "power": 2})
	assert.Equal(t, http.StatusLocked, resp.StatusCode)
	resp.Body.Close()

	r, err := http.Get(ts.URL + "/scan/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, r.StatusCode, "status route is exempt from the lock")
	r.Body.Close()

	resp = postJSON(t, ts, "/lock", map[string]bool{"bool": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts, "/power", map[string]float64{"wavelength": 800, "power": 2})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
