/*Package httpapi exposes the calibration store, sweep manager, power
controller and scan sequencer over HTTP.

One Server owns the bench.  Sweeps run synchronously on the request; scans run
in the background and are observed through /scan/status and stopped through
/scan/abort.  While either owns the hardware, the locker middleware bounces
mutating requests with 423.
*/
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi"
	"github.com/sirupsen/logrus"

	"github.com/polarlab/rashgctl/calibration"
	"github.com/polarlab/rashgctl/eom"
	"github.com/polarlab/rashgctl/generichttp"
	"github.com/polarlab/rashgctl/scan"
	"github.com/polarlab/rashgctl/server/middleware/locker"
	"github.com/polarlab/rashgctl/sweep"
	"github.com/polarlab/rashgctl/util"
)

// Server binds the bench's kernel types to HTTP routes.
type Server struct {
	// Store holds the live calibration table
	Store *calibration.Store

	// CalPath is the default path for load and save
	CalPath string

	// Sweeps runs rotator calibrations
	Sweeps *sweep.Manager

	// Power is the EOM power controller
	Power *eom.Controller

	// Scanner runs experiment sequences
	Scanner *scan.Sequencer

	Log logrus.FieldLogger

	// Lock is the bench lock middleware
	Lock *locker.Locker

	mu     sync.Mutex
	abort  context.CancelFunc
	routes generichttp.RouteTable
}

// New returns a Server with its route table and locker populated.
func New(store *calibration.Store, calPath string, sweeps *sweep.Manager, power *eom.Controller, scanner *scan.Sequencer, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		Store:   store,
		CalPath: calPath,
		Sweeps:  sweeps,
		Power:   power,
		Scanner: scanner,
		Log:     log,
	}
	s.Lock = locker.New()
	s.Lock.Busy = s.busy
	s.routes = generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/calibration"}:       s.GetCalibration,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/calibration/load"}: s.LoadCalibration,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/calibration/save"}: s.SaveCalibration,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/calibrate"}:        s.Calibrate,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/power"}:            s.SetPower,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/scan"}:             s.StartScan,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/scan/abort"}:       s.AbortScan,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/scan/status"}:       s.ScanStatus,
	}
	s.Lock.Inject(s)
	return s
}

// RT satisfies generichttp.HTTPer.
func (s *Server) RT() generichttp.RouteTable {
	return s.routes
}

// Mux returns a chi router with the lock middleware and all routes bound.
func (s *Server) Mux() chi.Router {
	r := chi.NewRouter()
	r.Use(s.Lock.Check)
	s.routes.Bind(r)
	return r
}

// busy reports whether a sweep or scan currently owns the bench.
func (s *Server) busy() bool {
	if s.Scanner != nil && s.Scanner.Status().Running {
		return true
	}
	if s.Sweeps != nil {
		switch s.Sweeps.State() {
		case sweep.Homing, sweep.Sweeping, sweep.Fitting, sweep.Validating:
			return true
		}
	}
	return false
}

func encodeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetCalibration returns the current table as JSON.
func (s *Server) GetCalibration(w http.ResponseWriter, r *http.Request) {
	t := s.Store.Current()
	if t == nil {
		http.Error(w, calibration.ErrNoTable.Error(), http.StatusNotFound)
		return
	}
	encodeJSON(w, t)
}

// pathOrDefault reads an optional {"str": path} body; an empty body selects
// the configured default path.
func (s *Server) pathOrDefault(r *http.Request) string {
	p := generichttp.StrT{}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Str == "" {
		return s.CalPath
	}
	return p.Str
}

// LoadCalibration loads a table from disk and swaps it in.
func (s *Server) LoadCalibration(w http.ResponseWriter, r *http.Request) {
	path := s.pathOrDefault(r)
	t, err := calibration.LoadFile(path)
	if err != nil {
		var le *calibration.LoadError
		if errors.As(err, &le) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.Store.Replace(t)
	s.Log.WithField("path", path).Info("calibration table loaded")
	w.WriteHeader(http.StatusOK)
}

// SaveCalibration writes the current table to disk.
func (s *Server) SaveCalibration(w http.ResponseWriter, r *http.Request) {
	t := s.Store.Current()
	if t == nil {
		http.Error(w, calibration.ErrNoTable.Error(), http.StatusNotFound)
		return
	}
	path := s.pathOrDefault(r)
	if err := calibration.SaveFile(path, t); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.Log.WithField("path", path).Info("calibration table saved")
	w.WriteHeader(http.StatusOK)
}

// Calibrate runs a full cross-calibration at json:f64 nanometers and folds the
// fits into the store.  The request blocks for the duration of the sweep.
func (s *Server) Calibrate(w http.ResponseWriter, r *http.Request) {
	f := generichttp.FloatT{}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	results, err := s.Sweeps.RunAll(r.Context(), f.F64)
	if err != nil {
		if errors.Is(err, sweep.ErrBusy) {
			http.Error(w, err.Error(), http.StatusLocked)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	tbl := s.Store.Current()
	for _, res := range results {
		var rc calibration.RotatorCal
		if tbl != nil {
			rc = tbl.Rotators[res.Axis]
		}
		s.Store.SetRotator(res.Axis, rc.WithEntry(res.Entry()))
	}
	encodeJSON(w, results)
}

// powerRequest is the body of POST /power.
type powerRequest struct {
	Wavelength float64 `json:"wavelength"`
	Power      float64 `json:"power"`
}

// SetPower closes the loop on optical power.  A loop that times out before
// converging still responds 200; clients check the converged field.
func (s *Server) SetPower(w http.ResponseWriter, r *http.Request) {
	req := powerRequest{}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.Power.SetPower(r.Context(), req.Wavelength, req.Power)
	if err != nil {
		var (
			re *calibration.RangeError
			te *eom.TimeoutError
		)
		switch {
		case errors.Is(err, eom.ErrBusy):
			http.Error(w, err.Error(), http.StatusLocked)
		case errors.Is(err, eom.ErrNoCalibration):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.As(err, &re):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.As(err, &te):
			encodeJSON(w, res)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	encodeJSON(w, res)
}

// scanRequest is the body of POST /scan.
type scanRequest struct {
	Wavelengths []float64 `json:"wavelengths"`
	Powers      []float64 `json:"powers"`
	Angles      []float64 `json:"angles"`
	SettleS     float64   `json:"settleS"`
	Samples     int       `json:"samples"`
}

// StartScan launches a scan in the background and returns immediately.
func (s *Server) StartScan(w http.ResponseWriter, r *http.Request) {
	req := scanRequest{}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Wavelengths) == 0 || len(req.Powers) == 0 || len(req.Angles) == 0 {
		http.Error(w, "wavelengths, powers and angles must all be non-empty", http.StatusBadRequest)
		return
	}
	plan := scan.Plan{
		Wavelengths: req.Wavelengths,
		Powers:      req.Powers,
		Angles:      req.Angles,
		Settle:      util.SecsToDuration(req.SettleS),
		Samples:     req.Samples,
	}

	s.mu.Lock()
	if s.abort != nil {
		s.mu.Unlock()
		http.Error(w, "a scan is already running", http.StatusLocked)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.abort = cancel
	s.mu.Unlock()

	go func() {
		err := s.Scanner.Run(ctx, plan)
		if err != nil {
			s.Log.WithError(err).Error("scan stopped")
		}
		s.mu.Lock()
		s.abort = nil
		s.mu.Unlock()
		cancel()
	}()
	w.WriteHeader(http.StatusAccepted)
}

// AbortScan cancels the running scan, if any.
func (s *Server) AbortScan(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	cancel := s.abort
	s.mu.Unlock()
	if cancel == nil {
		http.Error(w, "no scan is running", http.StatusNotFound)
		return
	}
	cancel()
	w.WriteHeader(http.StatusOK)
}

// ScanStatus returns scan progress.
func (s *Server) ScanStatus(w http.ResponseWriter, r *http.Request) {
	encodeJSON(w, s.Scanner.Status())
}
