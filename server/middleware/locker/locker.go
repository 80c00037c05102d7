// Package locker provides an HTTP middleware which allows a route table to be
// locked, returning 423 (locked).  The bench serializes sweeps and scans
// internally; this middleware surfaces that ownership to HTTP clients and
// additionally supports a manual lock for maintenance.
package locker

import (
	"net/http"
	"strings"
	"sync"

	"github.com/polarlab/rashgctl/generichttp"
)

// Locker guards a route table.  Requests are bounced with 423 while the
// manual lock is held or while Busy reports the bench is owned.
type Locker struct {
	mu     sync.Mutex
	manual bool

	// Busy reports transient ownership, e.g. a sweep or scan in flight.
	// May be nil.
	Busy func() bool

	// DoNotProtect is a list of path fragments the lock does not apply to
	DoNotProtect []string
}

// New returns a Locker with lock manipulation and status routes exempted.
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock", "status", "abort"}}
}

// Lock engages the manual lock.
func (l *Locker) Lock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.manual = true
}

// Unlock releases the manual lock.
func (l *Locker) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.manual = false
}

// Locked returns true if requests would currently be bounced.
func (l *Locker) Locked() bool {
	l.mu.Lock()
	manual := l.manual
	l.mu.Unlock()
	if manual {
		return true
	}
	return l.Busy != nil && l.Busy()
}

// Check is an HTTP middleware that returns http.StatusLocked if Locked() is
// true, otherwise passes down the line.
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() {
			protected := true
			url := r.URL.Path
			for _, str := range l.DoNotProtect {
				if strings.Contains(url, str) {
					protected = false
				}
			}
			if protected {
				w.WriteHeader(http.StatusLocked)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Inject adds GET and POST /lock routes to an HTTPer's table.
func (l *Locker) Inject(other generichttp.HTTPer) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}

// HTTPSet engages or releases the manual lock based on json:bool in the body.
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	set := func(b bool) error {
		if b {
			l.Lock()
		} else {
			l.Unlock()
		}
		return nil
	}
	generichttp.SetBool(set)(w, r)
}

// HTTPGet returns Locked() over HTTP as JSON.
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	generichttp.GetBool(func() (bool, error) { return l.Locked(), nil })(w, r)
}
