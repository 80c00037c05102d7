package calibration

import (
	"fmt"
	"io"
	"os"

	"github.com/snksoft/crc"
	"gopkg.in/yaml.v2"
)

// FileVersion is the schema version written to calibration files.  Loaders
// reject any other version rather than guessing at field meanings.
const FileVersion = 1

// LoadError is generated when a calibration file cannot be trusted.  A bad
// file never falls back to defaults; defaults could exceed laser safety
// limits.
type LoadError struct {
	Path   string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("calibration load: %s", e.Reason)
	}
	return fmt.Sprintf("calibration load %s: %s", e.Path, e.Reason)
}

func (e *LoadError) Unwrap() error { return e.Err }

// envelope is the on-disk document: a version, an integrity word over the
// serialized table, and the table itself.
type envelope struct {
	Version  int    `yaml:"version"`
	Checksum string `yaml:"checksum"`
	Table    *Table `yaml:"table"`
}

func checksum(t *Table) (string, error) {
	body, err := yaml.Marshal(t)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04X", crc.CalculateCRC(crc.XMODEM, body)), nil
}

// Save writes the table as a versioned YAML document with a CRC-16 integrity
// word.
func Save(w io.Writer, t *Table) error {
	sum, err := checksum(t)
	if err != nil {
		return err
	}
	return yaml.NewEncoder(w).Encode(envelope{
		Version:  FileVersion,
		Checksum: sum,
		Table:    t,
	})
}

// Load reads a table written by Save, failing with a *LoadError on a
// malformed document, a version mismatch, or a checksum mismatch.
func Load(r io.Reader) (*Table, error) {
	var env envelope
	if err := yaml.NewDecoder(r).Decode(&env); err != nil {
		return nil, &LoadError{Reason: "malformed document", Err: err}
	}
	if env.Version != FileVersion {
		return nil, &LoadError{Reason: fmt.Sprintf("schema version %d, loader supports %d", env.Version, FileVersion)}
	}
	if env.Table == nil {
		return nil, &LoadError{Reason: "document has no table"}
	}
	sum, err := checksum(env.Table)
	if err != nil {
		return nil, &LoadError{Reason: "checksum recomputation failed", Err: err}
	}
	if sum != env.Checksum {
		return nil, &LoadError{Reason: fmt.Sprintf("checksum mismatch, file says %s, contents say %s", env.Checksum, sum)}
	}
	if err := validateOrder(env.Table); err != nil {
		return nil, &LoadError{Reason: err.Error()}
	}
	return env.Table, nil
}

// validateOrder rejects tables whose entries are out of order.  Lookups
// binary-search and range-check against the first and last elements, so a
// hand-edited file with unsorted curves would silently corrupt them.
func validateOrder(t *Table) error {
	for id, rc := range t.Rotators {
		for i := 1; i < len(rc.Entries); i++ {
			if rc.Entries[i].Wavelength <= rc.Entries[i-1].Wavelength {
				return fmt.Errorf("rotator %s: entries not strictly ascending by wavelength at index %d", id, i)
			}
		}
	}
	for id, ec := range t.EOMs {
		for i, c := range ec.Curves {
			if i > 0 && c.Wavelength <= ec.Curves[i-1].Wavelength {
				return fmt.Errorf("eom %s: curves not strictly ascending by wavelength at index %d", id, i)
			}
			for j := 1; j < len(c.Points); j++ {
				if c.Points[j].Power <= c.Points[j-1].Power {
					return fmt.Errorf("eom %s: curve at %g nm not strictly ascending by power at index %d", id, c.Wavelength, j)
				}
			}
		}
	}
	return nil
}

// SaveFile writes the table to a path.
func SaveFile(path string, t *Table) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Save(f, t)
}

// LoadFile reads a table from a path.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Path: path, Reason: "cannot open", Err: err}
	}
	defer f.Close()
	t, err := Load(f)
	if err != nil {
		if le, ok := err.(*LoadError); ok {
			le.Path = path
			return nil, le
		}
		return nil, err
	}
	return t, nil
}
