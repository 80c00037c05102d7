// Command rashgctl runs the μRASHG bench: rotator calibration sweeps, the
// EOM power loop, and polarization-resolved scans, with an HTTP interface
// for clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"

	"github.com/polarlab/rashgctl/calibration"
	"github.com/polarlab/rashgctl/httpapi"
)

// Version is the version number.  Typically injected via ldflags with git build
var Version = "dev"

var logLevel = "info"

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

// loadTable loads the calibration file into the store if the file exists.
// A file that exists but does not load cleanly is fatal; an uncalibrated
// bench must be visible, not defaulted over.
func loadTable(b *bench, path string, log logrus.FieldLogger) error {
	if _, err := os.Stat(path); err != nil {
		log.WithField("path", path).Warn("no calibration file, starting uncalibrated")
		return nil
	}
	t, err := calibration.LoadFile(path)
	if err != nil {
		return err
	}
	b.store.Replace(t)
	log.WithField("path", path).Info("calibration table loaded")
	return nil
}

func runServer(c config, log logrus.FieldLogger) error {
	b, err := buildBench(c, log)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := loadTable(b, c.CalFile, log); err != nil {
		return err
	}
	srv := httpapi.New(b.store, c.CalFile, b.sweeps, b.power, b.scanner, log)
	log.WithField("addr", c.Addr).Info("now listening for requests")
	return http.ListenAndServe(c.Addr, srv.Mux())
}

func runCalibrate(c config, wavelength float64, log logrus.FieldLogger) error {
	b, err := buildBench(c, log)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := loadTable(b, c.CalFile, log); err != nil {
		return err
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[59],
		Suffix:          " calibrating",
		SuffixAutoColon: true,
		Message:         fmt.Sprintf("%d axes at %.0f nm", len(b.sweeps.Axes), wavelength),
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
	})
	if err != nil {
		return err
	}
	spinner.Start()
	results, err := b.sweeps.RunAll(context.Background(), wavelength)
	if err != nil {
		spinner.StopFail()
		return err
	}
	spinner.Stop()

	for _, res := range results {
		var rc calibration.RotatorCal
		if t := b.store.Current(); t != nil {
			rc = t.Rotators[res.Axis]
		}
		b.store.SetRotator(res.Axis, rc.WithEntry(res.Entry()))
		fmt.Printf("%-12s A=%.4f phi=%.3f deg C=%.4f R2=%.5f\n",
			res.Axis, res.Fit.A, res.Fit.Phi, res.Fit.C, res.Fit.R2)
	}
	if err := calibration.SaveFile(c.CalFile, b.store.Current()); err != nil {
		return err
	}
	fmt.Println("saved", c.CalFile)
	return nil
}

func main() {
	root := &cobra.Command{
		Use:           "rashgctl",
		Short:         "rashgctl controls a μRASHG microscopy bench over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogger(); err != nil {
				return err
			}
			setupconfig()
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&logLevel, "log-level", "l", logLevel, "log level (trace, debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "serve the bench over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(loadconfig(), logrus.StandardLogger())
		},
	})

	var wavelength float64
	calCmd := &cobra.Command{
		Use:   "calibrate",
		Short: "sweep every rotator, fit Malus curves, and save the table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCalibrate(loadconfig(), wavelength, logrus.StandardLogger())
		},
	}
	calCmd.Flags().Float64VarP(&wavelength, "wavelength", "w", 800, "wavelength to calibrate at, nm")
	root.AddCommand(calCmd)

	root.AddCommand(&cobra.Command{
		Use:   "mkconf",
		Short: "write the default configuration to " + ConfigFileName,
		Run:   func(cmd *cobra.Command, args []string) { mkconf() },
	})

	root.AddCommand(&cobra.Command{
		Use:   "conf",
		Short: "print the effective configuration",
		Run:   func(cmd *cobra.Command, args []string) { printconf() },
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the version",
		Run:   func(cmd *cobra.Command, args []string) { fmt.Printf("rashgctl version %v\n", Version) },
	})

	if err := root.Execute(); err != nil {
		var le *calibration.LoadError
		if errors.As(err, &le) {
			fmt.Fprintln(os.Stderr, "calibration file rejected:", err)
			fmt.Fprintln(os.Stderr, "re-run 'rashgctl calibrate' to produce a fresh table")
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
