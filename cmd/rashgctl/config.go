package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"

	"github.com/polarlab/rashgctl/eom"
	"github.com/polarlab/rashgctl/malus"
	"github.com/polarlab/rashgctl/sweep"
	"github.com/polarlab/rashgctl/util"
)

var (
	// ConfigFileName is what it sounds like
	ConfigFileName = "rashgctl.yml"
	k              = koanf.New(".")
)

type rotatorConf struct {
	// Name identifies the mount, e.g. "hwp" or "analyzer"
	Name string `yaml:"Name"`

	// Port is the serial port, e.g. /dev/ttyUSB0
	Port string `yaml:"Port"`

	// Bus is the single-character Elliptec bus address
	Bus string `yaml:"Bus"`
}

type meterConf struct {
	Addr   string `yaml:"Addr"`
	Serial bool   `yaml:"Serial"`
}

type daqConf struct {
	Addr   string `yaml:"Addr"`
	Serial bool   `yaml:"Serial"`
	Bus    int    `yaml:"Bus"`

	// DriveChannel is the analog output wired to the EOM amplifier
	DriveChannel int `yaml:"DriveChannel"`

	// SenseChannel is the analog input wired to the feedback photodiode
	SenseChannel int `yaml:"SenseChannel"`
}

type laserConf struct {
	Addr string `yaml:"Addr"`
}

type sweepConf struct {
	AngleStart          float64   `yaml:"AngleStart"`
	AngleStop           float64   `yaml:"AngleStop"`
	AngleCount          int       `yaml:"AngleCount"`
	Holdout             []float64 `yaml:"Holdout"`
	SettleS             float64   `yaml:"SettleS"`
	Samples             int       `yaml:"Samples"`
	HomingTimeoutS      float64   `yaml:"HomingTimeoutS"`
	ValidationTolerance float64   `yaml:"ValidationTolerance"`
	MaxRMS              float64   `yaml:"MaxRMS"`
}

type eomConf struct {
	Kp float64 `yaml:"Kp"`
	Ki float64 `yaml:"Ki"`
	Kd float64 `yaml:"Kd"`

	VMin float64 `yaml:"VMin"`
	VMax float64 `yaml:"VMax"`

	Window    int     `yaml:"Window"`
	Tolerance float64 `yaml:"Tolerance"`
	Samples   int     `yaml:"Samples"`
	MinTickMS float64 `yaml:"MinTickMS"`
	TimeoutS  float64 `yaml:"TimeoutS"`
}

type scanConf struct {
	// Analyzer names the rotator the sequencer steps during scans
	Analyzer string `yaml:"Analyzer"`
}

type recorderConf struct {
	Root   string `yaml:"Root"`
	Prefix string `yaml:"Prefix"`
}

type config struct {
	Addr     string `yaml:"Addr"`
	CalFile  string `yaml:"CalFile"`
	Sim      bool   `yaml:"Sim"`
	LogLevel string `yaml:"LogLevel"`

	Rotators []rotatorConf `yaml:"Rotators"`
	Meter    meterConf     `yaml:"Meter"`
	DAQ      daqConf       `yaml:"DAQ"`
	Laser    laserConf     `yaml:"Laser"`

	Sweep    sweepConf    `yaml:"Sweep"`
	EOM      eomConf      `yaml:"EOM"`
	Scan     scanConf     `yaml:"Scan"`
	Recorder recorderConf `yaml:"Recorder"`
}

func defaults() config {
	return config{
		Addr:     ":8000",
		CalFile:  "calibration.yml",
		Sim:      true,
		LogLevel: "info",
		Rotators: []rotatorConf{
			{Name: "hwp", Port: "/dev/ttyUSB0", Bus: "0"},
			{Name: "analyzer", Port: "/dev/ttyUSB0", Bus: "1"},
		},
		Meter: meterConf{Addr: "192.168.100.10:4001"},
		DAQ:   daqConf{Addr: "192.168.100.10:4002", Bus: 1, DriveChannel: 0, SenseChannel: 0},
		Laser: laserConf{Addr: "192.168.100.10:4003"},
		Sweep: sweepConf{
			AngleStart:          0,
			AngleStop:           350,
			AngleCount:          36,
			Holdout:             []float64{15, 195},
			SettleS:             0.1,
			Samples:             5,
			HomingTimeoutS:      30,
			ValidationTolerance: 0.05,
		},
		EOM: eomConf{
			Kp:        0.6,
			Ki:        50,
			VMin:      0,
			VMax:      5,
			Window:    3,
			Tolerance: 1e-3,
			Samples:   5,
			MinTickMS: 10,
			TimeoutS:  30,
		},
		Scan:     scanConf{Analyzer: "analyzer"},
		Recorder: recorderConf{Root: "data", Prefix: "rashg"},
	}
}

func setupconfig() {
	k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func loadconfig() config {
	c := config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	return c
}

func mkconf() {
	c := loadconfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err := yml.NewEncoder(f).Encode(c); err != nil {
		log.Fatal(err)
	}
	fmt.Println("wrote", ConfigFileName)
}

func printconf() {
	c := loadconfig()
	if err := yml.NewEncoder(os.Stdout).Encode(c); err != nil {
		log.Fatal(err)
	}
}

func (s sweepConf) toSweep() sweep.Config {
	return sweep.Config{
		Angles:              util.Linspace(s.AngleStart, s.AngleStop, s.AngleCount),
		Holdout:             s.Holdout,
		Settle:              util.SecsToDuration(s.SettleS),
		Samples:             s.Samples,
		HomingTimeout:       util.SecsToDuration(s.HomingTimeoutS),
		ValidationTolerance: s.ValidationTolerance,
		Fit:                 malus.Options{MaxRMS: s.MaxRMS},
	}
}

func (e eomConf) toEOM() eom.Config {
	return eom.Config{
		Gains:     eom.Gains{Kp: e.Kp, Ki: e.Ki, Kd: e.Kd},
		VMin:      e.VMin,
		VMax:      e.VMax,
		Window:    e.Window,
		Tolerance: e.Tolerance,
		Samples:   e.Samples,
		MinTick:   time.Duration(e.MinTickMS * float64(time.Millisecond)),
		Timeout:   util.SecsToDuration(e.TimeoutS),
	}
}
