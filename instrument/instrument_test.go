package instrument

import (
	"errors"
	"testing"
)

func TestFailCarriesFatalBit(t *testing.T) {
	inner := &HardwareError{Device: "rot-hwp", Op: "set-position", Fatal: true, Err: errors.New("no response")}
	err := Fail("analyzer", "set-position", inner)
	if !IsFatal(err) {
		t.Error("fatal bit lost when wrapping a fatal hardware error")
	}
	var hw *HardwareError
	if !errors.As(err, &hw) || hw.Device != "analyzer" {
		t.Errorf("expected outer wrapper to carry the caller's device, got %v", err)
	}
}

func TestFailPlainErrorIsNotFatal(t *testing.T) {
	err := Fail("meter", "read-power", errors.New("garbled reply"))
	if IsFatal(err) {
		t.Error("a plain error must not become fatal through wrapping")
	}
}

func TestFailRecoverableHardwareErrorStaysRecoverable(t *testing.T) {
	inner := &HardwareError{Device: "rot-hwp", Op: "status", Fatal: false, Err: errors.New("bad status code")}
	if IsFatal(Fail("analyzer", "status", inner)) {
		t.Error("recoverable hardware error must stay recoverable")
	}
}
