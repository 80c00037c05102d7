package maitai

import "testing"

func TestParseWavelength(t *testing.T) {
	cases := []struct {
		resp string
		want float64
	}{
		{"800nm", 800},
		{"802.5nm", 802.5},
		{" 750 nm\r", 750},
		{"920", 920},
	}
	for _, tc := range cases {
		got, err := parseWavelength(tc.resp)
		if err != nil {
			t.Errorf("%q: %v", tc.resp, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q: expected %v, got %v", tc.resp, tc.want, got)
		}
	}
}

func TestParseWavelengthMalformed(t *testing.T) {
	if _, err := parseWavelength("ERR"); err == nil {
		t.Error("expected an error for a non-numeric reply")
	}
}
