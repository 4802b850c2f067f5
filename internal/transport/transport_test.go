package transport

import "testing"

func TestSupports(t *testing.T) {
	for _, bps := range SupportedBitRates {
		if !Supports(bps) {
			t.Errorf("Supports(%d) = false, want true", bps)
		}
	}
	if Supports(12345) {
		t.Errorf("Supports(12345) = true, want false")
	}
}
