package random

import "testing"

func TestNewSourceProducesValues(t *testing.T) {
	a := NewSource()
	b := NewSource()
	if a.Int63() == b.Int63() && a.Int63() == b.Int63() {
		t.Fatalf("expected independently seeded sources to diverge")
	}
}
