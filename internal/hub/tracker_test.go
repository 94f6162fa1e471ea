package hub

import (
	"fmt"
	"math/rand"
	"testing"
)

func assertSymmetric(t *testing.T, tr *Tracker) {
	t.Helper()
	for a, b := range tr.partners {
		if back, ok := tr.partners[b]; !ok || back != a {
			t.Fatalf("asymmetric entry %s -> %s (reverse: %q, %v)", a, b, back, ok)
		}
	}
}

func TestTracker_SetAndClear(t *testing.T) {
	tr := NewTracker()
	tr.Set("a", "b")

	if p, ok := tr.Partner("a"); !ok || p != "b" {
		t.Fatalf("Partner(a) = (%q, %v)", p, ok)
	}
	if p, ok := tr.Partner("b"); !ok || p != "a" {
		t.Fatalf("Partner(b) = (%q, %v)", p, ok)
	}

	p, ok := tr.Clear("b")
	if !ok || p != "a" {
		t.Fatalf("Clear(b) = (%q, %v)", p, ok)
	}
	if _, ok := tr.Partner("a"); ok {
		t.Fatal("a should have no partner after clearing b")
	}
	if tr.Len() != 0 {
		t.Fatalf("Len = %d, want 0", tr.Len())
	}
}

func TestTracker_SetOverridesStalePairs(t *testing.T) {
	tr := NewTracker()
	tr.Set("a", "b")
	tr.Set("c", "d")
	tr.Set("a", "c")

	if _, ok := tr.Partner("b"); ok {
		t.Error("b should be unpaired after a re-paired")
	}
	if _, ok := tr.Partner("d"); ok {
		t.Error("d should be unpaired after c re-paired")
	}
	if tr.Len() != 1 {
		t.Errorf("Len = %d, want 1", tr.Len())
	}
	assertSymmetric(t, tr)
}

func TestTracker_SelfPairIgnored(t *testing.T) {
	tr := NewTracker()
	tr.Set("a", "a")
	if _, ok := tr.Partner("a"); ok {
		t.Fatal("self pairing should be ignored")
	}
}

func TestTracker_SymmetryUnderRandomOps(t *testing.T) {
	tr := NewTracker()
	rng := rand.New(rand.NewSource(42))
	ids := make([]string, 8)
	for i := range ids {
		ids[i] = fmt.Sprintf("s%d", i)
	}

	for i := 0; i < 2000; i++ {
		a := ids[rng.Intn(len(ids))]
		if rng.Intn(3) == 0 {
			tr.Clear(a)
		} else {
			tr.Set(a, ids[rng.Intn(len(ids))])
		}
		assertSymmetric(t, tr)
	}
}
