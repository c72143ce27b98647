package earlystop

import "testing"

func TestUnknownMode(t *testing.T) {
	if _, err := NewMonitor("median", 3); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestMinModeStopsAfterPatience(t *testing.T) {
	m, err := NewMonitor(Min, 2)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	if m.Step(5) {
		t.Fatal("stopped on first metric")
	}
	if m.Step(6) {
		t.Fatal("stopped within patience")
	}
	if !m.Step(6) {
		t.Fatal("not stopped after patience exhausted")
	}
	if !m.Stopped() {
		t.Fatal("Stopped() disagrees with Step")
	}
	// Stays stopped even on improvement.
	if !m.Step(1) {
		t.Fatal("monitor un-stopped itself")
	}
}

func TestImprovementResetsWait(t *testing.T) {
	m, _ := NewMonitor(Min, 2)
	m.Step(5)
	m.Step(6)
	m.Step(4) // improvement
	if m.Step(5) {
		t.Fatal("stopped despite reset")
	}
	if m.Best() != 4 {
		t.Fatalf("best=%f want 4", m.Best())
	}
}

func TestMaxMode(t *testing.T) {
	m, _ := NewMonitor(Max, 1)
	m.Step(0.3)
	if m.Step(0.5) {
		t.Fatal("stopped on improvement")
	}
	if !m.Step(0.4) {
		t.Fatal("not stopped on regression with patience 1")
	}
}

func TestDefaultPatience(t *testing.T) {
	m, _ := NewMonitor(Min, 0)
	m.Step(1)
	for i := 0; i < DefaultPatience-1; i++ {
		if m.Step(2) {
			t.Fatalf("stopped after %d checks", i+1)
		}
	}
	if !m.Step(2) {
		t.Fatal("not stopped after default patience")
	}
}

func TestStateRoundTrip(t *testing.T) {
	m, _ := NewMonitor(Min, 3)
	m.Step(10)
	m.Step(11)
	st := m.State()

	m2, _ := NewMonitor(Min, 3)
	m2.LoadState(st)
	if m2.best != 10 || m2.wait != 1 || !m2.started || m2.stopped {
		t.Fatalf("restored state %+v", m2.State())
	}
}
