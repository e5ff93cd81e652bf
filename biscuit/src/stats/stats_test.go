package stats

import "testing"

func TestCounterIncAdd(t *testing.T) {
	var c Counter_t
	c.Inc()
	c.Inc()
	c.Add(3)
	if c.Val() != 5 {
		t.Fatalf("val = %v, want 5", c.Val())
	}
}

func TestCyclesAdd(t *testing.T) {
	var cy Cycles_t
	start := Nanotime()
	cy.Add(start)
	if cy.Val() < 0 {
		t.Fatalf("val = %v, want >= 0", cy.Val())
	}
}

func TestStats2String(t *testing.T) {
	type counters struct {
		Hits   Counter_t
		Misses Counter_t
	}
	var c counters
	c.Hits.Inc()
	s := Stats2String(c)
	if s == "" {
		t.Fatal("expected non-empty summary")
	}
}
