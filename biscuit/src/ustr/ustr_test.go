package ustr

import "testing"

func TestValid(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"", false},
		{"a", true},
		{"filea", true},
		{"012345678901234567890123456", true}, // 27 bytes
		{"0123456789012345678901234567", false}, // 28 bytes
		{"has/slash", false},
	}
	for _, c := range cases {
		if got := Ustr(c.name).Valid(); got != c.ok {
			t.Errorf("Valid(%q) = %v, want %v", c.name, got, c.ok)
		}
	}
}

func TestMkUstrSlice(t *testing.T) {
	buf := []byte("filea\x00garbage")
	got := MkUstrSlice(buf)
	if got.String() != "filea" {
		t.Fatalf("got %q", got.String())
	}
}

func TestEq(t *testing.T) {
	if !Ustr("abc").Eq(Ustr("abc")) {
		t.Fatal("expected equal")
	}
	if Ustr("abc").Eq(Ustr("abd")) {
		t.Fatal("expected not equal")
	}
}
