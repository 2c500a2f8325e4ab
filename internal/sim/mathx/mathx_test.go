package mathx

import "testing"

func TestFloorDivAndMod(t *testing.T) {
	cases := []struct{ a, b, q, m int }{
		{0, 32, 0, 0},
		{31, 32, 0, 31},
		{32, 32, 1, 0},
		{-1, 32, -1, 31},
		{-32, 32, -1, 0},
		{-33, 32, -2, 31},
	}
	for _, c := range cases {
		if got := FloorDiv(c.a, c.b); got != c.q {
			t.Fatalf("FloorDiv(%d,%d)=%d want %d", c.a, c.b, got, c.q)
		}
		if got := Mod(c.a, c.b); got != c.m {
			t.Fatalf("Mod(%d,%d)=%d want %d", c.a, c.b, got, c.m)
		}
	}
}

func TestHashDeterministic(t *testing.T) {
	if Hash3(7, 1, 2, 3) != Hash3(7, 1, 2, 3) {
		t.Fatalf("Hash3 not deterministic")
	}
	if Hash3(7, 1, 2, 3) == Hash3(8, 1, 2, 3) {
		t.Fatalf("Hash3 ignores seed")
	}
	if Hash2(1, -5, 9) == Hash2(1, 9, -5) {
		t.Fatalf("Hash2 symmetric in x/z")
	}
	for i := 0; i < 1000; i++ {
		u := Unit(Hash2(int64(i), i, -i))
		if u < 0 || u >= 1 {
			t.Fatalf("Unit out of range: %v", u)
		}
	}
}
