package sequence

import (
	"sort"
	"testing"
)

func TestCanonicalLess(t *testing.T) {
	cases := []struct {
		a, b Canonical
		want bool
	}{
		{Canonical{100, 1}, Canonical{200, 1}, true},
		{Canonical{200, 1}, Canonical{100, 1}, false},
		{Canonical{100, 1}, Canonical{100, 2}, true},
		{Canonical{100, 2}, Canonical{100, 1}, false},
		{Canonical{100, 1}, Canonical{100, 1}, false},
	}
	for _, c := range cases {
		if got := c.a.Less(c.b); got != c.want {
			t.Errorf("%v.Less(%v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestSortIsArrivalOrderIndependent(t *testing.T) {
	// Keys arriving out of order must sort into the same total order.
	keys := []Canonical{{300, 1}, {100, 5}, {200, 2}, {100, 4}}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	want := []Canonical{{100, 4}, {100, 5}, {200, 2}, {300, 1}}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("order[%d] = %v, want %v", i, keys[i], want[i])
		}
	}
}

func TestZero(t *testing.T) {
	if !(Canonical{}).Zero() {
		t.Error("zero value should report Zero")
	}
	if (Canonical{Timestamp: 1}).Zero() {
		t.Error("assigned key should not report Zero")
	}
}
