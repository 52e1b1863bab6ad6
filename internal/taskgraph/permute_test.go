package taskgraph

import (
	"reflect"
	"testing"
)

func TestCombinationsOrderAndCompleteness(t *testing.T) {
	got := Combinations([]string{"a", "b", "c"})
	want := [][]string{
		{"a"}, {"b"}, {"c"},
		{"a", "b"}, {"a", "c"}, {"b", "c"},
		{"a", "b", "c"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected fixed size-then-lexicographic order %v, got %v", want, got)
	}
}

func TestCombinationsCountIsTwoToTheNMinusOne(t *testing.T) {
	for n := 1; n <= 6; n++ {
		items := make([]int, n)
		for i := range items {
			items[i] = i
		}
		got := len(Combinations(items))
		want := 1<<n - 1
		if got != want {
			t.Fatalf("n=%d: expected %d combinations, got %d", n, want, got)
		}
	}
}

func TestCombinationsDeterministic(t *testing.T) {
	items := []string{"w", "x", "y", "z"}
	first := Combinations(items)
	second := Combinations(items)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("expected identical enumeration on re-run")
	}
}

func TestCombinationsUpToBoundsSubsetSize(t *testing.T) {
	got := CombinationsUpTo([]string{"a", "b", "c"}, 2)
	want := [][]string{
		{"a"}, {"b"}, {"c"},
		{"a", "b"}, {"a", "c"}, {"b", "c"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected bounded set %v, got %v", want, got)
	}
}

func TestCombinationsEmptyInput(t *testing.T) {
	if got := Combinations([]string{}); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
}

func TestCombinationsPreserveMemberOrder(t *testing.T) {
	for _, combo := range Combinations([]string{"m", "n", "o", "p"}) {
		last := -1
		order := map[string]int{"m": 0, "n": 1, "o": 2, "p": 3}
		for _, member := range combo {
			if order[member] <= last {
				t.Fatalf("combination %v does not keep original member order", combo)
			}
			last = order[member]
		}
	}
}
