package taskgraph

// Combinations enumerates every non-empty subset of items in a fixed
// size-then-lexicographic order: all subsets of size 1 through len(items) in
// increasing size, each subset keeping its members in their original order.
// Downstream task-context ids are derived positionally from the combination
// index, so the enumeration order is part of the contract.
func Combinations[T any](items []T) [][]T {
	return CombinationsUpTo(items, len(items))
}

// CombinationsUpTo enumerates subsets of size 1..maxSize in the same fixed
// order.
func CombinationsUpTo[T any](items []T, maxSize int) [][]T {
	n := len(items)
	if maxSize > n {
		maxSize = n
	}
	if n == 0 || maxSize < 1 {
		return nil
	}

	var out [][]T
	for size := 1; size <= maxSize; size++ {
		idx := make([]int, size)
		for i := range idx {
			idx[i] = i
		}
		for {
			combo := make([]T, size)
			for i, j := range idx {
				combo[i] = items[j]
			}
			out = append(out, combo)

			i := size - 1
			for i >= 0 && idx[i] == n-size+i {
				i--
			}
			if i < 0 {
				break
			}
			idx[i]++
			for j := i + 1; j < size; j++ {
				idx[j] = idx[j-1] + 1
			}
		}
	}
	return out
}
