package hints

import mapset "github.com/deckarep/golang-set/v2"

type pair struct {
	i, vi, j, vj int
}

// Pairwise returns rows of value indexes, one per position, such that every combination of
// values across any two positions appears in at least one row. sizes[p] is the number of
// values at position p. The result is deterministic for identical sizes.
func Pairwise(sizes []int) [][]int {
	n := len(sizes)
	if n == 0 {
		return nil
	}
	for _, s := range sizes {
		if s <= 0 {
			return nil
		}
	}
	if n == 1 {
		rows := make([][]int, sizes[0])
		for v := range rows {
			rows[v] = []int{v}
		}
		return rows
	}

	var ordered []pair
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			for vi := 0; vi < sizes[i]; vi++ {
				for vj := 0; vj < sizes[j]; vj++ {
					ordered = append(ordered, pair{i, vi, j, vj})
				}
			}
		}
	}
	uncovered := mapset.NewThreadUnsafeSet(ordered...)

	var rows [][]int
	next := 0
	for uncovered.Cardinality() > 0 {
		for !uncovered.Contains(ordered[next]) {
			next++
		}
		seed := ordered[next]

		row := make([]int, n)
		assigned := make([]bool, n)
		row[seed.i], row[seed.j] = seed.vi, seed.vj
		assigned[seed.i], assigned[seed.j] = true, true

		for p := 0; p < n; p++ {
			if assigned[p] {
				continue
			}
			best, bestGain := 0, -1
			for v := 0; v < sizes[p]; v++ {
				gain := 0
				for q := 0; q < n; q++ {
					if assigned[q] && uncovered.Contains(orderedPair(q, row[q], p, v)) {
						gain++
					}
				}
				if gain > bestGain {
					best, bestGain = v, gain
				}
			}
			row[p] = best
			assigned[p] = true
		}

		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				uncovered.Remove(pair{i, row[i], j, row[j]})
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func orderedPair(p, vp, q, vq int) pair {
	if p < q {
		return pair{p, vp, q, vq}
	}
	return pair{q, vq, p, vp}
}
