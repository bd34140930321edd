package reconstruction

import "fmt"

// SubsetPlan partitions the projection angles into ordered,
// approximately balanced angular subsets. Consuming IndicesReorg
// sequentially in chunks sized by Bins visits each subset exactly once
// per outer iteration and every angle exactly once.
type SubsetPlan struct {
	// Count is the number of subsets.
	Count int

	// Bins holds the per-subset angle counts (the bin occupancies).
	Bins []int

	// IndicesReorg is the globally reordered angle index sequence, a
	// permutation of 0..len(angles)-1.
	IndicesReorg []int

	// members caches IndicesReorg split into per-subset chunks.
	members [][]int
}

// PlanSubsets bins the angle schedule into count equal-width angular
// bins spanning [min(angles), max(angles)] (the last bin closed from
// above so the maximum is included) and builds the round-robin
// reordering that draws one angle per bin in turn.
func PlanSubsets(angles []float64, count int) (*SubsetPlan, error) {
	n := len(angles)
	if count < 1 {
		return nil, fmt.Errorf("subset count must be at least 1, got %d", count)
	}
	if n < count {
		return nil, fmt.Errorf("%d angles cannot form %d subsets", n, count)
	}

	lo, hi := angles[0], angles[0]
	for _, a := range angles[1:] {
		if a < lo {
			lo = a
		}
		if a > hi {
			hi = a
		}
	}

	// Equal-width bin edges; the last edge is +Inf so max(angles)
	// lands in the final bin.
	width := (hi - lo) / float64(count)
	bins := make([]int, count)
	for _, a := range angles {
		j := count - 1
		if width > 0 {
			j = int((a - lo) / width)
			if j >= count {
				j = count - 1
			}
		}
		bins[j]++
	}

	maxBin := 0
	for _, b := range bins {
		if b > maxBin {
			maxBin = b
		}
	}

	// Round-robin traversal: row ii walks each bin's ii-th member in
	// original order. The running offset skips over the remainder of
	// the bins already passed in this row.
	reorg := make([]int, 0, n)
	for ii := 0; ii < maxBin; ii++ {
		offset := 0
		for jj := 0; jj < count; jj++ {
			if bins[jj] > ii {
				reorg = append(reorg, ii+jj+offset)
			}
			offset += bins[jj] - 1
		}
	}

	plan := &SubsetPlan{Count: count, Bins: bins, IndicesReorg: reorg}
	plan.members = make([][]int, count)
	used := 0
	for jj := 0; jj < count; jj++ {
		plan.members[jj] = reorg[used : used+bins[jj]]
		used += bins[jj]
	}
	return plan, nil
}

// Members returns subset jj's angle indices in their consumption
// order. The returned slice is a view into the plan; callers must not
// modify it.
func (p *SubsetPlan) Members(jj int) []int { return p.members[jj] }
