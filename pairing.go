package bindiff

import (
	"sort"

	"github.com/gemesa/bindiff/pkg/graph"
	"github.com/gemesa/bindiff/pkg/models"
)

// FunctionPair is one primary/secondary correspondence chosen before
// block-level matching runs.
type FunctionPair struct {
	Primary   graph.Function
	Secondary graph.Function
	PairedBy  string
	Score     float64
}

// PairFunctions aligns two binaries' function lists in three phases: exact
// name, unique content hash, then greedy structural similarity over the
// summaries. Later phases only see what earlier phases left unmatched, and
// every phase is deterministic for one input pair.
func PairFunctions(primary, secondary *graph.CallGraph, minSimilarity float64) (pairs []FunctionPair, removed, added []graph.Function) {
	secondaryByName := make(map[string]int, len(secondary.Functions))
	for i, fn := range secondary.Functions {
		secondaryByName[fn.Name] = i
	}

	usedPrimary := make(map[int]bool, len(primary.Functions))
	usedSecondary := make(map[int]bool, len(secondary.Functions))

	// Phase 1: exact names. Primary order is address order, so output order
	// is stable. Duplicate names pair at most once, first primary wins.
	for i, fn := range primary.Functions {
		j, ok := secondaryByName[fn.Name]
		if !ok || usedSecondary[j] {
			continue
		}
		pairs = append(pairs, FunctionPair{
			Primary:   fn,
			Secondary: secondary.Functions[j],
			PairedBy:  models.PairedByName,
			Score:     summarySimilarity(fn, secondary.Functions[j]),
		})
		usedPrimary[i] = true
		usedSecondary[j] = true
	}

	// Phase 2: content hashes, accepted only when the hash is unique among
	// the remaining functions on both sides. A shared hash is ambiguous and
	// falls through to phase 3.
	primaryByHash := hashIndex(primary.Functions, usedPrimary)
	secondaryByHash := hashIndex(secondary.Functions, usedSecondary)
	hashes := make([]uint64, 0, len(primaryByHash))
	for h := range primaryByHash {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	for _, h := range hashes {
		pi, si := primaryByHash[h], secondaryByHash[h]
		if len(pi) != 1 || len(si) != 1 {
			continue
		}
		i, j := pi[0], si[0]
		pairs = append(pairs, FunctionPair{
			Primary:   primary.Functions[i],
			Secondary: secondary.Functions[j],
			PairedBy:  models.PairedByHash,
			Score:     1.0,
		})
		usedPrimary[i] = true
		usedSecondary[j] = true
	}

	// Phase 3: greedy similarity. Candidates are bucketed by size class to
	// avoid the full cross product, scored, then accepted best first.
	type candidate struct {
		pi, si int
		sim    float64
	}
	buckets := make(map[int][]int)
	for j, fn := range secondary.Functions {
		if usedSecondary[j] {
			continue
		}
		buckets[sizeClass(fn.BlockCount)] = append(buckets[sizeClass(fn.BlockCount)], j)
	}

	var candidates []candidate
	for i, fn := range primary.Functions {
		if usedPrimary[i] {
			continue
		}
		class := sizeClass(fn.BlockCount)
		for _, c := range []int{class - 1, class, class + 1} {
			for _, j := range buckets[c] {
				sim := summarySimilarity(fn, secondary.Functions[j])
				if sim >= minSimilarity {
					candidates = append(candidates, candidate{pi: i, si: j, sim: sim})
				}
			}
		}
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].sim != candidates[b].sim {
			return candidates[a].sim > candidates[b].sim
		}
		if candidates[a].pi != candidates[b].pi {
			return candidates[a].pi < candidates[b].pi
		}
		return candidates[a].si < candidates[b].si
	})
	for _, c := range candidates {
		if usedPrimary[c.pi] || usedSecondary[c.si] {
			continue
		}
		pairs = append(pairs, FunctionPair{
			Primary:   primary.Functions[c.pi],
			Secondary: secondary.Functions[c.si],
			PairedBy:  models.PairedBySimilarity,
			Score:     c.sim,
		})
		usedPrimary[c.pi] = true
		usedSecondary[c.si] = true
	}

	for i, fn := range primary.Functions {
		if !usedPrimary[i] {
			removed = append(removed, fn)
		}
	}
	for j, fn := range secondary.Functions {
		if !usedSecondary[j] {
			added = append(added, fn)
		}
	}
	return pairs, removed, added
}

func hashIndex(fns []graph.Function, used map[int]bool) map[uint64][]int {
	idx := make(map[uint64][]int)
	for i, fn := range fns {
		if used[i] || fn.ContentHash == 0 {
			continue
		}
		idx[fn.ContentHash] = append(idx[fn.ContentHash], i)
	}
	return idx
}

// sizeClass coarsens a block count to a power-of-two bucket, so phase 3 only
// compares functions of comparable size.
func sizeClass(blocks int) int {
	class := 0
	for blocks > 1 {
		blocks >>= 1
		class++
	}
	return class
}

// summarySimilarity estimates how alike two functions are from their
// summaries alone, before any block matching. Ratios of block, instruction
// and loop counts, weighted toward shape over size.
func summarySimilarity(a, b graph.Function) float64 {
	return 0.5*countRatio(a.BlockCount, b.BlockCount) +
		0.3*countRatio(a.InstructionCount, b.InstructionCount) +
		0.2*countRatio(a.LoopCount+1, b.LoopCount+1)
}

func countRatio(a, b int) float64 {
	if a > b {
		a, b = b, a
	}
	if b == 0 {
		return 1
	}
	return float64(a) / float64(b)
}
