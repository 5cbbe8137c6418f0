package bindiff

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gemesa/bindiff/pkg/graph"
	"github.com/gemesa/bindiff/pkg/models"
)

// maxEvidenceClasses caps how many instruction classes one evidence line
// names, keeping prompts small for pathological functions.
const maxEvidenceClasses = 12

// BuildEvidence digests one matched pair into the class-level delta handed
// to the explanation model. Only instructions in blocks the matcher could
// not pair are counted, and the two sides are netted against each other so
// a class that merely moved between blocks reads as churn, not change.
// The match must carry its block pairs (a report saved without them yields
// empty class lists).
func BuildEvidence(primaryFG, secondaryFG *graph.FlowGraph, fm models.FunctionMatch) models.ChangeEvidence {
	matchedPrimary := make(map[int]bool, len(fm.Blocks))
	matchedSecondary := make(map[int]bool, len(fm.Blocks))
	for _, bp := range fm.Blocks {
		matchedPrimary[bp.PrimaryIndex] = true
		matchedSecondary[bp.SecondaryIndex] = true
	}

	removed := unmatchedClasses(primaryFG, matchedPrimary)
	added := unmatchedClasses(secondaryFG, matchedSecondary)
	for class, n := range removed {
		m := added[class]
		switch {
		case m > n:
			added[class] = m - n
			delete(removed, class)
		case m == n:
			delete(added, class)
			delete(removed, class)
		default:
			removed[class] = n - m
			delete(added, class)
		}
	}

	name := fm.PrimaryName
	if fm.SecondaryName != "" && fm.SecondaryName != fm.PrimaryName {
		name = fm.PrimaryName + " -> " + fm.SecondaryName
	}
	return models.ChangeEvidence{
		Function:        name,
		Similarity:      fm.Similarity,
		MatchedBlocks:   fm.MatchedBlocks,
		UnmatchedBlocks: (fm.PrimaryBlocks - fm.MatchedBlocks) + (fm.SecondaryBlocks - fm.MatchedBlocks),
		AddedClasses:    formatClasses(added),
		RemovedClasses:  formatClasses(removed),
	}
}

func unmatchedClasses(fg *graph.FlowGraph, matched map[int]bool) map[string]int {
	classes := make(map[string]int)
	for i := range fg.Blocks {
		if matched[i] {
			continue
		}
		for _, ins := range fg.Blocks[i].Instructions {
			classes[graph.InstructionClass(ins)]++
		}
	}
	return classes
}

// formatClasses renders a class multiset as "mov x3, call x1, ...", most
// frequent first, ties alphabetical.
func formatClasses(classes map[string]int) string {
	if len(classes) == 0 {
		return ""
	}
	names := make([]string, 0, len(classes))
	for class := range classes {
		names = append(names, class)
	}
	sort.Slice(names, func(i, j int) bool {
		if classes[names[i]] != classes[names[j]] {
			return classes[names[i]] > classes[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > maxEvidenceClasses {
		names = names[:maxEvidenceClasses]
	}
	parts := make([]string, len(names))
	for i, class := range names {
		parts[i] = fmt.Sprintf("%s x%d", class, classes[class])
	}
	return strings.Join(parts, ", ")
}
