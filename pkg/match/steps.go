package match

import "fmt"

// Catalogue order is precision first: a step only ever sees vertices the
// steps before it declined, so the strong evidence claims pairs before the
// weak evidence gets a chance to guess.
var defaultWeights = map[string]float64{
	identicalHashName:    1.0,
	mdIndexTopDownName:   0.75,
	mdIndexBottomUpName:  0.75,
	callRefName:          0.8,
	stringRefName:        0.8,
	edgesSuccessorName:   0.7,
	edgesPredecessorName: 0.7,
	entryPointName:       0.6,
	exitPointName:        0.6,
	loopEntryName:        0.65,
	instructionCountName: 0.3,
}

// DefaultSteps assembles the full catalogue with cfg applied: the prime
// step picks up cfg.MinPrimeInstructions and steps disabled by name in
// cfg.Steps are left out.
func DefaultSteps(cfg Config) ([]Step, error) {
	prime, err := NewPrimeStep(cfg.MinPrimeInstructions)
	if err != nil {
		return nil, err
	}
	all := []Step{
		IdenticalHashStep{},
		prime,
		NewMDIndexTopDown(),
		NewMDIndexBottomUp(),
		CallRefStep{},
		StringRefStep{},
		NewSuccessorPropagation(),
		NewPredecessorPropagation(),
		EntryPointStep{},
		ExitPointStep{},
		LoopEntryStep{},
		InstructionCountStep{},
	}
	disabled := make(map[string]bool)
	for _, sc := range cfg.Steps {
		if sc.Disable {
			disabled[sc.Name] = true
		}
	}
	steps := all[:0:0]
	for _, s := range all {
		if disabled[s.Name()] {
			continue
		}
		steps = append(steps, s)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("step catalogue: all steps disabled")
	}
	return steps, nil
}

// Weights returns the confidence weight per step name for the given
// catalogue, with per-step overrides from cfg applied on top of the
// defaults.
func Weights(cfg Config, steps []Step) map[string]float64 {
	w := make(map[string]float64, len(steps))
	for _, s := range steps {
		if dw, ok := defaultWeights[s.Name()]; ok {
			w[s.Name()] = dw
			continue
		}
		// parameterized names (the prime step encodes its minimum)
		w[s.Name()] = defaultWeightFor(s)
	}
	for _, sc := range cfg.Steps {
		if sc.Weight > 0 {
			w[sc.Name] = sc.Weight
		}
	}
	return w
}

func defaultWeightFor(s Step) float64 {
	if _, ok := s.(*PrimeStep); ok {
		return 0.9
	}
	return 1.0
}

// StepNames lists the catalogue names in order, for stats registration.
func StepNames(steps []Step) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name()
	}
	return names
}
