package scheduler

import (
	"errors"

	"hivenet/pkg/model"
)

// ErrNoEligibleTarget is the quiet outcome of a tick with nothing to do.
var ErrNoEligibleTarget = errors.New("scheduler: no eligible target")

// filterTargets returns the targets meeting the hard preconditions, in
// registration order.
func filterTargets(targets []model.Target, level int) []model.Target {
	candidates := make([]model.Target, 0, len(targets))
	for _, t := range targets {
		if t.Eligible(level) {
			candidates = append(candidates, t)
		}
	}
	return candidates
}

// clean is the state a target reaches after preparing: full resource at
// floor defense. Steady-state batches are planned against it.
func clean(t model.Target) model.Target {
	t.Resource = t.MaxResource
	t.Defense = t.MinDefense
	return t
}
