package scheduler

import "hivenet/pkg/model"

// mostValuable picks the target with the highest max resource. Ties go to
// the earlier registration, so the choice is stable across ticks.
func mostValuable(targets []model.Target) (model.Target, bool) {
	return best(targets, func(t model.Target) float64 { return t.MaxResource })
}

// richest picks by the resource available right now.
func richest(targets []model.Target) (model.Target, bool) {
	return best(targets, func(t model.Target) float64 { return t.Resource })
}

func best(targets []model.Target, score func(model.Target) float64) (model.Target, bool) {
	var bestTarget model.Target
	found := false
	maxScore := 0.0

	for _, t := range targets {
		s := score(t)
		if !found || s > maxScore {
			maxScore = s
			bestTarget = t
			found = true
		}
	}
	return bestTarget, found
}
