package model

import "time"

// Target is a remote entity the pipeline acts on. Its fields are reported by
// an external collaborator and are only ever read, never cached across ticks.
type Target struct {
	ID            string `json:"id" yaml:"id"`
	RequiredLevel int    `json:"required_level" yaml:"required_level"`

	Resource    float64 `json:"resource" yaml:"resource"`
	MaxResource float64 `json:"max_resource" yaml:"max_resource"`
	Defense     float64 `json:"defense" yaml:"defense"`
	MinDefense  float64 `json:"min_defense" yaml:"min_defense"`

	Effects   Effects   `json:"effects" yaml:"effects"`
	Durations Durations `json:"durations" yaml:"durations"`

	// Seq orders targets by registration; assigned by the store.
	Seq int64 `json:"seq,omitempty" yaml:"-"`
}

// Effects are the per-unit magnitudes of each operation against a target.
type Effects struct {
	ExtractFraction  float64 `json:"extract_fraction" yaml:"extract_fraction"`     // share of current resource taken per extract unit
	ExtractDefense   float64 `json:"extract_defense" yaml:"extract_defense"`       // defense added per extract unit
	ReplenishDefense float64 `json:"replenish_defense" yaml:"replenish_defense"`   // defense added per replenish unit
	ReductionPerUnit float64 `json:"reduction_per_unit" yaml:"reduction_per_unit"` // defense removed per reduce unit

	// Replenish growth is (1 + rate)^(units * GrowthParam / 100) where
	// rate = min(GrowthMaxRate, GrowthBase / defense).
	GrowthBase    float64 `json:"growth_base" yaml:"growth_base"`
	GrowthMaxRate float64 `json:"growth_max_rate" yaml:"growth_max_rate"`
	GrowthParam   float64 `json:"growth_param" yaml:"growth_param"`
}

// Durations are milliseconds per operation against the target's current state.
type Durations struct {
	ExtractMs   int64 `json:"extract_ms" yaml:"extract_ms"`
	ReplenishMs int64 `json:"replenish_ms" yaml:"replenish_ms"`
	ReduceMs    int64 `json:"reduce_ms" yaml:"reduce_ms"`
}

func (d Durations) Of(op Operation) time.Duration {
	switch op {
	case OpExtract:
		return time.Duration(d.ExtractMs) * time.Millisecond
	case OpReplenish:
		return time.Duration(d.ReplenishMs) * time.Millisecond
	case OpReduce:
		return time.Duration(d.ReduceMs) * time.Millisecond
	}
	return 0
}

// defenseTolerance absorbs float noise in reported defense levels.
const defenseTolerance = 1e-9

// AtMax reports whether the resource level is full.
func (t *Target) AtMax() bool {
	return t.Resource >= t.MaxResource
}

// AtMinDefense reports whether the defense level is at its floor.
func (t *Target) AtMinDefense() bool {
	return t.Defense <= t.MinDefense+defenseTolerance
}

// Clean is the starting state batching assumes.
func (t *Target) Clean() bool {
	return t.AtMax() && t.AtMinDefense()
}

// Eligible applies the privilege and positive-resource preconditions.
func (t *Target) Eligible(level int) bool {
	return level >= t.RequiredLevel && t.MaxResource > 0
}
