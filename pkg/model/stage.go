package model

// Operation is the kind of work a worker runs. Four stages map onto three
// operations: both defense-reduction stages run OpReduce.
type Operation string

const (
	OpExtract   Operation = "extract"
	OpReplenish Operation = "replenish"
	OpReduce    Operation = "reduce"
)

func (o Operation) Valid() bool {
	switch o {
	case OpExtract, OpReplenish, OpReduce:
		return true
	}
	return false
}

// Stage is one of the four pipeline positions of a batch.
type Stage int

const (
	StageReduceFirst  Stage = iota // cancels the defense added by extract
	StageReplenish                 // refills the resource level
	StageReduceSecond              // cancels the defense added by replenish
	StageExtract                   // takes the resource
)

// StageCount is the number of stages in a batch.
const StageCount = 4

// PackingOrder is the fixed order stages claim capacity within a batch.
var PackingOrder = [StageCount]Stage{StageReduceFirst, StageReplenish, StageReduceSecond, StageExtract}

// LandingOrder is the order stage effects complete on the target. Each
// reduction lands right after the stage whose side effect it cancels.
var LandingOrder = [StageCount]Stage{StageExtract, StageReduceFirst, StageReplenish, StageReduceSecond}

func (s Stage) Operation() Operation {
	switch s {
	case StageReplenish:
		return OpReplenish
	case StageExtract:
		return OpExtract
	default:
		return OpReduce
	}
}

func (s Stage) String() string {
	switch s {
	case StageReduceFirst:
		return "reduce-1"
	case StageReplenish:
		return "replenish"
	case StageReduceSecond:
		return "reduce-2"
	case StageExtract:
		return "extract"
	}
	return "unknown"
}

// StagePlan is the unit count and per-unit cost of one stage.
type StagePlan struct {
	Stage    Stage  `json:"stage"`
	Units    int    `json:"units"`
	UnitCost Memory `json:"unit_cost"`
}

func (p StagePlan) Cost() Memory {
	return Memory(p.Units) * p.UnitCost
}

// Plan is the ordered tuple of stage plans for one target, indexed by Stage.
type Plan struct {
	TargetID string                `json:"target_id"`
	Stages   [StageCount]StagePlan `json:"stages"`
	Partial  bool                  `json:"partial"`
}

func (p *Plan) Units(s Stage) int {
	return p.Stages[s].Units
}

// Cost is the capacity one full run of the plan needs.
func (p *Plan) Cost() Memory {
	var total Memory
	for _, sp := range p.Stages {
		total += sp.Cost()
	}
	return total
}

// Empty reports whether no stage has any units.
func (p *Plan) Empty() bool {
	for _, sp := range p.Stages {
		if sp.Units > 0 {
			return false
		}
	}
	return true
}
