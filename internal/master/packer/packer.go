// Package packer spreads a stage's units over the worker pool.
package packer

import "hivenet/pkg/model"

// Limit is how many units a stage wants: a count, or no upper bound.
type Limit struct {
	units     int
	unbounded bool
}

func Units(n int) Limit {
	if n < 0 {
		n = 0
	}
	return Limit{units: n}
}

// Unbounded packs every unit the pool can hold.
func Unbounded() Limit {
	return Limit{unbounded: true}
}

func (l Limit) Bounded() bool { return !l.unbounded }
func (l Limit) Count() int    { return l.units }

type Allocation struct {
	WorkerID string `json:"worker_id"`
	Units    int    `json:"units"`
}

type Result struct {
	Allocations []Allocation
	Units       int
	// Shortfall is how many requested units did not fit. Always zero for
	// an unbounded request.
	Shortfall int
}

// Request is one packing pass. Reserved comes from the ledger; Claimed is
// capacity earlier stages of the same batch took but have not yet reserved.
type Request struct {
	Workers  []model.Worker
	Reserved map[string]model.Memory
	Claimed  map[string]model.Memory
	UnitCost model.Memory
	Need     Limit
}

// Pack walks workers in the given order and gives each one
// floor(min(free, remaining) / cost) units until the need is met or the
// workers run out. It never fails; a short result is the caller's problem.
func Pack(req Request) Result {
	var res Result
	if req.UnitCost <= 0 || (req.Need.Bounded() && req.Need.units == 0) {
		res.Shortfall = req.Need.units
		return res
	}

	remaining := model.Memory(req.Need.units) * req.UnitCost
	for _, w := range req.Workers {
		if req.Need.Bounded() && remaining <= 0 {
			break
		}
		free := w.TotalCap - w.Committed(req.Reserved[w.ID]) - req.Claimed[w.ID]
		if req.Need.Bounded() && free > remaining {
			free = remaining
		}
		if free <= 0 {
			continue
		}
		units := int(free / req.UnitCost)
		if units == 0 {
			continue
		}
		res.Allocations = append(res.Allocations, Allocation{WorkerID: w.ID, Units: units})
		res.Units += units
		remaining -= model.Memory(units) * req.UnitCost
	}

	if req.Need.Bounded() {
		res.Shortfall = req.Need.units - res.Units
	}
	return res
}

// Claim adds an allocation's capacity to claimed, so the next stage of the
// same batch packs around it.
func Claim(claimed map[string]model.Memory, allocs []Allocation, cost model.Memory) {
	for _, a := range allocs {
		claimed[a.WorkerID] += model.Memory(a.Units) * cost
	}
}

// Assignments converts allocations to the wire form.
func Assignments(allocs []Allocation) []model.Assignment {
	out := make([]model.Assignment, 0, len(allocs))
	for _, a := range allocs {
		out = append(out, model.Assignment{WorkerID: a.WorkerID, Units: a.Units})
	}
	return out
}
