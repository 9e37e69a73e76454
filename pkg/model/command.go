package model

import "time"

// Assignment is a worker's share of one command.
type Assignment struct {
	WorkerID string `json:"worker_id"`
	Units    int    `json:"units"`
}

// Command is the envelope carried on the command channel. Each addressed
// worker runs its own assignment, then removes itself from the envelope.
type Command struct {
	ID          string       `json:"id"`
	Kind        Operation    `json:"kind"`
	TargetID    string       `json:"target_id"`
	Assignments []Assignment `json:"assignments"`
	IssuedAt    time.Time    `json:"issued_at"`
}

// For returns the assignment addressed to workerID.
func (c *Command) For(workerID string) (Assignment, bool) {
	for _, a := range c.Assignments {
		if a.WorkerID == workerID {
			return a, true
		}
	}
	return Assignment{}, false
}

// Without returns a copy with workerID and any zero-unit assignment removed.
func (c *Command) Without(workerID string) *Command {
	out := *c
	out.Assignments = make([]Assignment, 0, len(c.Assignments))
	for _, a := range c.Assignments {
		if a.WorkerID == workerID || a.Units <= 0 {
			continue
		}
		out.Assignments = append(out.Assignments, a)
	}
	return &out
}

// Units is the total across all assignments.
func (c *Command) Units() int {
	n := 0
	for _, a := range c.Assignments {
		n += a.Units
	}
	return n
}

// Kill asks the addressed workers to terminate themselves.
type Kill struct {
	WorkerIDs []string  `json:"worker_ids"`
	IssuedAt  time.Time `json:"issued_at"`
}

func (k *Kill) Addresses(workerID string) bool {
	for _, id := range k.WorkerIDs {
		if id == workerID {
			return true
		}
	}
	return false
}

// Error report types written by workers.
const (
	ReportMissingTarget  = "missing-target"
	ReportUnknownCommand = "unknown-command"
	ReportExecutorFailed = "executor-failed"
)

// ErrorReport is a best-effort note from a worker; nothing acknowledges it.
type ErrorReport struct {
	Type     string    `json:"type"`
	Command  Operation `json:"command"`
	WorkerID string    `json:"worker_id"`
	TargetID string    `json:"target_id,omitempty"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}
