package model

// WorkerStatus is the health of a node as seen through its lease.
type WorkerStatus string

const (
	WorkerReady   WorkerStatus = "READY"
	WorkerOffline WorkerStatus = "OFFLINE" // lease expired
)

type Worker struct {
	ID      string `json:"id"` // hostname of the node
	Addr    string `json:"addr"`
	Version string `json:"version"`

	// TotalCap is the node's full capacity. Used is load this scheduler does
	// not know about; it moves independently of any reservation. Running is
	// what the node's own stage jobs occupy, which reservations already
	// account for while they are held.
	TotalCap Memory `json:"total_cap"`
	Used     Memory `json:"used"`
	Running  Memory `json:"running"`

	Status        WorkerStatus `json:"status"`
	LastHeartbeat int64        `json:"last_heartbeat"`
}

// Free is what the node has left with nothing reserved, never negative.
func (w *Worker) Free() Memory {
	free := w.TotalCap - w.Committed(0)
	if free < 0 {
		return 0
	}
	return free
}

// Committed is the capacity not free for new work given what the ledger
// holds on this worker. A running job counts once: under its reservation
// while one is held, on its own once a job outlives it.
func (w *Worker) Committed(reserved Memory) Memory {
	return w.Used + max(reserved, w.Running)
}

// WorkerIDs returns the ids in the given order.
func WorkerIDs(workers []Worker) []string {
	ids := make([]string, 0, len(workers))
	for _, w := range workers {
		ids = append(ids, w.ID)
	}
	return ids
}
