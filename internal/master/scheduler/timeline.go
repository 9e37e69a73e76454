package scheduler

import (
	"container/heap"
	"time"

	"hivenet/pkg/model"
)

type entryKind int

const (
	entryDispatch entryKind = iota
	entryRelease
)

func (k entryKind) String() string {
	if k == entryDispatch {
		return "dispatch"
	}
	return "release"
}

// Entry is one delayed action. Releases are only ever pushed by the
// dispatch of the same stage, so a stage's release cannot precede it.
type Entry struct {
	At      time.Time
	Kind    entryKind
	BatchID string
	Stage   model.Stage
	seq     uint64
}

// Timeline is a time-ordered queue of entries. Entries due at the same
// instant come out in push order.
type Timeline struct {
	h   entryHeap
	seq uint64
}

func NewTimeline() *Timeline {
	return &Timeline{}
}

func (t *Timeline) Push(e Entry) {
	t.seq++
	e.seq = t.seq
	heap.Push(&t.h, e)
}

// Next pops the earliest entry due at or before now.
func (t *Timeline) Next(now time.Time) (Entry, bool) {
	if len(t.h) == 0 || t.h[0].At.After(now) {
		return Entry{}, false
	}
	return heap.Pop(&t.h).(Entry), true
}

// Peek returns the earliest entry without removing it.
func (t *Timeline) Peek() (Entry, bool) {
	if len(t.h) == 0 {
		return Entry{}, false
	}
	return t.h[0], true
}

func (t *Timeline) Len() int { return len(t.h) }

// count returns how many queued entries are of kind k.
func (t *Timeline) count(k entryKind) int {
	n := 0
	for _, e := range t.h {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func (t *Timeline) Clear() {
	t.h = nil
}

type entryHeap []Entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].At.Equal(h[j].At) {
		return h[i].seq < h[j].seq
	}
	return h[i].At.Before(h[j].At)
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(Entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
