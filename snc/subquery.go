package snc

import (
	"container/heap"
	"time"

	"github.com/oceanlab/remora/query"
)

// subQuery is one node of the split tree. The bounds are pristine (as
// produced by the split that created the node); workers receive a clone, so
// the node can be re-split from its original region when tree-state
// restoration is off.
type subQuery struct {
	path    string
	depth   int
	bounds  *query.Bounds
	timeout time.Duration
	seq     uint64
}

// pendingQueue orders sub-queries deepest-first, since deep nodes are the
// closest to resolution, with insertion order breaking ties for determinism.
type pendingQueue []*subQuery

func (pq pendingQueue) Len() int { return len(pq) }

func (pq pendingQueue) Less(i, j int) bool {
	if pq[i].depth != pq[j].depth {
		return pq[i].depth > pq[j].depth
	}
	return pq[i].seq < pq[j].seq
}

func (pq pendingQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *pendingQueue) Push(x any) { *pq = append(*pq, x.(*subQuery)) }

func (pq *pendingQueue) Pop() any {
	old := *pq
	n := len(old)
	sq := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return sq
}

var _ heap.Interface = (*pendingQueue)(nil)
