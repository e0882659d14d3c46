package core

import (
	"container/heap"
	"errors"
	"sync"
)

// ErrBacklogEmpty is returned when Pop() or Top() is called on an empty backlog.
var ErrBacklogEmpty = errors.New("task backlog is empty")

// TaskBacklog is a thread-safe max-heap over priority tiers, popping the most
// urgent task first. Tasks within the same tier are served in FIFO order.
type TaskBacklog interface {
	Push(task *Task) error
	Pop() (*Task, error)
	Top() (*Task, error)
	Len() int
}

type heapTaskBacklog struct {
	bq       backlogQueue
	mu       sync.RWMutex
	sequence uint64
}

func NewTaskBacklog() TaskBacklog {
	bq := make(backlogQueue, 0)
	heap.Init(&bq)
	return &heapTaskBacklog{bq: bq}
}

func (tb *heapTaskBacklog) Push(task *Task) error {
	if task == nil {
		return errors.New("cannot push nil task")
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	heap.Push(&tb.bq, &backlogItem{
		task:     task,
		rank:     task.Priority.Rank(),
		sequence: tb.sequence,
	})
	tb.sequence++
	return nil
}

func (tb *heapTaskBacklog) Pop() (*Task, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if tb.bq.Len() == 0 {
		return nil, ErrBacklogEmpty
	}
	it := heap.Pop(&tb.bq).(*backlogItem)
	return it.task, nil
}

func (tb *heapTaskBacklog) Top() (*Task, error) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	if tb.bq.Len() == 0 {
		return nil, ErrBacklogEmpty
	}
	return tb.bq[0].task, nil
}

func (tb *heapTaskBacklog) Len() int {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.bq.Len()
}

// backlogItem wraps a Task with its tier rank, sequence number, and heap index.
type backlogItem struct {
	task     *Task
	rank     int
	sequence uint64 // Insertion order for FIFO within same tier
	index    int    // Required by heap.Interface
}

// backlogQueue satisfies heap.Interface.
type backlogQueue []*backlogItem

func (bq backlogQueue) Len() int {
	return len(bq)
}

func (bq backlogQueue) Less(i, j int) bool {
	// Max-heap on tier rank (higher rank = more urgent)
	if bq[i].rank != bq[j].rank {
		return bq[i].rank > bq[j].rank
	}
	// If ranks are equal, maintain FIFO order (lower sequence = earlier)
	return bq[i].sequence < bq[j].sequence
}

func (bq backlogQueue) Swap(i, j int) {
	bq[i], bq[j] = bq[j], bq[i]
	bq[i].index = i
	bq[j].index = j
}

func (bq *backlogQueue) Push(x any) {
	n := len(*bq)
	it := x.(*backlogItem)
	it.index = n
	*bq = append(*bq, it)
}

func (bq *backlogQueue) Pop() any {
	old := *bq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*bq = old[0 : n-1]
	return it
}
