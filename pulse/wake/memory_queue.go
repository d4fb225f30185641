package wake

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue keeps wake-up calls in a min-heap ordered by NotBefore.
// Calls are lost on restart; the Poller's sweep re-creates them from the
// store.
type MemoryQueue struct {
	mu         sync.Mutex
	items      wakeHeap
	keys       map[wakeKey]bool
	inflight   map[string]Wake
	inflightBy map[wakeKey]string // key -> id of the in-flight call
	rearmed    map[string]bool    // in-flight ids scheduled again before Ack
}

type wakeKey struct {
	actionID  string
	notBefore int64
}

func keyOf(w Wake) wakeKey {
	return wakeKey{w.ActionID, w.NotBefore.Unix()}
}

// NewMemoryQueue creates an empty queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		keys:       make(map[wakeKey]bool),
		inflight:   make(map[string]Wake),
		inflightBy: make(map[wakeKey]string),
		rearmed:    make(map[string]bool),
	}
}

var _ Queue = (*MemoryQueue)(nil)

func (q *MemoryQueue) ScheduleWake(ctx context.Context, actionID string, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	w := Wake{
		ID:        "wake_" + uuid.NewString(),
		ActionID:  actionID,
		NotBefore: notBefore.UTC().Truncate(time.Second),
		CreatedAt: time.Now().UTC(),
	}
	if q.keys[keyOf(w)] {
		if id, ok := q.inflightBy[keyOf(w)]; ok {
			q.rearmed[id] = true
		}
		return nil
	}
	q.keys[keyOf(w)] = true
	heap.Push(&q.items, w)
	return nil
}

// Due pops due calls and holds them until Ack or Retry
func (q *MemoryQueue) Due(ctx context.Context, now time.Time, limit int) ([]Wake, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var wakes []Wake
	for len(wakes) < limit && q.items.Len() > 0 && !q.items[0].NotBefore.After(now) {
		w := heap.Pop(&q.items).(Wake)
		q.inflight[w.ID] = w
		q.inflightBy[keyOf(w)] = w.ID
		wakes = append(wakes, w)
	}
	return wakes, nil
}

// Ack drops a handled call. A call rearmed while in flight goes back to
// the heap at the same instant instead.
func (q *MemoryQueue) Ack(ctx context.Context, w Wake) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	held, rearmed, ok := q.settle(w.ID)
	if !ok {
		return nil
	}
	if rearmed {
		heap.Push(&q.items, held)
		return nil
	}
	delete(q.keys, keyOf(held))
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, w Wake, next time.Time, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	held, _, ok := q.settle(w.ID)
	if !ok {
		return nil
	}
	delete(q.keys, keyOf(held))

	held.NotBefore = next.UTC().Truncate(time.Second)
	held.Attempts++
	held.LastError = errorText(cause)
	if q.keys[keyOf(held)] {
		return nil
	}
	q.keys[keyOf(held)] = true
	heap.Push(&q.items, held)
	return nil
}

// Release puts an in-flight call back without counting an attempt
func (q *MemoryQueue) Release(ctx context.Context, w Wake) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	held, _, ok := q.settle(w.ID)
	if !ok {
		return nil
	}
	heap.Push(&q.items, held)
	return nil
}

// settle removes id from the in-flight set. Callers hold q.mu.
func (q *MemoryQueue) settle(id string) (Wake, bool, bool) {
	held, ok := q.inflight[id]
	if !ok {
		return Wake{}, false, false
	}
	rearmed := q.rearmed[id]
	delete(q.inflight, id)
	delete(q.inflightBy, keyOf(held))
	delete(q.rearmed, id)
	return held, rearmed, true
}

// Len counts queued and in-flight calls
func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len() + len(q.inflight), nil
}

type wakeHeap []Wake

func (h wakeHeap) Len() int { return len(h) }
func (h wakeHeap) Less(i, j int) bool {
	if h[i].NotBefore.Equal(h[j].NotBefore) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].NotBefore.Before(h[j].NotBefore)
}
func (h wakeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *wakeHeap) Push(x any)   { *h = append(*h, x.(Wake)) }
func (h *wakeHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	*h = old[:n-1]
	return w
}
