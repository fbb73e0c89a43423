package manager

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity
	ErrQueueFull = errors.New("queue is full")
	// ErrSessionQueued is returned when the session already has a queued request
	ErrSessionQueued = errors.New("session already has a queued request")
)

// queuedRequest is an agent request waiting for execution capacity.
type queuedRequest struct {
	SessionID string
	Prompt    string
	Model     string
	Thinking  string
	Priority  int // Higher priority = started first
	QueuedAt  time.Time
	index     int // Index in the heap (used by container/heap)
}

// requestHeap implements heap.Interface for the capacity queue
type requestHeap []*queuedRequest

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	// Higher priority first, then earlier queued time
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].QueuedAt.Before(h[j].QueuedAt)
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*queuedRequest)
	item.index = n
	*h = append(*h, item)
}

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// requestQueue holds requests that arrived while the manager was at its
// concurrency limit. One queued request per session.
type requestQueue struct {
	mu         sync.RWMutex
	heap       requestHeap
	sessionMap map[string]*queuedRequest
	maxSize    int
}

func newRequestQueue(maxSize int) *requestQueue {
	q := &requestQueue{
		heap:       make(requestHeap, 0),
		sessionMap: make(map[string]*queuedRequest),
		maxSize:    maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// enqueue adds a request to the queue.
func (q *requestQueue) enqueue(req *queuedRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.sessionMap[req.SessionID]; exists {
		return ErrSessionQueued
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}

	req.QueuedAt = time.Now()
	heap.Push(&q.heap, req)
	q.sessionMap[req.SessionID] = req
	return nil
}

// dequeue removes and returns the next request, or nil when empty.
func (q *requestQueue) dequeue() *queuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	req := heap.Pop(&q.heap).(*queuedRequest)
	delete(q.sessionMap, req.SessionID)
	return req
}

// remove removes a queued request by session.
func (q *requestQueue) remove(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, exists := q.sessionMap[sessionID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, req.index)
	delete(q.sessionMap, sessionID)
	return true
}

// contains checks whether a session has a queued request.
func (q *requestQueue) contains(sessionID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, exists := q.sessionMap[sessionID]
	return exists
}

func (q *requestQueue) len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.heap)
}
