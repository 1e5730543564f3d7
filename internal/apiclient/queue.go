package apiclient

import (
	"context"
	"net/http"
	"time"
)

// Priority orders queued requests into three bands. Within a band the queue
// is FIFO; across bands, high precedes normal precedes low.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// result is the terminal outcome of a queued request: either a response
// body or an error, never both.
type result struct {
	status int
	header http.Header
	body   []byte
	err    error
}

// queuedRequest is one pending or in-flight outbound call. The caller's
// context travels with the request so cancellation reaches it whether it is
// waiting in the queue or already dispatched.
type queuedRequest struct {
	id         string
	ctx        context.Context
	method     string
	url        string
	headers    map[string]string
	body       []byte
	priority   Priority
	retryCount int
	maxRetries int
	enqueuedAt time.Time
	jumped     bool        // re-inserted at the front; outranks every band
	done       chan result // buffered(1); exactly one terminal send
}

// effectiveRank orders the queue: front-inserted retries outrank all bands,
// so fresh high-priority traffic never slips ahead of in-flight work.
func (r *queuedRequest) effectiveRank() int {
	if r.jumped {
		return -1
	}
	return r.priority.rank()
}

func (r *queuedRequest) deliver(res result) {
	select {
	case r.done <- res:
	default:
		// Already resolved; a late duplicate is dropped.
	}
}

// requestQueue is a stable three-band priority queue. Not safe for
// concurrent use; the Client guards it with its mutex.
type requestQueue struct {
	items []*queuedRequest
}

// push inserts by priority band, after every request of the same or higher
// band, preserving insertion order within the band.
func (q *requestQueue) push(req *queuedRequest) {
	at := len(q.items)
	for i, item := range q.items {
		if item.effectiveRank() > req.priority.rank() {
			at = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[at+1:], q.items[at:])
	q.items[at] = req
}

// pushFront inserts at the absolute head of the queue, ahead of every band.
// Used for retries and offline requeues so in-flight work is never starved
// by fresh traffic.
func (q *requestQueue) pushFront(req *queuedRequest) {
	req.jumped = true
	q.items = append([]*queuedRequest{req}, q.items...)
}

// pop removes and returns the head of the queue, or nil when empty.
func (q *requestQueue) pop() *queuedRequest {
	if len(q.items) == 0 {
		return nil
	}
	req := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return req
}

// remove deletes a request by id, reporting whether it was still queued.
func (q *requestQueue) remove(id string) bool {
	for i, item := range q.items {
		if item.id == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *requestQueue) len() int {
	return len(q.items)
}
