package queue

import (
	"container/heap"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

type item struct {
	req   crawler.Request
	index int
}

// before orders by priority descending, then discovery order.
func before(a, b *crawler.Request) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.DiscoveredAt < b.DiscoveredAt
}

// itemHeap holds one host's pending requests.
type itemHeap []*item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return before(&h[i].req, &h[j].req) }
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it, ok := x.(*item)
	if !ok {
		return
	}
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// bucket groups a host's requests. Its rank in the top-level heap is the
// rank of its best request.
type bucket struct {
	host  string
	items itemHeap
	index int
}

func (b *bucket) head() *item {
	if len(b.items) == 0 {
		return nil
	}
	return b.items[0]
}

// bucketHeap orders hosts by their best pending request.
type bucketHeap []*bucket

func (h bucketHeap) Len() int { return len(h) }
func (h bucketHeap) Less(i, j int) bool {
	a, b := h[i].head(), h[j].head()
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	}
	return before(&a.req, &b.req)
}

func (h bucketHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *bucketHeap) Push(x any) {
	b, ok := x.(*bucket)
	if !ok {
		return
	}
	b.index = len(*h)
	*h = append(*h, b)
}

func (h *bucketHeap) Pop() any {
	old := *h
	n := len(old)
	b := old[n-1]
	old[n-1] = nil
	b.index = -1
	*h = old[:n-1]
	return b
}

var (
	_ heap.Interface = (*itemHeap)(nil)
	_ heap.Interface = (*bucketHeap)(nil)
)
