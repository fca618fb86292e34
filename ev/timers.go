//go:build linux
// +build linux

package ev

import "container/heap"

// timerHeap is a min-heap of armed timers ordered by deadline. Timers track
// their heap index so removal from the middle stays O(log n).
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*Timer)
	t.idx = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

func (h *timerHeap) push(t *Timer) {
	heap.Push(h, t)
}

func (h *timerHeap) remove(t *Timer) {
	heap.Remove(h, t.idx)
	t.idx = -1
}
