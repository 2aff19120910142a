package handles

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/coursepack/internal/model"
	"github.com/rcliao/coursepack/internal/pagetree"
)

// Priority orders background preloading. Lower runs first.
type Priority int

const (
	PriorityVisible Priority = iota
	PriorityNext
	PriorityBackground
)

func (p Priority) String() string {
	switch p {
	case PriorityVisible:
		return "visible"
	case PriorityNext:
		return "next"
	default:
		return "background"
	}
}

// Request is one preload item. Order is the item's document position.
type Request struct {
	MediaID  string   `json:"media_id"`
	Priority Priority `json:"priority"`
	Order    int      `json:"order"`
}

// Plan is a prioritized preload list.
type Plan []Request

// IDs returns the plan's media ids at or above the given priority.
func (p Plan) IDs(max Priority) []string {
	var ids []string
	for _, r := range p {
		if r.Priority <= max {
			ids = append(ids, r.MediaID)
		}
	}
	return ids
}

// PlanPreload prioritizes every media id in tree: media on current is
// visible, media within adjacent pages of it is next, the rest is
// background. Each id appears once, at its best priority, and ties keep
// document order.
func PlanPreload(tree *model.PageTree, current string, adjacent int) Plan {
	if tree == nil {
		return nil
	}
	cur := -1
	for i, p := range tree.Pages {
		if p != nil && p.ID == current {
			cur = i
			break
		}
	}

	index := map[string]int{}
	var plan Plan
	order := 0
	for i, page := range tree.Pages {
		prio := PriorityBackground
		switch {
		case cur < 0:
		case i == cur:
			prio = PriorityVisible
		case abs(i-cur) <= adjacent:
			prio = PriorityNext
		}
		for _, id := range pagetree.MediaIDs(page) {
			if at, ok := index[id]; ok {
				if prio < plan[at].Priority {
					plan[at].Priority = prio
				}
				continue
			}
			index[id] = len(plan)
			plan = append(plan, Request{MediaID: id, Priority: prio, Order: order})
			order++
		}
	}
	return plan
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

type queued struct {
	req Request
	gen uint64
	seq uint64
}

type requestHeap []queued

func (h requestHeap) Len() int { return len(h) }
func (h requestHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority < h[j].req.Priority
	}
	if h[i].req.Order != h[j].req.Order {
		return h[i].req.Order < h[j].req.Order
	}
	return h[i].seq < h[j].seq
}
func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *requestHeap) Push(x any)   { *h = append(*h, x.(queued)) }
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// preloader is the background queue. Foreground acquires hold workers back
// until none is in flight.
type preloader struct {
	mu         sync.Mutex
	cond       *sync.Cond
	queue      requestHeap
	gen        uint64
	seq        uint64
	foreground int
	timer      *time.Timer
	closed     bool
}

func newPreloader() *preloader {
	p := &preloader{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *preloader) foregroundStart() {
	p.mu.Lock()
	p.foreground++
	p.mu.Unlock()
}

func (p *preloader) foregroundDone() {
	p.mu.Lock()
	p.foreground--
	if p.foreground == 0 {
		p.cond.Broadcast()
	}
	p.mu.Unlock()
}

func (p *preloader) pushLocked(reqs []Request, gen uint64) {
	for _, r := range reqs {
		p.seq++
		heap.Push(&p.queue, queued{req: r, gen: gen, seq: p.seq})
	}
	p.cond.Broadcast()
}

// next blocks until an item is ready and no foreground acquire is in
// flight. It returns false once closed.
func (p *preloader) next() (Request, uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		for !p.closed && (p.queue.Len() == 0 || p.foreground > 0) {
			p.cond.Wait()
		}
		if p.closed {
			return Request{}, 0, false
		}
		item := heap.Pop(&p.queue).(queued)
		if item.gen == p.gen {
			return item.req, item.gen, true
		}
	}
}

func (p *preloader) queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

func (p *preloader) close() {
	p.mu.Lock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Preload queues ids for background decoding at one priority without
// blocking. Ids keep their given order.
func (c *Cache) Preload(ids []string, prio Priority) {
	reqs := make([]Request, 0, len(ids))
	for i, id := range ids {
		reqs = append(reqs, Request{MediaID: id, Priority: prio, Order: i})
	}
	p := c.preload
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.pushLocked(reqs, p.gen)
}

// Schedule queues plan after delay. A later Schedule or CancelPreload
// replaces it.
func (c *Cache) Schedule(plan Plan, delay time.Duration) {
	p := c.preload
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	gen := p.gen
	reqs := append(Plan(nil), plan...)
	p.timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed || p.gen != gen {
			return
		}
		p.pushLocked(reqs, gen)
	})
	c.logger.Debug("preload scheduled", zap.Int("items", len(plan)), zap.Duration("delay", delay))
}

// CancelPreload drops queued and scheduled preload work. A decode already
// running finishes; nothing else starts.
func (c *Cache) CancelPreload() {
	p := c.preload
	p.mu.Lock()
	p.gen++
	p.queue = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
}

func (p *preloader) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.gen == gen
}

func (c *Cache) runWorker(ctx context.Context) error {
	for {
		req, gen, ok := c.preload.next()
		if !ok {
			return nil
		}
		// Cancellation is checked right before each decode.
		if ctx.Err() != nil {
			return nil
		}
		if !c.preload.current(gen) {
			continue
		}
		if err := c.warm(req.MediaID); err != nil {
			c.logger.Debug("preload skipped",
				zap.String("id", req.MediaID),
				zap.String("priority", req.Priority.String()),
				zap.Error(err))
		}
	}
}

func (p *preloader) inFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.foreground
}
