package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Gate 实现滑动窗口限流：任意长度为 window 的时间区间内，
// 放行次数不超过 capacity。等待者按到达顺序依次放行。
type Gate struct {
	capacity int
	window   time.Duration

	mu     sync.Mutex
	stamps []time.Time
	queue  []*waiter
	timer  *time.Timer
}

type waiter struct {
	ready chan struct{}
}

// NewGate 创建限流闸门，capacity 或 window 非正视为配置错误。
func NewGate(capacity int, window time.Duration) (*Gate, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ratelimit: capacity 必须大于0，当前为 %d", capacity)
	}
	if window <= 0 {
		return nil, fmt.Errorf("ratelimit: window 必须大于0，当前为 %s", window)
	}
	return &Gate{
		capacity: capacity,
		window:   window,
		stamps:   make([]time.Time, 0, capacity),
	}, nil
}

// Acquire 阻塞直到窗口内存在空位，随后记录放行时间并返回。
// ctx 取消时放弃排队并返回 ctx.Err()。
func (g *Gate) Acquire(ctx context.Context) error {
	w := &waiter{ready: make(chan struct{})}

	g.mu.Lock()
	g.queue = append(g.queue, w)
	g.dispatch()
	g.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// 取消与放行可能同时发生，已放行的名额不再退回。
	select {
	case <-w.ready:
		return nil
	default:
	}

	for i, queued := range g.queue {
		if queued == w {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			break
		}
	}
	return ctx.Err()
}

// dispatch 在持有 g.mu 的前提下按 FIFO 顺序放行队首等待者，
// 队列未清空时安排一次定时唤醒。
func (g *Gate) dispatch() {
	now := time.Now()
	g.prune(now)

	for len(g.queue) > 0 && len(g.stamps) < g.capacity {
		w := g.queue[0]
		g.queue = g.queue[1:]
		g.stamps = append(g.stamps, now)
		close(w.ready)
	}

	if len(g.queue) == 0 {
		return
	}

	wait := g.stamps[0].Add(g.window).Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	if g.timer == nil {
		g.timer = time.AfterFunc(wait, g.wake)
	} else {
		g.timer.Reset(wait)
	}
}

func (g *Gate) wake() {
	g.mu.Lock()
	g.dispatch()
	g.mu.Unlock()
}

func (g *Gate) prune(now time.Time) {
	cutoff := now.Add(-g.window)
	idx := 0
	for idx < len(g.stamps) && !g.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		g.stamps = append(g.stamps[:0], g.stamps[idx:]...)
	}
}
