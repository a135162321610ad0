// Package network provides the shared HTTP machinery every provider call
// goes through: a per-provider pacing limiter, a circuit breaker, and an
// executor that retries, classifies failures and streams downloads under
// budget control.
package network

import (
	"context"
	"sync"
	"time"

	"github.com/chronofetch/chronofetch/internal/clock"
)

// Limiter spaces requests to one provider by a fixed delay plus random
// jitter. Waiters are served strictly in arrival order; a caller that gives
// up hands its slot to the next in line.
type Limiter struct {
	mu     sync.Mutex
	delay  time.Duration
	jitter time.Duration
	clk    clock.Clock

	// next is the earliest instant the head waiter may launch.
	next  time.Time
	queue []chan struct{}
}

func NewLimiter(delay, jitter time.Duration, clk clock.Clock) *Limiter {
	return &Limiter{delay: delay, jitter: jitter, clk: clk}
}

// Wait blocks until this caller's turn comes up and the pacing delay has
// elapsed. Returns the context error if the caller is cancelled while
// queued or sleeping.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.delay <= 0 && l.jitter <= 0 {
		return ctx.Err()
	}

	turn := make(chan struct{})
	l.mu.Lock()
	l.queue = append(l.queue, turn)
	if len(l.queue) == 1 {
		close(turn)
	}
	l.mu.Unlock()

	select {
	case <-turn:
	case <-ctx.Done():
		l.abandon(turn)
		return ctx.Err()
	}

	l.mu.Lock()
	pause := l.next.Sub(l.clk.Now())
	l.mu.Unlock()

	if pause > 0 {
		if err := l.clk.Sleep(ctx, pause); err != nil {
			l.advance()
			return err
		}
	}

	l.mu.Lock()
	l.next = l.clk.Now().Add(l.delay + clock.Jitter(l.jitter))
	l.mu.Unlock()
	l.advance()
	return nil
}

// advance pops the head waiter and wakes the next one.
func (l *Limiter) advance() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) > 0 {
		l.queue = l.queue[1:]
	}
	if len(l.queue) > 0 {
		close(l.queue[0])
	}
}

// abandon removes a cancelled waiter. If it already held the head slot the
// next waiter is promoted so the line keeps moving.
func (l *Limiter) abandon(turn chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, t := range l.queue {
		if t != turn {
			continue
		}
		head := i == 0
		l.queue = append(l.queue[:i], l.queue[i+1:]...)
		if head && len(l.queue) > 0 {
			close(l.queue[0])
		}
		return
	}
}
