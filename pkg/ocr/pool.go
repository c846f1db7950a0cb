package ocr

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent recognition calls across every run in the process
// and applies a per-call timeout.
type Pool struct {
	sem     *semaphore.Weighted
	size    int
	timeout time.Duration
}

// NewPool returns a pool of size slots. size <= 0 uses the CPU count;
// timeout <= 0 disables the per-call deadline.
func NewPool(size int, timeout time.Duration) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size, timeout: timeout}
}

// Size returns the number of slots.
func (p *Pool) Size() int { return p.size }

// Recognize waits for a slot and runs e. A timeout fails this call only; the
// slot stays taken until the engine returns.
func (p *Pool) Recognize(ctx context.Context, e Engine, imagePath string, languages []string) Output {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Failed(e.Name(), fmt.Errorf("wait for ocr slot: %w", err))
	}
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
	}
	done := make(chan Output, 1)
	go func() {
		defer p.sem.Release(1)
		done <- Recognize(callCtx, e, imagePath, languages)
	}()
	select {
	case out := <-done:
		cancel()
		return out
	case <-callCtx.Done():
		cancel()
		if ctx.Err() == nil {
			return Failed(e.Name(), fmt.Errorf("ocr timed out after %s: %w", p.timeout, callCtx.Err()))
		}
		return Failed(e.Name(), ctx.Err())
	}
}
