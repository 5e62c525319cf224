// Package stream delivers the live master mix and the latest composited
// frame to browsers.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
)

// listenerBuffer is ~3 seconds of 20ms frames.
const listenerBuffer = 150

// Broadcaster fans out master-mix frames from the graph's live sink to any
// number of listeners.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[*Listener]struct{}
	dropped   atomic.Int64
}

// Listener receives interleaved stereo float32 frames.
type Listener struct {
	C    chan []float32
	done chan struct{}
}

// Done is closed when the listener is unsubscribed.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// NewBroadcaster creates a broadcaster with no listeners.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		listeners: make(map[*Listener]struct{}),
	}
}

// Subscribe registers a new listener.
func (b *Broadcaster) Subscribe() *Listener {
	l := &Listener{
		C:    make(chan []float32, listenerBuffer),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	b.mu.Unlock()
	return l
}

// Unsubscribe removes a listener and signals it to stop. Calling it twice
// is harmless.
func (b *Broadcaster) Unsubscribe(l *Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.listeners[l]; !ok {
		return
	}
	delete(b.listeners, l)
	close(l.done)
}

// ListenerCount returns the number of active listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Dropped returns how many frames were skipped for slow listeners.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Run reads frames from source until it closes or ctx ends. Slow listeners
// lose frames rather than hold up the others.
func (b *Broadcaster) Run(ctx context.Context, source <-chan []float32) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-source:
			if !ok {
				return
			}
			b.mu.RLock()
			for l := range b.listeners {
				select {
				case l.C <- frame:
				default:
					b.dropped.Add(1)
				}
			}
			b.mu.RUnlock()
		}
	}
}
