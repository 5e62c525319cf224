package stream

import (
	"context"
	"testing"
	"time"

	"github.com/satindergrewal/reelcast/internal/audio"
)

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	if b.ListenerCount() != 0 {
		t.Fatalf("initial ListenerCount = %d", b.ListenerCount())
	}

	l1 := b.Subscribe()
	l2 := b.Subscribe()
	if b.ListenerCount() != 2 {
		t.Errorf("ListenerCount = %d, want 2", b.ListenerCount())
	}

	b.Unsubscribe(l1)
	b.Unsubscribe(l1)
	if b.ListenerCount() != 1 {
		t.Errorf("after unsubscribe: ListenerCount = %d, want 1", b.ListenerCount())
	}
	select {
	case <-l1.Done():
	default:
		t.Error("done not closed after unsubscribe")
	}

	b.Unsubscribe(l2)
	if b.ListenerCount() != 0 {
		t.Errorf("ListenerCount = %d, want 0", b.ListenerCount())
	}
}

func TestBroadcastMultipleListeners(t *testing.T) {
	b := NewBroadcaster()
	listeners := make([]*Listener, 5)
	for i := range listeners {
		listeners[i] = b.Subscribe()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := make(chan []float32, 10)
	go b.Run(ctx, source)

	source <- []float32{0.5, -0.5}

	for i, l := range listeners {
		select {
		case got := <-l.C:
			if len(got) != 2 || got[0] != 0.5 || got[1] != -0.5 {
				t.Errorf("listener %d got %v", i, got)
			}
		case <-time.After(time.Second):
			t.Errorf("listener %d timed out", i)
		}
	}
}

func TestBroadcastDropsForSlowListener(t *testing.T) {
	b := NewBroadcaster()
	slow := b.Subscribe()
	fast := b.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := make(chan []float32)
	done := make(chan struct{})
	go func() {
		b.Run(ctx, source)
		close(done)
	}()

	fastCount := 0
	for i := 0; i < 200; i++ {
		source <- []float32{float32(i)}
		select {
		case <-fast.C:
			fastCount++
		case <-time.After(time.Second):
			t.Fatalf("fast listener stalled at frame %d", i)
		}
	}
	close(source)
	<-done

	if fastCount != 200 {
		t.Errorf("fast listener got %d frames, want 200", fastCount)
	}
	if len(slow.C) != listenerBuffer {
		t.Errorf("slow listener holds %d frames, want %d", len(slow.C), listenerBuffer)
	}
	if b.Dropped() != 200-listenerBuffer {
		t.Errorf("Dropped = %d, want %d", b.Dropped(), 200-listenerBuffer)
	}
}

func TestBroadcastStops(t *testing.T) {
	tests := []struct {
		name string
		stop func(cancel context.CancelFunc, src chan []float32)
	}{
		{"context cancelled", func(cancel context.CancelFunc, _ chan []float32) { cancel() }},
		{"source closed", func(_ context.CancelFunc, src chan []float32) { close(src) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBroadcaster()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			src := make(chan []float32)
			done := make(chan struct{})
			go func() {
				b.Run(ctx, src)
				close(done)
			}()

			tt.stop(cancel, src)

			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("Run did not return")
			}
		})
	}
}

func TestBroadcastFromLiveSink(t *testing.T) {
	g := audio.NewGraph(audio.DefaultLevels())
	defer g.Close()
	live, _ := g.AttachSinks()

	b := NewBroadcaster()
	l := b.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx, live.C)

	g.Render()

	select {
	case frame := <-l.C:
		if len(frame) != audio.FrameSamples {
			t.Errorf("frame has %d samples, want %d", len(frame), audio.FrameSamples)
		}
	case <-time.After(time.Second):
		t.Fatal("no frame from live sink")
	}
}
