package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/satindergrewal/phisync/internal/diagnostics"
)

func receive[T any](t *testing.T, l *Listener[T]) T {
	t.Helper()
	select {
	case v := <-l.C:
		return v
	case <-time.After(time.Second):
		t.Fatal("no value within 1s")
	}
	var zero T
	return zero
}

func TestMonitorFansOutTapFrames(t *testing.T) {
	tap := NewTap(8000, 1) // 160 samples per frame
	monitor := NewBroadcaster[[]int16](MonitorBuffer)
	first, second := monitor.Subscribe(), monitor.Subscribe()
	defer monitor.Unsubscribe(first)
	defer monitor.Unsubscribe(second)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		monitor.Run(ctx, tap.Frames())
		close(stopped)
	}()

	block := make([]float32, 160)
	for i := range block {
		block[i] = 0.25
	}
	tap.Write(block)

	a, b := receive(t, first), receive(t, second)
	if len(a) != 160 || len(b) != 160 {
		t.Fatalf("frame lengths = %d, %d, want 160", len(a), len(b))
	}
	if a[0] <= 0 || a[0] != b[159] {
		t.Errorf("samples = %d, %d, want equal positive values", a[0], b[159])
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run kept going after cancel")
	}
}

func TestHubSendReachesFrameListeners(t *testing.T) {
	hub := NewHub(1, nil, quietLog())
	l := hub.Frames().Subscribe()
	if n := hub.Frames().ListenerCount(); n != 1 {
		t.Fatalf("ListenerCount = %d, want 1", n)
	}

	hub.Send(diagnostics.Frame{BlockID: 42, OffsetMs: 7.5, Degraded: true})

	var got diagnostics.Frame
	if err := json.Unmarshal(receive(t, l), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.BlockID != 42 || got.OffsetMs != 7.5 || !got.Degraded {
		t.Errorf("frame = %+v", got)
	}

	hub.Frames().Unsubscribe(l)
	if n := hub.Frames().ListenerCount(); n != 0 {
		t.Errorf("ListenerCount after unsubscribe = %d, want 0", n)
	}
}

func TestStalledClientKeepsOldestFrames(t *testing.T) {
	hub := NewHub(2, nil, quietLog())
	stalled := hub.Frames().Subscribe()
	reading := hub.Frames().Subscribe()

	var seen []uint64
	for id := uint64(0); id < 10; id++ {
		hub.Send(diagnostics.Frame{BlockID: id})
		var f diagnostics.Frame
		if err := json.Unmarshal(receive(t, reading), &f); err != nil {
			t.Fatalf("decode: %v", err)
		}
		seen = append(seen, f.BlockID)
	}
	if len(seen) != 10 || seen[9] != 9 {
		t.Errorf("reading client saw %v, want all ten frames", seen)
	}

	// the hub buffers four frames per client
	if n := len(stalled.C); n != 4 {
		t.Fatalf("stalled client holds %d frames, want 4", n)
	}
	for want := uint64(0); want < 4; want++ {
		var f diagnostics.Frame
		if err := json.Unmarshal(<-stalled.C, &f); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if f.BlockID != want {
			t.Errorf("stalled frame = %d, want %d", f.BlockID, want)
		}
	}
}

func TestUnsubscribedListenerStopsReceiving(t *testing.T) {
	b := NewBroadcaster[[]byte](2)
	l := b.Subscribe()
	b.Unsubscribe(l)
	b.Unsubscribe(l)

	select {
	case <-l.Done():
	default:
		t.Fatal("Done not closed after Unsubscribe")
	}
	b.Publish([]byte(`{"block_id":1}`))
	if len(l.C) != 0 {
		t.Errorf("unsubscribed listener received %d values", len(l.C))
	}
	if n := b.ListenerCount(); n != 0 {
		t.Errorf("ListenerCount = %d, want 0", n)
	}
}

func TestRunReturns(t *testing.T) {
	tests := []struct {
		name string
		stop func(cancel context.CancelFunc, source chan []int16)
	}{
		{"context cancelled", func(cancel context.CancelFunc, _ chan []int16) { cancel() }},
		{"source closed", func(_ context.CancelFunc, source chan []int16) { close(source) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBroadcaster[[]int16](MonitorBuffer)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			source := make(chan []int16)

			stopped := make(chan struct{})
			go func() {
				b.Run(ctx, source)
				close(stopped)
			}()
			tt.stop(cancel, source)

			select {
			case <-stopped:
			case <-time.After(2 * time.Second):
				t.Fatal("Run did not return")
			}
		})
	}
}
