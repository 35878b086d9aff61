package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/voxloop/pkg/audio"
)

func TestHub_FanOut(t *testing.T) {
	t.Parallel()

	in := make(chan audio.AudioFrame)
	h := audio.NewHub()
	a, cancelA := h.Subscribe(4)
	defer cancelA()
	b, cancelB := h.Subscribe(4)
	defer cancelB()

	done := make(chan struct{})
	go func() {
		h.Run(in)
		close(done)
	}()

	in <- audio.AudioFrame{Data: []byte{1, 2}, SampleRate: 16000, Channels: 1}
	for name, ch := range map[string]<-chan audio.AudioFrame{"a": a, "b": b} {
		select {
		case f := <-ch:
			if len(f.Data) != 2 {
				t.Errorf("subscriber %s: got %d bytes, want 2", name, len(f.Data))
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s: no frame", name)
		}
	}

	close(in)
	<-done
	if _, ok := <-a; ok {
		t.Error("subscriber channel should be closed after source ends")
	}
}

func TestHub_CancelUnsubscribes(t *testing.T) {
	t.Parallel()

	h := audio.NewHub()
	ch, cancel := h.Subscribe(1)
	if got := h.Subscribers(); got != 1 {
		t.Fatalf("Subscribers() = %d, want 1", got)
	}
	cancel()
	cancel()
	if got := h.Subscribers(); got != 0 {
		t.Errorf("Subscribers() = %d, want 0", got)
	}
	if _, ok := <-ch; ok {
		t.Error("cancelled channel should be closed")
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()

	in := make(chan audio.AudioFrame, 8)
	h := audio.NewHub()
	_, cancel := h.Subscribe(1)
	defer cancel()

	for range 8 {
		in <- audio.AudioFrame{Data: []byte{0, 0}}
	}
	close(in)

	done := make(chan struct{})
	go func() {
		h.Run(in)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub blocked on a full subscriber")
	}
}

func TestHub_SubscribeAfterClose(t *testing.T) {
	t.Parallel()

	in := make(chan audio.AudioFrame)
	close(in)
	h := audio.NewHub()
	h.Run(in)

	ch, cancel := h.Subscribe(1)
	defer cancel()
	if _, ok := <-ch; ok {
		t.Error("subscribe after close should return a closed channel")
	}
}
