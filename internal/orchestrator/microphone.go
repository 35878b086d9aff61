package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voxloop/internal/capture"
	"github.com/MrWong99/voxloop/pkg/audio"
)

// HubMicrophone opens an [audio.Source] and fans its frames out through an
// [audio.Hub], so the level meter, the capture stream and the transcription
// stream all read the same device.
type HubMicrophone struct {
	source audio.Source

	mu   sync.Mutex
	hub  *audio.Hub
	done chan struct{}
}

var _ Microphone = (*HubMicrophone)(nil)

// NewHubMicrophone wraps source.
func NewHubMicrophone(source audio.Source) *HubMicrophone {
	return &HubMicrophone{source: source}
}

// Open starts the source. Errors that are not already classified are
// reported as [capture.ErrDeviceUnavailable].
func (m *HubMicrophone) Open(ctx context.Context) (capture.FrameSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hub != nil {
		return nil, fmt.Errorf("microphone already open: %w", capture.ErrDeviceUnavailable)
	}

	frames, err := m.source.Open(ctx)
	if err != nil {
		if errors.Is(err, capture.ErrPermissionDenied) || errors.Is(err, capture.ErrDeviceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%v: %w", err, capture.ErrDeviceUnavailable)
	}

	hub := audio.NewHub()
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(frames)
	}()
	m.hub, m.done = hub, done
	return hub, nil
}

// Close stops the source and waits for the hub to drain. Safe to call when
// not open.
func (m *HubMicrophone) Close() error {
	m.mu.Lock()
	done := m.done
	m.hub, m.done = nil, nil
	m.mu.Unlock()

	if done == nil {
		return nil
	}
	err := m.source.Close()
	<-done
	return err
}
