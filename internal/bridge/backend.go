package bridge

import (
	"io"
	"sync"
)

// directBackend is the direct-socket connection variant: a CLI process on
// the far side of a stream socket, one JSON object per line in each
// direction. The bridge owns the write half; reads are pumped by the
// transport layer into Registry.HandleCLIFrames.
type directBackend struct {
	mu sync.Mutex
	wc io.WriteCloser
}

// NewDirectBackend wraps the write half of a CLI socket.
func NewDirectBackend(wc io.WriteCloser) Backend {
	return &directBackend{wc: wc}
}

func (b *directBackend) Deliver(frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := make([]byte, 0, len(frame)+1)
	data = append(data, frame...)
	data = append(data, '\n')
	_, err := b.wc.Write(data)
	return err
}

func (b *directBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wc.Close()
}
