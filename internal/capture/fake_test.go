package capture

import (
	"context"
	"errors"
	"io"
	"sync"
)

// fakeDevice produces frames pushed through its frames channel.
type fakeDevice struct {
	openErr   error
	openBlock chan struct{} // if set, Open waits on it or ctx

	frames chan []byte

	mu        sync.Mutex
	openCount int
	closed    bool
	done      chan struct{}
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		frames: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

func (d *fakeDevice) Open(ctx context.Context) error {
	if d.openBlock != nil {
		select {
		case <-d.openBlock:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.mu.Lock()
	d.openCount++
	d.mu.Unlock()
	return d.openErr
}

func (d *fakeDevice) ReadFrame() ([]byte, error) {
	select {
	case f, ok := <-d.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-d.done:
		return nil, errors.New("device closed")
	}
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.done)
	}
	return nil
}

func (d *fakeDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// blockingAuthorizer never answers until ctx ends.
type blockingAuthorizer struct{}

func (blockingAuthorizer) Status() AuthDecision { return NotDetermined }

func (blockingAuthorizer) Request(ctx context.Context) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}
