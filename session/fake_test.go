package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DanielAraqueStudios/lab-udp-micros/device"
	"github.com/DanielAraqueStudios/lab-udp-micros/transport"
)

// fakeTransport delivers datagrams from in, fails with errors from fail.
type fakeTransport struct {
	in      chan []byte
	fail    chan error
	timeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
	// silentlyClosed reports Closed() while receive keeps timing out.
	silentlyClosed uint32
	receives       int64

	mu      sync.Mutex
	sent    []string
	sendErr error
}

func newFake() *fakeTransport {
	return &fakeTransport{
		in:      make(chan []byte, 64),
		fail:    make(chan error, 1),
		timeout: 5 * time.Millisecond,
		done:    make(chan struct{}),
	}
}

func (f *fakeTransport) Send(b []byte, host string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return &transport.SendError{Addr: host, Err: f.sendErr}
	}
	if f.Closed() {
		return &transport.SendError{Addr: host, Err: transport.ErrClosed}
	}
	f.sent = append(f.sent, string(b))
	return nil
}

func (f *fakeTransport) ReceiveWithTimeout() ([]byte, error) {
	atomic.AddInt64(&f.receives, 1)
	select {
	case <-f.done:
		return nil, &transport.ReceiveError{Err: transport.ErrClosed}
	default:
	}
	select {
	case b := <-f.in:
		return b, nil
	case err := <-f.fail:
		return nil, err
	case <-f.done:
		return nil, &transport.ReceiveError{Err: transport.ErrClosed}
	case <-time.After(f.timeout):
		return nil, transport.ErrTimeout
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeTransport) Closed() bool {
	if atomic.LoadUint32(&f.silentlyClosed) != 0 {
		return true
	}
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) Receives() int64 { return atomic.LoadInt64(&f.receives) }

// fakeOpener hands out fresh fakes and remembers them.
type fakeOpener struct {
	mu    sync.Mutex
	all   []*fakeTransport
	err   error
	cfgs  []device.NetworkConfig
	setup func(*fakeTransport)
}

func (o *fakeOpener) Open(ctx context.Context, cfg device.NetworkConfig) (Transport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfgs = append(o.cfgs, cfg)
	if o.err != nil {
		return nil, o.err
	}
	f := newFake()
	if o.setup != nil {
		o.setup(f)
	}
	o.all = append(o.all, f)
	return f, nil
}

func (o *fakeOpener) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.all)
}

func (o *fakeOpener) Last() *fakeTransport {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.all) == 0 {
		return nil
	}
	return o.all[len(o.all)-1]
}
