// Package transport sends and receives raw datagrams.
// No retry, no framing beyond one datagram = one message.
package transport

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DanielAraqueStudios/lab-udp-micros/helpers"
	"github.com/DanielAraqueStudios/lab-udp-micros/helpers/atomic_clock"
	"github.com/DanielAraqueStudios/lab-udp-micros/log2"
	"github.com/juju/errors"
)

const (
	DefaultReceiveTimeout = 1 * time.Second
	DefaultReadLimit      = 1024
)

type Options struct {
	Log            *log2.Log
	ListenHost     string // empty = all interfaces
	ListenPort     int    // 0 = ephemeral
	ReceiveTimeout time.Duration
	ReadLimit      int
	// ReuseAddr allows rebinding the port right after previous transport closed.
	ReuseAddr bool
	// SeparateSender sends from a second ephemeral socket. Replies then
	// only reach us if the device answers to the configured listen port.
	SeparateSender bool
}

// UDP transport. Send and Close are safe for concurrent use.
// Receive is meant for a single listener goroutine.
type UDP struct {
	log    *log2.Log
	opt    Options
	conn   *net.UDPConn
	sender *net.UDPConn
	closed uint32

	rmu sync.Mutex
	buf []byte

	dstmu  sync.Mutex
	dstKey string
	dst    *net.UDPAddr

	lastRecv atomic_clock.Clock
	stat     Stat
}

// Open binds the local endpoint.
func Open(ctx context.Context, opt Options) (*UDP, error) {
	if opt.ReceiveTimeout <= 0 {
		opt.ReceiveTimeout = DefaultReceiveTimeout
	}
	if opt.ReadLimit <= 0 {
		opt.ReadLimit = DefaultReadLimit
	}
	addr := net.JoinHostPort(opt.ListenHost, strconv.Itoa(opt.ListenPort))
	lc := net.ListenConfig{Control: listenControl(&opt)}
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}
	t := &UDP{
		log:  opt.Log,
		opt:  opt,
		conn: pc.(*net.UDPConn),
		buf:  make([]byte, opt.ReadLimit),
	}
	t.sender = t.conn
	if opt.SeparateSender {
		if t.sender, err = net.ListenUDP("udp", nil); err != nil {
			_ = t.conn.Close()
			return nil, &BindError{Addr: "sender", Err: err}
		}
	}
	t.log.Debugf("udp: listen=%s timeout=%s", t.conn.LocalAddr(), opt.ReceiveTimeout)
	return t, nil
}

func (self *UDP) LocalAddr() *net.UDPAddr { return self.conn.LocalAddr().(*net.UDPAddr) }

func (self *UDP) Closed() bool { return atomic.LoadUint32(&self.closed) != 0 }

func (self *UDP) Stat() *Stat { return &self.stat }

// SinceLastRecv is 0 if nothing was received yet.
func (self *UDP) SinceLastRecv() time.Duration { return atomic_clock.Since(&self.lastRecv) }

// Send transmits one datagram, fire and forget.
func (self *UDP) Send(b []byte, host string, port int) error {
	key := net.JoinHostPort(host, strconv.Itoa(port))
	if self.Closed() {
		return &SendError{Addr: key, Err: ErrClosed}
	}
	dst, err := self.resolve(key)
	if err != nil {
		self.stat.Errors.Add(1)
		return &SendError{Addr: key, Err: err}
	}
	n, err := self.sender.WriteToUDP(b, dst)
	if err != nil {
		self.stat.Errors.Add(1)
		if self.Closed() {
			err = ErrClosed
		}
		return &SendError{Addr: key, Err: err}
	}
	self.stat.Send.register(n)
	self.log.Debugf("udp: send %s len=%d '%s'", key, n, b)
	return nil
}

func (self *UDP) resolve(key string) (*net.UDPAddr, error) {
	self.dstmu.Lock()
	defer self.dstmu.Unlock()
	if self.dst != nil && self.dstKey == key {
		return self.dst, nil
	}
	dst, err := net.ResolveUDPAddr("udp", key)
	if err != nil {
		return nil, err
	}
	self.dstKey, self.dst = key, dst
	return dst, nil
}

// ReceiveWithTimeout waits at most ReceiveTimeout for one datagram.
// Returns ErrTimeout when nothing arrived, *ReceiveError on any other failure.
func (self *UDP) ReceiveWithTimeout() ([]byte, error) {
	b, _, err := self.ReceiveFrom()
	return b, err
}

// ReceiveFrom is ReceiveWithTimeout that also reports the sender.
func (self *UDP) ReceiveFrom() ([]byte, *net.UDPAddr, error) {
	if self.Closed() {
		return nil, nil, &ReceiveError{Err: ErrClosed}
	}
	self.rmu.Lock()
	defer self.rmu.Unlock()

	if err := self.conn.SetReadDeadline(time.Now().Add(self.opt.ReceiveTimeout)); err != nil {
		return nil, nil, self.receiveError(err)
	}
	n, from, err := self.conn.ReadFromUDP(self.buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() && !self.Closed() {
			self.stat.Timeouts.Add(1)
			return nil, nil, ErrTimeout
		}
		return nil, nil, self.receiveError(err)
	}
	self.lastRecv.SetNow()
	self.stat.Recv.register(n)
	out := make([]byte, n)
	copy(out, self.buf[:n])
	self.log.Debugf("udp: recv %s len=%d '%s'", from, n, out)
	return out, from, nil
}

func (self *UDP) receiveError(err error) error {
	if self.Closed() {
		return &ReceiveError{Err: ErrClosed}
	}
	self.stat.Errors.Add(1)
	return &ReceiveError{Err: err}
}

// Close is idempotent. A receive blocked in another goroutine returns promptly.
func (self *UDP) Close() error {
	if !atomic.CompareAndSwapUint32(&self.closed, 0, 1) {
		return nil
	}
	errs := make([]error, 0, 2)
	if err := self.conn.Close(); err != nil {
		errs = append(errs, errors.Annotate(err, "close listener"))
	}
	if self.sender != self.conn {
		if err := self.sender.Close(); err != nil {
			errs = append(errs, errors.Annotate(err, "close sender"))
		}
	}
	self.log.Debugf("udp: closed listen=%s", self.conn.LocalAddr())
	return helpers.FoldErrors(errs)
}
