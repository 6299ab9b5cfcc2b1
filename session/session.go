// Package session owns the link to one device: connection state machine,
// listener goroutine, liveness check, optional poller and reconnect policy.
//
//   Disconnected|Error --Connect--> Connecting --ok--> Connected
//                                              --fail--> Error
//   Connected --fatal receive or transport closed--> Error
//   any --Disconnect--> Disconnected
//
// Every Connect builds a fresh Transport. Teardown is always
// stop goroutines, close transport, wait for goroutines.
package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/DanielAraqueStudios/lab-udp-micros/device"
	"github.com/DanielAraqueStudios/lab-udp-micros/helpers"
	"github.com/DanielAraqueStudios/lab-udp-micros/log2"
	"github.com/DanielAraqueStudios/lab-udp-micros/transport"
	"github.com/DanielAraqueStudios/lab-udp-micros/wire"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

const (
	DefaultLivenessInterval = 5 * time.Second
	DefaultFeedBuffer       = 128
	DefaultReconnectMin     = 1 * time.Second
	DefaultReconnectMax     = 30 * time.Second

	// reserved feed capacity for non-snapshot events
	controlHeadroom = 16
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrLinkLost     = errors.New("connection lost")
	ErrClosed       = errors.New("session closed")
)

// Transport is what Session needs from a datagram endpoint.
type Transport interface {
	Send(b []byte, host string, port int) error
	// ReceiveWithTimeout returns transport.ErrTimeout when nothing arrived in time.
	ReceiveWithTimeout() ([]byte, error)
	Close() error
	Closed() bool
}

type OpenFunc func(ctx context.Context, cfg device.NetworkConfig) (Transport, error)

type Options struct {
	Log     *log2.Log
	Dialect wire.Dialect
	// Open builds a transport for each Connect. Default is UDP
	// with Transport options as template.
	Open      OpenFunc
	Transport transport.Options

	LivenessInterval time.Duration
	FeedBuffer       int
	PingOnConnect    bool

	Reconnect    bool
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

type Session struct {
	log  *log2.Log
	opt  Options
	feed chan Event
	stat Stat

	// serializes Connect, Disconnect, Close and reconnect attempts
	ctl sync.Mutex

	mu      sync.Mutex
	state   device.ConnState
	cur     *conn
	lastErr string
	last    device.Command // outputs as last reported by device
	cfg     device.NetworkConfig
	hasCfg  bool
	retry   *alive.Alive
	closed  bool
}

type conn struct {
	cfg   device.NetworkConfig
	tr    Transport
	alive *alive.Alive
}

func New(opt Options) *Session {
	if opt.LivenessInterval <= 0 {
		opt.LivenessInterval = DefaultLivenessInterval
	}
	if opt.FeedBuffer <= 0 {
		opt.FeedBuffer = DefaultFeedBuffer
	}
	if opt.ReconnectMin <= 0 {
		opt.ReconnectMin = DefaultReconnectMin
	}
	if opt.ReconnectMax < opt.ReconnectMin {
		opt.ReconnectMax = DefaultReconnectMax
		if opt.ReconnectMax < opt.ReconnectMin {
			opt.ReconnectMax = opt.ReconnectMin
		}
	}
	if opt.Transport.Log == nil {
		opt.Transport.Log = opt.Log
	}
	if opt.Open == nil {
		opt.Open = UDPOpener(opt.Transport)
	}
	return &Session{
		log:   opt.Log,
		opt:   opt,
		feed:  make(chan Event, opt.FeedBuffer+controlHeadroom),
		state: device.Disconnected,
	}
}

// UDPOpener resolves the device address within ctx, then binds a UDP
// transport on cfg.LocalPort. tmpl supplies host and socket options.
func UDPOpener(tmpl transport.Options) OpenFunc {
	return func(ctx context.Context, cfg device.NetworkConfig) (Transport, error) {
		if _, err := net.DefaultResolver.LookupIPAddr(ctx, cfg.DeviceAddr); err != nil {
			return nil, errors.Annotatef(err, "resolve device=%s", cfg.DeviceAddr)
		}
		opt := tmpl
		opt.ListenPort = cfg.LocalPort
		opt.ReceiveTimeout = cfg.ReceiveTimeout
		u, err := transport.Open(ctx, opt)
		if err != nil {
			return nil, err
		}
		return u, nil
	}
}

// Events is the output feed. Closed by Close().
func (self *Session) Events() <-chan Event { return self.feed }

func (self *Session) Stat() *Stat { return &self.stat }

func (self *Session) Dialect() wire.Dialect { return self.opt.Dialect }

func (self *Session) State() device.ConnState {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.state
}

// LastError is the message of the most recent fault, empty after successful connect.
func (self *Session) LastError() string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.lastErr
}

// Config of the last connect attempt, successful or not.
func (self *Session) Config() (device.NetworkConfig, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.cfg, self.hasCfg
}

// Connect is a no-op while Connecting or Connected.
// From Disconnected or Error it tears down any previous transport and opens a fresh one.
// Pending automatic reconnect is cancelled.
func (self *Session) Connect(ctx context.Context, cfg device.NetworkConfig) error {
	self.cancelRetry()
	self.ctl.Lock()
	defer self.ctl.Unlock()
	return self.connectLocked(ctx, cfg, nil)
}

// Disconnect stops the listener and closes transport, waiting for both.
// Last snapshot and history live in the store and survive.
func (self *Session) Disconnect() error {
	self.cancelRetry()
	self.ctl.Lock()
	defer self.ctl.Unlock()
	return self.disconnectLocked()
}

// Close disconnects and closes the feed. Session is unusable afterwards.
func (self *Session) Close() error {
	self.cancelRetry()
	self.ctl.Lock()
	err := self.disconnectLocked()
	self.mu.Lock()
	if !self.closed {
		self.closed = true
		close(self.feed)
	}
	self.mu.Unlock()
	self.ctl.Unlock()
	// a fault right before disconnect may have scheduled reconnect
	self.cancelRetry()
	return err
}

func (self *Session) connectLocked(ctx context.Context, cfg device.NetworkConfig, retry *alive.Alive) error {
	cfg = cfg.WithDefaults()
	self.mu.Lock()
	if self.closed {
		self.mu.Unlock()
		return ErrClosed
	}
	switch self.state {
	case device.Connecting, device.Connected:
		self.mu.Unlock()
		return nil
	}
	old := self.cur
	self.cur = nil
	self.cfg, self.hasCfg = cfg, true
	self.setStateLocked(device.Connecting)
	self.mu.Unlock()

	if old != nil {
		if err := self.teardown(old); err != nil {
			self.log.Debugf("session: previous transport close: %v", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return self.connectFailed(errors.Annotate(err, "connect"))
	}
	octx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	tr, err := self.opt.Open(octx, cfg)
	cancel()
	if err != nil {
		return self.connectFailed(errors.Annotatef(err, "connect %s", cfg.DeviceAddress()))
	}

	c := &conn{cfg: cfg, tr: tr, alive: alive.NewAlive()}
	self.mu.Lock()
	self.cur = c
	self.lastErr = ""
	if retry != nil && self.retry == retry {
		self.retry = nil
		self.stat.Reconnects.Add(1)
	}
	self.emitLocked(Event{Kind: EventClearError})
	self.setStateLocked(device.Connected)
	c.alive.Add(2)
	go self.listen(c)
	go self.watch(c)
	if self.opt.Dialect.Telemetry == wire.TelemetryPoll {
		c.alive.Add(1)
		go self.poll(c)
	}
	self.mu.Unlock()

	self.stat.Connects.Add(1)
	self.log.Infof("session: connected %s dialect=(%s)", cfg.String(), self.opt.Dialect.String())
	if self.opt.PingOnConnect {
		if err := self.sendOn(c, wire.EncodePing()); err != nil {
			self.log.Errorf("session: ping on connect: %v", err)
		}
	}
	return nil
}

func (self *Session) connectFailed(err error) error {
	self.mu.Lock()
	self.lastErr = err.Error()
	self.setStateLocked(device.Error)
	self.emitLocked(Event{Kind: EventError, Err: err})
	self.mu.Unlock()
	self.stat.Faults.Add(1)
	self.log.Errorf("session: %v", err)
	return err
}

func (self *Session) disconnectLocked() error {
	self.mu.Lock()
	c := self.cur
	self.cur = nil
	prev := self.state
	if prev != device.Disconnected {
		self.setStateLocked(device.Disconnected)
	}
	// a fault after cancelRetry may have armed reconnect again;
	// the loop may be waiting for ctl, so no Wait here
	r := self.retry
	self.retry = nil
	self.mu.Unlock()
	if r != nil {
		r.Stop()
	}
	if c == nil {
		return nil
	}
	err := self.teardown(c)
	self.log.Infof("session: disconnected, was %s", prev.String())
	return err
}

func (self *Session) teardown(c *conn) error {
	c.alive.Stop()
	err := c.tr.Close()
	c.alive.Wait()
	if st, ok := c.tr.(interface{ Stat() *transport.Stat }); ok {
		self.stat.Transport.AddMoveFrom(st.Stat())
	}
	return errors.Annotate(err, "transport close")
}

// fault moves an established connection to Error. Stale connections are ignored.
func (self *Session) fault(c *conn, err error) {
	self.mu.Lock()
	if self.cur != c || self.state != device.Connected {
		self.mu.Unlock()
		return
	}
	self.lastErr = err.Error()
	self.setStateLocked(device.Error)
	self.emitLocked(Event{Kind: EventError, Err: err})
	if self.opt.Reconnect && !self.closed && (self.retry == nil || !self.retry.IsRunning()) {
		self.startRetryLocked(c.cfg)
	}
	self.mu.Unlock()

	self.stat.Faults.Add(1)
	self.log.Errorf("session: %v", err)
	c.alive.Stop()
	_ = c.tr.Close()
}

func (self *Session) listen(c *conn) {
	defer c.alive.Done()
	for c.alive.IsRunning() {
		b, err := c.tr.ReceiveWithTimeout()
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			if !c.alive.IsRunning() {
				return
			}
			self.fault(c, errors.Annotate(err, "listener"))
			return
		}

		snap, err := wire.DecodeSnapshotAt(b, time.Now())
		if err != nil {
			self.stat.Drops.Add(1)
			self.log.Debugf("session: drop datagram: %v", err)
			self.publish(c, Event{Kind: EventDrop, Err: err})
			continue
		}
		self.stat.Snapshots.Add(1)
		self.publish(c, Event{Kind: EventSnapshot, Snapshot: snap, Time: snap.ReceivedAt})
	}
}

// watch detects a transport closed underneath a listener that has not noticed yet.
func (self *Session) watch(c *conn) {
	defer c.alive.Done()
	tick := time.NewTicker(self.opt.LivenessInterval)
	defer tick.Stop()
	stopch := c.alive.StopChan()
	for {
		select {
		case <-stopch:
			return
		case <-tick.C:
			if c.tr.Closed() {
				self.fault(c, ErrLinkLost)
				return
			}
		}
	}
}

func (self *Session) poll(c *conn) {
	defer c.alive.Done()
	tick := time.NewTicker(c.cfg.PollInterval)
	defer tick.Stop()
	stopch := c.alive.StopChan()
	for {
		if err := self.sendOn(c, wire.EncodePoll()); err != nil && c.alive.IsRunning() {
			self.log.Debugf("session: poll: %v", err)
		}
		select {
		case <-stopch:
			return
		case <-tick.C:
		}
	}
}

// publish emits ev only while c is the live connection,
// so nothing from c is delivered after Disconnect returns.
func (self *Session) publish(c *conn, ev Event) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.cur != c || self.state != device.Connected || !c.alive.IsRunning() {
		return
	}
	if ev.Kind == EventSnapshot {
		self.last = device.CommandFromSnapshot(ev.Snapshot)
	}
	self.emitLocked(ev)
}

func (self *Session) setStateLocked(st device.ConnState) {
	self.state = st
	self.emitLocked(Event{Kind: EventState})
}

// emitLocked never blocks. Snapshots may not use the control headroom.
func (self *Session) emitLocked(ev Event) {
	if self.closed {
		return
	}
	ev.State = self.state
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Kind == EventSnapshot && len(self.feed) >= self.opt.FeedBuffer {
		self.stat.FeedDrops.Add(1)
		return
	}
	select {
	case self.feed <- ev:
	default:
		self.stat.FeedDrops.Add(1)
		self.log.Debugf("session: feed full, dropped %s", ev.String())
	}
}

func (self *Session) current() (*conn, device.Command, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.cur == nil || self.state != device.Connected {
		return nil, device.Command{}, errors.Annotatef(ErrNotConnected, "state=%s", self.state.String())
	}
	return self.cur, self.last, nil
}

// SendCommand sets all outputs. Fails with ErrNotConnected unless Connected,
// never changes state. Send failures are only returned.
func (self *Session) SendCommand(cmd device.Command) error {
	c, last, err := self.current()
	if err != nil {
		return err
	}
	return self.sendCommand(c, last, cmd)
}

// Toggle inverts output channel (1-based) relative to the last snapshot.
// Before any snapshot all outputs are assumed off.
func (self *Session) Toggle(channel int) error {
	c, last, err := self.current()
	if err != nil {
		return err
	}
	want, err := last.Toggle(channel)
	if err != nil {
		return err
	}
	return self.sendCommand(c, last, want)
}

func (self *Session) sendCommand(c *conn, last, want device.Command) error {
	b, err := self.opt.Dialect.EncodeTransition(last, want)
	if err != nil {
		return err
	}
	if err := self.sendOn(c, b); err != nil {
		return errors.Annotatef(err, "send command %s", want.String())
	}
	self.publish(c, Event{Kind: EventCommand, Command: want})
	return nil
}

// Poll asks device for a snapshot now.
func (self *Session) Poll() error {
	c, _, err := self.current()
	if err != nil {
		return err
	}
	return errors.Annotate(self.sendOn(c, wire.EncodePoll()), "poll")
}

func (self *Session) Ping() error {
	c, _, err := self.current()
	if err != nil {
		return err
	}
	return errors.Annotate(self.sendOn(c, wire.EncodePing()), "ping")
}

func (self *Session) sendOn(c *conn, b []byte) error {
	return c.tr.Send(b, c.cfg.DeviceAddr, c.cfg.DevicePort)
}

func IsNotConnected(err error) bool { return errors.Cause(err) == ErrNotConnected }

func (self *Session) startRetryLocked(cfg device.NetworkConfig) {
	r := alive.NewAlive()
	r.Add(1)
	self.retry = r
	go self.reconnectLoop(r, cfg)
}

func (self *Session) cancelRetry() {
	self.mu.Lock()
	r := self.retry
	self.retry = nil
	self.mu.Unlock()
	if r != nil {
		r.Stop()
		r.Wait()
	}
}

func (self *Session) reconnectLoop(r *alive.Alive, cfg device.NetworkConfig) {
	defer r.Done()
	defer r.Stop()
	b := helpers.Backoff{Min: self.opt.ReconnectMin, Max: self.opt.ReconnectMax, K: 2}
	b.Failure()
	stopch := r.StopChan()
	for {
		delay := b.DelayBefore()
		self.log.Debugf("session: reconnect attempt=%d in %s", b.Failures(), delay)
		select {
		case <-stopch:
			return
		case <-time.After(delay):
		}

		self.ctl.Lock()
		// Disconnect stops r under ctl
		if !r.IsRunning() {
			self.ctl.Unlock()
			return
		}
		err := self.connectLocked(context.Background(), cfg, r)
		self.ctl.Unlock()
		if err == nil || errors.Cause(err) == ErrClosed {
			return
		}
		b.Update(false)
	}
}
