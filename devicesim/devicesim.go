// Package devicesim emulates the controller board firmware over UDP,
// for bench work and integration tests without hardware.
//
// Replies to GET_DATA and ping with a telemetry snapshot, applies commands
// in the configured dialect and answers with the new state, optionally
// pushes telemetry on a timer.
package devicesim

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/DanielAraqueStudios/lab-udp-micros/device"
	"github.com/DanielAraqueStudios/lab-udp-micros/log2"
	"github.com/DanielAraqueStudios/lab-udp-micros/transport"
	"github.com/DanielAraqueStudios/lab-udp-micros/wire"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

type Options struct {
	Log        *log2.Log
	ListenHost string
	ListenPort int
	// Command dialect the firmware understands. Telemetry part is ignored.
	Dialect wire.Dialect
	// PushTo is controller host:port. Empty = push to last peer seen.
	PushTo       string
	PushInterval time.Duration
	Initial      device.Snapshot
	// Mute suppresses all replies and pushes.
	Mute bool
}

type Device struct {
	log   *log2.Log
	opt   Options
	tr    *transport.UDP
	alive *alive.Alive
	// resolves PushTo host
	lookup func(ctx context.Context, host string) ([]net.IPAddr, error)

	mu       sync.Mutex
	snap     device.Snapshot
	peer     *net.UDPAddr
	polls    int
	commands int
	rejects  int
}

func Start(ctx context.Context, opt Options) (*Device, error) {
	tr, err := transport.Open(ctx, transport.Options{
		Log:            opt.Log.Clone(log2.LInfo),
		ListenHost:     opt.ListenHost,
		ListenPort:     opt.ListenPort,
		ReceiveTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		return nil, errors.Annotate(err, "devicesim")
	}
	d := &Device{
		log:   opt.Log,
		opt:   opt,
		tr:    tr,
		alive:  alive.NewAlive(),
		lookup: net.DefaultResolver.LookupIPAddr,
		snap:   opt.Initial,
	}
	d.snap.LinkOK = true
	d.alive.Add(1)
	go d.serve()
	if opt.PushInterval > 0 {
		d.alive.Add(1)
		go d.push()
	}
	d.log.Infof("devicesim: listen=%s dialect=%s push=%s", tr.LocalAddr(), opt.Dialect.Command, opt.PushInterval)
	return d, nil
}

func (self *Device) Addr() *net.UDPAddr { return self.tr.LocalAddr() }

func (self *Device) Close() error {
	self.alive.Stop()
	err := self.tr.Close()
	self.alive.Wait()
	return err
}

// Snapshot is the state the device would report now.
func (self *Device) Snapshot() device.Snapshot {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.snap
}

func (self *Device) Outputs() device.Command {
	self.mu.Lock()
	defer self.mu.Unlock()
	return device.CommandFromSnapshot(self.snap)
}

func (self *Device) SetReading(temp, hum float32, light int32) {
	self.mu.Lock()
	self.snap.Temperature, self.snap.Humidity, self.snap.Light = temp, hum, light
	self.mu.Unlock()
}

func (self *Device) SetSensorFault(fault bool) {
	self.mu.Lock()
	self.snap.SensorFault = fault
	self.mu.Unlock()
}

// Counters: poll/ping requests, applied commands, rejected datagrams.
func (self *Device) Counters() (polls, commands, rejects int) {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.polls, self.commands, self.rejects
}

func (self *Device) serve() {
	defer self.alive.Done()
	for self.alive.IsRunning() {
		b, from, err := self.tr.ReceiveFrom()
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			if self.alive.IsRunning() {
				self.log.Errorf("devicesim: %v", err)
			}
			return
		}
		if reply := self.handle(b, from); reply && !self.opt.Mute {
			self.send(from)
		}
	}
}

// handle returns true when the firmware answers with a snapshot.
func (self *Device) handle(b []byte, from *net.UDPAddr) bool {
	msg := strings.TrimSpace(string(b))
	self.mu.Lock()
	defer self.mu.Unlock()
	self.peer = from

	switch {
	case msg == wire.PollRequest || msg == wire.PingRequest:
		self.polls++
		return true

	case self.opt.Dialect.Command == wire.CommandFrame && strings.Contains(msg, wire.Delimiter):
		cmd, err := wire.DecodeCommand(b)
		if err != nil {
			self.rejects++
			self.log.Debugf("devicesim: reject '%s': %v", msg, err)
			return false
		}
		self.snap.Actuator = cmd.Actuator
		self.commands++
		return true

	case self.opt.Dialect.Command == wire.CommandToggle:
		cmd, err := wire.ApplyToggle(device.CommandFromSnapshot(self.snap), b)
		if err != nil {
			self.rejects++
			self.log.Debugf("devicesim: reject '%s': %v", msg, err)
			return false
		}
		self.snap.Actuator = cmd.Actuator
		self.commands++
		return true
	}
	self.rejects++
	self.log.Debugf("devicesim: unknown '%s'", msg)
	return false
}

func (self *Device) send(to *net.UDPAddr) {
	b := wire.EncodeSnapshot(self.Snapshot())
	if err := self.tr.Send(b, to.IP.String(), to.Port); err != nil && self.alive.IsRunning() {
		self.log.Errorf("devicesim: %v", err)
	}
}

func (self *Device) push() {
	defer self.alive.Done()
	tick := time.NewTicker(self.opt.PushInterval)
	defer tick.Stop()
	stopch := self.alive.StopChan()
	for {
		select {
		case <-stopch:
			return
		case <-tick.C:
		}
		if self.opt.Mute {
			continue
		}
		to, err := self.pushTarget()
		if err != nil {
			self.log.Errorf("devicesim: push: %v", err)
			continue
		}
		if to != nil {
			self.send(to)
		}
	}
}

func (self *Device) pushTarget() (*net.UDPAddr, error) {
	if self.opt.PushTo == "" {
		self.mu.Lock()
		defer self.mu.Unlock()
		return self.peer, nil
	}
	host, port, err := net.SplitHostPort(self.opt.PushTo)
	if err != nil {
		return nil, errors.Annotate(err, "push_to")
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, errors.Annotate(err, "push_to port")
	}
	ips, err := self.lookup(context.Background(), host)
	if err != nil {
		return nil, errors.Annotatef(err, "push_to host=%s", host)
	}
	if len(ips) == 0 {
		return nil, errors.NotFoundf("push_to host=%s", host)
	}
	return &net.UDPAddr{IP: ips[0].IP, Port: p, Zone: ips[0].Zone}, nil
}
