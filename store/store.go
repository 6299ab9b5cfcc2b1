// Package store keeps the consistent, observable view of one device:
// connection state, latest snapshot, bounded history and last error.
// Single writer (the session feed consumer), any number of readers.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/DanielAraqueStudios/lab-udp-micros/device"
	"github.com/DanielAraqueStudios/lab-udp-micros/session"
)

const HistoryCapacity = 100

// State is a value copy, safe to keep and pass around.
type State struct {
	Connection   device.ConnState
	Latest       device.Snapshot
	HasSnapshot  bool
	ErrorMessage string
	Receiving    bool
	LastCommand  device.Command
	HasCommand   bool
	Drops        int64
	LastDrop     string
	// Version increments on every write.
	Version   uint64
	UpdatedAt time.Time
}

type Store struct {
	mu    sync.RWMutex
	state State
	ring  [HistoryCapacity]device.Snapshot
	head  int // next write position
	n     int
	subs  map[*subscriber]struct{}
}

type subscriber struct {
	ch chan State
}

func New() *Store {
	return &Store{subs: make(map[*subscriber]struct{})}
}

// UpdateSnapshot replaces latest, appends to history (oldest evicted at capacity),
// clears error message.
func (self *Store) UpdateSnapshot(snap device.Snapshot) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.state.Latest = snap
	self.state.HasSnapshot = true
	self.state.Receiving = true
	self.state.ErrorMessage = ""
	self.ring[self.head] = snap
	self.head = (self.head + 1) % HistoryCapacity
	if self.n < HistoryCapacity {
		self.n++
	}
	self.commitLocked()
}

func (self *Store) UpdateConnectionState(cs device.ConnState) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.state.Connection = cs
	if cs != device.Connected {
		self.state.Receiving = false
	}
	self.commitLocked()
}

// SetError records msg and forces Error state.
func (self *Store) SetError(msg string) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.state.ErrorMessage = msg
	self.state.Connection = device.Error
	self.state.Receiving = false
	self.commitLocked()
}

func (self *Store) ClearError() {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.state.ErrorMessage == "" {
		return
	}
	self.state.ErrorMessage = ""
	self.commitLocked()
}

func (self *Store) RecordCommand(cmd device.Command) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.state.LastCommand = cmd
	self.state.HasCommand = true
	self.commitLocked()
}

// RecordDrop counts an undecodable datagram. Connection state is not touched.
func (self *Store) RecordDrop(err error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.state.Drops++
	if err != nil {
		self.state.LastDrop = err.Error()
	}
	self.commitLocked()
}

// ClearHistory forgets stored snapshots, latest one included.
func (self *Store) ClearHistory() {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.ring = [HistoryCapacity]device.Snapshot{}
	self.head, self.n = 0, 0
	self.state.Latest = device.Snapshot{}
	self.state.HasSnapshot = false
	self.commitLocked()
}

func (self *Store) Current() State {
	self.mu.RLock()
	defer self.mu.RUnlock()
	return self.state
}

// History is a copy, oldest first.
func (self *Store) History() []device.Snapshot {
	self.mu.RLock()
	defer self.mu.RUnlock()
	return self.historyLocked()
}

// View returns state and history from the same instant.
func (self *Store) View() (State, []device.Snapshot) {
	self.mu.RLock()
	defer self.mu.RUnlock()
	return self.state, self.historyLocked()
}

func (self *Store) historyLocked() []device.Snapshot {
	out := make([]device.Snapshot, self.n)
	start := (self.head - self.n + HistoryCapacity) % HistoryCapacity
	for i := 0; i < self.n; i++ {
		out[i] = self.ring[(start+i)%HistoryCapacity]
	}
	return out
}

// Subscribe delivers current state immediately, then later states.
// Slow subscribers only see the latest value, writers never wait.
// Call cancel to release; the channel is closed then.
func (self *Store) Subscribe() (<-chan State, func()) {
	sub := &subscriber{ch: make(chan State, 1)}
	self.mu.Lock()
	self.subs[sub] = struct{}{}
	sub.ch <- self.state
	self.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			self.mu.Lock()
			delete(self.subs, sub)
			close(sub.ch)
			self.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

func (self *Store) commitLocked() {
	self.state.Version++
	self.state.UpdatedAt = time.Now()
	for sub := range self.subs {
		sub.offer(self.state)
	}
}

// offer replaces a pending undelivered value. Only writers send, under Store.mu.
func (self *subscriber) offer(st State) {
	select {
	case self.ch <- st:
		return
	default:
	}
	select {
	case <-self.ch:
	default:
	}
	select {
	case self.ch <- st:
	default:
	}
}

// Apply is the single writer entry point for session events.
func (self *Store) Apply(ev session.Event) {
	switch ev.Kind {
	case session.EventState:
		self.UpdateConnectionState(ev.State)
	case session.EventSnapshot:
		self.UpdateSnapshot(ev.Snapshot)
	case session.EventError:
		msg := "unknown error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		self.SetError(msg)
	case session.EventClearError:
		self.ClearError()
	case session.EventCommand:
		self.RecordCommand(ev.Command)
	case session.EventDrop:
		self.RecordDrop(ev.Err)
	}
}

// Run applies events until the feed is closed or ctx is done.
func (self *Store) Run(ctx context.Context, events <-chan session.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			self.Apply(ev)
		}
	}
}
