package transport

// Values are read and modified atomically, but not consistently,
// i.e. it is possible to read Recv.Count=1 Recv.Size=0 because Size has not updated yet.

import (
	"expvar"
	"fmt"
)

type Stat struct {
	Recv     CountSizePair
	Send     CountSizePair
	Timeouts expvar.Int
	Errors   expvar.Int
}

// StatValue is a plain copy of Stat for reports and tests.
type StatValue struct {
	RecvCount, RecvSize int64
	SendCount, SendSize int64
	Timeouts, Errors    int64
}

func (self *Stat) Value() StatValue {
	return StatValue{
		RecvCount: self.Recv.Count.Value(),
		RecvSize:  self.Recv.Size.Value(),
		SendCount: self.Send.Count.Value(),
		SendSize:  self.Send.Size.Value(),
		Timeouts:  self.Timeouts.Value(),
		Errors:    self.Errors.Value(),
	}
}

func (self *Stat) Add(v StatValue) {
	self.Recv.Count.Add(v.RecvCount)
	self.Recv.Size.Add(v.RecvSize)
	self.Send.Count.Add(v.SendCount)
	self.Send.Size.Add(v.SendSize)
	self.Timeouts.Add(v.Timeouts)
	self.Errors.Add(v.Errors)
}

// AddMoveFrom transfers counters of a finished transport into long lived totals.
func (self *Stat) AddMoveFrom(other *Stat) {
	v := other.Value()
	self.Add(v)
	other.Add(StatValue{
		RecvCount: -v.RecvCount, RecvSize: -v.RecvSize,
		SendCount: -v.SendCount, SendSize: -v.SendSize,
		Timeouts: -v.Timeouts, Errors: -v.Errors,
	})
}

// String implements expvar.Var.
func (self *Stat) String() string {
	return fmt.Sprintf(`{"recv":%s,"send":%s,"timeouts":%d,"errors":%d}`,
		self.Recv.String(), self.Send.String(), self.Timeouts.Value(), self.Errors.Value())
}

type CountSizePair struct {
	Count expvar.Int
	Size  expvar.Int
}

func (self *CountSizePair) register(size int) {
	self.Count.Add(1)
	self.Size.Add(int64(size))
}

func (self *CountSizePair) String() string {
	return fmt.Sprintf(`{"count":%d,"size":%d}`, self.Count.Value(), self.Size.Value())
}
