package session

import (
	"expvar"
	"fmt"

	"github.com/DanielAraqueStudios/lab-udp-micros/transport"
)

// Stat is safe to read concurrently, implements expvar.Var.
type Stat struct {
	// Totals of torn down transports.
	Transport  transport.Stat
	Connects   expvar.Int
	Reconnects expvar.Int
	Faults     expvar.Int
	Snapshots  expvar.Int
	Drops      expvar.Int
	FeedDrops  expvar.Int
}

func (self *Stat) String() string {
	return fmt.Sprintf(`{"connects":%d,"reconnects":%d,"faults":%d,"snapshots":%d,"drops":%d,"feed_drops":%d,"transport":%s}`,
		self.Connects.Value(), self.Reconnects.Value(), self.Faults.Value(),
		self.Snapshots.Value(), self.Drops.Value(), self.FeedDrops.Value(),
		self.Transport.String())
}
