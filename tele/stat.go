package tele

import (
	"expvar"
	"fmt"
)

// Stat implements expvar.Var.
type Stat struct {
	States        expvar.Int
	Telemetry     expvar.Int
	PublishErrors expvar.Int
	Commands      expvar.Int
	CommandErrors expvar.Int
}

func (self *Stat) String() string {
	return fmt.Sprintf(`{"states":%d,"telemetry":%d,"publish_errors":%d,"commands":%d,"command_errors":%d}`,
		self.States.Value(), self.Telemetry.Value(), self.PublishErrors.Value(),
		self.Commands.Value(), self.CommandErrors.Value())
}
