package tele

import (
	"strconv"
	"strings"

	"github.com/DanielAraqueStudios/lab-udp-micros/device"
	"github.com/DanielAraqueStudios/lab-udp-micros/wire"
	"github.com/juju/errors"
)

type CommandKind int

const (
	CommandInvalid CommandKind = iota
	CommandSet
	CommandToggle
	CommandPoll
	CommandPing
)

// Command is a remote request received on the command topic.
type Command struct {
	Kind    CommandKind
	Set     device.Command
	Channel int
}

func (self Command) String() string {
	switch self.Kind {
	case CommandSet:
		return "set " + self.Set.String()
	case CommandToggle:
		return "toggle " + strconv.Itoa(self.Channel)
	case CommandPoll:
		return "poll"
	case CommandPing:
		return "ping"
	}
	return "invalid"
}

// Controller is the part of a session remote commands drive.
type Controller interface {
	SendCommand(device.Command) error
	Toggle(channel int) error
	Poll() error
	Ping() error
}

// ParseCommand accepts
//   1;0;0;1    set all outputs
//   on | off   all outputs
//   toggle N   flip output N
//   poll | ping
func ParseCommand(b []byte) (Command, error) {
	s := strings.TrimSpace(string(b))
	if strings.Contains(s, wire.Delimiter) {
		set, err := wire.DecodeCommand([]byte(s))
		if err != nil {
			return Command{}, errors.Annotate(err, "command")
		}
		return Command{Kind: CommandSet, Set: set}, nil
	}
	parts := strings.Fields(strings.ToLower(s))
	if len(parts) == 0 {
		return Command{}, errors.NotValidf("command empty")
	}
	switch parts[0] {
	case "on":
		return Command{Kind: CommandSet, Set: device.AllOn()}, nil
	case "off":
		return Command{Kind: CommandSet, Set: device.AllOff()}, nil
	case "poll":
		return Command{Kind: CommandPoll}, nil
	case "ping":
		return Command{Kind: CommandPing}, nil
	case "toggle":
		if len(parts) != 2 {
			return Command{}, errors.NotValidf("toggle expects channel, command='%s'", s)
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			return Command{}, errors.NotValidf("toggle channel='%s'", parts[1])
		}
		if err := device.CheckChannel(n); err != nil {
			return Command{}, err
		}
		return Command{Kind: CommandToggle, Channel: n}, nil
	}
	return Command{}, errors.NotValidf("command='%s'", s)
}

// Apply runs the command on c.
func (self Command) Apply(ctl Controller) error {
	switch self.Kind {
	case CommandSet:
		return ctl.SendCommand(self.Set)
	case CommandToggle:
		return ctl.Toggle(self.Channel)
	case CommandPoll:
		return ctl.Poll()
	case CommandPing:
		return ctl.Ping()
	}
	return errors.NotValidf("command kind=%d", int(self.Kind))
}
