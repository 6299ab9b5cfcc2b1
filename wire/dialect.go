package wire

import (
	"fmt"
	"strings"

	"github.com/DanielAraqueStudios/lab-udp-micros/device"
	"github.com/juju/errors"
)

// CommandMode selects how actuator commands are put on the wire.
// Firmware builds disagree, so it is configuration, never guessed.
type CommandMode int

const (
	// 4-field frame with the full desired state.
	CommandFrame CommandMode = iota
	// Legacy single digit toggle, "0" = all off.
	CommandToggle
)

// TelemetryMode selects how snapshots are obtained.
type TelemetryMode int

const (
	// Device pushes snapshots on its own schedule.
	TelemetryPush TelemetryMode = iota
	// Controller sends GET_DATA every poll interval.
	TelemetryPoll
)

type Dialect struct {
	Command   CommandMode
	Telemetry TelemetryMode
}

func (d Dialect) String() string {
	return fmt.Sprintf("command=%s telemetry=%s", d.Command, d.Telemetry)
}

func (m CommandMode) String() string {
	switch m {
	case CommandFrame:
		return "frame"
	case CommandToggle:
		return "toggle"
	}
	return fmt.Sprintf("CommandMode(%d)", int(m))
}

func (m TelemetryMode) String() string {
	switch m {
	case TelemetryPush:
		return "push"
	case TelemetryPoll:
		return "poll"
	}
	return fmt.Sprintf("TelemetryMode(%d)", int(m))
}

// ParseCommandMode accepts "frame" or "toggle". Empty means frame.
func ParseCommandMode(s string) (CommandMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "frame":
		return CommandFrame, nil
	case "toggle", "legacy":
		return CommandToggle, nil
	}
	return CommandFrame, errors.NotValidf("command dialect='%s'", s)
}

// ParseTelemetryMode accepts "push" or "poll". Empty means push.
func ParseTelemetryMode(s string) (TelemetryMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "push":
		return TelemetryPush, nil
	case "poll":
		return TelemetryPoll, nil
	}
	return TelemetryPush, errors.NotValidf("telemetry dialect='%s'", s)
}

// EncodeTransition chooses the datagram that moves outputs from current
// (as last reported) to want. Frame dialect always sends the full state.
// Toggle dialect can express "all off" or a single flipped output;
// other transitions are not supported.
func (d Dialect) EncodeTransition(current, want device.Command) ([]byte, error) {
	switch d.Command {
	case CommandFrame:
		return EncodeCommand(want), nil
	case CommandToggle:
		if want.IsAllOff() {
			return EncodeToggle(0)
		}
		channel := 0
		for i := range want.Actuator {
			if want.Actuator[i] != current.Actuator[i] {
				if channel != 0 {
					return nil, errors.NotSupportedf("toggle dialect: more than one output change %s -> %s", current, want)
				}
				channel = i + 1
			}
		}
		if channel == 0 {
			return nil, errors.NotSupportedf("toggle dialect: no output change %s", want)
		}
		return EncodeToggle(channel)
	}
	return nil, errors.NotValidf("command dialect=%d", int(d.Command))
}

// ApplyToggle is the device side of the legacy dialect.
func ApplyToggle(cur device.Command, token []byte) (device.Command, error) {
	s := strings.TrimSpace(string(token))
	if s == AllOffToken {
		return device.AllOff(), nil
	}
	if len(s) != 1 || s[0] < '1' || s[0] > '0'+device.ActuatorCount {
		return cur, errors.NotValidf("toggle token='%s'", s)
	}
	return cur.Toggle(int(s[0] - '0'))
}

// DecodeCommand is the device side of the 4-field dialect.
func DecodeCommand(b []byte) (device.Command, error) {
	var c device.Command
	fields := strings.Split(strings.TrimSpace(string(b)), Delimiter)
	if len(fields) != CommandFields {
		return c, &DecodeError{
			Field: FieldCount,
			Value: string(b),
			Err:   errors.NotValidf("command field count=%d expected=%d", len(fields), CommandFields),
		}
	}
	for i, f := range fields {
		c.Actuator[i] = f == "1"
	}
	return c, nil
}
