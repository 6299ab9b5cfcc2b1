// Package device holds value types describing the remote controller board:
// telemetry snapshots, actuator commands, network endpoints and link state.
package device

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
)

// ActuatorCount is fixed by the firmware: four binary outputs.
const ActuatorCount = 4

// Snapshot is one complete telemetry reading. Never mutated after decoding.
type Snapshot struct {
	Temperature float32 // Celsius
	Humidity    float32 // percent
	Light       int32   // percent as reported, not range checked
	Actuator    [ActuatorCount]bool
	SensorFault bool
	LinkOK      bool
	ReceivedAt  time.Time
}

func (s Snapshot) String() string {
	return fmt.Sprintf("temp=%.1fC hum=%.1f%% light=%d%% leds=%s dhtError=%t wifi=%t",
		s.Temperature, s.Humidity, s.Light, formatBits(s.Actuator), s.SensorFault, s.LinkOK)
}

// Command is the desired state of all outputs.
type Command struct {
	Actuator [ActuatorCount]bool
}

func AllOn() Command  { return Command{Actuator: [ActuatorCount]bool{true, true, true, true}} }
func AllOff() Command { return Command{} }

// CommandFromSnapshot reproduces the outputs as last reported by the device.
func CommandFromSnapshot(s Snapshot) Command { return Command{Actuator: s.Actuator} }

// Channel reports output n, counting from 1.
func (c Command) Channel(n int) (bool, error) {
	if err := CheckChannel(n); err != nil {
		return false, err
	}
	return c.Actuator[n-1], nil
}

// Toggle returns a copy with output n (1-based) inverted.
func (c Command) Toggle(n int) (Command, error) {
	if err := CheckChannel(n); err != nil {
		return c, err
	}
	c.Actuator[n-1] = !c.Actuator[n-1]
	return c, nil
}

func (c Command) IsAllOff() bool { return c == Command{} }

func (c Command) String() string { return formatBits(c.Actuator) }

func CheckChannel(n int) error {
	if n < 1 || n > ActuatorCount {
		return errors.NotValidf("channel=%d (1..%d)", n, ActuatorCount)
	}
	return nil
}

func formatBits(bs [ActuatorCount]bool) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range bs {
		if i != 0 {
			b.WriteByte(',')
		}
		if v {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	b.WriteByte(']')
	return b.String()
}

const (
	DefaultDeviceAddr     = "192.168.43.101"
	DefaultDevicePort     = 4210
	DefaultLocalPort      = 4211
	DefaultConnectTimeout = 5 * time.Second
	DefaultPollInterval   = 250 * time.Millisecond
	DefaultReceiveTimeout = 1 * time.Second
)

// NetworkConfig says where the device is and where we listen.
// Changing it requires disconnect and connect.
type NetworkConfig struct {
	DeviceAddr     string
	DevicePort     int
	LocalPort      int // 0 = ephemeral
	ConnectTimeout time.Duration
	PollInterval   time.Duration
	ReceiveTimeout time.Duration
}

func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		DeviceAddr:     DefaultDeviceAddr,
		DevicePort:     DefaultDevicePort,
		LocalPort:      DefaultLocalPort,
		ConnectTimeout: DefaultConnectTimeout,
		PollInterval:   DefaultPollInterval,
		ReceiveTimeout: DefaultReceiveTimeout,
	}
}

// WithDefaults fills zero durations.
func (c NetworkConfig) WithDefaults() NetworkConfig {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
	return c
}

func (c NetworkConfig) Validate() error {
	if strings.TrimSpace(c.DeviceAddr) == "" {
		return errors.NotValidf("device address empty")
	}
	if c.DevicePort < 1 || c.DevicePort > 65535 {
		return errors.NotValidf("device port=%d", c.DevicePort)
	}
	if c.LocalPort < 0 || c.LocalPort > 65535 {
		return errors.NotValidf("local port=%d", c.LocalPort)
	}
	if c.ConnectTimeout < 0 || c.PollInterval < 0 || c.ReceiveTimeout < 0 {
		return errors.NotValidf("negative duration")
	}
	return nil
}

// DeviceAddress is host:port of the device.
func (c NetworkConfig) DeviceAddress() string {
	return net.JoinHostPort(c.DeviceAddr, strconv.Itoa(c.DevicePort))
}

func (c NetworkConfig) String() string {
	return fmt.Sprintf("device=%s local=:%d timeout=%s poll=%s",
		c.DeviceAddress(), c.LocalPort, c.ConnectTimeout, c.PollInterval)
}

// ConnState is the link state as seen by the controller.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Error
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	}
	return fmt.Sprintf("ConnState(%d)", int32(s))
}
