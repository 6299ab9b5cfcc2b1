// Package wire encodes commands and decodes telemetry datagrams.
//
// Telemetry (device to controller), 9 fields:
//   temp;hum;light;led1;led2;led3;led4;dhtErr;wifiOk
// Command frame (controller to device), 4 fields:
//   led1;led2;led3;led4
// Legacy toggle: single ASCII digit "1".."4" toggles one output, "0" turns all off.
// Poll request: GET_DATA. Liveness check: ping.
//
// All functions are pure and safe for concurrent use.
package wire

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/DanielAraqueStudios/lab-udp-micros/device"
	"github.com/juju/errors"
)

const (
	Delimiter      = ";"
	SnapshotFields = 9
	CommandFields  = device.ActuatorCount

	PollRequest = "GET_DATA"
	PingRequest = "ping"
	AllOffToken = "0"
)

var fieldNames = [SnapshotFields]string{
	"temperature", "humidity", "light",
	"led1", "led2", "led3", "led4",
	"dht_error", "wifi_ok",
}

// FieldCount is DecodeError.Field for datagrams with too few fields.
const FieldCount = -1

// DecodeError means one datagram was unusable and should be dropped.
type DecodeError struct {
	Field int // index of offending field, or FieldCount
	Name  string
	Value string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == FieldCount {
		return fmt.Sprintf("decode: %s", e.Err.Error())
	}
	return fmt.Sprintf("decode: field=%d (%s) value='%s': %s", e.Field, e.Name, e.Value, e.Err.Error())
}

func (e *DecodeError) Unwrap() error { return e.Err }

func EncodeCommand(cmd device.Command) []byte {
	b := make([]byte, 0, 2*CommandFields-1)
	for i, on := range cmd.Actuator {
		if i != 0 {
			b = append(b, Delimiter...)
		}
		b = appendBool(b, on)
	}
	return b
}

// EncodeToggle produces the legacy single-output token.
// Channel 0 means all outputs off.
func EncodeToggle(channel int) ([]byte, error) {
	if channel == 0 {
		return []byte(AllOffToken), nil
	}
	if err := device.CheckChannel(channel); err != nil {
		return nil, errors.Annotate(err, "encode toggle")
	}
	return []byte(strconv.Itoa(channel)), nil
}

func EncodePoll() []byte { return []byte(PollRequest) }
func EncodePing() []byte { return []byte(PingRequest) }

// EncodeSnapshot is the device side of the telemetry dialect.
// Floats use the shortest representation that parses back to the same float32.
func EncodeSnapshot(s device.Snapshot) []byte {
	b := make([]byte, 0, 48)
	b = strconv.AppendFloat(b, float64(s.Temperature), 'f', -1, 32)
	b = append(b, Delimiter...)
	b = strconv.AppendFloat(b, float64(s.Humidity), 'f', -1, 32)
	b = append(b, Delimiter...)
	b = strconv.AppendInt(b, int64(s.Light), 10)
	for _, on := range s.Actuator {
		b = append(b, Delimiter...)
		b = appendBool(b, on)
	}
	b = append(b, Delimiter...)
	b = appendBool(b, s.SensorFault)
	b = append(b, Delimiter...)
	b = appendBool(b, s.LinkOK)
	return b
}

func DecodeSnapshot(b []byte) (device.Snapshot, error) {
	return DecodeSnapshotAt(b, time.Time{})
}

// DecodeSnapshotAt parses one telemetry datagram and stamps it with at.
// Surrounding whitespace is ignored, fields past the ninth are ignored.
// Boolean fields are true only for literal "1", anything else is false.
// Temperature and humidity must be finite decimal numbers.
func DecodeSnapshotAt(b []byte, at time.Time) (device.Snapshot, error) {
	var s device.Snapshot
	text := strings.TrimSpace(string(b))
	fields := strings.Split(text, Delimiter)
	if text == "" || len(fields) < SnapshotFields {
		n := len(fields)
		if text == "" {
			n = 0
		}
		return s, &DecodeError{
			Field: FieldCount,
			Value: text,
			Err:   errors.NotValidf("field count=%d expected>=%d", n, SnapshotFields),
		}
	}

	var err error
	if s.Temperature, err = parseFloat(fields, 0); err != nil {
		return device.Snapshot{}, err
	}
	if s.Humidity, err = parseFloat(fields, 1); err != nil {
		return device.Snapshot{}, err
	}
	if s.Light, err = parseInt(fields, 2); err != nil {
		return device.Snapshot{}, err
	}
	for i := range s.Actuator {
		s.Actuator[i] = fields[3+i] == "1"
	}
	s.SensorFault = fields[7] == "1"
	s.LinkOK = fields[8] == "1"
	s.ReceivedAt = at
	return s, nil
}

// parseFloat accepts plain decimal only: no hex, NaN or Inf.
func parseFloat(fields []string, i int) (float32, error) {
	v := strings.TrimSpace(fields[i])
	if strings.ContainsAny(v, "xX") {
		return 0, &DecodeError{Field: i, Name: fieldNames[i], Value: fields[i], Err: errors.NotValidf("hex float")}
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		return 0, &DecodeError{Field: i, Name: fieldNames[i], Value: fields[i], Err: err}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &DecodeError{Field: i, Name: fieldNames[i], Value: fields[i], Err: errors.NotValidf("non-finite")}
	}
	return float32(f), nil
}

func parseInt(fields []string, i int) (int32, error) {
	v := strings.TrimSpace(fields[i])
	x, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return 0, &DecodeError{Field: i, Name: fieldNames[i], Value: fields[i], Err: err}
	}
	return int32(x), nil
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, '1')
	}
	return append(b, '0')
}
