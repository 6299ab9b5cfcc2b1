package tele

import (
	"strings"
	"time"

	"github.com/DanielAraqueStudios/lab-udp-micros/device"
	"github.com/DanielAraqueStudios/lab-udp-micros/store"
	tele_config "github.com/DanielAraqueStudios/lab-udp-micros/tele/config"
	"github.com/golang/protobuf/jsonpb"
	"github.com/golang/protobuf/proto"
	structpb "github.com/golang/protobuf/ptypes/struct"
	"github.com/juju/errors"
)

// stateKey is what makes a state message worth publishing.
type stateKey struct {
	conn      device.ConnState
	err       string
	receiving bool
}

func keyOf(s store.State) stateKey {
	return stateKey{conn: s.Connection, err: s.ErrorMessage, receiving: s.Receiving}
}

func stateStruct(s store.State) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"connection": str(strings.ToLower(s.Connection.String())),
		"error":      str(s.ErrorMessage),
		"receiving":  boolean(s.Receiving),
		"drops":      num(float64(s.Drops)),
		"updated_at": str(s.UpdatedAt.UTC().Format(time.RFC3339Nano)),
	}}
}

// willStruct is published by the broker when we vanish.
func willStruct() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"connection": str("disconnected"),
		"error":      str("uplink lost"),
	}}
}

func telemetryStruct(snap device.Snapshot) *structpb.Struct {
	outs := make([]*structpb.Value, len(snap.Actuator))
	for i, on := range snap.Actuator {
		outs[i] = boolean(on)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"temperature":  num(float64(snap.Temperature)),
		"humidity":     num(float64(snap.Humidity)),
		"light":        num(float64(snap.Light)),
		"actuators":    {Kind: &structpb.Value_ListValue{ListValue: &structpb.ListValue{Values: outs}}},
		"sensor_fault": boolean(snap.SensorFault),
		"link_ok":      boolean(snap.LinkOK),
		"received_at":  str(snap.ReceivedAt.UTC().Format(time.RFC3339Nano)),
	}}
}

func str(s string) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_StringValue{StringValue: s}}
}
func num(f float64) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_NumberValue{NumberValue: f}}
}
func boolean(b bool) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_BoolValue{BoolValue: b}}
}

// Marshal encodes pb in the configured format.
func Marshal(format string, pb *structpb.Struct) ([]byte, error) {
	switch strings.ToLower(format) {
	case "", tele_config.FormatJSON:
		m := jsonpb.Marshaler{OrigName: true}
		s, err := m.MarshalToString(pb)
		return []byte(s), errors.Annotate(err, "tele json")
	case tele_config.FormatProto:
		b, err := proto.Marshal(pb)
		return b, errors.Annotate(err, "tele proto")
	}
	return nil, errors.NotValidf("tele format=%s", format)
}

// Unmarshal is the inverse of Marshal, for subscribers and tests.
func Unmarshal(format string, b []byte) (*structpb.Struct, error) {
	pb := new(structpb.Struct)
	switch strings.ToLower(format) {
	case "", tele_config.FormatJSON:
		if err := jsonpb.UnmarshalString(string(b), pb); err != nil {
			return nil, errors.Annotate(err, "tele json")
		}
	case tele_config.FormatProto:
		if err := proto.Unmarshal(b, pb); err != nil {
			return nil, errors.Annotate(err, "tele proto")
		}
	default:
		return nil, errors.NotValidf("tele format=%s", format)
	}
	return pb, nil
}
