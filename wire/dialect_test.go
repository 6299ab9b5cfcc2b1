package wire

import (
	"testing"

	"github.com/DanielAraqueStudios/lab-udp-micros/device"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDialect(t *testing.T) {
	t.Parallel()

	cm, err := ParseCommandMode("toggle")
	require.NoError(t, err)
	assert.Equal(t, CommandToggle, cm)
	cm, err = ParseCommandMode("")
	require.NoError(t, err)
	assert.Equal(t, CommandFrame, cm)
	_, err = ParseCommandMode("json")
	assert.True(t, errors.IsNotValid(err))

	tm, err := ParseTelemetryMode(" POLL ")
	require.NoError(t, err)
	assert.Equal(t, TelemetryPoll, tm)
	_, err = ParseTelemetryMode("stream")
	assert.True(t, errors.IsNotValid(err))

	assert.Equal(t, "command=toggle telemetry=poll", Dialect{CommandToggle, TelemetryPoll}.String())
}

func TestEncodeTransition(t *testing.T) {
	t.Parallel()

	cmd := func(a, b, c, d bool) device.Command {
		return device.Command{Actuator: [device.ActuatorCount]bool{a, b, c, d}}
	}
	frame := Dialect{Command: CommandFrame}
	toggle := Dialect{Command: CommandToggle}

	type Case struct {
		name      string
		d         Dialect
		cur, want device.Command
		expect    string
		expectErr bool
	}
	cases := []Case{
		{"frame", frame, cmd(false, false, false, false), cmd(true, false, false, true), "1;0;0;1", false},
		{"frame-no-change", frame, cmd(true, false, false, true), cmd(true, false, false, true), "1;0;0;1", false},
		{"toggle-one", toggle, cmd(true, false, false, false), cmd(true, false, true, false), "3", false},
		{"toggle-off", toggle, cmd(true, true, false, false), device.AllOff(), "0", false},
		{"toggle-two", toggle, cmd(false, false, false, false), cmd(true, true, false, false), "", true},
		{"toggle-none", toggle, cmd(true, false, false, false), cmd(true, false, false, false), "", true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			b, err := c.d.EncodeTransition(c.cur, c.want)
			if c.expectErr {
				assert.True(t, errors.IsNotSupported(err), "err=%v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, string(b))
		})
	}
}

func TestApplyToggle(t *testing.T) {
	t.Parallel()

	cur := device.Command{}
	var err error
	for _, tok := range []string{"1", "4", "1"} {
		cur, err = ApplyToggle(cur, []byte(tok))
		require.NoError(t, err)
	}
	assert.Equal(t, [device.ActuatorCount]bool{false, false, false, true}, cur.Actuator)
	cur, err = ApplyToggle(cur, []byte("0"))
	require.NoError(t, err)
	assert.True(t, cur.IsAllOff())
	_, err = ApplyToggle(cur, []byte("5"))
	assert.Error(t, err)
}
