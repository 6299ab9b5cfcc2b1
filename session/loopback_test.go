package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/DanielAraqueStudios/lab-udp-micros/device"
	"github.com/DanielAraqueStudios/lab-udp-micros/devicesim"
	"github.com/DanielAraqueStudios/lab-udp-micros/log2"
	"github.com/DanielAraqueStudios/lab-udp-micros/session"
	"github.com/DanielAraqueStudios/lab-udp-micros/store"
	"github.com/DanielAraqueStudios/lab-udp-micros/transport"
	"github.com/DanielAraqueStudios/lab-udp-micros/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rig struct {
	sim   *devicesim.Device
	sess  *session.Session
	store *store.Store
	cfg   device.NetworkConfig
	done  chan error
}

func newRig(t *testing.T, dialect wire.Dialect, push time.Duration) *rig {
	t.Helper()
	log := log2.NewTest(t, log2.LDebug)
	sim, err := devicesim.Start(context.Background(), devicesim.Options{
		Log:          log,
		ListenHost:   "127.0.0.1",
		Dialect:      dialect,
		PushInterval: push,
		Initial:      device.Snapshot{Temperature: 21.5, Humidity: 40, Light: 55},
	})
	require.NoError(t, err)

	r := &rig{
		sim:   sim,
		store: store.New(),
		done:  make(chan error, 1),
		sess: session.New(session.Options{
			Log:           log,
			Dialect:       dialect,
			Transport:     transport.Options{ListenHost: "127.0.0.1"},
			PingOnConnect: true,
		}),
		cfg: device.NetworkConfig{
			DeviceAddr:     "127.0.0.1",
			DevicePort:     sim.Addr().Port,
			PollInterval:   20 * time.Millisecond,
			ReceiveTimeout: 50 * time.Millisecond,
		},
	}
	go func() { r.done <- r.store.Run(context.Background(), r.sess.Events()) }()
	t.Cleanup(func() {
		_ = r.sess.Close()
		<-r.done
		_ = sim.Close()
	})
	return r
}

func (r *rig) waitStore(t *testing.T, what string, fn func(store.State) bool) store.State {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st := r.store.Current(); fn(st) {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s, state=%#v", what, r.store.Current())
	return store.State{}
}

func TestLoopbackPush(t *testing.T) {
	t.Parallel()

	r := newRig(t, wire.Dialect{Command: wire.CommandFrame, Telemetry: wire.TelemetryPush}, 20*time.Millisecond)
	require.NoError(t, r.sess.Connect(context.Background(), r.cfg))

	st := r.waitStore(t, "3 snapshots", func(st store.State) bool { return len(r.store.History()) >= 3 })
	assert.Equal(t, device.Connected, st.Connection)
	assert.Equal(t, float32(21.5), st.Latest.Temperature)

	cmd := device.Command{Actuator: [device.ActuatorCount]bool{true, false, false, true}}
	require.NoError(t, r.sess.SendCommand(cmd))
	r.waitStore(t, "outputs reported", func(st store.State) bool {
		return device.CommandFromSnapshot(st.Latest) == cmd
	})
	assert.Equal(t, cmd, r.sim.Outputs())
	assert.Equal(t, cmd, r.store.Current().LastCommand)

	require.NoError(t, r.sess.Disconnect())
	r.waitStore(t, "disconnected", func(st store.State) bool { return st.Connection == device.Disconnected })
	n := len(r.store.History())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, len(r.store.History()), "no snapshots after disconnect")
	assert.True(t, r.store.Current().HasSnapshot, "last snapshot kept")
}

func TestLoopbackPollToggle(t *testing.T) {
	t.Parallel()

	r := newRig(t, wire.Dialect{Command: wire.CommandToggle, Telemetry: wire.TelemetryPoll}, 0)
	require.NoError(t, r.sess.Connect(context.Background(), r.cfg))
	r.waitStore(t, "polled snapshot", func(st store.State) bool { return st.HasSnapshot })

	require.NoError(t, r.sess.Toggle(3))
	r.waitStore(t, "channel 3 on", func(st store.State) bool { return st.Latest.Actuator[2] })
	require.NoError(t, r.sess.SendCommand(device.AllOff()))
	r.waitStore(t, "all off", func(st store.State) bool {
		return st.HasCommand && st.LastCommand.IsAllOff() && device.CommandFromSnapshot(st.Latest).IsAllOff()
	})

	polls, commands, _ := r.sim.Counters()
	assert.True(t, polls >= 1)
	assert.Equal(t, 2, commands)
}

func TestLoopbackReconnectFreshTransport(t *testing.T) {
	t.Parallel()

	r := newRig(t, wire.Dialect{Telemetry: wire.TelemetryPoll}, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.sess.Connect(context.Background(), r.cfg))
		r.waitStore(t, "connected", func(st store.State) bool { return st.Connection == device.Connected })
		require.NoError(t, r.sess.Poll())
		require.NoError(t, r.sess.Disconnect())
		r.waitStore(t, "disconnected", func(st store.State) bool { return st.Connection == device.Disconnected })
	}
	assert.Equal(t, int64(3), r.sess.Stat().Connects.Value())
	assert.True(t, session.IsNotConnected(r.sess.Poll()))
}
