package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DanielAraqueStudios/lab-udp-micros/device"
	"github.com/DanielAraqueStudios/lab-udp-micros/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapN(i int, at time.Time) device.Snapshot {
	return device.Snapshot{
		Temperature: float32(i),
		Humidity:    float32(i) / 2,
		Light:       int32(i),
		LinkOK:      true,
		ReceivedAt:  at,
	}
}

func TestHistoryEviction(t *testing.T) {
	t.Parallel()

	s := New()
	base := time.Now()
	for i := 1; i <= 150; i++ {
		s.UpdateSnapshot(snapN(i, base.Add(time.Duration(i)*time.Second)))
	}
	hist := s.History()
	require.Len(t, hist, HistoryCapacity)
	for i, snap := range hist {
		assert.Equal(t, float32(51+i), snap.Temperature, "oldest first, index=%d", i)
	}
	assert.Equal(t, float32(150), s.Current().Latest.Temperature)
}

func TestHistoryPartial(t *testing.T) {
	t.Parallel()

	s := New()
	assert.Empty(t, s.History())
	_, ok := s.Stats()
	assert.False(t, ok)

	base := time.Now()
	for i := 1; i <= 3; i++ {
		s.UpdateSnapshot(snapN(i, base.Add(time.Duration(i)*time.Second)))
	}
	hist := s.History()
	require.Len(t, hist, 3)
	assert.Equal(t, float32(1), hist[0].Temperature)
	assert.Equal(t, float32(3), hist[2].Temperature)

	st, ok := s.Stats()
	require.True(t, ok)
	assert.Equal(t, 3, st.Count)
	assert.Equal(t, float32(2), st.MeanTemperature)
	assert.Equal(t, float32(1), st.MeanHumidity)
	assert.Equal(t, int32(2), st.MeanLight)
	assert.Equal(t, 2*time.Second, st.Span)

	s.ClearHistory()
	assert.Empty(t, s.History())
	assert.False(t, s.Current().HasSnapshot)
}

func TestStatsLightTruncated(t *testing.T) {
	t.Parallel()

	s := New()
	s.UpdateSnapshot(device.Snapshot{Light: 1})
	s.UpdateSnapshot(device.Snapshot{Light: 2})
	st, _ := s.Stats()
	assert.Equal(t, int32(1), st.MeanLight)
	assert.Equal(t, time.Duration(0), st.Span)
}

func TestErrorLifecycle(t *testing.T) {
	t.Parallel()

	s := New()
	s.UpdateConnectionState(device.Connected)
	s.UpdateSnapshot(snapN(1, time.Now()))
	assert.True(t, s.Current().Receiving)

	s.SetError("listener: receive: boom")
	cur := s.Current()
	assert.Equal(t, device.Error, cur.Connection)
	assert.Equal(t, "listener: receive: boom", cur.ErrorMessage)
	assert.False(t, cur.Receiving)
	assert.True(t, cur.HasSnapshot, "snapshot survives error")

	s.UpdateConnectionState(device.Connecting)
	assert.Equal(t, "listener: receive: boom", s.Current().ErrorMessage, "error stays until cleared or superseded")

	s.UpdateSnapshot(snapN(2, time.Now()))
	assert.Equal(t, "", s.Current().ErrorMessage)

	s.SetError("again")
	s.ClearError()
	assert.Equal(t, "", s.Current().ErrorMessage)
	assert.Equal(t, device.Error, s.Current().Connection, "ClearError does not touch state")
}

func TestDropDoesNotTouchState(t *testing.T) {
	t.Parallel()

	s := New()
	s.UpdateConnectionState(device.Connected)
	s.RecordDrop(fmt.Errorf("decode: field count=3 expected>=9"))
	cur := s.Current()
	assert.Equal(t, device.Connected, cur.Connection)
	assert.Equal(t, int64(1), cur.Drops)
	assert.Equal(t, "", cur.ErrorMessage)
	assert.Contains(t, cur.LastDrop, "field count")
}

func TestSubscribe(t *testing.T) {
	t.Parallel()

	s := New()
	s.UpdateConnectionState(device.Connected)
	ch, cancel := s.Subscribe()

	first := <-ch
	assert.Equal(t, device.Connected, first.Connection, "current value on subscribe")

	// writer is never blocked by a subscriber that does not read
	for i := 1; i <= 1000; i++ {
		s.UpdateSnapshot(snapN(i, time.Now()))
	}
	latest := <-ch
	assert.Equal(t, float32(1000), latest.Latest.Temperature, "conflated to latest")
	select {
	case extra := <-ch:
		t.Fatalf("unexpected pending value version=%d", extra.Version)
	default:
	}

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok, "closed after cancel")
	s.UpdateConnectionState(device.Disconnected)
}

func TestIndependentSubscribers(t *testing.T) {
	t.Parallel()

	s := New()
	a, cancelA := s.Subscribe()
	defer cancelA()
	b, cancelB := s.Subscribe()
	<-a
	<-b
	s.SetError("x")
	assert.Equal(t, "x", (<-a).ErrorMessage)
	cancelB()
	s.ClearError()
	assert.Equal(t, "", (<-a).ErrorMessage)
}

func TestApplyEvents(t *testing.T) {
	t.Parallel()

	s := New()
	events := make(chan session.Event, 16)
	cmd := device.Command{Actuator: [device.ActuatorCount]bool{true, false, false, true}}
	events <- session.Event{Kind: session.EventState, State: device.Connecting}
	events <- session.Event{Kind: session.EventClearError, State: device.Connecting}
	events <- session.Event{Kind: session.EventState, State: device.Connected}
	events <- session.Event{Kind: session.EventSnapshot, State: device.Connected, Snapshot: snapN(7, time.Now())}
	events <- session.Event{Kind: session.EventCommand, State: device.Connected, Command: cmd}
	events <- session.Event{Kind: session.EventDrop, State: device.Connected, Err: fmt.Errorf("bad")}
	events <- session.Event{Kind: session.EventError, State: device.Error, Err: fmt.Errorf("listener: gone")}
	close(events)

	require.NoError(t, s.Run(context.Background(), events))
	cur := s.Current()
	assert.Equal(t, device.Error, cur.Connection)
	assert.Equal(t, "listener: gone", cur.ErrorMessage)
	assert.Equal(t, float32(7), cur.Latest.Temperature)
	assert.Equal(t, cmd, cur.LastCommand)
	assert.True(t, cur.HasCommand)
	assert.Equal(t, int64(1), cur.Drops)
}

func TestRunContext(t *testing.T) {
	t.Parallel()

	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, make(chan session.Event)) }()
	cancel()
	select {
	case err := <-done:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

// Readers must never observe a half written snapshot or history out of sync with latest.
func TestConcurrentReaders(t *testing.T) {
	t.Parallel()

	s := New()
	const writes = 2000
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				st, hist := s.View()
				if !st.HasSnapshot {
					continue
				}
				l := st.Latest
				if l.Humidity != l.Temperature/2 || int32(l.Temperature) != l.Light {
					t.Errorf("torn snapshot %#v", l)
					return
				}
				if len(hist) == 0 || hist[len(hist)-1] != l {
					t.Errorf("history tail differs from latest")
					return
				}
			}
		}()
	}
	for i := 1; i <= writes; i++ {
		s.UpdateSnapshot(snapN(i, time.Time{}))
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, uint64(writes), s.Current().Version)
}
