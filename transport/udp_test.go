package transport

import (
	"context"
	"testing"
	"time"

	"github.com/DanielAraqueStudios/lab-udp-micros/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOpen(t testing.TB, opt Options) *UDP {
	t.Helper()
	if opt.ListenHost == "" {
		opt.ListenHost = "127.0.0.1"
	}
	if opt.Log == nil {
		opt.Log = log2.NewTest(t, log2.LDebug)
	}
	u, err := Open(context.Background(), opt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = u.Close() })
	return u
}

func TestSendReceive(t *testing.T) {
	t.Parallel()

	a := testOpen(t, Options{})
	b := testOpen(t, Options{ReceiveTimeout: 2 * time.Second})

	require.NoError(t, a.Send([]byte("22.9;44.4;84;0;0;0;0;0;1"), "127.0.0.1", b.LocalAddr().Port))
	data, from, err := b.ReceiveFrom()
	require.NoError(t, err)
	assert.Equal(t, "22.9;44.4;84;0;0;0;0;0;1", string(data))
	assert.Equal(t, a.LocalAddr().Port, from.Port, "single socket sends from listen port")

	assert.Equal(t, int64(1), a.Stat().Value().SendCount)
	assert.Equal(t, int64(24), b.Stat().Value().RecvSize)
	assert.True(t, b.SinceLastRecv() > 0)
	assert.Equal(t, time.Duration(0), a.SinceLastRecv())
}

func TestReceiveCopy(t *testing.T) {
	t.Parallel()

	a := testOpen(t, Options{})
	b := testOpen(t, Options{ReceiveTimeout: 2 * time.Second})

	require.NoError(t, a.Send([]byte("first"), "127.0.0.1", b.LocalAddr().Port))
	require.NoError(t, a.Send([]byte("2nd"), "127.0.0.1", b.LocalAddr().Port))
	first, err := b.ReceiveWithTimeout()
	require.NoError(t, err)
	second, err := b.ReceiveWithTimeout()
	require.NoError(t, err)
	assert.Equal(t, "first", string(first), "buffer reuse must not clobber returned data")
	assert.Equal(t, "2nd", string(second))
}

func TestReceiveTimeout(t *testing.T) {
	t.Parallel()

	u := testOpen(t, Options{ReceiveTimeout: 20 * time.Millisecond})
	for i := 0; i < 3; i++ {
		_, err := u.ReceiveWithTimeout()
		require.Error(t, err)
		assert.True(t, IsTimeout(err), "err=%v", err)
		assert.False(t, IsFatal(err))
	}
	assert.False(t, u.Closed())
	assert.Equal(t, int64(3), u.Stat().Value().Timeouts)
}

func TestCloseUnblocksReceive(t *testing.T) {
	t.Parallel()

	u := testOpen(t, Options{ReceiveTimeout: 10 * time.Second})
	errch := make(chan error, 1)
	go func() {
		_, err := u.ReceiveWithTimeout()
		errch <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, u.Close())
	require.NoError(t, u.Close(), "idempotent")

	select {
	case err := <-errch:
		assert.True(t, IsFatal(err), "err=%v", err)
		assert.True(t, IsClosed(err), "err=%v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("receive still blocked after Close")
	}

	_, err := u.ReceiveWithTimeout()
	assert.True(t, IsClosed(err))
	err = u.Send([]byte("1;0;0;1"), "127.0.0.1", 4210)
	assert.True(t, IsSend(err), "err=%v", err)
	assert.True(t, IsClosed(err))
}

func TestBindError(t *testing.T) {
	t.Parallel()

	a := testOpen(t, Options{})
	_, err := Open(context.Background(), Options{ListenHost: "127.0.0.1", ListenPort: a.LocalAddr().Port})
	require.Error(t, err)
	assert.True(t, IsBind(err), "err=%v", err)
	assert.Contains(t, err.Error(), "bind 127.0.0.1:")
}

func TestSendResolveError(t *testing.T) {
	t.Parallel()

	u := testOpen(t, Options{})
	err := u.Send([]byte("GET_DATA"), "127.0.0.1", 70000)
	require.Error(t, err)
	assert.True(t, IsSend(err), "err=%v", err)
	assert.False(t, u.Closed(), "send failure does not close transport")
	assert.Equal(t, int64(1), u.Stat().Value().Errors)
}

func TestSeparateSender(t *testing.T) {
	t.Parallel()

	a := testOpen(t, Options{SeparateSender: true})
	b := testOpen(t, Options{ReceiveTimeout: 2 * time.Second})
	require.NoError(t, a.Send([]byte("ping"), "127.0.0.1", b.LocalAddr().Port))
	_, from, err := b.ReceiveFrom()
	require.NoError(t, err)
	assert.NotEqual(t, a.LocalAddr().Port, from.Port)
}

func TestReuseAddrRebind(t *testing.T) {
	t.Parallel()

	a := testOpen(t, Options{ReuseAddr: true})
	port := a.LocalAddr().Port
	require.NoError(t, a.Close())
	b := testOpen(t, Options{ReuseAddr: true, ListenPort: port})
	assert.Equal(t, port, b.LocalAddr().Port)
}

func TestStatMove(t *testing.T) {
	t.Parallel()

	var total, one Stat
	one.Recv.register(10)
	one.Send.register(7)
	one.Timeouts.Add(2)
	total.AddMoveFrom(&one)
	assert.Equal(t, StatValue{RecvCount: 1, RecvSize: 10, SendCount: 1, SendSize: 7, Timeouts: 2}, total.Value())
	assert.Equal(t, StatValue{}, one.Value())
	assert.Equal(t, `{"recv":{"count":1,"size":10},"send":{"count":1,"size":7},"timeouts":2,"errors":0}`, total.String())
}
