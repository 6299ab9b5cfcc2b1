package main

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/DanielAraqueStudios/lab-udp-micros/config"
	"github.com/DanielAraqueStudios/lab-udp-micros/device"
	"github.com/DanielAraqueStudios/lab-udp-micros/helpers/cli"
	"github.com/DanielAraqueStudios/lab-udp-micros/log2"
	"github.com/DanielAraqueStudios/lab-udp-micros/session"
	"github.com/DanielAraqueStudios/lab-udp-micros/store"
	"github.com/DanielAraqueStudios/lab-udp-micros/tele"
	"github.com/DanielAraqueStudios/lab-udp-micros/wire"
	"github.com/juju/errors"
)

const (
	defaultHistoryLines = 10
	defaultWatch        = 10 * time.Second
)

type app struct {
	log    *log2.Log
	config *config.Config
	net    device.NetworkConfig
	sess   *session.Session
	store  *store.Store
	uplink *tele.Uplink
	out    io.Writer

	ctx       context.Context
	cancel    context.CancelFunc
	storeDone chan error
	closeOnce sync.Once

	errmu   sync.Mutex
	lastErr string
}

func newApp(log *log2.Log, c *config.Config, out io.Writer) (*app, error) {
	opt, err := c.SessionOptions(log)
	if err != nil {
		return nil, err
	}
	a := &app{
		log:       log,
		config:    c,
		net:       c.NetworkConfig(),
		sess:      session.New(opt),
		store:     store.New(),
		out:       out,
		storeDone: make(chan error, 1),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	log.SetErrorFunc(a.onLogError)
	go func() { a.storeDone <- a.store.Run(a.ctx, a.sess.Events()) }()

	if c.Tele.Enabled {
		a.uplink, err = tele.New(log, c.Tele, a.sess, nil)
		if err != nil {
			a.close()
			return nil, errors.Annotate(err, "tele")
		}
		go func() {
			if err := a.uplink.Run(a.ctx, a.store); err != nil && err != context.Canceled {
				log.Errorf("tele: %v", err)
			}
		}()
	}
	return a, nil
}

func (a *app) close() {
	a.closeOnce.Do(func() {
		if a.uplink != nil {
			a.uplink.Close()
		}
		if err := a.sess.Close(); err != nil {
			a.log.Debugf("close: %v", err)
		}
		<-a.storeDone
		a.cancel()
	})
}

func (a *app) onLogError(err error) {
	a.errmu.Lock()
	a.lastErr = err.Error()
	a.errmu.Unlock()
}

func (a *app) lastLogError() string {
	a.errmu.Lock()
	defer a.errmu.Unlock()
	return a.lastErr
}

func (a *app) printf(format string, args ...interface{}) {
	fmt.Fprintf(a.out, format+"\n", args...)
}

func (a *app) commands() []cli.Command {
	return []cli.Command{
		{Name: "connect", Description: "open link to device", Run: a.cmdConnect},
		{Name: "disconnect", Description: "close link, keep history", Run: noArgs(a.sess.Disconnect)},
		{Name: "status", Description: "connection, latest reading, last error", Run: a.cmdStatus},
		{Name: "stats", Description: "history averages and counters", Run: a.cmdStats},
		{Name: "history", Args: "[N]", Description: "last N readings", Run: a.cmdHistory},
		{Name: "set", Args: "1;0;0;1", Description: "set all outputs", Run: a.cmdSet},
		{Name: "toggle", Args: "N", Description: "flip output N (1-4)", Run: a.cmdToggle},
		{Name: "on", Description: "all outputs on", Run: noArgs(func() error { return a.sess.SendCommand(device.AllOn()) })},
		{Name: "off", Description: "all outputs off", Run: noArgs(func() error { return a.sess.SendCommand(device.AllOff()) })},
		{Name: "poll", Description: "request reading now", Run: noArgs(a.sess.Poll)},
		{Name: "ping", Description: "send ping", Run: noArgs(a.sess.Ping)},
		{Name: "clear", Description: "forget history", Run: noArgs(func() error { a.store.ClearHistory(); return nil })},
		{Name: "watch", Args: "[sec]", Description: "print changes for a while", Run: a.cmdWatch},
		{Name: "vars", Description: "published counters", Run: noArgs(a.cmdVars)},
	}
}

func noArgs(f func() error) func([]string) error {
	return func(args []string) error {
		if len(args) != 0 {
			return errors.NotValidf("unexpected arguments %v", args)
		}
		return f()
	}
}

func (a *app) cmdConnect(args []string) error {
	nc := a.net
	if len(args) > 0 {
		nc.DeviceAddr = args[0]
	}
	if len(args) > 1 {
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return errors.NotValidf("port='%s'", args[1])
		}
		nc.DevicePort = port
	}
	if err := a.sess.Connect(a.ctx, nc); err != nil {
		return err
	}
	a.net = nc
	a.printf("state=%s %s", a.sess.State(), nc.String())
	return nil
}

func (a *app) cmdStatus([]string) error {
	st := a.store.Current()
	a.printf("connection=%s receiving=%t version=%d", st.Connection, st.Receiving, st.Version)
	if st.HasSnapshot {
		a.printf("latest: %s at=%s", st.Latest.String(), st.Latest.ReceivedAt.Format(time.RFC3339))
	} else {
		a.printf("latest: none")
	}
	if st.HasCommand {
		a.printf("last command: %s", st.LastCommand.String())
	}
	if st.ErrorMessage != "" {
		a.printf("error: %s", st.ErrorMessage)
	}
	if st.Drops != 0 {
		a.printf("dropped datagrams=%d last: %s", st.Drops, st.LastDrop)
	}
	if e := a.lastLogError(); e != "" && e != st.ErrorMessage {
		a.printf("last logged error: %s", e)
	}
	return nil
}

func (a *app) cmdStats([]string) error {
	if s, ok := a.store.Stats(); ok {
		a.printf("%s", s.String())
	} else {
		a.printf("no readings")
	}
	a.printf("session: %s", a.sess.Stat().String())
	if a.uplink != nil {
		a.printf("tele: %s", a.uplink.Stat().String())
	}
	return nil
}

func (a *app) cmdHistory(args []string) error {
	n := defaultHistoryLines
	if len(args) > 0 {
		var err error
		if n, err = strconv.Atoi(args[0]); err != nil || n < 1 {
			return errors.NotValidf("N='%s'", args[0])
		}
	}
	hist := a.store.History()
	if len(hist) > n {
		hist = hist[len(hist)-n:]
	}
	for _, s := range hist {
		a.printf("%s %s", s.ReceivedAt.Format("15:04:05.000"), s.String())
	}
	a.printf("(%d of %d)", len(hist), len(a.store.History()))
	return nil
}

func (a *app) cmdSet(args []string) error {
	if len(args) != 1 {
		return errors.NotValidf("expected one argument like 1;0;0;1")
	}
	cmd, err := wire.DecodeCommand([]byte(args[0]))
	if err != nil {
		return err
	}
	return a.sess.SendCommand(cmd)
}

func (a *app) cmdToggle(args []string) error {
	if len(args) != 1 {
		return errors.NotValidf("expected output number 1-%d", device.ActuatorCount)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return errors.NotValidf("output='%s'", args[0])
	}
	return a.sess.Toggle(n)
}

func (a *app) cmdWatch(args []string) error {
	d := defaultWatch
	if len(args) > 0 {
		sec, err := strconv.ParseFloat(args[0], 64)
		if err != nil || sec <= 0 {
			return errors.NotValidf("seconds='%s'", args[0])
		}
		d = time.Duration(sec * float64(time.Second))
	}
	ch, cancel := a.store.Subscribe()
	defer cancel()
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	var last uint64
	for {
		select {
		case <-tmr.C:
			return nil
		case st := <-ch:
			if st.Version == last {
				continue
			}
			last = st.Version
			line := st.Connection.String()
			if st.HasSnapshot {
				line += " " + st.Latest.String()
			}
			if st.ErrorMessage != "" {
				line += " error=" + st.ErrorMessage
			}
			a.printf("%s", line)
		}
	}
}

func (a *app) cmdVars() error {
	names := make([]string, 0, 8)
	vals := make(map[string]string, 8)
	expvar.Do(func(kv expvar.KeyValue) {
		switch kv.Key {
		case "cmdline", "memstats":
			return
		}
		names = append(names, kv.Key)
		vals[kv.Key] = kv.Value.String()
	})
	sort.Strings(names)
	for _, name := range names {
		a.printf("%s=%s", name, vals[name])
	}
	return nil
}
