// devicesim pretends to be the lab board on a UDP port.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DanielAraqueStudios/lab-udp-micros/config"
	"github.com/DanielAraqueStudios/lab-udp-micros/device"
	"github.com/DanielAraqueStudios/lab-udp-micros/devicesim"
	"github.com/DanielAraqueStudios/lab-udp-micros/helpers"
	"github.com/DanielAraqueStudios/lab-udp-micros/log2"
	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
)

var log = log2.NewStderr(log2.LInfo)

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flagConfig := cmdline.String("config", "labctl.hcl", "config file, sim and dialect sections are used")
	flagDebug := cmdline.Bool("debug", false, "debug logging")
	flagDrift := cmdline.Duration("drift", 2*time.Second, "change readings every interval, 0 = static")
	_ = cmdline.Parse(os.Args[1:])

	if ok, _ := daemon.SdNotify(false, "start"); ok {
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}
	c := config.MustReadConfig(log, config.NewOsFullReader(), *flagConfig)
	if c.Log.Debug || *flagDebug {
		log.SetLevel(log2.LDebug)
	}
	dialect, err := c.Dialect()
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	port := c.Sim.ListenPort
	if port == 0 {
		port = c.NetworkConfig().DevicePort
	}

	sim, err := devicesim.Start(context.Background(), devicesim.Options{
		Log:          log,
		ListenHost:   c.Sim.ListenHost,
		ListenPort:   port,
		Dialect:      dialect,
		PushTo:       c.Sim.PushTo,
		PushInterval: helpers.IntMillisecondDefault(c.Sim.PushIntervalMs, 0),
		Initial:      device.Snapshot{Temperature: 22.9, Humidity: 44.4, Light: 84},
	})
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	var tick <-chan time.Time
	if *flagDrift > 0 {
		t := time.NewTicker(*flagDrift)
		defer t.Stop()
		tick = t.C
	}
	for i := 0; ; i++ {
		select {
		case s := <-sigch:
			log.Infof("signal %v, stopping", s)
			if err := sim.Close(); err != nil {
				log.Error(err)
			}
			polls, commands, rejects := sim.Counters()
			log.Infof("polls=%d commands=%d rejects=%d", polls, commands, rejects)
			return
		case <-tick:
			drift(sim, i)
		}
	}
}

// drift walks readings in a small saw pattern so plots are not flat.
func drift(sim *devicesim.Device, i int) {
	step := float32(i%10) / 10
	s := sim.Snapshot()
	sim.SetReading(22.5+step, 44+step*2, int32(80+i%10))
	sim.SetSensorFault(s.SensorFault)
}
