// labctl is the host side controller for the lab board: keeps the UDP
// session, stores readings, optionally mirrors them to MQTT and accepts
// commands from the terminal or piped stdin.
package main

import (
	"expvar"
	"flag"
	"os"

	"github.com/DanielAraqueStudios/lab-udp-micros/config"
	"github.com/DanielAraqueStudios/lab-udp-micros/helpers/cli"
	"github.com/DanielAraqueStudios/lab-udp-micros/log2"
	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
)

var log = log2.NewStderr(log2.LDebug)

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flagConfig := cmdline.String("config", "labctl.hcl", "config file")
	flagDebug := cmdline.Bool("debug", false, "debug logging")
	_ = cmdline.Parse(os.Args[1:])

	if sdnotify("start") {
		// under systemd, journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	c := config.MustReadConfig(log, config.NewOsFullReader(), *flagConfig)
	if !(c.Log.Debug || *flagDebug) {
		log.SetLevel(log2.LInfo)
	}

	a, err := newApp(log, c, os.Stdout)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	defer a.close()
	expvar.Publish("session", a.sess.Stat())
	if a.uplink != nil {
		expvar.Publish("tele", a.uplink.Stat())
	}

	if c.Session.AutoConnect {
		// failure stays visible in status
		a.log.Infof("auto connect %s", a.net.String())
		if err := a.cmdConnect(nil); err != nil {
			a.log.Errorf("auto connect: %v", err)
		}
	}
	sdnotify(daemon.SdNotifyReady)

	shell := cli.NewShell(log, a.commands()...)
	cli.MainLoop("labctl", shell.Exec, shell.Complete, a.close)
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
