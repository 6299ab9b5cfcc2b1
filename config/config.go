// Package config reads HCL configuration with includes.
//
//   device { address = "192.168.43.101" port = 4210 }
//   listen { port = 4211 reuse_addr = true }
//   dialect { command = "frame" telemetry = "push" }
//   include "local.hcl" { optional = true }
package config

import (
	"path/filepath"
	"sync"

	"github.com/DanielAraqueStudios/lab-udp-micros/device"
	"github.com/DanielAraqueStudios/lab-udp-micros/helpers"
	"github.com/DanielAraqueStudios/lab-udp-micros/log2"
	"github.com/DanielAraqueStudios/lab-udp-micros/session"
	tele_config "github.com/DanielAraqueStudios/lab-udp-micros/tele/config"
	"github.com/DanielAraqueStudios/lab-udp-micros/transport"
	"github.com/DanielAraqueStudios/lab-udp-micros/wire"
	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
)

type Config struct {
	// includeSeen contains normalized paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Device struct {
		Address string `hcl:"address"`
		Port    int    `hcl:"port"`
	} `hcl:"device"`

	Listen struct {
		Host             string `hcl:"host"`
		Port             *int   `hcl:"port"`
		ReuseAddr        bool   `hcl:"reuse_addr"`
		ReceiveTimeoutMs int    `hcl:"receive_timeout_ms"`
		ReadLimit        int    `hcl:"read_limit"`
		SeparateSender   bool   `hcl:"separate_sender"`
	} `hcl:"listen"`

	DialectConfig struct {
		Command   string `hcl:"command"`
		Telemetry string `hcl:"telemetry"`
	} `hcl:"dialect"`

	Session struct {
		AutoConnect        bool `hcl:"auto_connect"`
		ConnectTimeoutMs   int  `hcl:"connect_timeout_ms"`
		PollIntervalMs     int  `hcl:"poll_interval_ms"`
		LivenessIntervalMs int  `hcl:"liveness_interval_ms"`
		FeedBuffer         int  `hcl:"feed_buffer"`
		PingOnConnect      bool `hcl:"ping_on_connect"`
		Reconnect          bool `hcl:"reconnect"`
		ReconnectMinMs     int  `hcl:"reconnect_min_ms"`
		ReconnectMaxMs     int  `hcl:"reconnect_max_ms"`
	} `hcl:"session"`

	Log struct {
		Debug bool `hcl:"debug"`
	} `hcl:"log"`

	Sim struct {
		ListenHost     string `hcl:"listen_host"`
		ListenPort     int    `hcl:"listen_port"`
		PushTo         string `hcl:"push_to"`
		PushIntervalMs int    `hcl:"push_interval_ms"`
	} `hcl:"sim"`

	Tele tele_config.Config `hcl:"tele"`

	_copy_guard sync.Mutex //nolint:unused
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// NetworkConfig with defaults for anything not configured.
func (c *Config) NetworkConfig() device.NetworkConfig {
	nc := device.DefaultNetworkConfig()
	if c.Device.Address != "" {
		nc.DeviceAddr = c.Device.Address
	}
	if c.Device.Port != 0 {
		nc.DevicePort = c.Device.Port
	}
	if c.Listen.Port != nil {
		nc.LocalPort = *c.Listen.Port
	}
	nc.ConnectTimeout = helpers.IntMillisecondDefault(c.Session.ConnectTimeoutMs, device.DefaultConnectTimeout)
	nc.PollInterval = helpers.IntMillisecondDefault(c.Session.PollIntervalMs, device.DefaultPollInterval)
	nc.ReceiveTimeout = helpers.IntMillisecondDefault(c.Listen.ReceiveTimeoutMs, device.DefaultReceiveTimeout)
	return nc
}

func (c *Config) Dialect() (wire.Dialect, error) {
	cm, err := wire.ParseCommandMode(c.DialectConfig.Command)
	if err != nil {
		return wire.Dialect{}, errors.Annotate(err, "dialect")
	}
	tm, err := wire.ParseTelemetryMode(c.DialectConfig.Telemetry)
	if err != nil {
		return wire.Dialect{}, errors.Annotate(err, "dialect")
	}
	return wire.Dialect{Command: cm, Telemetry: tm}, nil
}

func (c *Config) TransportOptions(log *log2.Log) transport.Options {
	return transport.Options{
		Log:            log,
		ListenHost:     c.Listen.Host,
		ReceiveTimeout: helpers.IntMillisecondDefault(c.Listen.ReceiveTimeoutMs, transport.DefaultReceiveTimeout),
		ReadLimit:      c.Listen.ReadLimit,
		ReuseAddr:      c.Listen.ReuseAddr,
		SeparateSender: c.Listen.SeparateSender,
	}
}

func (c *Config) SessionOptions(log *log2.Log) (session.Options, error) {
	d, err := c.Dialect()
	if err != nil {
		return session.Options{}, err
	}
	return session.Options{
		Log:              log,
		Dialect:          d,
		Transport:        c.TransportOptions(log),
		LivenessInterval: helpers.IntMillisecondDefault(c.Session.LivenessIntervalMs, session.DefaultLivenessInterval),
		FeedBuffer:       c.Session.FeedBuffer,
		PingOnConnect:    c.Session.PingOnConnect,
		Reconnect:        c.Session.Reconnect,
		ReconnectMin:     helpers.IntMillisecondDefault(c.Session.ReconnectMinMs, session.DefaultReconnectMin),
		ReconnectMax:     helpers.IntMillisecondDefault(c.Session.ReconnectMaxMs, session.DefaultReconnectMax),
	}, nil
}

func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if err := c.NetworkConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Dialect(); err != nil {
		errs = append(errs, err)
	}
	if c.Listen.ReadLimit < 0 || c.Session.FeedBuffer < 0 {
		errs = append(errs, errors.NotValidf("negative read_limit or feed_buffer"))
	}
	if err := c.Tele.Validate(); err != nil {
		errs = append(errs, err)
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		if _, ok := c.includeSeen[fs.Normalize(include.Name)]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig reads names in order, later values overwrite earlier ones.
// Relative includes of an OsFullReader resolve against the first file's directory.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.New("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, err
		}
		names = append([]string{name}, names[1:]...)
	}
	c := &Config{includeSeen: make(map[string]struct{})}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if len(errs) == 0 {
		if err := c.Validate(); err != nil {
			errs = append(errs, errors.Annotate(err, "config"))
		}
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
