// Separate package so config can embed it without importing the paho stack.
package tele_config

import (
	"strings"

	"github.com/juju/errors"
)

const (
	FormatJSON  = "json"
	FormatProto = "proto"
)

type Config struct { //nolint:maligned
	Enabled           bool   `hcl:"enable"`
	LogDebug          bool   `hcl:"log_debug"`
	MqttBroker        string `hcl:"mqtt_broker"`
	MqttLogDebug      bool   `hcl:"mqtt_log_debug"`
	ClientId          string `hcl:"client_id"`
	TopicPrefix       string `hcl:"topic_prefix"`
	Qos               int    `hcl:"qos"`
	Format            string `hcl:"format"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	Username          string `hcl:"username"`
	Password          string `hcl:"password"` // secret
	TlsCaFile         string `hcl:"tls_ca_file"`
}

func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.MqttBroker == "" {
		return errors.NotValidf("tele enabled with mqtt_broker empty")
	}
	switch strings.ToLower(c.Format) {
	case "", FormatJSON, FormatProto:
	default:
		return errors.NotValidf("tele format=%s", c.Format)
	}
	if c.Qos < 0 || c.Qos > 2 {
		return errors.NotValidf("tele qos=%d", c.Qos)
	}
	return nil
}
