// Package tele is the MQTT uplink: republishes device state from the store
// and feeds remote commands into the session.
//
// Topics under prefix:
//   state      retained connection state, last will "disconnected"
//   telemetry  every new snapshot
//   command    incoming, see ParseCommand
//
// Network trouble never blocks the store or the session; messages
// published while the broker is away are dropped.
package tele

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"strings"
	"sync"
	"time"

	"github.com/DanielAraqueStudios/lab-udp-micros/helpers"
	"github.com/DanielAraqueStudios/lab-udp-micros/log2"
	"github.com/DanielAraqueStudios/lab-udp-micros/store"
	tele_config "github.com/DanielAraqueStudios/lab-udp-micros/tele/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	structpb "github.com/golang/protobuf/ptypes/struct"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

const (
	defaultNetworkTimeout = 30 * time.Second
	defaultTopicPrefix    = "lab/esp32"
	defaultClientId       = "labctl"
)

// Client is the part of mqtt.Client the uplink uses.
type Client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

type NewClientFunc func(*mqtt.ClientOptions) Client

func NewPahoClient(opt *mqtt.ClientOptions) Client { return mqtt.NewClient(opt) }

var mqttLogOnce sync.Once

type Uplink struct {
	log   *log2.Log
	cfg   tele_config.Config
	ctl   Controller
	m     Client
	mopt  *mqtt.ClientOptions
	alive *alive.Alive
	stat  Stat

	qos            byte
	timeout        time.Duration
	topicState     string
	topicTelemetry string
	topicCommand   string

	// kick asks Run to republish state after (re)connect
	kick     chan struct{}
	lastKey  stateKey
	haveKey  bool
	lastSnap time.Time
}

// New prepares the client, nothing is sent until Run.
// newClient nil means paho.
func New(log *log2.Log, cfg tele_config.Config, ctl Controller, newClient NewClientFunc) (*Uplink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, errors.NotValidf("tele disabled")
	}
	u := &Uplink{
		log:   log.Clone(log2.LInfo),
		cfg:   cfg,
		ctl:   ctl,
		alive: alive.NewAlive(),
		qos:   byte(cfg.Qos),
		kick:  make(chan struct{}, 1),
	}
	if cfg.LogDebug {
		u.log.SetLevel(log2.LDebug)
	}
	u.log.SetPrefix("tele: ")

	prefix := strings.TrimSuffix(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	u.topicState = prefix + "/state"
	u.topicTelemetry = prefix + "/telemetry"
	u.topicCommand = prefix + "/command"

	clientId := cfg.ClientId
	if clientId == "" {
		clientId = defaultClientId
	}
	u.timeout = helpers.IntSecondDefault(cfg.NetworkTimeoutSec, defaultNetworkTimeout)
	if u.timeout < time.Second {
		u.timeout = time.Second
	}
	connectTimeout := u.timeout * 3
	keepalive := helpers.IntSecondDefault(cfg.KeepaliveSec, u.timeout/2)

	will, err := Marshal(cfg.Format, willStruct())
	if err != nil {
		return nil, err
	}
	tlsconf := new(tls.Config)
	if cfg.TlsCaFile != "" {
		cabytes, err := ioutil.ReadFile(cfg.TlsCaFile)
		if err != nil {
			return nil, errors.Annotate(err, "tele tls_ca_file")
		}
		tlsconf.RootCAs = x509.NewCertPool()
		if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
			return nil, errors.NotValidf("tele tls_ca_file=%s no certificates", cfg.TlsCaFile)
		}
	}

	u.mopt = mqtt.NewClientOptions().
		AddBroker(cfg.MqttBroker).
		SetAutoReconnect(true).
		SetBinaryWill(u.topicState, will, u.qos, true).
		SetCleanSession(true).
		SetClientID(clientId).
		SetConnectTimeout(connectTimeout).
		SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			u.log.Errorf("unexpected message topic=%s", msg.Topic())
		}).
		SetKeepAlive(keepalive).
		SetMaxReconnectInterval(connectTimeout).
		SetOnConnectHandler(func(mqtt.Client) { u.onConnect() }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			u.log.Errorf("connection lost: %v", err)
		}).
		SetPingTimeout(u.timeout).
		SetTLSConfig(tlsconf).
		SetWriteTimeout(u.timeout)
	if cfg.Username != "" {
		u.mopt.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}
	if newClient == nil {
		// paho loggers are process global
		mqttLogOnce.Do(func() {
			mqttLog := log.Clone(log2.LDebug)
			mqttLog.SetPrefix("mqtt: ")
			mqtt.CRITICAL = mqttLog
			mqtt.ERROR = mqttLog
			mqtt.WARN = mqttLog
			if cfg.MqttLogDebug {
				mqtt.DEBUG = mqttLog
			}
		})
		newClient = NewPahoClient
	}
	u.m = newClient(u.mopt)
	return u, nil
}

func (self *Uplink) Stat() *Stat { return &self.stat }

func (self *Uplink) Topics() (state, telemetry, command string) {
	return self.topicState, self.topicTelemetry, self.topicCommand
}

// Run connects in background and publishes store changes until ctx is done or Close.
func (self *Uplink) Run(ctx context.Context, st *store.Store) error {
	if !self.alive.Add(2) {
		return nil
	}
	defer self.alive.Done()
	go self.online()

	ch, cancel := st.Subscribe()
	defer cancel()
	stopch := self.alive.StopChan()
	var last store.State
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopch:
			return nil
		case <-self.kick:
			self.haveKey = false
			self.publish(last)
		case last = <-ch:
			self.publish(last)
		}
	}
}

// Close stops Run and disconnects, waiting at most one network timeout.
func (self *Uplink) Close() {
	self.alive.Stop()
	self.alive.Wait()
	if self.m.IsConnected() {
		self.m.Disconnect(uint(self.timeout / time.Millisecond))
	}
}

func (self *Uplink) online() {
	defer self.alive.Done()
	b := helpers.Backoff{Min: time.Second, Max: self.timeout, K: 2}
	stopch := self.alive.StopChan()
	for !self.m.IsConnected() {
		self.log.Debugf("connect broker=%s", self.cfg.MqttBroker)
		if self.tokenWait(self.m.Connect(), "connect") == nil {
			return
		}
		b.Failure()
		select {
		case <-stopch:
			return
		case <-time.After(b.DelayBefore()):
		}
	}
}

// onConnect runs on every (re)connect, clean session forgets subscriptions.
func (self *Uplink) onConnect() {
	self.log.Infof("connected broker=%s", self.cfg.MqttBroker)
	select {
	case self.kick <- struct{}{}:
	default:
	}
	if err := self.tokenWait(self.m.Subscribe(self.topicCommand, self.qos, self.onMessage), "subscribe "+self.topicCommand); err != nil {
		return
	}
	self.log.Debugf("subscribed %s", self.topicCommand)
}

func (self *Uplink) publish(s store.State) {
	if k := keyOf(s); !self.haveKey || k != self.lastKey {
		if self.send(self.topicState, true, stateStruct(s)) {
			self.lastKey, self.haveKey = k, true
			self.stat.States.Add(1)
		}
	}
	if s.HasSnapshot && !s.Latest.ReceivedAt.IsZero() && s.Latest.ReceivedAt != self.lastSnap {
		self.lastSnap = s.Latest.ReceivedAt
		if self.send(self.topicTelemetry, false, telemetryStruct(s.Latest)) {
			self.stat.Telemetry.Add(1)
		}
	}
}

func (self *Uplink) send(topic string, retain bool, pb *structpb.Struct) bool {
	payload, err := Marshal(self.cfg.Format, pb)
	if err != nil {
		self.stat.PublishErrors.Add(1)
		self.log.Errorf("%v", err)
		return false
	}
	if !self.m.IsConnected() {
		self.stat.PublishErrors.Add(1)
		self.log.Debugf("offline, drop topic=%s", topic)
		return false
	}
	if err := self.tokenWait(self.m.Publish(topic, self.qos, retain, payload), "publish "+topic); err != nil {
		self.stat.PublishErrors.Add(1)
		return false
	}
	return true
}

func (self *Uplink) onMessage(_ mqtt.Client, msg mqtt.Message) {
	defer msg.Ack()
	self.stat.Commands.Add(1)
	cmd, err := ParseCommand(msg.Payload())
	if err == nil {
		err = cmd.Apply(self.ctl)
	}
	if err != nil {
		self.stat.CommandErrors.Add(1)
		self.log.Errorf("command '%s': %v", string(msg.Payload()), err)
		return
	}
	self.log.Infof("command %s", cmd.String())
}

func (self *Uplink) tokenWait(t mqtt.Token, tag string) error {
	if !t.WaitTimeout(self.timeout) {
		err := errors.Timeoutf("%s", tag)
		self.log.Errorf("MQTT %s", err.Error())
		return err
	}
	if err := t.Error(); err != nil {
		err = errors.Annotate(err, tag)
		self.log.Errorf("MQTT %s", err.Error())
		return err
	}
	return nil
}
