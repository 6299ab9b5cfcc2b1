package tele

import (
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
)

type MqttMock struct {
	Opt *mqtt.ClientOptions
	Pub chan MockMsg

	mu        sync.Mutex
	connected bool
	connErr   error
	subs      []MockSub
}

type MockSub struct {
	Pattern string
	Qos     byte
	Handler mqtt.MessageHandler
}

func NewMqttMock() *MqttMock {
	return &MqttMock{
		Pub:  make(chan MockMsg, 64),
		subs: make([]MockSub, 0, 4),
	}
}

// New is a NewClientFunc.
func (m *MqttMock) New(opt *mqtt.ClientOptions) Client {
	m.Opt = opt
	return m
}

func (m *MqttMock) TestPublish(t testing.TB, topic string, payload []byte) {
	t.Helper()
	m.mu.Lock()
	subs := append([]MockSub(nil), m.subs...)
	m.mu.Unlock()
	for _, sub := range subs {
		if topic != sub.Pattern {
			continue
		}
		msg := MockMsg{T: topic, P: payload, Q: sub.Qos}
		if sub.Qos > 0 {
			msg.acked = make(chan struct{})
		}
		sub.Handler(nil, msg)
		if sub.Qos > 0 {
			select {
			case <-msg.acked:
			default:
				t.Errorf("message='%s' handled without Ack()", string(payload))
			}
		}
		return
	}
	t.Errorf("not subscribed for topic=%s", topic)
}

func (m *MqttMock) Subscribed(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.Pattern == topic {
			return true
		}
	}
	return false
}

func (m *MqttMock) Disconnect(uint) {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
}

func (m *MqttMock) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MqttMock) Connect() mqtt.Token {
	m.mu.Lock()
	if m.connErr != nil {
		err := m.connErr
		m.mu.Unlock()
		return mockToken{err}
	}
	m.connected = true
	m.mu.Unlock()
	if m.Opt != nil && m.Opt.OnConnect != nil {
		go m.Opt.OnConnect(nil)
	}
	return mockToken{nil}
}

func (m *MqttMock) Publish(topic string, qos byte, retain bool, payload interface{}) mqtt.Token {
	m.Pub <- MockMsg{T: topic, P: payload.([]byte), Q: qos, R: retain}
	return mockToken{nil}
}

func (m *MqttMock) Subscribe(pattern string, qos byte, handler mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	m.subs = append(m.subs, MockSub{pattern, qos, handler})
	m.mu.Unlock()
	return mockToken{nil}
}

type mockToken struct{ error }

func (tok mockToken) Error() error                   { return tok.error }
func (tok mockToken) Wait() bool                     { return !errors.IsTimeout(tok.error) }
func (tok mockToken) WaitTimeout(time.Duration) bool { return tok.Wait() }

type MockMsg struct {
	T     string
	P     []byte
	Q     byte
	R     bool
	acked chan struct{}
}

func (msg MockMsg) Ack() {
	if msg.acked != nil {
		close(msg.acked)
	}
}

func (msg MockMsg) Duplicate() bool   { return false }
func (msg MockMsg) MessageID() uint16 { return 0 }
func (msg MockMsg) Payload() []byte   { return msg.P }
func (msg MockMsg) Qos() byte         { return msg.Q }
func (msg MockMsg) Retained() bool    { return msg.R }
func (msg MockMsg) Topic() string     { return msg.T }
