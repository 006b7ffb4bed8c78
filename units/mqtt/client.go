// Package mqtt provides output.mqtt_publish and input.mqtt, which move
// frames over an MQTT broker as msgpack messages.
package mqtt

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/ashuang/camunits-sub002/control"
	"github.com/ashuang/camunits-sub002/registry"
	"github.com/ashuang/camunits-sub002/unit"
)

const (
	PublishID   = "output.mqtt_publish"
	SubscribeID = "input.mqtt"

	DefaultBroker = "localhost:1883"
	DefaultTopic  = "camunits/frames"

	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Client is the part of paho's client the units use.
type Client interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
}

// Dialer builds a client from options. Tests substitute a fake broker.
type Dialer func(opts *paho.ClientOptions) Client

func dialPaho(opts *paho.ClientOptions) Client { return paho.NewClient(opts) }

// Driver registers both MQTT units. A nil dialer uses paho.
func Driver(dial Dialer) registry.Driver {
	if dial == nil {
		dial = dialPaho
	}
	return registry.Driver{
		Name: "mqtt",
		Units: []registry.Entry{
			{
				ID:      PublishID,
				Package: "output",
				Name:    "MQTT Publish",
				Factory: func() (unit.Handler, error) { return &Publisher{session: session{dial: dial}}, nil },
			},
			{
				ID:      SubscribeID,
				Package: "input",
				Name:    "MQTT Subscribe",
				Factory: func() (unit.Handler, error) { return &Subscriber{session: session{dial: dial}}, nil },
			},
		},
	}
}

// session holds the broker settings shared by both units and the live
// client while streaming.
type session struct {
	dial Dialer

	mu        sync.RWMutex
	broker    string
	topic     string
	qos       byte
	clientID  string
	client    Client
	connected bool
}

func (s *session) addControls(u *unit.Unit) error {
	s.broker, s.topic = DefaultBroker, DefaultTopic
	s.clientID = "camunits-" + u.ID()

	broker, err := control.NewString("broker", "Broker (host:port)", s.broker)
	if err != nil {
		return err
	}
	topic, err := control.NewString("topic", "Topic", s.topic)
	if err != nil {
		return err
	}
	qos, err := control.NewInt("qos", "QoS", 0, 2, 1, 0)
	if err != nil {
		return err
	}
	clientID, err := control.NewString("client_id", "Client ID", s.clientID)
	if err != nil {
		return err
	}
	for _, c := range []*control.Control{broker, topic, qos, clientID} {
		if err := u.AddControl(c); err != nil {
			return err
		}
	}
	return nil
}

// trySet applies broker settings. It reports false for controls it does
// not own.
func (s *session) trySet(c *control.Control, proposed any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch c.Name() {
	case "broker", "topic", "client_id":
		v := proposed.(string)
		if v == "" {
			return true, fmt.Errorf("mqtt: %s must not be empty", c.Name())
		}
		switch c.Name() {
		case "broker":
			s.broker = v
		case "topic":
			s.topic = v
		default:
			s.clientID = v
		}
	case "qos":
		s.qos = byte(proposed.(int))
	default:
		return false, nil
	}
	return true, nil
}

// connect dials the broker. onConnect runs on every (re)connection.
func (s *session) connect(logger *slog.Logger, onConnect func(Client)) error {
	s.mu.RLock()
	broker, clientID := s.broker, s.clientID
	s.mu.RUnlock()

	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	var client Client
	opts.OnConnect = func(paho.Client) {
		s.setConnected(true)
		logger.Info("mqtt: connection established", "broker", broker, "client_id", clientID)
		if onConnect != nil {
			onConnect(client)
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		s.setConnected(false)
		logger.Warn("mqtt: connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	client = s.dial(opts)
	logger.Info("mqtt: connecting", "broker", broker)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt: connection timeout to %s", broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connection failed: %w", err)
	}

	s.mu.Lock()
	s.client = client
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *session) disconnect(logger *slog.Logger) {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.connected = false
	s.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
		logger.Info("mqtt: disconnected")
	}
}

func (s *session) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *session) settings() (client Client, topic string, qos byte, connected bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client, s.topic, s.qos, s.connected
}
