package bus

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/consus-energy/lanzone-edge/pkg/log"
	"github.com/consus-energy/lanzone-edge/pkg/types"
)

// connectTimeout bounds the initial broker handshake; reconnects after that
// are handled by the client's auto-reconnect loop.
const connectTimeout = 10 * time.Second

// tlsPort is the conventional MQTT-over-TLS port; brokers on it get an ssl
// scheme and a TLS config.
const tlsPort = 8883

// Handler consumes decoded bus envelopes; satisfied by
// *supervisor.Supervisor.
type Handler interface {
	HandleEvent(evt types.BusEvent)
}

// Listener subscribes to the LAN zone's update topic and routes decoded
// envelopes to the handler. Pings are answered directly on the zone's pong
// topic; everything else goes to the handler. Malformed payloads are logged
// and dropped.
type Listener struct {
	comms   types.CommsSettings
	handler Handler
	logger  zerolog.Logger

	client  mqtt.Client
	publish func(topic string, payload []byte)
}

// NewListener creates a listener bound to the zone's comms settings.
func NewListener(comms types.CommsSettings, handler Handler) *Listener {
	l := &Listener{
		comms:   comms,
		handler: handler,
		logger:  log.WithComponent("bus"),
	}
	l.publish = l.publishMQTT
	return l
}

// Topic returns the subscription topic: the configured MQTT_TOPIC when set,
// otherwise the zone's conventional update topic.
func (l *Listener) Topic() string {
	if l.comms.MQTTTopic != "" {
		return l.comms.MQTTTopic
	}
	return fmt.Sprintf("lanzone/%s/updates", l.comms.GroupID)
}

// PongTopic returns the topic ping replies are published on.
func (l *Listener) PongTopic() string {
	return fmt.Sprintf("lanzone/%s/pong", l.comms.GroupID)
}

// Start connects to the broker and subscribes. The subscription is
// re-established by the on-connect hook after every reconnect.
func (l *Listener) Start() error {
	scheme := "tcp"
	if l.comms.MQTTBrokerPort == tlsPort {
		scheme = "ssl"
	}
	broker := fmt.Sprintf("%s://%s:%d", scheme, l.comms.MQTTBrokerHost, l.comms.MQTTBrokerPort)
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(fmt.Sprintf("edge-listener-%s", l.comms.GroupID)).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(true)

	if scheme == "ssl" {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	if l.comms.MQTTUser != "" {
		opts.SetUsername(l.comms.MQTTUser)
		opts.SetPassword(l.comms.MQTTPassword)
	}
	if l.comms.KeepAlive > 0 {
		opts.SetKeepAlive(time.Duration(l.comms.KeepAlive) * time.Second)
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		topic := l.Topic()
		if token := c.Subscribe(topic, 1, l.onMessage); token.Wait() && token.Error() != nil {
			l.logger.Error().Err(token.Error()).Str("topic", topic).Msg("subscribe failed")
			return
		}
		l.logger.Info().Str("topic", topic).Msg("subscribed")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		l.logger.Warn().Err(err).Msg("broker connection lost, reconnecting")
	})

	l.client = mqtt.NewClient(opts)
	token := l.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("broker connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker connect to %s: %w", broker, err)
	}
	return nil
}

// Stop disconnects from the broker, allowing in-flight work to finish.
func (l *Listener) Stop() {
	if l.client != nil {
		l.client.Disconnect(250)
		l.logger.Info().Msg("bus listener stopped")
	}
}

func (l *Listener) onMessage(_ mqtt.Client, msg mqtt.Message) {
	l.Dispatch(msg.Payload())
}

// Dispatch decodes one raw envelope and routes it. Split from onMessage so
// decoding is testable without a broker.
func (l *Listener) Dispatch(raw []byte) {
	var evt types.BusEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		l.logger.Warn().Err(err).Int("bytes", len(raw)).Msg("malformed bus envelope, dropping")
		return
	}
	if evt.Type == "" {
		l.logger.Warn().Msg("bus envelope missing type, dropping")
		return
	}

	if evt.Type == types.BusPing {
		l.answerPing()
		return
	}
	l.handler.HandleEvent(evt)
}

// answerPing publishes a liveness reply on the zone's pong topic.
func (l *Listener) answerPing() {
	reply, _ := json.Marshal(map[string]string{
		"group_id": l.comms.GroupID,
		"ts":       time.Now().UTC().Format(time.RFC3339),
	})
	l.publish(l.PongTopic(), reply)
	l.logger.Debug().Str("topic", l.PongTopic()).Msg("ping answered")
}

func (l *Listener) publishMQTT(topic string, payload []byte) {
	if l.client == nil {
		return
	}
	token := l.client.Publish(topic, 1, false, payload)
	if token.Wait() && token.Error() != nil {
		l.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("publish failed")
	}
}
