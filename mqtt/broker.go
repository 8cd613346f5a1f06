package mqtt

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/devicemon/core/logger"
	"github.com/relabs-tech/devicemon/wire"
)

// Broker is an embedded MQTT broker for local development. It accepts any
// client on plain TCP and traces all device traffic. Not for production use.
type Broker struct {
	address string
	p       *brokerPlugin
}

// BrokerBuilder is a builder helper for the Broker.
type BrokerBuilder struct {
	// Address is the TCP listen address, e.g. :1883. Mandatory.
	Address string
	// EchoConfiguration simulates an acknowledging device: every desired
	// configuration arriving on a device topic is echoed back as a state
	// report, minus the configuration id. Lets the tool run against the
	// broker without a device.
	EchoConfiguration bool
	// Logger is optional.
	Logger *logrus.Entry
}

type brokerPlugin struct {
	service           gmqtt.Server
	echoConfiguration bool
	log               *logrus.Entry
}

// NewBroker returns a new development broker. The broker does not listen
// until Run is called.
func NewBroker(b BrokerBuilder) (*Broker, error) {
	if b.Address == "" {
		return nil, errors.New("builder lacks listen address")
	}
	log := b.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Broker{
		address: b.Address,
		p: &brokerPlugin{
			echoConfiguration: b.EchoConfiguration,
			log:               log.WithField("component", "broker"),
		},
	}, nil
}

// Run is blocking and runs the broker on the configured address. It listens
// on syscall.SIGTERM for a graceful shutdown.
func (b *Broker) Run() error {
	ln, err := net.Listen("tcp", b.address)
	if err != nil {
		return err
	}

	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(ln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	b.p.log.WithField("address", b.address).Info("broker started")

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	s.Stop(context.Background())
	b.p.log.Info("broker stopped")
	return nil
}

// PublishMessageQ1 publishes an MQTT message with quality level 1. Used by
// the configuration echo and for injecting device messages in development.
func (b *Broker) PublishMessageQ1(topic string, payload []byte) {
	b.p.publishQ1(topic, payload)
}

func (p *brokerPlugin) publishQ1(topic string, payload []byte) {
	if p.service == nil {
		p.log.WithField("topic", topic).Warn("dropping publish, broker is not running")
		return
	}
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	p.service.PublishService().Publish(msg)
}

// Load implements the plugin interface.
func (p *brokerPlugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements the plugin interface.
func (p *brokerPlugin) Unload() error {
	return nil
}

// Name implements the plugin interface.
func (p *brokerPlugin) Name() string { return "devicemon dev broker" }

// HookWrapper implements the plugin interface.
func (p *brokerPlugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribedWrapper: p.OnSubscribedWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

// OnConnectWrapper logs connecting clients. The development broker accepts
// everyone, only device topics are expected.
func (p *brokerPlugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		p.log.WithField("client", client.OptionsReader().ClientID()).Info("client connected")
		return connect(ctx, client)
	}
}

// OnSubscribedWrapper logs subscriptions.
func (p *brokerPlugin) OnSubscribedWrapper(subscribed gmqtt.OnSubscribed) gmqtt.OnSubscribed {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) {
		p.log.WithFields(logrus.Fields{
			"client": client.OptionsReader().ClientID(),
			"filter": topic.Name,
		}).Info("client subscribed")
		subscribed(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper traces device traffic and drives the configuration
// echo.
func (p *brokerPlugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		topic := msg.Topic()
		if strings.HasPrefix(topic, "v1/devices/") {
			p.log.WithFields(logrus.Fields{
				"client": client.OptionsReader().ClientID(),
				"topic":  topic,
				"bytes":  len(msg.Payload()),
			}).Debug("message")

			if p.echoConfiguration {
				if stateTopic, payload, ok := configurationEcho(topic, msg.Payload()); ok {
					p.log.WithField("topic", stateTopic).Debug("echoing configuration as state")
					p.publishQ1(stateTopic, payload)
				}
			}
		}
		return arrived(ctx, client, msg)
	}
}

// configurationEcho turns a desired-configuration payload into the state
// report an immediately compliant device would send: the same members minus
// the configuration id. Returns false for non-configuration topics and
// undecodable payloads.
func configurationEcho(topic string, payload []byte) (string, []byte, bool) {
	prefix, ok := strings.CutSuffix(topic, "/configuration")
	if !ok || !strings.HasPrefix(prefix, "v1/devices/") {
		return "", nil, false
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(payload, &members); err != nil {
		return "", nil, false
	}
	delete(members, wire.ConfigurationIDKey)
	if len(members) == 0 {
		return "", nil, false
	}
	echoed, err := json.Marshal(members)
	if err != nil {
		return "", nil, false
	}
	return prefix + "/state", echoed, true
}
