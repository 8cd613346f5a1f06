// Package mqtt provides the broker connection of a device session and an
// embedded development broker.
package mqtt

import (
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/devicemon/core/logger"
	"github.com/relabs-tech/devicemon/wire"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 10 * time.Second
	outboundQueueSize     = 64
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("mqtt client is closed")

// Builder assembles a Client.
type Builder struct {
	// BrokerURL is the broker address, e.g. tcp://localhost:1883. Mandatory.
	BrokerURL string
	// DeviceID scopes the subscription. Mandatory.
	DeviceID string
	// ClientID identifies this session towards the broker. A generated id
	// derived from the device id is used if empty.
	ClientID string
	// OnMessage receives every inbound message of the device subscription.
	OnMessage func(topic string, payload []byte)
	// ConnectTimeout bounds the initial connect. Defaults to 10s.
	ConnectTimeout time.Duration
	// PublishTimeout bounds the broker acknowledgement of one publish.
	// Defaults to 10s.
	PublishTimeout time.Duration
	// Logger is optional, a device-scoped logger is derived if nil.
	Logger *logrus.Entry
}

type outbound struct {
	topic   string
	payload []byte
	result  chan error
}

// Client connects to the broker, maintains the device subscription across
// reconnects and serializes all outbound publishes through a single writer
// goroutine. All traffic is QoS 1.
type Client struct {
	deviceID       string
	client         paho.Client
	connectTimeout time.Duration
	publishTimeout time.Duration
	log            *logrus.Entry

	queue chan outbound
	done  chan struct{}
}

// NewClient creates a client from the builder configuration. The client does
// not connect until Connect is called.
func NewClient(b Builder) (*Client, error) {
	if b.BrokerURL == "" {
		return nil, errors.New("builder lacks broker url")
	}
	if b.DeviceID == "" {
		return nil, errors.New("builder lacks device id")
	}

	log := b.Logger
	if log == nil {
		log = logger.ForDevice(b.DeviceID)
	}
	clientID := b.ClientID
	if clientID == "" {
		clientID = "devicemon-" + b.DeviceID
	}
	connectTimeout := b.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = defaultConnectTimeout
	}
	publishTimeout := b.PublishTimeout
	if publishTimeout == 0 {
		publishTimeout = defaultPublishTimeout
	}

	c := &Client{
		deviceID:       b.DeviceID,
		connectTimeout: connectTimeout,
		publishTimeout: publishTimeout,
		log:            log,
		queue:          make(chan outbound, outboundQueueSize),
		done:           make(chan struct{}),
	}

	filter := wire.SubscriptionFilter(b.DeviceID)
	handler := func(_ paho.Client, msg paho.Message) {
		if b.OnMessage != nil {
			b.OnMessage(msg.Topic(), msg.Payload())
		}
	}

	opts := paho.NewClientOptions().
		AddBroker(b.BrokerURL).
		SetClientID(clientID).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetOrderMatters(false)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.WithError(err).Warn("broker connection lost, reconnecting")
	})
	// the subscription is re-established on every reconnect
	opts.SetOnConnectHandler(func(client paho.Client) {
		token := client.Subscribe(filter, 1, handler)
		if token.WaitTimeout(connectTimeout) && token.Error() == nil {
			log.WithField("filter", filter).Info("subscribed")
			return
		}
		log.WithError(token.Error()).WithField("filter", filter).Error("subscribe failed")
	})

	c.client = paho.NewClient(opts)
	return c, nil
}

// Connect establishes the broker connection and starts the writer. A failed
// initial connect is returned as error, there is no retry at this stage.
func (c *Client) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(c.connectTimeout + time.Second) {
		return fmt.Errorf("connect to broker timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("cannot connect to broker: %w", err)
	}
	go c.writer()
	return nil
}

// Publish hands the message to the writer goroutine and waits for the broker
// acknowledgement, bounded by the publish timeout.
func (c *Client) Publish(topic string, payload []byte) error {
	out := outbound{topic: topic, payload: payload, result: make(chan error, 1)}
	select {
	case <-c.done:
		return ErrClosed
	case c.queue <- out:
	default:
		return fmt.Errorf("outbound queue full, dropping publish to %s", topic)
	}
	select {
	case <-c.done:
		return ErrClosed
	case err := <-out.result:
		return err
	}
}

func (c *Client) writer() {
	for {
		select {
		case <-c.done:
			return
		case out := <-c.queue:
			out.result <- c.publish(out.topic, out.payload)
		}
	}
}

func (c *Client) publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(c.publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}
	return nil
}

// Close stops the writer and disconnects from the broker.
func (c *Client) Close() {
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.client.Disconnect(250)
}
