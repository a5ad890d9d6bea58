package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/iotdm-go-sdk/pkg/auth"
	"github.com/iotdm-go-sdk/pkg/config"
	tlsutil "github.com/iotdm-go-sdk/pkg/tls"
)

// MessageHandler receives the messages of one subscription. Wildcard
// subscriptions receive the concrete topic of each message.
type MessageHandler = func(topic string, payload []byte)

var ErrNotConnected = errors.New("mqtt: client is not connected")

const operationTimeout = 30 * time.Second

type subscription struct {
	qos     byte
	handler MessageHandler
}

type Client struct {
	config        *config.Config
	mqttClient    mqtt.Client
	connected     bool
	everConnected bool
	mutex         sync.RWMutex
	subscriptions map[string]subscription
	connectHooks  []func(reconnect bool)
	logger        logrus.FieldLogger
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		config:        cfg,
		subscriptions: make(map[string]subscription),
		logger:        logrus.WithField("component", "mqtt"),
	}
}

func (c *Client) SetLogger(logger logrus.FieldLogger) {
	c.logger = logger
}

// OnConnect registers fn to run after every successful connection, once
// the subscriptions have been restored. reconnect is false the first time.
func (c *Client) OnConnect(fn func(reconnect bool)) {
	c.mutex.Lock()
	c.connectHooks = append(c.connectHooks, fn)
	c.mutex.Unlock()
}

func (c *Client) Connect() error {
	if err := c.config.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	credentials := auth.GenerateMQTTCredentials(c.config)
	broker := c.config.BrokerURL()

	opts := mqtt.NewClientOptions()
	if c.config.UseTLS() {
		tlsConfig, err := tlsutil.NewConfig(c.config.TLS)
		if err != nil {
			return fmt.Errorf("failed to build TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.AddBroker(broker)
	opts.SetClientID(credentials.ClientID)
	if credentials.Username != "" {
		opts.SetUsername(credentials.Username)
		opts.SetPassword(credentials.Password)
	}
	opts.SetKeepAlive(c.config.MQTT.KeepAlive)
	opts.SetCleanSession(c.config.MQTT.CleanSession)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.SetDefaultPublishHandler(c.defaultMessageHandler)
	opts.SetConnectionLostHandler(c.connectionLostHandler)
	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetReconnectingHandler(c.reconnectingHandler)

	c.mqttClient = mqtt.NewClient(opts)

	c.logger.WithFields(logrus.Fields{"broker": broker, "clientId": credentials.ClientID}).Info("Connecting to MQTT broker")
	token := c.mqttClient.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect: %w", token.Error())
	}

	c.mutex.Lock()
	c.connected = true
	c.mutex.Unlock()
	return nil
}

func (c *Client) Disconnect() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.mqttClient != nil && c.connected {
		c.mqttClient.Disconnect(250)
		c.connected = false
		c.logger.Info("Disconnected from MQTT broker")
	}
}

func (c *Client) IsConnected() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.connected && c.mqttClient != nil && c.mqttClient.IsConnected()
}

func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.mqttClient.Publish(topic, qos, retained, payload)
	if err := wait(token); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.WithField("topic", topic).Debug("Published message")
	return nil
}

func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.mutex.Lock()
	c.subscriptions[topic] = subscription{qos: qos, handler: handler}
	c.mutex.Unlock()

	if err := c.subscribe(topic, qos, handler); err != nil {
		c.mutex.Lock()
		delete(c.subscriptions, topic)
		c.mutex.Unlock()
		return err
	}

	c.logger.WithField("topic", topic).Debug("Subscribed to topic")
	return nil
}

func (c *Client) subscribe(topic string, qos byte, handler MessageHandler) error {
	token := c.mqttClient.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if err := wait(token); err != nil {
		return fmt.Errorf("failed to subscribe to topic: %w", err)
	}
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	c.mutex.Lock()
	delete(c.subscriptions, topic)
	c.mutex.Unlock()

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.mqttClient.Unsubscribe(topic)
	if err := wait(token); err != nil {
		return fmt.Errorf("failed to unsubscribe from topic: %w", err)
	}

	c.logger.WithField("topic", topic).Debug("Unsubscribed from topic")
	return nil
}

func wait(token mqtt.Token) error {
	if !token.WaitTimeout(operationTimeout) {
		return fmt.Errorf("timed out after %s", operationTimeout)
	}
	return token.Error()
}

func (c *Client) defaultMessageHandler(client mqtt.Client, msg mqtt.Message) {
	c.logger.WithField("topic", msg.Topic()).Debug("Received message without subscription")
}

func (c *Client) connectionLostHandler(client mqtt.Client, err error) {
	c.mutex.Lock()
	c.connected = false
	c.mutex.Unlock()
	c.logger.Warnf("Connection lost: %v", err)
}

// onConnectHandler runs on its own goroutine, so it may wait on tokens.
func (c *Client) onConnectHandler(client mqtt.Client) {
	c.mutex.Lock()
	c.connected = true
	reconnect := c.everConnected
	c.everConnected = true
	subs := make(map[string]subscription, len(c.subscriptions))
	for topic, s := range c.subscriptions {
		subs[topic] = s
	}
	hooks := append([]func(bool){}, c.connectHooks...)
	c.mutex.Unlock()

	c.logger.WithField("reconnect", reconnect).Info("Connected to MQTT broker")

	if reconnect {
		for topic, s := range subs {
			if err := c.subscribe(topic, s.qos, s.handler); err != nil {
				c.logger.WithField("topic", topic).Errorf("Failed to restore subscription: %v", err)
			}
		}
	}
	for _, hook := range hooks {
		hook(reconnect)
	}
}

func (c *Client) reconnectingHandler(client mqtt.Client, opts *mqtt.ClientOptions) {
	c.logger.Info("Attempting to reconnect to MQTT broker...")
}
