package agent

// Transport is the publish/subscribe connection an agent runs on.
// *mqtt.Client satisfies it, and a gateway shares one Transport between
// itself and every attached device.
type Transport interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	// Subscribe delivers every message matching the filter to handler, one
	// at a time and in arrival order.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
	IsConnected() bool
	// OnConnect registers fn to run after every successful connection.
	OnConnect(fn func(reconnect bool))
}

// qos used for every device management publish and subscription.
const qos byte = 1
