// Package lunatest provides an in-memory MQTT broker for exercising bus
// clients and service hosts without a network.
package lunatest

import (
	"errors"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Broker routes published payloads to subscribers of the exact topic.
// Delivery is synchronous in the publishing goroutine.
type Broker struct {
	mu        sync.RWMutex
	subs      map[string]map[*Client]pahomqtt.MessageHandler
	published []Message
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*Client]pahomqtt.MessageHandler)}
}

// NewClient creates a client that is connected once Connect is called
func (b *Broker) NewClient() *Client {
	return &Client{broker: b}
}

// NewConnectedClient creates an already connected client
func (b *Broker) NewConnectedClient() *Client {
	c := b.NewClient()
	c.Connect()
	return c
}

// Published returns the payloads published to topic so far, in order
func (b *Broker) Published(topic string) [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out [][]byte
	for _, m := range b.published {
		if m.topic == topic {
			out = append(out, m.payload)
		}
	}
	return out
}

// Deliver injects payload on topic as if a remote peer had published it
func (b *Broker) Deliver(topic string, payload []byte) int {
	b.mu.Lock()
	b.published = append(b.published, Message{topic: topic, payload: payload})
	targets := make(map[*Client]pahomqtt.MessageHandler, len(b.subs[topic]))
	for c, h := range b.subs[topic] {
		targets[c] = h
	}
	b.mu.Unlock()

	for c, h := range targets {
		c.deliver(h, &Message{topic: topic, payload: payload})
	}
	return len(targets)
}

func (b *Broker) subscribe(c *Client, topic string, h pahomqtt.MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*Client]pahomqtt.MessageHandler)
	}
	b.subs[topic][c] = h
}

func (b *Broker) unsubscribe(c *Client, topics ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		delete(b.subs[t], c)
	}
}

func (b *Broker) drop(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.subs {
		delete(m, c)
	}
}

// Client implements pahomqtt.Client on top of a Broker
type Client struct {
	broker *Broker

	mu         sync.Mutex
	connected  bool
	publishErr error
	onConnect  pahomqtt.OnConnectHandler
}

var _ pahomqtt.Client = (*Client)(nil)

// FailPublish makes every following Publish fail with err; nil restores it
func (c *Client) FailPublish(err error) {
	c.mu.Lock()
	c.publishErr = err
	c.mu.Unlock()
}

// SetOnConnectHandler sets the handler run by Connect, as paho runs
// ClientOptions.OnConnect after every connect and reconnect
func (c *Client) SetOnConnectHandler(h pahomqtt.OnConnectHandler) {
	c.mu.Lock()
	c.onConnect = h
	c.mu.Unlock()
}

func (c *Client) deliver(h pahomqtt.MessageHandler, m *Message) {
	h(c, m)
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

func (c *Client) Connect() pahomqtt.Token {
	c.mu.Lock()
	c.connected = true
	h := c.onConnect
	c.mu.Unlock()
	if h != nil {
		h(c)
	}
	return &doneToken{}
}

func (c *Client) Disconnect(quiesce uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.broker.drop(c)
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	connected, failure := c.connected, c.publishErr
	c.mu.Unlock()
	if !connected {
		return &doneToken{err: errors.New("not connected")}
	}
	if failure != nil {
		return &doneToken{err: failure}
	}

	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	default:
		return &doneToken{err: errors.New("unknown payload type")}
	}
	c.broker.Deliver(topic, data)
	return &doneToken{}
}

func (c *Client) Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	if !c.IsConnected() {
		return &doneToken{err: errors.New("not connected")}
	}
	c.broker.subscribe(c, topic, callback)
	return &doneToken{}
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	for topic, qos := range filters {
		if t := c.Subscribe(topic, qos, callback); t.Error() != nil {
			return t
		}
	}
	return &doneToken{}
}

func (c *Client) Unsubscribe(topics ...string) pahomqtt.Token {
	c.broker.unsubscribe(c, topics...)
	return &doneToken{}
}

func (c *Client) AddRoute(topic string, callback pahomqtt.MessageHandler) {
	c.broker.subscribe(c, topic, callback)
}

func (c *Client) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

// Message implements pahomqtt.Message
type Message struct {
	topic   string
	payload []byte
}

// NewMessage builds a message for handlers called directly in tests
func NewMessage(topic string, payload []byte) *Message {
	return &Message{topic: topic, payload: payload}
}

func (m *Message) Duplicate() bool   { return false }
func (m *Message) Qos() byte         { return 1 }
func (m *Message) Retained() bool    { return false }
func (m *Message) Topic() string     { return m.topic }
func (m *Message) MessageID() uint16 { return 0 }
func (m *Message) Payload() []byte   { return m.payload }
func (m *Message) Ack()              {}

type doneToken struct {
	err error
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Error() error                   { return t.err }

func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
