package luna

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"luna-probe/internal/pkg/logger"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// ReplyHandler receives the raw payload of one reply
type ReplyHandler func(payload string)

// ConnectHook runs after every connect and reconnect of the MQTT client.
// Clean sessions drop subscriptions, so hooks restore their own.
type ConnectHook func(pc pahomqtt.Client) error

// call tracks an outstanding request until its last reply
type call struct {
	uri     URI
	handler ReplyHandler
	once    bool
}

// Client is a bus client: it publishes requests to service call topics and
// routes replies arriving on its own reply topic to the handler of the
// matching token.
type Client struct {
	client     pahomqtt.Client
	name       string
	topicReply string
	qos        byte

	calls   map[string]*call
	callsMu sync.RWMutex

	hooks   []ConnectHook
	hooksMu sync.Mutex

	lc logger.LoggingClient
	mu sync.RWMutex // guards client
}

// ClientConfig holds MQTT and registration settings
type ClientConfig struct {
	Broker    string
	ClientID  string
	Username  string
	Password  string
	QoS       byte
	KeepAlive int // seconds

	Identifier         string
	ApplicationService bool
}

// NewClient creates a client registered under a name derived from cfg.Identifier
func NewClient(cfg ClientConfig, lc logger.LoggingClient) *Client {
	name := RegisterName(cfg.Identifier, cfg.ApplicationService)
	if name == "" {
		// replies still need a topic of their own
		name = cfg.ClientID
	}
	return &Client{
		name:       name,
		topicReply: ReplyTopic(name),
		qos:        cfg.QoS,
		calls:      make(map[string]*call),
		lc:         lc,
	}
}

// Connect dials the broker and listens on the reply topic
func (c *Client) Connect(cfg ClientConfig) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(time.Duration(cfg.KeepAlive) * time.Second)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(pc pahomqtt.Client) {
		c.lc.Info("MQTT connected, re-subscribing topics", "name", c.name)
		if err := c.HandleConnect(pc); err != nil {
			c.lc.Error("Failed to re-subscribe:", err.Error())
		}
	})
	opts.SetConnectionLostHandler(func(pc pahomqtt.Client, err error) {
		c.lc.Warn("MQTT connection lost:", err.Error())
	})

	pc := pahomqtt.NewClient(opts)
	c.mu.Lock()
	c.client = pc
	c.mu.Unlock()

	token := pc.Connect()
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}
	c.lc.Info("MQTT connected to broker:", cfg.Broker)
	return nil
}

// Attach uses an already connected MQTT client. Whoever owns pc must call
// HandleConnect after each reconnect.
func (c *Client) Attach(pc pahomqtt.Client) error {
	c.mu.Lock()
	c.client = pc
	c.mu.Unlock()
	return c.HandleConnect(pc)
}

// OnConnect adds a hook run by every following HandleConnect
func (c *Client) OnConnect(hook ConnectHook) {
	c.hooksMu.Lock()
	c.hooks = append(c.hooks, hook)
	c.hooksMu.Unlock()
}

// HandleConnect subscribes the reply topic and runs the connect hooks. It
// is the client's on-connect handler.
func (c *Client) HandleConnect(pc pahomqtt.Client) error {
	if err := c.listen(pc); err != nil {
		return err
	}

	c.hooksMu.Lock()
	hooks := append([]ConnectHook(nil), c.hooks...)
	c.hooksMu.Unlock()

	var errs []error
	for _, hook := range hooks {
		if err := hook(pc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) listen(pc pahomqtt.Client) error {
	token := pc.Subscribe(c.topicReply, c.qos, c.onReply)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("MQTT subscribe failed: %w", token.Error())
	}
	c.lc.Debug("Subscribed to topic:", c.topicReply)
	return nil
}

func (c *Client) conn() pahomqtt.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// onReply routes one reply to the handler registered for its token
func (c *Client) onReply(_ pahomqtt.Client, msg pahomqtt.Message) {
	reply, err := ParseReply(msg.Payload())
	if err != nil {
		c.lc.Error("Failed to parse reply:", err.Error())
		return
	}

	c.callsMu.Lock()
	pending, ok := c.calls[reply.Token]
	if ok && pending.once {
		delete(c.calls, reply.Token)
	}
	c.callsMu.Unlock()

	if !ok {
		c.lc.Debug("Dropping reply for unknown token", "token", reply.Token, "uri", reply.URI)
		return
	}

	if pending.once {
		c.lc.Info("[RES] - "+pending.uri.String(), "payload", reply.Payload)
	} else {
		c.lc.Info("[SUB-RES] - "+pending.uri.String(), "payload", reply.Payload)
	}
	if pending.handler != nil {
		pending.handler(reply.Payload)
	}
}

func (c *Client) publish(topic string, data []byte) error {
	pc := c.conn()
	if pc == nil || !pc.IsConnected() {
		return ErrNotConnected
	}
	token := pc.Publish(topic, c.qos, false, data)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("MQTT publish failed: %w", token.Error())
	}
	return nil
}

func (c *Client) send(uri, params string, subscribe bool, handler ReplyHandler) (string, error) {
	u, err := ParseURI(uri)
	if err != nil {
		return "", err
	}
	if !c.IsConnected() {
		return "", ErrNotConnected
	}

	req := NewRequest(c.name, u, params, subscribe)
	data, err := req.ToJSON()
	if err != nil {
		return "", fmt.Errorf("failed to serialize request: %w", err)
	}

	// register first: the reply may race the publish acknowledgement
	c.callsMu.Lock()
	c.calls[req.Token] = &call{uri: u, handler: handler, once: !subscribe}
	c.callsMu.Unlock()

	if err := c.publish(CallTopic(u.Service), data); err != nil {
		c.forget(req.Token)
		return "", err
	}
	return req.Token, nil
}

func (c *Client) forget(token string) (*call, bool) {
	c.callsMu.Lock()
	defer c.callsMu.Unlock()
	pending, ok := c.calls[token]
	delete(c.calls, token)
	return pending, ok
}

// CallOneReply sends a request whose handler runs for the first reply only.
// If the request cannot be published the handler is run with an empty payload.
func (c *Client) CallOneReply(uri, params string, handler ReplyHandler) (string, error) {
	c.lc.Info("[REQ] - "+uri, "payload", params)
	token, err := c.send(uri, params, false, handler)
	if err != nil && handler != nil && !isPrecondition(err) {
		handler("")
	}
	return token, err
}

// isPrecondition reports errors raised before anything reached the bus
func isPrecondition(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrInvalidURI)
}

// Subscribe sends a subscription request; handler runs for every reply
// until Unsubscribe is called with the returned token.
func (c *Client) Subscribe(uri, params string, handler ReplyHandler) (string, error) {
	token, err := c.send(uri, params, true, handler)
	if err != nil {
		c.lc.Info("[SUB] "+uri+":["+params+"] fail", "err", err.Error())
		return "", err
	}
	c.lc.Info("[SUB] - "+uri, "payload", params, "token", token)
	return token, nil
}

// Unsubscribe drops the handler of token and tells the service to cancel it
func (c *Client) Unsubscribe(token string) error {
	pending, ok := c.forget(token)
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownToken, token)
	}

	data, err := NewCancel(c.name, pending.uri, token).ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize cancel: %w", err)
	}
	if err := c.publish(CallTopic(pending.uri.Service), data); err != nil {
		c.lc.Info("[UNSUB] "+token+" fail", "err", err.Error())
		return err
	}
	c.lc.Debug("[UNSUB] " + token)
	return nil
}

// Call sends a request and waits for its single reply
func (c *Client) Call(uri, params string, timeout time.Duration) (string, error) {
	ch := make(chan string, 1)
	token, err := c.send(uri, params, false, func(payload string) {
		ch <- payload
	})
	if err != nil {
		return "", err
	}

	select {
	case payload := <-ch:
		return payload, nil
	case <-time.After(timeout):
		c.forget(token)
		return "", fmt.Errorf("%w: %s after %v", ErrTimeout, uri, timeout)
	}
}

// pending returns the number of calls still waiting for replies
func (c *Client) pending() int {
	c.callsMu.RLock()
	defer c.callsMu.RUnlock()
	return len(c.calls)
}

// Disconnect cleanly disconnects the MQTT client
func (c *Client) Disconnect() {
	pc := c.conn()
	if pc != nil && pc.IsConnected() {
		pc.Disconnect(1000)
		c.lc.Info("MQTT disconnected")
	}
}

// Name returns the registered bus name
func (c *Client) Name() string {
	return c.name
}

// Conn returns the underlying MQTT client, nil before Connect or Attach
func (c *Client) Conn() pahomqtt.Client {
	return c.conn()
}

// IsConnected returns whether the MQTT client is connected
func (c *Client) IsConnected() bool {
	pc := c.conn()
	return pc != nil && pc.IsConnected()
}
