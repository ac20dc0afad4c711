package bridge

import (
	"errors"
	"sync"

	"luna-probe/internal/pkg/logger"
	"luna-probe/internal/pkg/luna"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BusClient is the part of luna.Client a ServiceBridge needs
type BusClient interface {
	IsConnected() bool
	CallOneReply(uri, params string, handler luna.ReplyHandler) (string, error)
	Subscribe(uri, params string, handler luna.ReplyHandler) (string, error)
	Unsubscribe(token string) error
}

var _ BusClient = (*luna.Client)(nil)

// ServiceBridge is a Bridge backed by the luna bus. A payload carrying
// "subscribe": true opens a subscription; anything else is a one-reply call.
// Each bridge has at most one outstanding subscription: a new Call cancels
// the previous one.
type ServiceBridge struct {
	client BusClient
	lc     logger.LoggingClient

	callMu sync.Mutex // serializes Call and Cancel
	token  string     // outstanding subscription

	cbMu     sync.RWMutex
	callback func(msg string)
}

var _ Bridge = (*ServiceBridge)(nil)

// NewServiceBridge creates a bridge on client. It fails with a
// ConstructionError when the client is missing or not connected.
func NewServiceBridge(client BusClient, lc logger.LoggingClient) (*ServiceBridge, error) {
	if client == nil {
		return nil, NotSupported(errors.New("no bus client"))
	}
	if !client.IsConnected() {
		return nil, NotSupported(luna.ErrNotConnected)
	}
	return &ServiceBridge{client: client, lc: lc}, nil
}

// NewFactory returns a Factory building ServiceBridges on client
func NewFactory(client BusClient, lc logger.LoggingClient) Factory {
	return func() (Bridge, error) {
		b, err := NewServiceBridge(client, lc)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

// SetCallback assigns the handler for inbound messages
func (b *ServiceBridge) SetCallback(fn func(msg string)) {
	b.cbMu.Lock()
	b.callback = fn
	b.cbMu.Unlock()
}

// dispatch hands msg to whatever callback is assigned when it arrives
func (b *ServiceBridge) dispatch(msg string) {
	b.cbMu.RLock()
	fn := b.callback
	b.cbMu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

// Call sends payload to url
func (b *ServiceBridge) Call(url string, payload string) error {
	b.callMu.Lock()
	defer b.callMu.Unlock()

	if err := b.cancelLocked(); err != nil {
		b.lc.Warn("Failed to cancel previous subscription:", err.Error())
	}

	if !wantsSubscription(payload) {
		_, err := b.client.CallOneReply(url, payload, b.dispatch)
		return err
	}

	token, err := b.client.Subscribe(url, payload, b.dispatch)
	if err != nil {
		return err
	}
	b.token = token
	return nil
}

// Cancel stops the outstanding subscription. It is a no-op without one.
func (b *ServiceBridge) Cancel() error {
	b.callMu.Lock()
	defer b.callMu.Unlock()
	return b.cancelLocked()
}

func (b *ServiceBridge) cancelLocked() error {
	if b.token == "" {
		return nil
	}
	token := b.token
	b.token = ""
	err := b.client.Unsubscribe(token)
	if errors.Is(err, luna.ErrUnknownToken) {
		return nil
	}
	return err
}

// outstanding returns the open subscription token, empty without one
func (b *ServiceBridge) outstanding() string {
	b.callMu.Lock()
	defer b.callMu.Unlock()
	return b.token
}

func wantsSubscription(payload string) bool {
	var params struct {
		Subscribe bool `json:"subscribe"`
	}
	if err := json.Unmarshal([]byte(payload), &params); err != nil {
		return false
	}
	return params.Subscribe
}
