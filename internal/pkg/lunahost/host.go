// Package lunahost serves methods of one bus service: requests arriving on
// the service's call topic are routed by method to a pipeline and executed
// on a worker pool.
package lunahost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"luna-probe/internal/pkg/logger"
	"luna-probe/internal/pkg/luna"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultWorkers   = 2
	defaultTimeout   = 10 * time.Second
	defaultQueueSize = 2048

	// how long a cancel that overtook its subscribe request is remembered
	tombstoneTTL = time.Minute
)

// ErrorReply is the payload sent when a call fails
type ErrorReply struct {
	ReturnValue bool   `json:"returnValue"`
	ErrorCode   int    `json:"errorCode"`
	ErrorText   string `json:"errorText"`
}

// ErrorPayload renders a failed-call payload
func ErrorPayload(code int, text string) string {
	data, err := json.Marshal(ErrorReply{ReturnValue: false, ErrorCode: code, ErrorText: text})
	if err != nil {
		return `{"returnValue":false}`
	}
	return string(data)
}

// UnknownMethodPayload is the reply to a method nobody registered
func UnknownMethodPayload(method string) string {
	return ErrorPayload(-1, fmt.Sprintf("Unknown method %q for category \"/\"", method))
}

// Reconnector runs hooks after every reconnect of a connection the host
// shares, so the host can restore its call topic subscription
type Reconnector interface {
	OnConnect(hook luna.ConnectHook)
}

// Config configures a Host
type Config struct {
	Service   string
	Workers   int
	Timeout   time.Duration
	QueueSize int
	QoS       byte
	Reconnect Reconnector
}

// task is either a call for pipe or a cancel
type task struct {
	pipe   *Pipeline
	call   *Call
	cancel *luna.Request
}

// Host serves the methods of one service
type Host struct {
	service string
	client  pahomqtt.Client
	qos     byte

	routes  map[string]*Pipeline
	unknown *Pipeline
	mu      sync.RWMutex

	tasks   chan *task
	workers int
	timeout time.Duration
	wg      sync.WaitGroup

	// method -> token -> request
	subs map[string]map[string]*luna.Request
	// token -> time of a cancel that arrived before its subscription
	tombstones map[string]time.Time
	subMu      sync.Mutex

	reconnect Reconnector
	runMu     sync.Mutex
	started   bool
	stopped   bool

	lc logger.LoggingClient
}

// NewHost creates a host for cfg.Service publishing through client
func NewHost(cfg Config, client pahomqtt.Client, lc logger.LoggingClient) *Host {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	h := &Host{
		service:    cfg.Service,
		client:     client,
		qos:        cfg.QoS,
		routes:     make(map[string]*Pipeline),
		tasks:      make(chan *task, cfg.QueueSize),
		workers:    cfg.Workers,
		timeout:    cfg.Timeout,
		subs:       make(map[string]map[string]*luna.Request),
		tombstones: make(map[string]time.Time),
		reconnect:  cfg.Reconnect,
		lc:         lc,
	}
	h.unknown = NewPipeline(h.unknownMethod)
	return h
}

// Service returns the served service name
func (h *Host) Service() string {
	return h.service
}

// AddFunctionsPipelineForMethod binds method to a pipeline of steps
func (h *Host) AddFunctionsPipelineForMethod(method string, steps ...PipelineFunc) error {
	if method == "" {
		return errors.New("method name is required")
	}
	if len(steps) == 0 {
		return fmt.Errorf("no pipeline steps for method %s", method)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.routes[method]; exists {
		return fmt.Errorf("method %s is already registered", method)
	}
	h.routes[method] = NewPipeline(steps...)
	return nil
}

// Start subscribes to the call topic and starts the workers
func (h *Host) Start(ctx context.Context) error {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if h.started {
		return errors.New("host already started")
	}
	if h.client == nil || !h.client.IsConnected() {
		return luna.ErrNotConnected
	}

	for i := 0; i < h.workers; i++ {
		h.wg.Add(1)
		go h.worker(ctx, i)
	}
	h.started = true

	if err := h.listen(h.client); err != nil {
		return err
	}
	if h.reconnect != nil {
		h.reconnect.OnConnect(h.resubscribe)
	}
	h.lc.Info("Service host started", "service", h.service, "workers", h.workers)
	return nil
}

func (h *Host) listen(pc pahomqtt.Client) error {
	token := pc.Subscribe(luna.CallTopic(h.service), h.qos, h.onRequest)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("MQTT subscribe failed: %w", token.Error())
	}
	return nil
}

// resubscribe restores the call topic after a reconnect while running
func (h *Host) resubscribe(pc pahomqtt.Client) error {
	h.runMu.Lock()
	active := h.started && !h.stopped
	h.runMu.Unlock()
	if !active {
		return nil
	}
	h.lc.Info("Re-subscribing service host", "service", h.service)
	return h.listen(pc)
}

// Stop unsubscribes and waits for running requests
func (h *Host) Stop() {
	h.runMu.Lock()
	if !h.started || h.stopped {
		h.runMu.Unlock()
		return
	}
	h.stopped = true
	h.runMu.Unlock()

	// not under runMu: the MQTT router may be blocked in onRequest
	if h.client.IsConnected() {
		h.client.Unsubscribe(luna.CallTopic(h.service)).Wait()
	}

	h.runMu.Lock()
	close(h.tasks)
	h.runMu.Unlock()
	h.wg.Wait()
	h.lc.Info("Service host stopped", "service", h.service)
}

// onRequest runs on the MQTT router and only queues: publishing there
// would wait for acknowledgements the blocked router cannot deliver.
func (h *Host) onRequest(_ pahomqtt.Client, m pahomqtt.Message) {
	req, err := luna.ParseRequest(m.Payload())
	if err != nil {
		h.lc.Error("Failed to parse request:", err.Error())
		return
	}

	t := &task{cancel: req}
	if req.Kind != luna.KindCancel {
		h.mu.RLock()
		pipe, ok := h.routes[req.Method]
		h.mu.RUnlock()
		if !ok {
			pipe = h.unknown
		}
		t = &task{pipe: pipe, call: &Call{host: h, req: req}}
	}

	h.runMu.Lock()
	defer h.runMu.Unlock()
	if h.stopped {
		return
	}
	select {
	case h.tasks <- t:
	default:
		h.lc.Warn("Dropped request (queue full)", "kind", req.Kind, "method", req.Method, "sender", req.Sender)
	}
}

func (h *Host) unknownMethod(_ context.Context, data interface{}) (interface{}, error) {
	call := data.(*Call)
	h.lc.Warn("Unknown method", "service", h.service, "method", call.Method())
	return UnknownMethodPayload(call.Method()), nil
}

func (h *Host) worker(ctx context.Context, id int) {
	defer h.wg.Done()
	for t := range h.tasks {
		if t.cancel != nil {
			h.cancelSubscription(t.cancel)
			continue
		}
		h.processTask(ctx, t, id)
	}
}

func (h *Host) processTask(parentCtx context.Context, t *task, id int) {
	ctx, cancel := context.WithTimeout(parentCtx, h.timeout)
	defer cancel()

	out, err := t.pipe.Execute(ctx, t.call)
	if err != nil {
		h.lc.Errorf("[Worker %d] Error on %s: %v", id, t.call.Method(), err)
		if !t.call.Replied() {
			if rerr := t.call.Reply(ErrorPayload(-1, err.Error())); rerr != nil {
				h.lc.Error("Failed to send error reply:", rerr.Error())
			}
		}
		return
	}
	if out == nil || t.call.Replied() {
		return
	}

	var payload string
	switch v := out.(type) {
	case *Call:
		// pipeline passed the call through without answering
		return
	case string:
		payload = v
	case []byte:
		payload = string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			h.lc.Errorf("[Worker %d] Failed to serialize reply for %s: %v", id, t.call.Method(), err)
			_ = t.call.Reply(ErrorPayload(-1, err.Error()))
			return
		}
		payload = string(data)
	}
	if err := t.call.Reply(payload); err != nil {
		h.lc.Error("Failed to send reply:", err.Error())
	}
}

func (h *Host) publish(req *luna.Request, payload string) error {
	if h.client == nil || !h.client.IsConnected() {
		return luna.ErrNotConnected
	}
	data, err := luna.NewReply(req, payload).ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize reply: %w", err)
	}
	token := h.client.Publish(luna.ReplyTopic(req.Sender), h.qos, false, data)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("MQTT publish failed: %w", token.Error())
	}
	return nil
}

func (h *Host) reply(req *luna.Request, payload string) error {
	h.lc.Debug("Reply", "method", req.Method, "sender", req.Sender, "payload", payload)
	return h.publish(req, payload)
}

// subscribe replies and registers req under the same lock Notify takes
func (h *Host) subscribe(req *luna.Request, payload string) error {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if err := h.publish(req, payload); err != nil {
		return err
	}
	if _, cancelled := h.tombstones[req.Token]; cancelled {
		delete(h.tombstones, req.Token)
		h.lc.Debug("Subscription cancelled before it started", "method", req.Method, "token", req.Token)
		return nil
	}
	if h.subs[req.Method] == nil {
		h.subs[req.Method] = make(map[string]*luna.Request)
	}
	h.subs[req.Method][req.Token] = req
	h.lc.Debug("Subscriber added", "method", req.Method, "sender", req.Sender, "token", req.Token)
	return nil
}

// cancelSubscription removes a subscriber. Workers run tasks concurrently,
// so a cancel may overtake the call it cancels; that token is remembered
// and subscribe skips it.
func (h *Host) cancelSubscription(req *luna.Request) {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	now := time.Now()
	for token, at := range h.tombstones {
		if now.Sub(at) > tombstoneTTL {
			delete(h.tombstones, token)
		}
	}

	if _, ok := h.subs[req.Method][req.Token]; !ok {
		h.lc.Debug("Cancel for unknown subscription", "method", req.Method, "token", req.Token)
		h.tombstones[req.Token] = now
		return
	}
	delete(h.subs[req.Method], req.Token)
	h.lc.Debug("Subscriber removed", "method", req.Method, "sender", req.Sender, "token", req.Token)
}

// Notify sends payload to every subscriber of method and returns how many
// were reached. It waits for each publish, so it must not be called from an
// MQTT message handler.
func (h *Host) Notify(method, payload string) int {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	sent := 0
	for token, req := range h.subs[method] {
		if err := h.publish(req, payload); err != nil {
			h.lc.Warn("Failed to notify subscriber", "token", token, "error", err.Error())
			continue
		}
		sent++
	}
	return sent
}

// Subscribers returns the number of subscribers of method
func (h *Host) Subscribers(method string) int {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	return len(h.subs[method])
}
