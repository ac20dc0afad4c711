package lunahost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"luna-probe/internal/pkg/logger"
	"luna-probe/internal/pkg/luna"
	"luna-probe/internal/pkg/luna/lunatest"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testService = "com.example.service"

func uri(method string) string {
	return luna.Scheme + testService + "/" + method
}

// recorder collects replies delivered to a handler
type recorder struct {
	mu       sync.Mutex
	payloads []string
}

func (r *recorder) handle(payload string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

func setup(t *testing.T, cfg Config) (*Host, *luna.Client, *lunatest.Broker) {
	t.Helper()
	lc := logger.NewClient("DEBUG")
	broker := lunatest.NewBroker()

	if cfg.Service == "" {
		cfg.Service = testService
	}
	host := NewHost(cfg, broker.NewConnectedClient(), lc)

	client := luna.NewClient(luna.ClientConfig{ClientID: "test", QoS: 1, Identifier: "com.example.client"}, lc)
	require.NoError(t, client.Attach(broker.NewConnectedClient()))
	return host, client, broker
}

func start(t *testing.T, host *Host) {
	t.Helper()
	require.NoError(t, host.Start(context.Background()))
	t.Cleanup(host.Stop)
}

// TestPipeline_Execute tests step chaining
func TestPipeline_Execute(t *testing.T) {
	double := func(ctx context.Context, data interface{}) (interface{}, error) {
		return data.(int) * 2, nil
	}

	t.Run("chain", func(t *testing.T) {
		out, err := NewPipeline(double).AddStep(double).Execute(context.Background(), 3)
		require.NoError(t, err)
		assert.Equal(t, 12, out)
	})

	t.Run("error stops the pipeline", func(t *testing.T) {
		reached := false
		out, err := NewPipeline(
			func(ctx context.Context, data interface{}) (interface{}, error) {
				return nil, errors.New("business error")
			},
			func(ctx context.Context, data interface{}) (interface{}, error) {
				reached = true
				return data, nil
			},
		).Execute(context.Background(), 1)
		assert.EqualError(t, err, "business error")
		assert.Nil(t, out)
		assert.False(t, reached)
	})

	t.Run("nil output stops the pipeline", func(t *testing.T) {
		reached := false
		out, err := NewPipeline(
			func(ctx context.Context, data interface{}) (interface{}, error) { return nil, nil },
			func(ctx context.Context, data interface{}) (interface{}, error) {
				reached = true
				return data, nil
			},
		).Execute(context.Background(), 1)
		assert.NoError(t, err)
		assert.Nil(t, out)
		assert.False(t, reached)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewPipeline(double).Execute(ctx, 1)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// TestHost_AddFunctionsPipelineForMethod tests registration checks
func TestHost_AddFunctionsPipelineForMethod(t *testing.T) {
	host := NewHost(Config{Service: testService}, nil, logger.NewClient("DEBUG"))
	step := func(ctx context.Context, data interface{}) (interface{}, error) { return "ok", nil }

	assert.Error(t, host.AddFunctionsPipelineForMethod("", step))
	assert.Error(t, host.AddFunctionsPipelineForMethod("m"))
	require.NoError(t, host.AddFunctionsPipelineForMethod("m", step))
	assert.Error(t, host.AddFunctionsPipelineForMethod("m", step), "duplicate method")
}

// TestHost_StartNotConnected tests that a host needs a connection
func TestHost_StartNotConnected(t *testing.T) {
	broker := lunatest.NewBroker()
	host := NewHost(Config{Service: testService}, broker.NewClient(), logger.NewClient("DEBUG"))
	assert.ErrorIs(t, host.Start(context.Background()), luna.ErrNotConnected)

	host = NewHost(Config{Service: testService}, nil, logger.NewClient("DEBUG"))
	assert.ErrorIs(t, host.Start(context.Background()), luna.ErrNotConnected)
}

// TestHost_Reply tests the ways a pipeline can answer
func TestHost_Reply(t *testing.T) {
	host, client, _ := setup(t, Config{})

	require.NoError(t, host.AddFunctionsPipelineForMethod("echo",
		func(ctx context.Context, data interface{}) (interface{}, error) {
			return "echo:" + data.(*Call).Params(), nil
		}))
	require.NoError(t, host.AddFunctionsPipelineForMethod("bytes",
		func(ctx context.Context, data interface{}) (interface{}, error) {
			return []byte("raw"), nil
		}))
	require.NoError(t, host.AddFunctionsPipelineForMethod("struct",
		func(ctx context.Context, data interface{}) (interface{}, error) {
			return map[string]bool{"returnValue": true}, nil
		}))
	require.NoError(t, host.AddFunctionsPipelineForMethod("explicit",
		func(ctx context.Context, data interface{}) (interface{}, error) {
			call := data.(*Call)
			assert.NoError(t, call.Reply("explicit"))
			assert.ErrorIs(t, call.Reply("again"), ErrAlreadyReplied)
			return "ignored", nil
		}))
	require.NoError(t, host.AddFunctionsPipelineForMethod("fail",
		func(ctx context.Context, data interface{}) (interface{}, error) {
			return nil, errors.New("device busy")
		}))
	start(t, host)

	tests := []struct {
		method   string
		params   string
		expected string
	}{
		{"echo", "hi", "echo:hi"},
		{"bytes", "", "raw"},
		{"struct", "", `{"returnValue":true}`},
		{"explicit", "", "explicit"},
		{"fail", "", `{"returnValue":false,"errorCode":-1,"errorText":"device busy"}`},
		{"nope", "", `{"returnValue":false,"errorCode":-1,"errorText":"Unknown method \"nope\" for category \"/\""}`},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got, err := client.Call(uri(tt.method), tt.params, 2*time.Second)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

// TestHost_Timeout tests the per-request deadline
func TestHost_Timeout(t *testing.T) {
	host, client, _ := setup(t, Config{Timeout: 50 * time.Millisecond})
	require.NoError(t, host.AddFunctionsPipelineForMethod("slow",
		func(ctx context.Context, data interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	start(t, host)

	got, err := client.Call(uri("slow"), "", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, ErrorPayload(-1, context.DeadlineExceeded.Error()), got)
}

// TestHost_SubscribeNotify tests subscription replies, notifications and cancel
func TestHost_SubscribeNotify(t *testing.T) {
	host, client, _ := setup(t, Config{})
	require.NoError(t, host.AddFunctionsPipelineForMethod("watch",
		func(ctx context.Context, data interface{}) (interface{}, error) {
			call := data.(*Call)
			if call.WantsSubscription() {
				return nil, call.Subscribe("initial")
			}
			return "once", nil
		}))
	start(t, host)

	rec := &recorder{}
	token, err := client.Subscribe(uri("watch"), `{"subscribe":true}`, rec.handle)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return host.Subscribers("watch") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, host.Notify("watch", "update-1"))
	assert.Equal(t, 1, host.Notify("watch", "update-2"))
	assert.Equal(t, 0, host.Notify("other", "x"))
	assert.Equal(t, []string{"initial", "update-1", "update-2"}, rec.get())

	got, err := client.Call(uri("watch"), "", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "once", got)
	assert.Equal(t, 1, host.Subscribers("watch"), "one-reply calls do not subscribe")

	require.NoError(t, client.Unsubscribe(token))
	assert.Eventually(t, func() bool { return host.Subscribers("watch") == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, host.Notify("watch", "late"))
	assert.Len(t, rec.get(), 3)
}

// TestHost_QueueOverflow tests that a full queue drops requests
func TestHost_QueueOverflow(t *testing.T) {
	host, _, _ := setup(t, Config{QueueSize: 1})
	require.NoError(t, host.AddFunctionsPipelineForMethod("m",
		func(ctx context.Context, data interface{}) (interface{}, error) { return "ok", nil }))

	// workers not started: the queue only fills
	for i := 0; i < 3; i++ {
		data, err := luna.NewRequest("sender", luna.URI{Service: testService, Method: "m"}, "", false).ToJSON()
		require.NoError(t, err)
		host.onRequest(nil, lunatest.NewMessage(luna.CallTopic(testService), data))
	}
	assert.Len(t, host.tasks, 1)
}

// TestHost_InvalidRequest tests that malformed requests are dropped
func TestHost_InvalidRequest(t *testing.T) {
	host, _, broker := setup(t, Config{})
	start(t, host)

	assert.NotPanics(t, func() {
		broker.Deliver(luna.CallTopic(testService), []byte("not json"))
		broker.Deliver(luna.CallTopic(testService), []byte(`{"token":"t","kind":"bogus"}`))
	})
}

// TestHost_Concurrency tests many requests over the worker pool
func TestHost_Concurrency(t *testing.T) {
	host, client, _ := setup(t, Config{Workers: 8})
	var processed int64
	require.NoError(t, host.AddFunctionsPipelineForMethod("count",
		func(ctx context.Context, data interface{}) (interface{}, error) {
			atomic.AddInt64(&processed, 1)
			return data.(*Call).Params(), nil
		}))
	start(t, host)

	const total = 200
	var wg sync.WaitGroup
	errs := make(chan error, total)
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprint(i)
			got, err := client.Call(uri("count"), want, 5*time.Second)
			if err == nil && got != want {
				err = fmt.Errorf("got %q, want %q", got, want)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(total), atomic.LoadInt64(&processed))
}

// TestHost_Stop tests that stop is idempotent and ends serving
func TestHost_Stop(t *testing.T) {
	host, client, _ := setup(t, Config{})
	require.NoError(t, host.AddFunctionsPipelineForMethod("m",
		func(ctx context.Context, data interface{}) (interface{}, error) { return "ok", nil }))
	require.NoError(t, host.Start(context.Background()))
	assert.Error(t, host.Start(context.Background()), "second start")

	host.Stop()
	host.Stop()

	_, err := client.Call(uri("m"), "", 100*time.Millisecond)
	assert.ErrorIs(t, err, luna.ErrTimeout)
}

// TestHost_HandlerOnlyQueues tests that the message handler never publishes:
// unknown methods and cancels are answered by the workers
func TestHost_HandlerOnlyQueues(t *testing.T) {
	host, _, broker := setup(t, Config{QueueSize: 4})
	require.NoError(t, host.AddFunctionsPipelineForMethod("m",
		func(ctx context.Context, data interface{}) (interface{}, error) { return "ok", nil }))

	target := luna.URI{Service: testService, Method: "nope"}
	tests := []struct {
		name string
		req  *luna.Request
	}{
		{"unknown method", luna.NewRequest("sender", target, "", false)},
		{"cancel", luna.NewCancel("sender", luna.URI{Service: testService, Method: "m"}, "token-1")},
	}

	// workers not started: nothing may be answered yet
	for _, tt := range tests {
		data, err := tt.req.ToJSON()
		require.NoError(t, err, tt.name)
		host.onRequest(nil, lunatest.NewMessage(luna.CallTopic(testService), data))
	}
	assert.Len(t, host.tasks, len(tests))
	assert.Empty(t, broker.Published(luna.ReplyTopic("sender")))

	start(t, host)
	assert.Eventually(t, func() bool { return len(broker.Published(luna.ReplyTopic("sender"))) == 1 },
		2*time.Second, 10*time.Millisecond)

	reply, err := luna.ParseReply(broker.Published(luna.ReplyTopic("sender"))[0])
	require.NoError(t, err)
	assert.Equal(t, tests[0].req.Token, reply.Token)
	assert.Equal(t, UnknownMethodPayload("nope"), reply.Payload)
}

// TestHost_CancelWhileNotifying tests that a cancel does not block delivery
// while a notification holds the subscriber lock
func TestHost_CancelWhileNotifying(t *testing.T) {
	host, _, broker := setup(t, Config{})
	start(t, host)

	data, err := luna.NewCancel("sender", luna.URI{Service: testService, Method: "watch"}, "token-1").ToJSON()
	require.NoError(t, err)

	host.subMu.Lock()
	delivered := make(chan struct{})
	go func() {
		broker.Deliver(luna.CallTopic(testService), data)
		close(delivered)
	}()
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Error("cancel blocked the message handler")
	}
	host.subMu.Unlock()
}

// TestHost_CancelBeforeSubscribe tests that a cancel overtaking its
// subscribe request leaves no subscriber behind
func TestHost_CancelBeforeSubscribe(t *testing.T) {
	host, _, broker := setup(t, Config{})
	require.NoError(t, host.AddFunctionsPipelineForMethod("watch",
		func(ctx context.Context, data interface{}) (interface{}, error) {
			return nil, data.(*Call).Subscribe("initial")
		}))
	start(t, host)

	target := luna.URI{Service: testService, Method: "watch"}
	req := luna.NewRequest("sender", target, `{"subscribe":true}`, true)
	host.cancelSubscription(luna.NewCancel("sender", target, req.Token))

	data, err := req.ToJSON()
	require.NoError(t, err)
	broker.Deliver(luna.CallTopic(testService), data)

	assert.Eventually(t, func() bool { return len(broker.Published(luna.ReplyTopic("sender"))) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, host.Subscribers("watch"))
	assert.Equal(t, 0, host.Notify("watch", "late"))

	host.subMu.Lock()
	assert.NotContains(t, host.tombstones, req.Token)
	host.subMu.Unlock()
}

// TestHost_Reconnect tests that the call topic survives a reconnect of a
// connection shared with a bus client
func TestHost_Reconnect(t *testing.T) {
	tests := []struct {
		name      string
		reconnect bool
		answered  bool
	}{
		{"hook restores the call topic", true, true},
		{"without hook the call topic is lost", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lc := logger.NewClient("DEBUG")
			broker := lunatest.NewBroker()

			conn := broker.NewConnectedClient()
			shared := luna.NewClient(luna.ClientConfig{ClientID: "shared", QoS: 1, Identifier: testService}, lc)
			require.NoError(t, shared.Attach(conn))
			conn.SetOnConnectHandler(func(pc pahomqtt.Client) {
				assert.NoError(t, shared.HandleConnect(pc))
			})

			cfg := Config{Service: testService}
			if tt.reconnect {
				cfg.Reconnect = shared
			}
			host := NewHost(cfg, conn, lc)
			require.NoError(t, host.AddFunctionsPipelineForMethod("echo",
				func(ctx context.Context, data interface{}) (interface{}, error) {
					return "echo:" + data.(*Call).Params(), nil
				}))
			start(t, host)

			conn.Disconnect(0)
			conn.Connect()

			caller := luna.NewClient(luna.ClientConfig{ClientID: "caller", QoS: 1, Identifier: "com.example.client"}, lc)
			require.NoError(t, caller.Attach(broker.NewConnectedClient()))

			got, err := caller.Call(uri("echo"), "hi", 200*time.Millisecond)
			if tt.answered {
				require.NoError(t, err)
				assert.Equal(t, "echo:hi", got)
				return
			}
			assert.ErrorIs(t, err, luna.ErrTimeout)
		})
	}
}
