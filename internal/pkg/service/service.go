package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"luna-probe/internal/pkg/bridge"
	"luna-probe/internal/pkg/config"
	"luna-probe/internal/pkg/console"
	"luna-probe/internal/pkg/logger"
	"luna-probe/internal/pkg/luna"
	"luna-probe/internal/pkg/lunahost"
	"luna-probe/internal/pkg/mediaindexer"
	"luna-probe/internal/pkg/probe"
)

// AppService wires the bus client, the optional emulated media indexer and
// the page running the device-list probe
type AppService struct {
	appName    string
	version    string
	configPath string

	lc       logger.LoggingClient
	client   *luna.Client
	host     *lunahost.Host
	registry *mediaindexer.Registry
	sink     probe.Sink
	page     *console.Page
	config   *config.AppConfig
	mode     string

	bridgeMu   sync.Mutex
	bridge     bridge.Bridge
	replyTimer *time.Timer

	out  io.Writer
	dial func() error

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewAppService creates a new application service
func NewAppService(name string, version string) (AppServiceInterface, error) {
	if name == "" {
		return nil, errors.New("please specify service name")
	}
	if version == "" {
		return nil, errors.New("please specify service version")
	}

	return &AppService{
		appName: name,
		version: version,
		out:     os.Stdout,
	}, nil
}

// Initialize loads configuration and builds the components
func (s *AppService) Initialize(configPath string) error {
	s.configPath = configPath

	s.lc = logger.NewClient("INFO")
	s.lc.Info("Initializing service:", s.appName, "version:", s.version)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		s.lc.Warn("Failed to load config file, using defaults:", err.Error())
		cfg = config.DefaultConfig()
	}
	s.config = cfg

	s.mode = config.ConsoleModePlain
	if cfg.Console.Mode != config.ConsoleModePlain && s.out == os.Stdout {
		s.mode = console.ResolveMode(cfg.Console.Mode, os.Stdout)
	}

	switch {
	case s.mode == config.ConsoleModeTUI:
		// the page owns the terminal
		s.lc.Info("Console is a terminal page, logging to:", cfg.Writable.LogFile)
		s.lc = logger.NewClientWithConfig(logger.LoggerConfig{
			LogLevel: cfg.Writable.LogLevel,
			FilePath: cfg.Writable.LogFile,
		})
	case cfg.Writable.LogFile != "":
		lc, err := logger.NewClientWithFile(cfg.Writable.LogLevel, cfg.Writable.LogFile)
		if err != nil {
			s.lc.Warn("Failed to open log file:", err.Error())
		} else {
			s.lc = lc
		}
	}
	if err := s.lc.SetLogLevel(cfg.Writable.LogLevel); err != nil {
		s.lc.Warn("Failed to set log level:", err.Error())
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.client = luna.NewClient(s.clientConfig(), s.lc)
	s.lc.Info("Bus client registered as:", s.client.Name())
	if s.dial == nil {
		s.dial = func() error {
			return s.client.Connect(s.clientConfig())
		}
	}

	s.registry = mediaindexer.NewRegistry()
	mediaindexer.Seed(s.registry, cfg.Host.Devices)

	if s.mode == config.ConsoleModeTUI {
		s.page = console.NewPage(cfg.Console.Title, nil)
		s.sink = s.page
	} else {
		s.sink = console.NewStream(s.out)
	}

	s.lc.Info("Service initialized successfully", "console", s.mode)
	return nil
}

func (s *AppService) clientConfig() luna.ClientConfig {
	return luna.ClientConfig{
		Broker:             s.config.Mqtt.Broker,
		ClientID:           s.config.Mqtt.ClientID,
		Username:           s.config.Mqtt.Username,
		Password:           s.config.Mqtt.Password,
		QoS:                byte(s.config.Mqtt.QoS),
		KeepAlive:          s.config.Mqtt.KeepAlive,
		Identifier:         s.config.Bridge.Identifier,
		ApplicationService: s.config.Bridge.ApplicationService,
	}
}

// Run connects to the bus, loads the page and waits for teardown
func (s *AppService) Run() error {
	if s.config == nil {
		return errors.New("service is not initialized")
	}
	s.lc.Info("Starting service:", s.appName)

	// without a bus the probe shows the bridge construction failure
	if err := s.dial(); err != nil {
		s.lc.Warn("Bus connect failed:", err.Error())
	}

	if s.config.Host.Enabled {
		if err := s.startHost(); err != nil {
			s.lc.Warn("Service host not started:", err.Error())
		}
	}

	if s.page == nil {
		s.load()
		s.lc.Info("Service started successfully")
		s.waitForShutdown()
		return s.Stop()
	}

	go func() {
		s.waitForShutdown()
		s.page.Stop()
	}()
	err := s.page.Run(s.load)
	stopErr := s.Stop()
	if err != nil {
		return fmt.Errorf("console page failed: %w", err)
	}
	return stopErr
}

// startHost serves the emulated media indexer on the client's connection
func (s *AppService) startHost() error {
	if !s.client.IsConnected() {
		return luna.ErrNotConnected
	}
	host := lunahost.NewHost(lunahost.Config{
		Service:   mediaindexer.ServiceName,
		Workers:   s.config.Host.Workers,
		Timeout:   s.config.Host.GetTimeout(),
		QoS:       byte(s.config.Mqtt.QoS),
		Reconnect: s.client,
	}, s.client.Conn(), s.lc)

	if err := mediaindexer.NewService(host, s.registry, s.lc).Register(); err != nil {
		return err
	}
	if err := host.Start(s.ctx); err != nil {
		host.Stop()
		return err
	}
	s.host = host

	readyURI := luna.Scheme + mediaindexer.ServiceName + "/" + mediaindexer.MethodGetDeviceList
	if _, err := s.client.Call(readyURI, "{}", s.config.Bridge.GetCallTimeout()); err != nil {
		s.lc.Warn("Emulated media indexer not answering", "error", err.Error())
		return nil
	}
	s.lc.Info("Emulated media indexer ready", "service", mediaindexer.ServiceName)
	return nil
}

// load is the page-load step: it runs the probe once
func (s *AppService) load() {
	p := probe.Probe{URL: s.config.Probe.URL, Subscribe: s.config.Probe.IsSubscribe()}
	b, err := p.Run(s.sink, bridge.NewFactory(s.client, s.lc))

	s.bridgeMu.Lock()
	s.bridge = b
	s.bridgeMu.Unlock()

	if err != nil {
		s.lc.Error("Probe call failed:", err.Error())
		return
	}
	if b == nil {
		s.lc.Warn("Service bridge unavailable:", s.sink.Value())
		return
	}
	s.watchReply(p.URL, s.sink.Value(), s.config.Bridge.GetCallTimeout())
}

// watchReply warns when nothing was appended to the output within timeout
func (s *AppService) watchReply(url string, sent string, timeout time.Duration) {
	timer := time.AfterFunc(timeout, func() {
		if s.sink.Value() == sent {
			s.lc.Warn("No reply yet", "url", url, "after", timeout.String())
		}
	})
	s.bridgeMu.Lock()
	s.replyTimer = timer
	s.bridgeMu.Unlock()
}

// waitForShutdown blocks until a signal arrives or the service is stopped
func (s *AppService) waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		s.lc.Info("Received signal:", sig.String())
	case <-s.ctx.Done():
	}
}

// Stop cancels the probe's subscription and releases the bus
func (s *AppService) Stop() error {
	if s.lc == nil {
		return nil
	}
	var err error
	s.stopOnce.Do(func() {
		s.lc.Info("Stopping service:", s.appName)

		if s.cancel != nil {
			s.cancel()
		}

		s.bridgeMu.Lock()
		b := s.bridge
		if s.replyTimer != nil {
			s.replyTimer.Stop()
		}
		s.bridgeMu.Unlock()
		if b != nil {
			if cerr := b.Cancel(); cerr != nil {
				s.lc.Warn("Failed to cancel subscription:", cerr.Error())
				err = cerr
			}
		}

		if s.host != nil {
			s.host.Stop()
		}

		if s.client != nil {
			s.client.Disconnect()
		}

		s.lc.Info("Service stopped successfully")
	})
	return err
}

// Getter methods

func (s *AppService) GetLoggingClient() logger.LoggingClient {
	return s.lc
}

func (s *AppService) GetLunaClient() *luna.Client {
	return s.client
}

func (s *AppService) GetHost() *lunahost.Host {
	return s.host
}

func (s *AppService) GetRegistry() *mediaindexer.Registry {
	return s.registry
}

func (s *AppService) GetSink() probe.Sink {
	return s.sink
}

func (s *AppService) GetBridge() bridge.Bridge {
	s.bridgeMu.Lock()
	defer s.bridgeMu.Unlock()
	return s.bridge
}

func (s *AppService) GetAppConfig() *config.AppConfig {
	return s.config
}

func (s *AppService) GetContext() context.Context {
	return s.ctx
}
