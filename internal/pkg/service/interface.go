package service

import (
	"context"

	"luna-probe/internal/pkg/bridge"
	"luna-probe/internal/pkg/config"
	"luna-probe/internal/pkg/logger"
	"luna-probe/internal/pkg/luna"
	"luna-probe/internal/pkg/lunahost"
	"luna-probe/internal/pkg/mediaindexer"
	"luna-probe/internal/pkg/probe"
)

// AppServiceInterface defines the application service operations
type AppServiceInterface interface {
	// Initialize initializes the service with configuration
	Initialize(configPath string) error

	// Run loads the page and blocks until it is torn down
	Run() error

	// Stop stops the service
	Stop() error

	// GetLoggingClient returns the logging client
	GetLoggingClient() logger.LoggingClient

	// GetLunaClient returns the bus client
	GetLunaClient() *luna.Client

	// GetHost returns the emulated service host, nil unless enabled and running
	GetHost() *lunahost.Host

	// GetRegistry returns the emulated media indexer's devices
	GetRegistry() *mediaindexer.Registry

	// GetSink returns the page output
	GetSink() probe.Sink

	// GetBridge returns the bridge the probe acquired, nil before load or on failure
	GetBridge() bridge.Bridge

	// GetAppConfig returns the application configuration
	GetAppConfig() *config.AppConfig

	// GetContext returns the service context
	GetContext() context.Context
}
