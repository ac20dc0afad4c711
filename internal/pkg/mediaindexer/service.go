// Package mediaindexer emulates the media indexer's device list method on a
// service host.
package mediaindexer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"luna-probe/internal/pkg/config"
	"luna-probe/internal/pkg/logger"
	"luna-probe/internal/pkg/lunahost"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	ServiceName         = "com.webos.service.mediaindexer"
	MethodGetDeviceList = "getDeviceList"
)

var ErrInvalidParams = errors.New("invalid params")

// DeviceListReply is the getDeviceList response
type DeviceListReply struct {
	ReturnValue bool     `json:"returnValue"`
	Subscribed  bool     `json:"subscribed"`
	DeviceList  []Device `json:"deviceList"`
}

type deviceListParams struct {
	Subscribe bool `json:"subscribe"`
}

// Service answers getDeviceList from a Registry and pushes the list to
// subscribers whenever the registry changes
type Service struct {
	host     *lunahost.Host
	registry *Registry
	lc       logger.LoggingClient
}

// NewService creates the service; Register binds it to the host
func NewService(host *lunahost.Host, registry *Registry, lc logger.LoggingClient) *Service {
	return &Service{host: host, registry: registry, lc: lc}
}

// Registry returns the device registry
func (s *Service) Registry() *Registry {
	return s.registry
}

// Register adds getDeviceList to the host and starts change notifications
func (s *Service) Register() error {
	if err := s.host.AddFunctionsPipelineForMethod(MethodGetDeviceList,
		s.parseParams,
		s.answer,
	); err != nil {
		return fmt.Errorf("failed to register %s: %w", MethodGetDeviceList, err)
	}
	s.registry.OnChange(s.notify)
	return nil
}

type deviceListCall struct {
	call      *lunahost.Call
	subscribe bool
}

func (s *Service) parseParams(_ context.Context, data interface{}) (interface{}, error) {
	call, ok := data.(*lunahost.Call)
	if !ok {
		return nil, fmt.Errorf("unexpected input %T", data)
	}

	raw := strings.TrimSpace(call.Params())
	if raw == "" {
		raw = "{}"
	}
	if !strings.HasPrefix(raw, "{") {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidParams)
	}
	var params deviceListParams
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	// a subscription needs a caller that keeps listening
	return &deviceListCall{call: call, subscribe: params.Subscribe && call.WantsSubscription()}, nil
}

func (s *Service) answer(_ context.Context, data interface{}) (interface{}, error) {
	dc := data.(*deviceListCall)
	payload, err := s.listPayload(dc.subscribe)
	if err != nil {
		return nil, err
	}
	if dc.subscribe {
		return nil, dc.call.Subscribe(payload)
	}
	return payload, nil
}

func (s *Service) listPayload(subscribed bool) (string, error) {
	data, err := json.Marshal(DeviceListReply{
		ReturnValue: true,
		Subscribed:  subscribed,
		DeviceList:  s.registry.List(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize device list: %w", err)
	}
	return string(data), nil
}

func (s *Service) notify() {
	payload, err := s.listPayload(true)
	if err != nil {
		s.lc.Error("Failed to build device list notification:", err.Error())
		return
	}
	n := s.host.Notify(MethodGetDeviceList, payload)
	s.lc.Debug("Device list changed", "subscribers", n, "devices", s.registry.Size())
}

// Seed fills registry from configured devices
func Seed(registry *Registry, devices []config.DeviceConfig) {
	for _, d := range devices {
		registry.Put(Device{
			URI:         d.URI,
			Name:        d.Name,
			Description: d.Description,
			Available:   d.Available,
			AudioCount:  d.AudioCount,
			VideoCount:  d.VideoCount,
			ImageCount:  d.ImageCount,
		})
	}
}
