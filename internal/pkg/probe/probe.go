// Package probe sends one device-list subscription through a service bridge
// and renders the raw request and replies into a Sink.
package probe

import (
	"fmt"

	"luna-probe/internal/pkg/bridge"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DeviceListURL is the media indexer's device list method
	DeviceListURL = "luna://com.webos.service.mediaindexer/getDeviceList"

	sentArrow     = "\t-->\t"
	receivedArrow = "\t<--\t"
)

// Probe describes the request to send
type Probe struct {
	URL       string
	Subscribe bool
}

// DeviceList is the probe of the media indexer device list
func DeviceList() Probe {
	return Probe{URL: DeviceListURL, Subscribe: true}
}

type request struct {
	Subscribe bool `json:"subscribe"`
}

// Payload returns the compact JSON request body
func (p Probe) Payload() (string, error) {
	data, err := json.Marshal(request{Subscribe: p.Subscribe})
	if err != nil {
		return "", fmt.Errorf("failed to serialize payload: %w", err)
	}
	return string(data), nil
}

// SentLine renders the line written before dispatch
func SentLine(payload, url string) string {
	return payload + sentArrow + url + "\n"
}

// ReceivedLine renders the line appended for each reply
func ReceivedLine(msg, url string) string {
	return msg + receivedArrow + url + "\n"
}

// Run acquires a bridge and sends the probe request through it.
//
// When the bridge cannot be constructed the failure text becomes the whole
// output and nothing is sent; the returned bridge and error are both nil.
// Otherwise the callback is registered, output is overwritten with the sent
// line and the call is dispatched. Replies are appended as they arrive. The
// bridge is returned so the caller can cancel it on teardown; dispatch
// errors are returned unhandled.
func (p Probe) Run(output Sink, newBridge bridge.Factory) (bridge.Bridge, error) {
	b, err := newBridge()
	if err != nil {
		output.Set(err.Error())
		return nil, nil
	}

	payload, err := p.Payload()
	if err != nil {
		return b, err
	}

	url := p.URL
	b.SetCallback(func(msg string) {
		output.Append(ReceivedLine(msg, url))
	})
	output.Set(SentLine(payload, url))

	if err := b.Call(url, payload); err != nil {
		return b, err
	}
	return b, nil
}

// Run runs the device-list probe
func Run(output Sink, newBridge bridge.Factory) (bridge.Bridge, error) {
	return DeviceList().Run(output, newBridge)
}
