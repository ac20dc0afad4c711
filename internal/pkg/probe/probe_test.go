package probe

import (
	"errors"
	"sync"
	"testing"

	"luna-probe/internal/pkg/bridge"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const firstLine = "{\"subscribe\":true}\t-->\tluna://com.webos.service.mediaindexer/getDeviceList\n"

// MockBridge is a mock implementation of bridge.Bridge
type MockBridge struct {
	mock.Mock
	mu       sync.Mutex
	callback func(msg string)
}

func (m *MockBridge) Call(url string, payload string) error {
	return m.Called(url, payload).Error(0)
}

func (m *MockBridge) SetCallback(fn func(msg string)) {
	m.Called()
	m.mu.Lock()
	m.callback = fn
	m.mu.Unlock()
}

func (m *MockBridge) Cancel() error {
	return m.Called().Error(0)
}

// deliver plays the host side handing one message to the registered callback
func (m *MockBridge) deliver(msg string) {
	m.mu.Lock()
	fn := m.callback
	m.mu.Unlock()
	fn(msg)
}

func newMockBridge() *MockBridge {
	m := &MockBridge{}
	m.On("SetCallback").Return()
	m.On("Call", DeviceListURL, `{"subscribe":true}`).Return(nil)
	return m
}

func factoryOf(b bridge.Bridge) bridge.Factory {
	return func() (bridge.Bridge, error) { return b, nil }
}

// TestRun_FirstWrite tests the line written before dispatch
func TestRun_FirstWrite(t *testing.T) {
	m := newMockBridge()
	output := NewBuffer()

	var atCall string
	m.ExpectedCalls[1].Run(func(mock.Arguments) { atCall = output.Value() })

	b, err := Run(output, factoryOf(m))
	require.NoError(t, err)
	assert.Same(t, m, b)

	assert.Equal(t, firstLine, atCall, "output is written before the call is dispatched")
	assert.Equal(t, firstLine, output.Value())
	m.AssertExpectations(t)
	m.AssertNumberOfCalls(t, "Call", 1)
	m.AssertNotCalled(t, "Cancel")
}

// TestRun_Replies tests that every reply is appended in delivery order
func TestRun_Replies(t *testing.T) {
	tests := []struct {
		name     string
		messages []string
		expected string
	}{
		{
			name:     "empty list",
			messages: []string{"[]"},
			expected: firstLine + "[]\t<--\t" + DeviceListURL + "\n",
		},
		{
			name:     "two replies",
			messages: []string{`{"returnValue":true}`, `{"deviceList":[]}`},
			expected: firstLine +
				`{"returnValue":true}` + "\t<--\t" + DeviceListURL + "\n" +
				`{"deviceList":[]}` + "\t<--\t" + DeviceListURL + "\n",
		},
		{
			name:     "empty message",
			messages: []string{""},
			expected: firstLine + "\t<--\t" + DeviceListURL + "\n",
		},
		{
			name:     "multi-line message is not escaped",
			messages: []string{"a\nb"},
			expected: firstLine + "a\nb\t<--\t" + DeviceListURL + "\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockBridge()
			output := NewBuffer()
			_, err := Run(output, factoryOf(m))
			require.NoError(t, err)

			for _, msg := range tt.messages {
				m.deliver(msg)
			}
			assert.Equal(t, tt.expected, output.Value())
		})
	}
}

// TestRun_ConstructionFailure tests that the failure text is the whole output
func TestRun_ConstructionFailure(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"not supported", bridge.NotSupported(errors.New("no bus client")), "NotSupported"},
		{"custom reason", &bridge.ConstructionError{Reason: "SecurityError"}, "SecurityError"},
		{"plain error", errors.New("boom"), "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := NewBuffer()
			output.Set("stale")

			b, err := Run(output, func() (bridge.Bridge, error) { return nil, tt.err })
			assert.NoError(t, err)
			assert.Nil(t, b)
			assert.Equal(t, tt.expected, output.Value())
		})
	}
}

// TestRun_CallError tests that dispatch errors reach the caller
func TestRun_CallError(t *testing.T) {
	m := &MockBridge{}
	m.On("SetCallback").Return()
	m.On("Call", mock.Anything, mock.Anything).Return(errors.New("transport rejected"))

	output := NewBuffer()
	b, err := Run(output, factoryOf(m))
	assert.EqualError(t, err, "transport rejected")
	assert.Same(t, m, b)
	assert.Equal(t, firstLine, output.Value(), "the sent line stays")
}

// TestRun_Idempotent tests that fresh sinks get the same first write
func TestRun_Idempotent(t *testing.T) {
	for i := 0; i < 3; i++ {
		output := NewBuffer()
		_, err := Run(output, factoryOf(newMockBridge()))
		require.NoError(t, err)
		assert.Equal(t, firstLine, output.Value())
	}
}

// TestProbe_Custom tests a configured probe
func TestProbe_Custom(t *testing.T) {
	const url = "luna://com.example.service/list"
	m := &MockBridge{}
	m.On("SetCallback").Return()
	m.On("Call", url, `{"subscribe":false}`).Return(nil)

	output := NewBuffer()
	_, err := Probe{URL: url}.Run(output, factoryOf(m))
	require.NoError(t, err)
	assert.Equal(t, "{\"subscribe\":false}\t-->\t"+url+"\n", output.Value())

	m.deliver("ok")
	assert.Equal(t, "{\"subscribe\":false}\t-->\t"+url+"\n"+"ok\t<--\t"+url+"\n", output.Value())
	m.AssertExpectations(t)
}

// TestBuffer_ConcurrentAppend tests that appends from many goroutines are not lost
func TestBuffer_ConcurrentAppend(t *testing.T) {
	b := NewBuffer()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Append("x")
		}()
	}
	wg.Wait()
	assert.Len(t, b.Value(), 50)

	b.Set("reset")
	assert.Equal(t, "reset", b.Value())
}
