package luna

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Scheme prefixes every service URI on the bus.
const Scheme = "luna://"

// Request kinds
const (
	KindCall   = "call"
	KindCancel = "cancel"
)

var (
	ErrInvalidURI   = errors.New("invalid luna uri")
	ErrNotConnected = errors.New("luna client is not connected")
	ErrTimeout      = errors.New("luna call timed out")
	ErrUnknownToken = errors.New("unknown luna call token")
)

// URI names a method on a bus service: luna://<service>/<method>.
// Method may contain further slashes (category/method).
type URI struct {
	Service string
	Method  string
}

// ParseURI splits a luna:// URI into service and method.
func ParseURI(s string) (URI, error) {
	rest, ok := strings.CutPrefix(s, Scheme)
	if !ok {
		return URI{}, fmt.Errorf("%w %q: missing %s scheme", ErrInvalidURI, s, Scheme)
	}
	service, method, ok := strings.Cut(rest, "/")
	if !ok || service == "" || method == "" {
		return URI{}, fmt.Errorf("%w %q: want %s<service>/<method>", ErrInvalidURI, s, Scheme)
	}
	return URI{Service: service, Method: method}, nil
}

func (u URI) String() string {
	return Scheme + u.Service + "/" + u.Method
}

// CallTopic is where requests for service are published.
func CallTopic(service string) string {
	return fmt.Sprintf("/v1/luna/%s/call", service)
}

// ReplyTopic is where replies for sender are published.
func ReplyTopic(sender string) string {
	return fmt.Sprintf("/v1/luna/%s/reply", sender)
}

// RegisterName builds the bus name a client registers under. Application
// services get "<appid>-<pid>"; plain services get the identifier with a
// random 5-digit suffix, separated by a dot unless the identifier already
// ends with '.' or '-'. An empty identifier stays empty.
func RegisterName(identifier string, applicationService bool) string {
	return registerName(identifier, applicationService, os.Getpid(), func() int {
		return 10000 + rand.Intn(90000)
	})
}

func registerName(identifier string, applicationService bool, pid int, suffix func() int) string {
	if applicationService {
		return identifier + "-" + strconv.Itoa(pid)
	}
	if identifier == "" {
		return ""
	}
	name := identifier
	if !strings.HasSuffix(name, ".") && !strings.HasSuffix(name, "-") {
		name += "."
	}
	return name + strconv.Itoa(suffix())
}

// Request is a call or a cancel travelling from a client to a service.
type Request struct {
	Token     string `json:"token"`
	Sender    string `json:"sender"`
	URI       string `json:"uri"`
	Method    string `json:"method"`
	Payload   string `json:"payload,omitempty"`
	Subscribe bool   `json:"subscribe,omitempty"`
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
}

// Reply is one message from a service back to the caller of Token.
type Reply struct {
	Token     string `json:"token"`
	URI       string `json:"uri"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// NewRequest creates a call request with a fresh token
func NewRequest(sender string, uri URI, payload string, subscribe bool) *Request {
	return &Request{
		Token:     uuid.New().String(),
		Sender:    sender,
		URI:       uri.String(),
		Method:    uri.Method,
		Payload:   payload,
		Subscribe: subscribe,
		Kind:      KindCall,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewCancel creates a cancel request for an earlier call token
func NewCancel(sender string, uri URI, token string) *Request {
	return &Request{
		Token:     token,
		Sender:    sender,
		URI:       uri.String(),
		Method:    uri.Method,
		Kind:      KindCancel,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewReply answers req with payload
func NewReply(req *Request, payload string) *Reply {
	return &Reply{
		Token:     req.Token,
		URI:       req.URI,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ToJSON serializes the request to JSON bytes
func (r *Request) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// ToJSON serializes the reply to JSON bytes
func (r *Reply) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// ParseRequest parses and checks a request read from the bus
func ParseRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse request: %w", err)
	}
	if req.Token == "" {
		return nil, errors.New("failed to parse request: empty token")
	}
	switch req.Kind {
	case KindCall, KindCancel:
	default:
		return nil, fmt.Errorf("failed to parse request: unknown kind %q", req.Kind)
	}
	return &req, nil
}

// ParseReply parses a reply read from the bus
func ParseReply(data []byte) (*Reply, error) {
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("failed to parse reply: %w", err)
	}
	if reply.Token == "" {
		return nil, errors.New("failed to parse reply: empty token")
	}
	return &reply, nil
}
