package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// EngineType is the engine.io v4 packet type, the first byte of every frame.
type EngineType byte

const (
	EngineOpen    EngineType = '0'
	EngineClose   EngineType = '1'
	EnginePing    EngineType = '2'
	EnginePong    EngineType = '3'
	EngineMessage EngineType = '4'
	EngineUpgrade EngineType = '5'
	EngineNoop    EngineType = '6'
)

// String returns the string representation of EngineType
func (t EngineType) String() string {
	switch t {
	case EngineOpen:
		return "OPEN"
	case EngineClose:
		return "CLOSE"
	case EnginePing:
		return "PING"
	case EnginePong:
		return "PONG"
	case EngineMessage:
		return "MESSAGE"
	case EngineUpgrade:
		return "UPGRADE"
	case EngineNoop:
		return "NOOP"
	default:
		return "UNKNOWN"
	}
}

// SocketType is the socket.io v5 packet type carried inside an engine.io
// MESSAGE packet.
type SocketType byte

const (
	SocketConnect      SocketType = '0'
	SocketDisconnect   SocketType = '1'
	SocketEvent        SocketType = '2'
	SocketAck          SocketType = '3'
	SocketConnectError SocketType = '4'
	SocketBinaryEvent  SocketType = '5'
	SocketBinaryAck    SocketType = '6'
)

// String returns the string representation of SocketType
func (t SocketType) String() string {
	switch t {
	case SocketConnect:
		return "CONNECT"
	case SocketDisconnect:
		return "DISCONNECT"
	case SocketEvent:
		return "EVENT"
	case SocketAck:
		return "ACK"
	case SocketConnectError:
		return "CONNECT_ERROR"
	case SocketBinaryEvent:
		return "BINARY_EVENT"
	case SocketBinaryAck:
		return "BINARY_ACK"
	default:
		return "UNKNOWN"
	}
}

// Path is the endpoint path of the websocket transport.
const Path = "/socket.io/"

// EndpointURL turns a server base URL into the websocket endpoint of the
// socket.io server. http and https map to ws and wss.
func EndpointURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server url %q: unsupported scheme", base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server url %q: missing host", base)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + Path
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RootNamespace is the only namespace this client talks to.
const RootNamespace = "/"

// ErrMalformedPacket is returned when a frame cannot be decoded.
var ErrMalformedPacket = errors.New("malformed packet")

// Packet is one decoded frame.
type Packet struct {
	Engine EngineType

	// Socket, Namespace, Event and AckID are set for engine.io MESSAGE frames.
	Socket    SocketType
	Namespace string
	Event     string
	AckID     int

	// Data is the JSON body: the open handshake, the connect ack, the
	// connect error, or the first argument of an event.
	Data json.RawMessage
}

// OpenInfo is the engine.io handshake sent by the server on OPEN.
type OpenInfo struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// HeartbeatDeadline is how long a client may wait for the next ping before
// treating the connection as dead.
func (o OpenInfo) HeartbeatDeadline() time.Duration {
	return time.Duration(o.PingInterval+o.PingTimeout) * time.Millisecond
}

// ConnectAck is the body of a socket.io CONNECT packet sent by the server.
type ConnectAck struct {
	SID string `json:"sid"`
}

// ConnectError is the body of a socket.io CONNECT_ERROR packet.
type ConnectError struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ConnectError) Error() string {
	return "connect error: " + e.Message
}

// EncodeEvent encodes an EVENT packet for the root namespace.
func EncodeEvent(event string, payload any) ([]byte, error) {
	args := []any{event}
	if payload != nil {
		args = append(args, payload)
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %q: %w", event, err)
	}
	return append([]byte{byte(EngineMessage), byte(SocketEvent)}, body...), nil
}

// EncodeConnect encodes the CONNECT request for the root namespace.
func EncodeConnect() []byte {
	return []byte{byte(EngineMessage), byte(SocketConnect)}
}

// EncodeDisconnect encodes the DISCONNECT notice for the root namespace.
func EncodeDisconnect() []byte {
	return []byte{byte(EngineMessage), byte(SocketDisconnect)}
}

// EncodePing encodes an engine.io PING.
func EncodePing() []byte {
	return []byte{byte(EnginePing)}
}

// EncodePong encodes an engine.io PONG.
func EncodePong() []byte {
	return []byte{byte(EnginePong)}
}

// EncodeOpen encodes the engine.io OPEN handshake.
func EncodeOpen(info OpenInfo) ([]byte, error) {
	body, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode open packet: %w", err)
	}
	return append([]byte{byte(EngineOpen)}, body...), nil
}

// EncodeConnectAck encodes the server's CONNECT acknowledgement.
func EncodeConnectAck(sid string) ([]byte, error) {
	body, err := json.Marshal(ConnectAck{SID: sid})
	if err != nil {
		return nil, fmt.Errorf("failed to encode connect ack: %w", err)
	}
	return append([]byte{byte(EngineMessage), byte(SocketConnect)}, body...), nil
}

// EncodeConnectError encodes a CONNECT_ERROR packet.
func EncodeConnectError(message string) ([]byte, error) {
	body, err := json.Marshal(ConnectError{Message: message})
	if err != nil {
		return nil, fmt.Errorf("failed to encode connect error: %w", err)
	}
	return append([]byte{byte(EngineMessage), byte(SocketConnectError)}, body...), nil
}

// Decode decodes a single text frame.
func Decode(data []byte) (Packet, error) {
	if len(data) == 0 {
		return Packet{}, fmt.Errorf("%w: empty frame", ErrMalformedPacket)
	}

	p := Packet{Engine: EngineType(data[0])}
	rest := data[1:]

	switch p.Engine {
	case EngineOpen:
		p.Data = json.RawMessage(rest)
		return p, nil
	case EngineClose, EnginePing, EnginePong, EngineUpgrade, EngineNoop:
		return p, nil
	case EngineMessage:
		return decodeSocket(p, rest)
	default:
		return Packet{}, fmt.Errorf("%w: unknown engine type %q", ErrMalformedPacket, data[0])
	}
}

func decodeSocket(p Packet, data []byte) (Packet, error) {
	if len(data) == 0 {
		return Packet{}, fmt.Errorf("%w: missing socket type", ErrMalformedPacket)
	}
	p.Socket = SocketType(data[0])
	p.Namespace = RootNamespace
	p.AckID = -1
	rest := data[1:]

	if p.Socket == SocketBinaryEvent || p.Socket == SocketBinaryAck {
		return Packet{}, fmt.Errorf("%w: binary packets are not supported", ErrMalformedPacket)
	}
	if p.Socket < SocketConnect || p.Socket > SocketBinaryAck {
		return Packet{}, fmt.Errorf("%w: unknown socket type %q", ErrMalformedPacket, data[0])
	}

	if len(rest) > 0 && rest[0] == '/' {
		end := bytes.IndexByte(rest, ',')
		if end < 0 {
			p.Namespace = string(rest)
			rest = nil
		} else {
			p.Namespace = string(rest[:end])
			rest = rest[end+1:]
		}
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(string(rest[:digits]))
		if err != nil {
			return Packet{}, fmt.Errorf("%w: ack id: %v", ErrMalformedPacket, err)
		}
		p.AckID = id
		rest = rest[digits:]
	}

	if p.Socket != SocketEvent {
		if len(rest) > 0 {
			p.Data = json.RawMessage(rest)
		}
		return p, nil
	}

	var args []json.RawMessage
	if err := json.Unmarshal(rest, &args); err != nil {
		return Packet{}, fmt.Errorf("%w: event body: %v", ErrMalformedPacket, err)
	}
	if len(args) == 0 {
		return Packet{}, fmt.Errorf("%w: event without name", ErrMalformedPacket)
	}
	if err := json.Unmarshal(args[0], &p.Event); err != nil {
		return Packet{}, fmt.Errorf("%w: event name: %v", ErrMalformedPacket, err)
	}
	if len(args) > 1 {
		p.Data = args[1]
	}
	return p, nil
}
