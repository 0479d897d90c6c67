// Package protocol defines the LVSP wire format spoken between the gateway
// and Litecord clients: a JSON {op, d} envelope over a long-lived websocket.
package protocol

import (
	"encoding/json"
	"fmt"
)

// OpCode identifies the message kind carried in the envelope.
type OpCode int

const (
	// OpHello is sent by the server when a connection is established.
	OpHello OpCode = 0
	// OpIdentify is sent by the client to authenticate itself.
	OpIdentify OpCode = 1
	// OpResume is reserved by the protocol; this gateway does not support it.
	OpResume OpCode = 2
	// OpReady is sent by the server after a successful IDENTIFY.
	OpReady OpCode = 3
	// OpHeartbeat is the client keepalive. The server must reply with
	// OpHeartbeatACK in a reasonable time period.
	OpHeartbeat OpCode = 4
	// OpHeartbeatACK is the server reply to OpHeartbeat.
	OpHeartbeatACK OpCode = 5
	// OpInfo carries application payloads relayed through the bus.
	OpInfo OpCode = 6
)

func (op OpCode) String() string {
	switch op {
	case OpHello:
		return "HELLO"
	case OpIdentify:
		return "IDENTIFY"
	case OpResume:
		return "RESUME"
	case OpReady:
		return "READY"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpHeartbeatACK:
		return "HEARTBEAT_ACK"
	case OpInfo:
		return "INFO"
	default:
		return "UNKNOWN"
	}
}

// Close codes sent to the peer so it can distinguish failure causes.
const (
	CloseGeneral          = 4000 // general error, reconnect
	CloseAuthFailed       = 4001 // credential mismatch
	CloseDecodeError      = 4002 // message failed to decode
	CloseAuthTimeout      = 4003 // handshake window elapsed
	CloseHeartbeatExpired = 4004 // client went silent past the grace window
	CloseBadState         = 4005 // frame received in the wrong session state
)

// Message is the socket envelope. The payload is defined by each opcode.
type Message struct {
	Op OpCode          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

// HelloData is sent with OpHello when a connection is established.
type HelloData struct {
	// HeartbeatInterval is the cadence, in milliseconds, the client must
	// heartbeat with.
	HeartbeatInterval int64 `json:"heartbeat_interval"`

	// Nonce is a random string used in the IDENTIFY token computation.
	Nonce string `json:"nonce"`
}

// IdentifyData is sent with OpIdentify.
type IdentifyData struct {
	// Token is the hex HMAC-SHA256 of the HELLO nonce under the shared secret.
	Token string `json:"token"`
}

// ReadyData is sent with OpReady once the session is authenticated.
type ReadyData struct {
	// Health of the server, where 0 is worst and 1 is best.
	Health float64 `json:"health"`
}

// HeartbeatAckData is sent with OpHeartbeatACK.
type HeartbeatAckData struct {
	Health float64 `json:"health"`
}

// InfoData is the envelope for relayed application frames. Target names the
// session the payload is routed to; Data is opaque to the gateway.
type InfoData struct {
	Type   int             `json:"type"`
	Target string          `json:"target,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Error is a protocol-level failure: a frame that cannot be decoded or that
// arrived in a state where it is not allowed. Fatal to the session.
type Error struct {
	Code   int
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("protocol error (%d): %s", e.Code, e.Reason)
}

// ErrDecode builds the Error for an undecodable frame.
func ErrDecode(reason string) *Error {
	return &Error{Code: CloseDecodeError, Reason: reason}
}

// ErrBadState builds the Error for a frame received out of state.
func ErrBadState(op OpCode, state string) *Error {
	return &Error{Code: CloseBadState, Reason: fmt.Sprintf("%s not allowed in state %s", op, state)}
}

// Decode parses a raw websocket frame into a Message.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, ErrDecode("invalid json")
	}
	if msg.Op < OpHello || msg.Op > OpInfo {
		return nil, ErrDecode(fmt.Sprintf("unknown opcode %d", msg.Op))
	}
	return &msg, nil
}

// Encode builds the wire bytes for an envelope with the given payload.
func Encode(op OpCode, d interface{}) ([]byte, error) {
	var (
		raw json.RawMessage
		err error
	)
	if d != nil {
		raw, err = json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", op, err)
		}
	}
	return json.Marshal(Message{Op: op, D: raw})
}

// DecodeInfo parses the payload of an OpInfo frame and validates its routing
// metadata.
func DecodeInfo(d json.RawMessage) (*InfoData, error) {
	if len(d) == 0 {
		return nil, ErrDecode("empty INFO payload")
	}
	var info InfoData
	if err := json.Unmarshal(d, &info); err != nil {
		return nil, ErrDecode("invalid INFO payload")
	}
	if info.Target == "" {
		return nil, ErrDecode("INFO payload missing target")
	}
	return &info, nil
}
