package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame type discriminants. Client frames and server frames share one
// namespace because they travel over one socket.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePublish     = "publish"
	TypePing        = "ping"

	TypeHello               = "hello"
	TypeMessage             = "message"
	TypeSubscriptionSuccess = "subscriptionSuccess"
	TypeSubscriptionError   = "subscriptionError"
	TypeUnsubscriptionOK    = "unsubscriptionSuccess"
	TypeUnsubscriptionError = "unsubscriptionError"
	TypePublishError        = "publishError"
	TypePong                = "pong"
	TypeIdentify            = "identify"
)

// --- Client -> server frames ---

type SubscribeFrame struct {
	Channel string `json:"channel"`
	// Token optionally scopes this one subscription (private channels).
	Token string `json:"token,omitempty"`
}

type UnsubscribeFrame struct {
	Channel string `json:"channel"`
}

type PublishFrame struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
	// IncludePublisher delivers the message back to the publishing
	// connection too. Off by default.
	IncludePublisher bool `json:"includePublisher,omitempty"`
}

type PingFrame struct{}

// IdentifyFrame carries credentials for connections that did not authenticate
// via query parameters. Exactly one of Key or Token must be set.
type IdentifyFrame struct {
	Key   string `json:"key,omitempty"`
	Token string `json:"token,omitempty"`
}

// ClientFrame is implemented by every client -> server frame type.
type ClientFrame interface{ clientFrame() }

func (SubscribeFrame) clientFrame()   {}
func (UnsubscribeFrame) clientFrame() {}
func (PublishFrame) clientFrame()     {}
func (PingFrame) clientFrame()        {}
func (IdentifyFrame) clientFrame()    {}

// rawFrame is the envelope every inbound frame decodes through. The
// discriminant is pulled out first, then the remaining fields are decoded
// into the concrete frame for that tag.
type rawFrame struct {
	Type string `json:"type"`

	Channel          string          `json:"channel"`
	Data             json.RawMessage `json:"data"`
	IncludePublisher bool            `json:"includePublisher"`
	Key              string          `json:"key"`
	Token            string          `json:"token"`
}

// DecodeClientFrame parses one inbound frame. Malformed JSON, a missing or
// unknown type, or a schema violation for the tag all return an error; the
// session treats every decode error as connection-fatal since there is no
// way to resynchronize a JSON stream.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	switch raw.Type {
	case TypeSubscribe:
		if raw.Channel == "" {
			return nil, fmt.Errorf("subscribe frame is missing 'channel'")
		}
		return SubscribeFrame{Channel: raw.Channel, Token: raw.Token}, nil

	case TypeUnsubscribe:
		if raw.Channel == "" {
			return nil, fmt.Errorf("unsubscribe frame is missing 'channel'")
		}
		return UnsubscribeFrame{Channel: raw.Channel}, nil

	case TypePublish:
		if raw.Channel == "" {
			return nil, fmt.Errorf("publish frame is missing 'channel'")
		}
		var payload any
		if len(raw.Data) > 0 {
			if err := json.Unmarshal(raw.Data, &payload); err != nil {
				return nil, fmt.Errorf("invalid publish data: %w", err)
			}
		}
		return PublishFrame{Channel: raw.Channel, Data: payload, IncludePublisher: raw.IncludePublisher}, nil

	case TypePing:
		return PingFrame{}, nil

	case TypeIdentify:
		return IdentifyFrame{Key: raw.Key, Token: raw.Token}, nil

	case "":
		return nil, fmt.Errorf("frame is missing 'type'")

	default:
		return nil, fmt.Errorf("unknown frame type %q", raw.Type)
	}
}

// --- Server -> client frames ---

// Hello greets a client whose handshake succeeded.
func Hello(sessionID string) []byte {
	return encode(map[string]any{"type": TypeHello, "sessionId": sessionID})
}

// Message carries a delivered broadcast. channel is the raw name; clients
// never see app qualification.
func Message(channel string, data any) []byte {
	return encode(map[string]any{"type": TypeMessage, "channel": channel, "data": data})
}

func SubscriptionSuccess(channel string) []byte {
	return encode(map[string]any{"type": TypeSubscriptionSuccess, "channel": channel})
}

func SubscriptionError(channel, message string) []byte {
	return encode(map[string]any{"type": TypeSubscriptionError, "channel": channel, "message": message})
}

func UnsubscriptionSuccess(channel string) []byte {
	return encode(map[string]any{"type": TypeUnsubscriptionOK, "channel": channel})
}

func UnsubscriptionError(channel, message string) []byte {
	return encode(map[string]any{"type": TypeUnsubscriptionError, "channel": channel, "message": message})
}

func PublishError(channel, message string) []byte {
	return encode(map[string]any{"type": TypePublishError, "channel": channel, "message": message})
}

func Pong() []byte {
	return encode(map[string]any{"type": TypePong})
}

func encode(v map[string]any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Only reachable if a caller passes an unmarshalable payload, which
		// DecodeClientFrame already rules out for client-originated data.
		panic(fmt.Sprintf("protocol: failed to encode frame: %v", err))
	}
	return data
}
