package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbound control message types.
const (
	ControlPing        = "ping"
	ControlSubscribe   = "subscribe"
	ControlUnsubscribe = "unsubscribe"
)

// Outbound control reply types.
const (
	ReplyPong                  = "pong"
	ReplySubscriptionConfirmed = "subscription_confirmed"
	ReplySubscriptionError     = "subscription_error"
	ReplyUnsubscribed          = "unsubscribed"
	ReplyAck                   = "ack"
)

var ErrMalformedControl = errors.New("malformed control message")

// Control is a decoded client-to-server message. RoleModelID is set only for
// subscribe and is not validated here.
type Control struct {
	Type        string
	RoleModelID string
}

type controlFrame struct {
	Type    string `json:"type"`
	Payload *struct {
		RoleModelID string `json:"roleModelId"`
	} `json:"payload,omitempty"`
	RoleModelID string `json:"roleModelId,omitempty"` // early viewers sent it top-level
	Topic       string `json:"topic,omitempty"`
}

// ParseControl decodes an inbound frame. Unknown types decode successfully;
// the connection manager decides how to acknowledge them.
func ParseControl(raw []byte) (Control, error) {
	var f controlFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Control{}, fmt.Errorf("%w: %v", ErrMalformedControl, err)
	}
	if f.Type == "" {
		return Control{}, fmt.Errorf("%w: missing type", ErrMalformedControl)
	}
	c := Control{Type: f.Type}
	switch {
	case f.Payload != nil && f.Payload.RoleModelID != "":
		c.RoleModelID = f.Payload.RoleModelID
	case f.RoleModelID != "":
		c.RoleModelID = f.RoleModelID
	default:
		c.RoleModelID = f.Topic
	}
	return c, nil
}

type pongFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type subscriptionFrame struct {
	Type        string `json:"type"`
	RoleModelID string `json:"roleModelId,omitempty"`
	Message     string `json:"message,omitempty"`
}

type ackFrame struct {
	Type     string `json:"type"`
	Received string `json:"received"`
}

func Pong() []byte {
	return marshalControl(pongFrame{Type: ReplyPong, Timestamp: time.Now().UTC().Format(TimeFormat)})
}

func SubscriptionConfirmed(topic string) []byte {
	return marshalControl(subscriptionFrame{Type: ReplySubscriptionConfirmed, RoleModelID: topic})
}

func SubscriptionError(message string) []byte {
	return marshalControl(subscriptionFrame{Type: ReplySubscriptionError, Message: message})
}

func Unsubscribed(topic string) []byte {
	return marshalControl(subscriptionFrame{Type: ReplyUnsubscribed, RoleModelID: topic})
}

// Ack acknowledges a frame the server does not act on.
func Ack(received string) []byte {
	return marshalControl(ackFrame{Type: ReplyAck, Received: received})
}

// SubscribeRequest builds the client-side subscribe frame.
func SubscribeRequest(topic string) []byte {
	type payload struct {
		RoleModelID string `json:"roleModelId"`
	}
	return marshalControl(struct {
		Type    string  `json:"type"`
		Payload payload `json:"payload"`
	}{ControlSubscribe, payload{topic}})
}

func marshalControl(v interface{}) []byte {
	// Control frames are flat structs of strings; Marshal cannot fail.
	data, _ := json.Marshal(v)
	return data
}
