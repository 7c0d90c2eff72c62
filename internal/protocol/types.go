package protocol

import "encoding/json"

// Version is the only wire protocol version accepted on inbound frames.
const Version = "1.0"

// Verb selects the operation an inbound frame requests.
type Verb string

const (
	VerbCall        Verb = "call"
	VerbSubscribe   Verb = "subscribe"
	VerbUnsubscribe Verb = "unsubscribe"
)

// Valid reports whether v is one of the three protocol verbs.
func (v Verb) Valid() bool {
	return v == VerbCall || v == VerbSubscribe || v == VerbUnsubscribe
}

// FrameType tags an outbound frame.
type FrameType string

const (
	TypeResponse    FrameType = "response"
	TypeSubscribe   FrameType = "subscribe"
	TypeUnsubscribe FrameType = "unsubscribe"
	TypeEvent       FrameType = "event"
)

// TypeFor returns the outbound frame type that answers verb v.
func TypeFor(v Verb) FrameType {
	switch v {
	case VerbSubscribe:
		return TypeSubscribe
	case VerbUnsubscribe:
		return TypeUnsubscribe
	default:
		return TypeResponse
	}
}

// Inbound is a request frame sent by a client.
type Inbound struct {
	Version   string          `json:"version"`
	ID        string          `json:"id"`
	Path      string          `json:"path"`
	Verb      Verb            `json:"verb,omitempty"` // call | subscribe | unsubscribe
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Outbound is a frame written back to a client. Terminal frames carry Message
// or Data; event frames carry Data and reuse the subscribe frame's ID.
type Outbound struct {
	ID        string          `json:"id"`
	Status    int             `json:"status"`
	Type      FrameType       `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// OK reports whether the frame carries a 2xx status.
func (o *Outbound) OK() bool {
	return o.Status >= 200 && o.Status < 300
}

// Ack messages. These are success acknowledgements, never errors.
const (
	MsgSubscribed        = "subscribed"
	MsgAlreadySubscribed = "already subscribed"
	MsgUnsubscribed      = "unsubscribed"
	MsgNotSubscribed     = "not subscribed"
)

// Ack is the result of a subscribe or unsubscribe verb.
type Ack struct {
	Type    FrameType
	Status  int
	Topic   string
	Message string
}

// Subscribed acknowledges a session newly added to topic.
func Subscribed(topic string) Ack {
	return Ack{Type: TypeSubscribe, Status: 201, Topic: topic, Message: MsgSubscribed}
}

// AlreadySubscribed acknowledges a duplicate subscribe for a present session.
func AlreadySubscribed(topic string) Ack {
	return Ack{Type: TypeSubscribe, Status: 200, Topic: topic, Message: MsgAlreadySubscribed}
}

// Unsubscribed acknowledges removal of a session from topic.
func Unsubscribed(topic string) Ack {
	return Ack{Type: TypeUnsubscribe, Status: 200, Topic: topic, Message: MsgUnsubscribed}
}

// NotSubscribed acknowledges an unsubscribe for a session that was not present.
func NotSubscribed(topic string) Ack {
	return Ack{Type: TypeUnsubscribe, Status: 200, Topic: topic, Message: MsgNotSubscribed}
}
