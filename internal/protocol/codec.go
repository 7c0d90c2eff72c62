package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/mattjoyce/conduit/internal/status"
)

// DecodeInbound parses one inbound frame. The version is checked on the raw
// bytes before the full decode, so a mismatch is reported even when the rest
// of the frame would not parse. On a version mismatch the returned frame still
// carries the id so the caller can answer it.
func DecodeInbound(raw []byte) (*Inbound, error) {
	if !gjson.ValidBytes(raw) {
		return &Inbound{ID: PeekID(raw)}, status.BadRequest("malformed frame: invalid JSON")
	}

	version := gjson.GetBytes(raw, "version")
	if !version.Exists() || version.String() != Version {
		return &Inbound{ID: gjson.GetBytes(raw, "id").String()}, status.VersionMismatch(version.String())
	}

	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return &Inbound{ID: PeekID(raw)}, status.BadRequest("malformed frame: %v", err)
	}

	if in.Verb == "" {
		in.Verb = VerbCall
	}
	if !in.Verb.Valid() {
		return &in, status.BadRequest("invalid verb %q", in.Verb)
	}
	if strings.TrimSpace(in.ID) == "" {
		return &in, status.BadRequest("frame missing required field: id")
	}
	if in.Verb != VerbUnsubscribe && strings.TrimSpace(in.Path) == "" {
		return &in, status.BadRequest("frame missing required field: path")
	}

	return &in, nil
}

// PeekID extracts the id of a frame without decoding it. It returns "" when the
// id cannot be recovered.
func PeekID(raw []byte) string {
	r := gjson.GetBytes(raw, "id")
	if !r.Exists() || r.Type != gjson.String {
		return ""
	}
	return r.String()
}

// EncodeInbound serializes a request frame, filling in the protocol version.
func EncodeInbound(in *Inbound) ([]byte, error) {
	if in.Version == "" {
		in.Version = Version
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return b, nil
}

// EncodeOutbound serializes a response frame.
func EncodeOutbound(out *Outbound) ([]byte, error) {
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return b, nil
}

// DecodeOutbound parses a frame received from the daemon.
func DecodeOutbound(raw []byte) (*Outbound, error) {
	var out Outbound
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if out.Type == "" {
		return nil, fmt.Errorf("frame missing required field: type")
	}
	return &out, nil
}

// Marshal encodes v as frame data. A nil value yields no data.
func Marshal(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode data: %w", err)
	}
	return b, nil
}

// NewResponse builds a terminal frame carrying data.
func NewResponse(id string, code int, typ FrameType, data any) (*Outbound, error) {
	raw, err := Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Outbound{ID: id, Status: code, Type: typ, Data: raw}, nil
}

// NewError builds a terminal frame describing err.
func NewError(id string, typ FrameType, err error) *Outbound {
	return &Outbound{
		ID:      id,
		Status:  status.Code(err),
		Type:    typ,
		Message: err.Error(),
	}
}

// NewAck builds the frame acknowledging a subscribe or unsubscribe.
func NewAck(id, sessionID string, ack Ack) *Outbound {
	return &Outbound{
		ID:        id,
		Status:    ack.Status,
		Type:      ack.Type,
		Topic:     ack.Topic,
		SessionID: sessionID,
		Message:   ack.Message,
	}
}
