package fanout

import (
	"encoding/json"

	"PPresence/tools/errs"
)

// PacketType is the operation a peer process should apply.
type PacketType string

const (
	TypeBroadcast   PacketType = "broadcast"
	TypeJoin        PacketType = "join"
	TypeLeave       PacketType = "leave"
	TypeDisconnect  PacketType = "disconnect"
	TypeAckRequest  PacketType = "ack_req"
	TypeAckResponse PacketType = "ack_resp"
)

// Packet is the wire envelope exchanged between processes.
type Packet struct {
	UID     string          `json:"uid"` // origin process
	Type    PacketType      `json:"type"`
	Nsp     string          `json:"nsp"`
	Rooms   []string        `json:"rooms,omitempty"`
	Except  []string        `json:"except,omitempty"`
	ConnID  string          `json:"connId,omitempty"`
	Room    string          `json:"room,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	AckID   string          `json:"ackId,omitempty"`
	ReplyTo string          `json:"replyTo,omitempty"`
}

func encodePacket(p *Packet) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, errs.WrapMsg(err, "encode packet", "type", p.Type)
	}
	return b, nil
}

func decodePacket(b []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, errs.WrapMsg(err, "decode packet")
	}
	if p.UID == "" || p.Type == "" {
		return nil, errs.ErrArgs.WrapMsg("packet without uid or type")
	}
	return &p, nil
}

// MarshalPayload turns any JSON-serializable value into a raw payload.
// Raw messages and byte slices holding JSON pass through untouched.
func MarshalPayload(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return t, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errs.ErrArgs.WrapMsg("payload not serializable", "err", err.Error())
		}
		return b, nil
	}
}
