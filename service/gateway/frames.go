package gateway

import (
	"encoding/json"
	"fmt"
	"time"
)

// 客户端 -> 服务端
const (
	EventHeartbeat = "heartbeat"
	EventAck       = "ack"
)

// 服务端 -> 客户端
const (
	EventConnected = "connected"
)

// Frame is one JSON text message on the socket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

func ParseFrameJSON(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("unmarshal frame failed: %w", err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("frame without event")
	}
	return &f, nil
}

func encodeFrame(event string, data json.RawMessage, ackID string) ([]byte, error) {
	return json.Marshal(Frame{Event: event, Data: data, AckID: ackID})
}

type connectedData struct {
	ConnectionID      string `json:"connectionId"`
	Namespace         string `json:"namespace"`
	HeartbeatInterval int64  `json:"heartbeatInterval"` // ms
	ServerTime        int64  `json:"serverTime"`
}

func buildConnected(connID, nsp string, heartbeat time.Duration) json.RawMessage {
	b, _ := json.Marshal(connectedData{
		ConnectionID:      connID,
		Namespace:         nsp,
		HeartbeatInterval: heartbeat.Milliseconds(),
		ServerTime:        time.Now().UnixMilli(),
	})
	return b
}
