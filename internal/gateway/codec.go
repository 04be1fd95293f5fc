// Package gateway is the websocket transport collaborator for the
// relay broker. It owns connection upgrade and lifecycle, JSON frame
// encoding and decoding, and per-connection read/write pumps; the
// broker never sees wire framing.
package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/relaylabs/relay/internal/broker"
)

// inboundFrame is the field superset of all inbound frame types; the
// "type" discriminator selects which fields are meaningful.
type inboundFrame struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Room     string `json:"room"`
	Message  string `json:"message"`
}

// decodeRequest turns a raw JSON frame into a broker request. Callers
// drop frames that fail to decode; they never reach the broker.
func decodeRequest(data []byte) (broker.Request, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	switch f.Type {
	case "login":
		return broker.LoginRequest{Username: f.Username}, nil
	case "join":
		return broker.JoinRequest{Room: f.Room}, nil
	case "publish":
		return broker.PublishRequest{Room: f.Room, Text: f.Message}, nil
	case "who":
		return broker.WhoRequest{Room: f.Room}, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
}

// encodeEvent wraps a broker event in its wire envelope: the event's
// fields flattened alongside a "type" discriminator.
func encodeEvent(evt broker.Event) ([]byte, error) {
	switch e := evt.(type) {
	case broker.ErrorEvent:
		return json.Marshal(struct {
			Type string `json:"type"`
			broker.ErrorEvent
		}{e.Kind(), e})
	case broker.SystemEvent:
		return json.Marshal(struct {
			Type string `json:"type"`
			broker.SystemEvent
		}{e.Kind(), e})
	case broker.RoomListEvent:
		return json.Marshal(struct {
			Type string `json:"type"`
			broker.RoomListEvent
		}{e.Kind(), e})
	case broker.HistoryEvent:
		return json.Marshal(struct {
			Type string `json:"type"`
			broker.HistoryEvent
		}{e.Kind(), e})
	case broker.MessageEvent:
		return json.Marshal(struct {
			Type string `json:"type"`
			broker.MessageEvent
		}{e.Kind(), e})
	case broker.WhoEvent:
		return json.Marshal(struct {
			Type string `json:"type"`
			broker.WhoEvent
		}{e.Kind(), e})
	default:
		return nil, fmt.Errorf("unknown event type %T", evt)
	}
}
