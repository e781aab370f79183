// Package signaling relays WebRTC negotiation between two members of a room
// and broadcasts media, chat and typing events to the rest of it.
package signaling

import (
	"encoding/json"
	"log/slog"
	"time"

	"codecollab-server/domain"
	"codecollab-server/frame"
)

// Room is the part of a room the relay delivers through.
type Room interface {
	ID() string
	SendTo(connID string, data []byte) bool
	Broadcast(except string, data []byte)
}

var targeted = map[string]bool{
	domain.EventOffer:        true,
	domain.EventAnswer:       true,
	domain.EventICECandidate: true,
}

var broadcast = map[string]bool{
	domain.EventMute:           true,
	domain.EventUnmute:         true,
	domain.EventVideoOn:        true,
	domain.EventVideoOff:       true,
	domain.EventScreenShareOn:  true,
	domain.EventScreenShareOff: true,
	domain.EventChatMessage:    true,
	domain.EventUserTyping:     true,
}

// Handles reports whether eventType is relayed.
func Handles(eventType string) bool {
	return targeted[eventType] || broadcast[eventType]
}

type Relay struct {
	now func() time.Time
}

func New() *Relay {
	return &Relay{now: time.Now}
}

// Relay delivers ev, sent by from, inside room. Payloads of negotiation and
// media events pass through untouched. Events that cannot be routed are
// dropped and logged; the sender is never told.
func (r *Relay) Relay(room Room, from domain.User, ev domain.Event) {
	if ev.RoomID != "" && ev.RoomID != room.ID() {
		slog.Warn("dropping event for another room", "room", room.ID(), "clientId", from.ConnectionID, "event", ev.Type, "eventRoom", ev.RoomID)
		return
	}

	out := domain.Event{
		Type:      ev.Type,
		RoomID:    room.ID(),
		From:      from.ConnectionID,
		Payload:   ev.Payload,
		Timestamp: r.now().UnixMilli(),
	}

	switch {
	case targeted[ev.Type]:
		r.forward(room, from, ev.Target, out)
	case ev.Type == domain.EventChatMessage:
		payload, ok := r.chat(from, ev.Payload)
		if !ok {
			slog.Warn("dropping malformed chat message", "room", room.ID(), "clientId", from.ConnectionID)
			return
		}
		out.Payload = payload
		r.broadcast(room, from, out)
	case ev.Type == domain.EventUserTyping:
		var typing domain.Typing
		if err := json.Unmarshal(ev.Payload, &typing); err != nil {
			slog.Warn("dropping malformed typing event", "room", room.ID(), "clientId", from.ConnectionID, "error", err)
			return
		}
		r.broadcast(room, from, out)
	case broadcast[ev.Type]:
		r.broadcast(room, from, out)
	default:
		slog.Warn("dropping unknown event", "room", room.ID(), "clientId", from.ConnectionID, "event", ev.Type)
	}
}

func (r *Relay) forward(room Room, from domain.User, target string, ev domain.Event) {
	if target == "" || target == from.ConnectionID {
		slog.Warn("dropping signaling event without a valid target", "room", room.ID(), "clientId", from.ConnectionID, "event", ev.Type)
		return
	}
	data, err := frame.EncodeEvent(ev)
	if err != nil {
		slog.Warn("dropping signaling event", "room", room.ID(), "clientId", from.ConnectionID, "error", err)
		return
	}
	if !room.SendTo(target, data) {
		slog.Warn("signaling target not reachable", "room", room.ID(), "clientId", from.ConnectionID, "target", target, "event", ev.Type)
		return
	}
	slog.Debug("signaling relayed", "room", room.ID(), "from", from.ConnectionID, "target", target, "event", ev.Type)
}

func (r *Relay) broadcast(room Room, from domain.User, ev domain.Event) {
	data, err := frame.EncodeEvent(ev)
	if err != nil {
		slog.Warn("dropping event", "room", room.ID(), "clientId", from.ConnectionID, "error", err)
		return
	}
	room.Broadcast(from.ConnectionID, data)
}

// chat stamps the sender and time on a chat message.
func (r *Relay) chat(from domain.User, payload json.RawMessage) (json.RawMessage, bool) {
	var msg domain.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Text == "" {
		return nil, false
	}
	msg.UserID = from.UserID
	if msg.UserName == "" {
		msg.UserName = from.UserID
	}
	msg.Timestamp = r.now().UnixMilli()
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, false
	}
	return out, true
}
