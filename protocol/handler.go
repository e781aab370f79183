// Package protocol dispatches the frames of a collaboration connection to
// the room it joined.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"codecollab-server/crdt"
	"codecollab-server/domain"
	"codecollab-server/frame"
	"codecollab-server/hub"
	"codecollab-server/signaling"
)

var (
	ErrUnknownMessage   = errors.New("protocol: unknown message")
	ErrNotAuthenticated = errors.New("protocol: not authenticated")
)

const authTimeout = 5 * time.Second

type Handler struct {
	hub   *hub.Hub
	relay *signaling.Relay
	auth  domain.Authenticator
}

func NewHandler(h *hub.Hub, relay *signaling.Relay, auth domain.Authenticator) *Handler {
	if auth == nil {
		auth = AllowAll{}
	}
	return &Handler{hub: h, relay: relay, auth: auth}
}

func (h *Handler) Handle(conn domain.Connection, data []byte) {
	f, err := frame.Decode(data)
	if err != nil {
		slog.Warn("invalid frame", "clientId", conn.ID(), "error", err)
		h.sendError(conn, err)
		return
	}
	slog.Debug("frame received", "clientId", conn.ID(), "type", f.Type, "bytes", len(data))

	switch f.Type {
	case frame.Auth:
		h.handleAuth(conn, f.Auth)
	case frame.Sync:
		if room, ok := h.joined(conn); ok {
			h.handleSync(conn, room, f)
		}
	case frame.Awareness:
		if room, ok := h.joined(conn); ok {
			if err := room.ApplyAwareness(conn.ID(), f.Payload); err != nil {
				slog.Warn("awareness rejected", "room", room.ID(), "clientId", conn.ID(), "error", err)
				h.sendError(conn, err)
			}
		}
	case frame.Event:
		h.handleEvent(conn, f.Event)
	case frame.Error:
		slog.Warn("client reported error", "clientId", conn.ID(), "message", f.Message)
	}
}

// Disconnect removes conn from its room.
func (h *Handler) Disconnect(conn domain.Connection) {
	h.hub.Leave(conn.ID())
}

func (h *Handler) joined(conn domain.Connection) (*hub.Room, bool) {
	room, err := h.hub.RoomOf(conn.ID())
	if err != nil {
		h.sendError(conn, ErrNotAuthenticated)
		return nil, false
	}
	return room, true
}

func (h *Handler) handleAuth(conn domain.Connection, a frame.AuthPayload) {
	if a.UserID == "" || a.RoomID == "" {
		h.sendError(conn, fmt.Errorf("%w: auth needs a user and a room", frame.ErrMalformed))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	err := h.auth.Authenticate(ctx, a.UserID, a.RoomID, a.Token)
	cancel()
	if err != nil {
		slog.Warn("authentication failed", "clientId", conn.ID(), "userId", a.UserID, "room", a.RoomID, "error", err)
		h.sendError(conn, err)
		return
	}

	room, _, err := h.hub.Join(conn, a.RoomID, a.UserID)
	if err != nil {
		h.sendError(conn, err)
		return
	}

	info, _ := json.Marshal(domain.RoomInfo{ID: room.ID(), ConnectionID: conn.ID(), Users: room.Users()})
	h.sendEvent(conn, domain.Event{Type: domain.EventRoomJoined, RoomID: room.ID(), Payload: info})

	room.Do(func() {
		sv := crdt.EncodeStateVector(room.Document().StateVector())
		h.send(conn, frame.EncodeSync(frame.SyncStep1, sv))
		if states := room.Awareness().EncodeAll(); states != nil {
			h.send(conn, frame.EncodeAwareness(states))
		}
	})
}

func (h *Handler) handleSync(conn domain.Connection, room *hub.Room, f frame.Frame) {
	switch f.SyncType {
	case frame.SyncStep1:
		sv, err := crdt.DecodeStateVector(f.Payload)
		if err != nil {
			h.sendError(conn, err)
			return
		}
		room.Do(func() {
			h.send(conn, frame.EncodeSync(frame.SyncStep2, room.Document().GenerateUpdate(sv)))
		})
	case frame.SyncStep2, frame.SyncUpdate:
		update := f.Payload
		room.Do(func() {
			if err := room.ApplyUpdate(conn.ID(), update); err != nil {
				slog.Warn("update rejected", "room", room.ID(), "clientId", conn.ID(), "error", err)
				h.sendError(conn, err)
			}
		})
	}
}

func (h *Handler) handleEvent(conn domain.Connection, ev domain.Event) {
	if ev.Type == domain.EventHeartbeat {
		h.hub.Touch(conn.ID())
		h.sendEvent(conn, domain.Event{Type: domain.EventHeartbeatAck, Timestamp: time.Now().UnixMilli()})
		return
	}
	if !signaling.Handles(ev.Type) {
		h.sendError(conn, fmt.Errorf("%w: event %q", ErrUnknownMessage, ev.Type))
		return
	}

	room, ok := h.joined(conn)
	if !ok {
		return
	}
	from, ok := room.Member(conn.ID())
	if !ok {
		return
	}
	h.relay.Relay(room, from, ev)
}

func (h *Handler) sendEvent(conn domain.Connection, ev domain.Event) {
	data, err := frame.EncodeEvent(ev)
	if err != nil {
		slog.Error("encode event failed", "clientId", conn.ID(), "event", ev.Type, "error", err)
		return
	}
	h.send(conn, data)
}

func (h *Handler) sendError(conn domain.Connection, err error) {
	h.send(conn, frame.EncodeError(err.Error()))
}

func (h *Handler) send(conn domain.Connection, data []byte) {
	if err := conn.Send(data); err != nil {
		slog.Warn("send failed, dropping client", "clientId", conn.ID(), "error", err)
		h.hub.Leave(conn.ID())
	}
}
