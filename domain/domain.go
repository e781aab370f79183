package domain

import (
	"context"
	"encoding/json"
)

// Collaboration events carried in EVENT frames.
const (
	EventRoomJoined   = "room-joined"
	EventUserJoined   = "user-joined"
	EventUserLeft     = "user-left"
	EventChatMessage  = "chat-message"
	EventUserTyping   = "user-typing"
	EventHeartbeat    = "heartbeat"
	EventHeartbeatAck = "heartbeat-ack"

	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"

	EventMute           = "mute"
	EventUnmute         = "unmute"
	EventVideoOn        = "video-on"
	EventVideoOff       = "video-off"
	EventScreenShareOn  = "screen-share-on"
	EventScreenShareOff = "screen-share-off"
)

// Event is the JSON envelope of an EVENT frame.
type Event struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	From      string          `json:"from,omitempty"`
	Target    string          `json:"target,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

type User struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

type RoomInfo struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connectionId"`
	Users        []User `json:"users"`
}

type ChatMessage struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type Typing struct {
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
}

type MessageHandler interface {
	Handle(conn Connection, data []byte)
	Disconnect(conn Connection)
}

// Authenticator checks the opaque token presented in an AUTH frame.
type Authenticator interface {
	Authenticate(ctx context.Context, userID, roomID, token string) error
}
