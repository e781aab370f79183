// Package frame encodes and decodes the binary messages exchanged over a
// collaboration connection.
//
//	Frame     := MessageType:varuint, Payload
//	SYNC      := SyncType:varuint, data:bytes      (state vector or update)
//	AWARENESS := update:bytes
//	AUTH      := userId:string, roomId:string, token?:string
//	ERROR     := message:string
//	EVENT     := event:string                      (JSON domain.Event)
package frame

import (
	"encoding/json"
	"errors"
	"fmt"

	"codecollab-server/domain"
	"codecollab-server/wire"
)

type Type uint64

const (
	Sync Type = iota
	Awareness
	Auth
	Error
	Event
)

func (t Type) String() string {
	switch t {
	case Sync:
		return "sync"
	case Awareness:
		return "awareness"
	case Auth:
		return "auth"
	case Error:
		return "error"
	case Event:
		return "event"
	}
	return fmt.Sprintf("type(%d)", uint64(t))
}

type SyncType uint64

const (
	// SyncStep1 carries a state vector and asks for what it is missing.
	SyncStep1 SyncType = iota
	// SyncStep2 answers a step 1 with an update.
	SyncStep2
	// SyncUpdate carries an update produced by an edit.
	SyncUpdate
)

var (
	ErrMalformed   = errors.New("frame: malformed frame")
	ErrUnknownType = errors.New("frame: unknown message type")
)

type AuthPayload struct {
	UserID string
	RoomID string
	Token  string
}

// Frame is a decoded message. Only the fields of its Type are set.
type Frame struct {
	Type     Type
	SyncType SyncType
	Payload  []byte
	Auth     AuthPayload
	Message  string
	Event    domain.Event
}

func EncodeSync(t SyncType, data []byte) []byte {
	e := wire.NewEncoder()
	e.WriteUvarint(uint64(Sync))
	e.WriteUvarint(uint64(t))
	e.WriteBytes(data)
	return e.Bytes()
}

func EncodeAwareness(update []byte) []byte {
	e := wire.NewEncoder()
	e.WriteUvarint(uint64(Awareness))
	e.WriteBytes(update)
	return e.Bytes()
}

func EncodeAuth(a AuthPayload) []byte {
	e := wire.NewEncoder()
	e.WriteUvarint(uint64(Auth))
	e.WriteString(a.UserID)
	e.WriteString(a.RoomID)
	if a.Token != "" {
		e.WriteString(a.Token)
	}
	return e.Bytes()
}

func EncodeError(message string) []byte {
	e := wire.NewEncoder()
	e.WriteUvarint(uint64(Error))
	e.WriteString(message)
	return e.Bytes()
}

func EncodeEvent(ev domain.Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	e := wire.NewEncoder()
	e.WriteUvarint(uint64(Event))
	e.WriteBytes(body)
	return e.Bytes(), nil
}

func Decode(data []byte) (Frame, error) {
	d := wire.NewDecoder(data)
	t, err := d.ReadUvarint()
	if err != nil {
		return Frame{}, fmt.Errorf("%w: message type: %v", ErrMalformed, err)
	}

	f := Frame{Type: Type(t)}
	switch f.Type {
	case Sync:
		st, err := d.ReadUvarint()
		if err != nil {
			return Frame{}, fmt.Errorf("%w: sync type: %v", ErrMalformed, err)
		}
		if st > uint64(SyncUpdate) {
			return Frame{}, fmt.Errorf("%w: unknown sync type %d", ErrMalformed, st)
		}
		f.SyncType = SyncType(st)
		if f.Payload, err = d.ReadBytes(); err != nil {
			return Frame{}, fmt.Errorf("%w: sync payload: %v", ErrMalformed, err)
		}
	case Awareness:
		if f.Payload, err = d.ReadBytes(); err != nil {
			return Frame{}, fmt.Errorf("%w: awareness payload: %v", ErrMalformed, err)
		}
	case Auth:
		if f.Auth.UserID, err = d.ReadString(); err != nil {
			return Frame{}, fmt.Errorf("%w: auth user: %v", ErrMalformed, err)
		}
		if f.Auth.RoomID, err = d.ReadString(); err != nil {
			return Frame{}, fmt.Errorf("%w: auth room: %v", ErrMalformed, err)
		}
		if d.Len() > 0 {
			if f.Auth.Token, err = d.ReadString(); err != nil {
				return Frame{}, fmt.Errorf("%w: auth token: %v", ErrMalformed, err)
			}
		}
	case Error:
		if f.Message, err = d.ReadString(); err != nil {
			return Frame{}, fmt.Errorf("%w: error message: %v", ErrMalformed, err)
		}
	case Event:
		body, err := d.ReadBytes()
		if err != nil {
			return Frame{}, fmt.Errorf("%w: event: %v", ErrMalformed, err)
		}
		if err := json.Unmarshal(body, &f.Event); err != nil {
			return Frame{}, fmt.Errorf("%w: event json: %v", ErrMalformed, err)
		}
		if f.Event.Type == "" {
			return Frame{}, fmt.Errorf("%w: event without type", ErrMalformed)
		}
	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	if d.Len() != 0 {
		return Frame{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, d.Len())
	}
	return f, nil
}
