package protocol

import (
	"context"
	"crypto/subtle"
	"errors"
)

var ErrUnauthorized = errors.New("protocol: unauthorized")

// AllowAll accepts every identity.
type AllowAll struct{}

func (AllowAll) Authenticate(ctx context.Context, userID, roomID, token string) error {
	return nil
}

// StaticToken accepts connections presenting one shared token.
type StaticToken string

func (s StaticToken) Authenticate(ctx context.Context, userID, roomID, token string) error {
	if subtle.ConstantTimeCompare([]byte(s), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}
