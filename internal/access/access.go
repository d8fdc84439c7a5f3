// Package access decides whether a connection may mutate a room.
package access

import "github.com/pkg/errors"

var (
	ErrNotFound = errors.New("room not found")
	ErrDenied   = errors.New("access denied")
)

// Websocket close codes sent when a join is refused.
const (
	CloseDenied   = 4403
	CloseNotFound = 4404
)

// Check permits public rooms to everyone and private rooms to admins only.
func Check(public, admin bool) error {
	if public || admin {
		return nil
	}
	return ErrDenied
}

// CloseCode maps a join error to the close code and reason given to the
// peer. ok is false for errors which are not access decisions.
func CloseCode(err error) (code int, reason string, ok bool) {
	switch {
	case errors.Is(err, ErrNotFound):
		return CloseNotFound, "Room not found", true
	case errors.Is(err, ErrDenied):
		return CloseDenied, "Access denied", true
	}
	return 0, "", false
}
