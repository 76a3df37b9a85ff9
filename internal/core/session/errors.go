package session

import (
	"errors"

	"github.com/PocketPalCo/support-bot/internal/infra/kvstore"
)

var (
	// ErrStoreUnavailable is returned when a session cannot be loaded or
	// created because the remote store is unreachable and no valid local copy exists.
	ErrStoreUnavailable = kvstore.ErrStoreUnavailable
	// ErrInvalidChatID is returned for the zero chat id.
	ErrInvalidChatID = errors.New("invalid chat id")
	// ErrInvalidIdentity is returned when authenticating without a national id.
	ErrInvalidIdentity = errors.New("national id is required to authenticate")
	// ErrBusy is returned when the context ends while waiting for another unit
	// of work on the same chat.
	ErrBusy = errors.New("session is busy")
	// ErrSaveSession wraps remote write failures.
	ErrSaveSession = errors.New("failed to save session")
	// ErrDecode is returned for stored payloads that are not a session record.
	ErrDecode = errors.New("malformed session payload")
)
