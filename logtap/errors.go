package logtap

import "errors"

var (
	// ErrAlreadyStarted is returned by Publisher.Start while a previous
	// reader is still active. Restarting over the same source would create
	// duplicate readers, so this fails fast instead.
	ErrAlreadyStarted = errors.New("publisher already started")

	// ErrNotSubscribed is returned when unsubscribing a subscriber that is
	// not registered, typically a double Close after scope exit.
	ErrNotSubscribed = errors.New("subscriber is not registered")

	// ErrNilSubscriber is returned by Subscribe(nil).
	ErrNilSubscriber = errors.New("subscriber is nil")
)
