package domain

import "errors"

var (
	ErrKeyNotFound       = errors.New("api key not found")
	ErrAlreadySubscribed = errors.New("already subscribed to channel")
	ErrNotSubscribed     = errors.New("not subscribed to channel")
	ErrTooManyChannels   = errors.New("channel limit per connection reached")
)
