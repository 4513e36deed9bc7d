package core

import "errors"

var (
	ErrTransientFetch      = errors.New("transient fetch failure")
	ErrCommandRejected     = errors.New("command rejected by backend")
	ErrCommandFailed       = errors.New("command failed")
	ErrDuplicateCommand    = errors.New("command already pending for this entity")
	ErrAuthExpired         = errors.New("authentication expired")
	ErrChannelDisconnected = errors.New("push channel disconnected")
	ErrInvalidCommand      = errors.New("invalid command")
)
