package protocol

import "errors"

var (
	ErrInvalidEnvelope = errors.New("protocol: invalid envelope")
	ErrParentMismatch  = errors.New("protocol: parent cannot be changed")
	ErrTokenMismatch   = errors.New("protocol: token does not descend from parent")
	ErrSelfParent      = errors.New("protocol: command cannot parent itself")
	ErrUnknownEnvelope = errors.New("protocol: envelope is neither command nor event")
)
