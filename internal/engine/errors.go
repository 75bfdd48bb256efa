package engine

import (
	"errors"

	"trtd/pkg/types"
)

var (
	// ErrOpen reports that an engine file could not be read. It wraps the
	// underlying fs error.
	ErrOpen = errors.New("engine file cannot be opened")
	// ErrIndexOutOfRange reports a binding index outside [0, total).
	ErrIndexOutOfRange = errors.New("binding index out of range")
	// ErrInvalidData reports empty host data or data larger than the binding.
	ErrInvalidData = errors.New("invalid host data for binding")
	// ErrAlreadyLoaded reports Load on an instance that already holds an engine.
	ErrAlreadyLoaded = errors.New("engine already loaded")
	// ErrClosed reports use of an instance after Close.
	ErrClosed = errors.New("engine instance is closed")
	// ErrUnresolvedShape is returned when a binding has a dynamic dimension.
	ErrUnresolvedShape = types.ErrUnresolvedShape
	// ErrShapeOverflow is returned when a binding's byte size does not fit
	// in int64.
	ErrShapeOverflow = types.ErrShapeOverflow
)
