package model

import "errors"

var (
	// ErrConfig marks an unrecoverable mismatch between a lens, its persisted
	// configuration, the model, or the training data. Always fatal.
	ErrConfig = errors.New("config error")

	// ErrShapeMismatch is returned when a hidden state's trailing dimension
	// disagrees with the model width.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrLayerOutOfRange is returned when a transform or decode is requested
	// for a layer index outside the lens's valid range.
	ErrLayerOutOfRange = errors.New("layer index out of range")
)
