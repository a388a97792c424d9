package model

import "errors"

var (
	ErrSourceIDRequired  = errors.New("source id is required")
	ErrEndpointRequired  = errors.New("source endpoint is required")
	ErrUnknownSourceKind = errors.New("unknown source kind")
	ErrCadenceRequired   = errors.New("source cadence must be positive")
)
