package state

import "github.com/pkg/errors"

var (
	ErrStreamNotFound = errors.New("stream not found")
	ErrStreamExists   = errors.New("stream already exists")
	ErrListenerLimit  = errors.New("stream has reached its listener limit")
	ErrManagerClosed  = errors.New("manager is shut down")
)
