package types

import (
	"github.com/google/uuid"
)

// ID represents an opaque unique identifier
type ID string

// String returns the string representation of the ID
func (i ID) String() string {
	return string(i)
}

// IsEmpty returns true if the ID is empty
func (i ID) IsEmpty() bool {
	return string(i) == ""
}

// GenerateID generates a new unique identifier
func GenerateID() ID {
	return ID(uuid.NewString())
}

// ConnState represents the lifecycle state of a relay connection
type ConnState string

const (
	ConnConnecting ConnState = "connecting"
	ConnOpen       ConnState = "open"
	ConnClosing    ConnState = "closing"
	ConnClosed     ConnState = "closed"
)

// String returns the string representation of the state
func (s ConnState) String() string {
	return string(s)
}
