// Package events carries movement lifecycle notifications from the
// control plane to connected clients.
package events

import (
	"encoding/json"
	"time"
)

// Type is the kind of event delivered to clients.
type Type string

const (
	TypeConnected        Type = "connected"
	TypeMovementNew      Type = "movement_new"
	TypeMovementUpdate   Type = "movement_update"
	TypeMovementComplete Type = "movement_complete"
)

// Bus subjects. One subject per lifecycle stage; fan-out subscribes to
// the wildcard so per-movement ordering follows publish order.
const (
	SubjectMovementNew      = "movements.new"
	SubjectMovementUpdate   = "movements.update"
	SubjectMovementComplete = "movements.complete"
	SubjectMovementAll      = "movements.>"
)

// Event is one message on the movement stream. Movement holds the same
// client-facing JSON served by the movements listing.
type Event struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	CameraKey   string          `json:"camera_key,omitempty"`
	MovementKey string          `json:"movement_key,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Movement    json.RawMessage `json:"movement,omitempty"`
}

func subjectFor(t Type) string {
	switch t {
	case TypeMovementNew:
		return SubjectMovementNew
	case TypeMovementUpdate:
		return SubjectMovementUpdate
	default:
		return SubjectMovementComplete
	}
}
