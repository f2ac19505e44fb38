// Package protocol defines the frames exchanged between the server and a
// subscribed display, and the roles a display can join a restaurant as.
package protocol

import (
	"fmt"
	"strings"

	"github.com/agentstation/ordersync/pkg/envelope"
	"github.com/agentstation/ordersync/pkg/errors"
)

// Role is the kind of display subscribing to a restaurant.
type Role string

// Roles.
const (
	RoleKitchen  Role = "kitchen"
	RoleWaiter   Role = "waiter"
	RoleCustomer Role = "customer"
)

// Roles lists every valid role.
var Roles = []Role{RoleKitchen, RoleWaiter, RoleCustomer}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleKitchen, RoleWaiter, RoleCustomer:
		return true
	}
	return false
}

// ParseRole parses a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", errors.NewValidationError("role", s, "must be one of kitchen, waiter, customer")
	}
	return r, nil
}

// RoomKey identifies one room: a restaurant seen through one role.
type RoomKey struct {
	RestaurantID string
	Role         Role
}

// String implements fmt.Stringer.
func (k RoomKey) String() string {
	return fmt.Sprintf("%s/%s", k.RestaurantID, k.Role)
}

// JoinAck is sent to a member once it is registered in its room.
type JoinAck struct {
	RestaurantID string
	Role         Role
	// Sequence is the last sequence stamped for the restaurant at join time.
	Sequence uint64
	// After is the sequence the member asked to resume from, zero for a fresh join.
	After uint64
	// Resumed reports whether every envelope after After is being replayed.
	Resumed bool
}

// NeedsResync reports whether the member asked to resume and the server could not replay.
func (a JoinAck) NeedsResync() bool {
	return a.After > 0 && !a.Resumed
}

// FrameType tags a frame.
type FrameType string

// Frame types.
const (
	FrameJoined FrameType = "joined"
	FrameEvent  FrameType = "event"
	FrameError  FrameType = "error"
	FrameResync FrameType = "resync"
)

// Error codes carried by error frames.
const (
	CodeNotFound     = "not_found"
	CodeInvalidRole  = "invalid_role"
	CodeUnauthorized = "unauthorized"
	CodeQueueFull    = "queue_full"
	CodeShutdown     = "shutdown"
)

// JoinErrorCode returns the error frame code for a failed join.
func JoinErrorCode(err error) string {
	if errors.Is(err, errors.ErrClosed) {
		return CodeShutdown
	}
	return CodeQueueFull
}

// Retryable reports whether a member rejected with code may reconnect.
func Retryable(code string) bool {
	return code == CodeQueueFull || code == CodeShutdown
}

// Frame is one message on a subscription.
type Frame struct {
	Type         FrameType          `json:"type"`
	RestaurantID string             `json:"restaurantId,omitempty"`
	Role         Role               `json:"role,omitempty"`
	Sequence     uint64             `json:"sequence,omitempty"`
	Resumed      bool               `json:"resumed,omitempty"`
	Envelope     *envelope.Envelope `json:"envelope,omitempty"`
	Code         string             `json:"code,omitempty"`
	Message      string             `json:"message,omitempty"`
}

// JoinedFrame builds the acknowledgement frame.
func JoinedFrame(ack JoinAck) Frame {
	return Frame{
		Type:         FrameJoined,
		RestaurantID: ack.RestaurantID,
		Role:         ack.Role,
		Sequence:     ack.Sequence,
		Resumed:      ack.Resumed,
	}
}

// EventFrame wraps an envelope.
func EventFrame(env envelope.Envelope) Frame {
	return Frame{Type: FrameEvent, Envelope: &env}
}

// ErrorFrame builds an error frame. The member closes the subscription
// after it, retrying only when the code is Retryable.
func ErrorFrame(code, message string) Frame {
	return Frame{Type: FrameError, Code: code, Message: message}
}

// ResyncFrame tells the member its view may be stale and must be refetched.
func ResyncFrame(seq uint64) Frame {
	return Frame{Type: FrameResync, Sequence: seq}
}

// Ack extracts the join acknowledgement from a joined frame.
func (f Frame) Ack() JoinAck {
	return JoinAck{
		RestaurantID: f.RestaurantID,
		Role:         f.Role,
		Sequence:     f.Sequence,
		Resumed:      f.Resumed,
	}
}
