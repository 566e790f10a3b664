package models

import (
	"fmt"
	"time"
)

// Role is one of the five fixed council responsibility areas.
type Role string

const (
	RoleLegal       Role = "legal"
	RoleEducational Role = "educational"
	RoleWelfare     Role = "welfare"
	RoleCultural    Role = "cultural"
	RoleSports      Role = "sports"
)

// AllRoles lists every role in menu order.
var AllRoles = []Role{RoleLegal, RoleEducational, RoleWelfare, RoleCultural, RoleSports}

// ParseRole maps a tag string to a Role, rejecting anything outside the fixed set.
func ParseRole(tag string) (Role, error) {
	r := Role(tag)
	for _, known := range AllRoles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role tag %q", tag)
}

// Title returns the human-readable role name shown in menus and relays.
func (r Role) Title() string {
	switch r {
	case RoleLegal:
		return "Legal Affairs"
	case RoleEducational:
		return "Educational Affairs"
	case RoleWelfare:
		return "Student Welfare"
	case RoleCultural:
		return "Cultural Affairs"
	case RoleSports:
		return "Sports Affairs"
	}
	return string(r)
}

// User represents a platform user seen by the bot
type User struct {
	ID          int64     `json:"id"`
	DisplayName string    `json:"display_name"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// ThreadStatus is the lifecycle state of a relay thread.
type ThreadStatus string

const (
	ThreadOpen    ThreadStatus = "open"
	ThreadClosed  ThreadStatus = "closed"
	ThreadExpired ThreadStatus = "expired"
)

// Thread links an inbound user message to its forwarded copy so an
// asynchronous reply can be routed back to the original sender.
// Replies are correlated by RelayMessageID alone, never by sender and role.
type Thread struct {
	ID             string       `json:"id"`
	SenderID       int64        `json:"sender_id"`
	Role           Role         `json:"role"`
	RelayMessageID int          `json:"relay_message_id"`
	Status         ThreadStatus `json:"status"`
	FailureReason  string       `json:"failure_reason,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	ClosedAt       *time.Time   `json:"closed_at,omitempty"`
}

// InstanceLock is the singleton record identifying the live bot instance.
type InstanceLock struct {
	HolderPID   int       `json:"holder_pid"`
	AcquiredAt  time.Time `json:"acquired_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Block records that a role-holder refused further messages from a user.
type Block struct {
	OwnerID   int64     `json:"owner_id"`
	BlockedID int64     `json:"blocked_id"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
