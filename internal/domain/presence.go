// internal/domain/presence.go
package domain

import "time"

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether s is one of the four known statuses.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

// PeerPresence is one peer's last known presence.
type PeerPresence struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen *time.Time     `json:"lastSeen,omitempty"`
}

// UserStatusEvent is the payload of user:online, user:offline and
// presence:update.
type UserStatusEvent struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status,omitempty"`
	LastSeen *time.Time     `json:"lastSeen,omitempty"`
}

// OnlineSnapshot is the payload of users:online. It is the full online set.
type OnlineSnapshot struct {
	Users []string `json:"users"`
}
