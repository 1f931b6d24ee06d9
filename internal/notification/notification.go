// Package notification holds the notification model shared by storage, the
// event source and the forwarding pipeline, plus the service that creates
// notifications and announces their lifecycle on the event bus.
package notification

import (
	"strconv"
	"time"
)

// Severity is the notification level. Unknown values are carried as-is.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeveritySuccess, SeverityWarning, SeverityDanger:
		return true
	}
	return false
}

// Event types published on the bus.
const (
	EventCreated = "notification.created"
	EventUpdated = "notification.updated"
)

// User is the internal account a notification belongs to.
type User struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	IsSuperuser bool   `json:"is_superuser"`
}

func (u User) String() string {
	if u.Username != "" {
		return u.Username
	}
	return "user#" + strconv.FormatInt(u.ID, 10)
}

// Notification is a message shown to a user, with a viewed flag.
type Notification struct {
	ID        int64     `json:"id"`
	Recipient User      `json:"recipient"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
	Viewed    bool      `json:"viewed"`
}
