package types

import "time"

type NotificationType string

const (
	NotificationInformation NotificationType = "Information"
	NotificationWarning     NotificationType = "Warning"
	NotificationError       NotificationType = "Error"
)

type Notification struct {
	ID        int64            `json:"id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Exception string           `json:"exception"`
	BackupID  string           `json:"backup-id"`
	Action    string           `json:"action"`
	MessageID string           `json:"message-id"`
	LogEntry  string           `json:"log-entry-id"`
	Timestamp time.Time        `json:"timestamp"`
}

// NotificationDedupe inspects the stored notifications before a new one is
// inserted. It returns the notification to replace, or nil to insert.
type NotificationDedupe func(n Notification, existing []Notification) *Notification

// ErrorLogEntry is a persisted error record attributed to a backup or schedule.
type ErrorLogEntry struct {
	ID        int64     `json:"id"`
	BackupID  string    `json:"backup-id"`
	Message   string    `json:"message"`
	Exception string    `json:"exception"`
	Timestamp time.Time `json:"timestamp"`
}
