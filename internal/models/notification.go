package models

import "time"

// NotificationType names what a notification is about.
type NotificationType string

const (
	NotifyApprovalRequested NotificationType = "approval_requested"
	NotifyApprovalEscalated NotificationType = "approval_escalated"
	NotifyApprovalResolved  NotificationType = "approval_resolved"
	NotifyApprovalComment   NotificationType = "approval_comment"
	NotifyAutomationApplied NotificationType = "automation_applied"
)

// Recipient is a channel name plus a channel specific address.
type Recipient struct {
	Channel string `json:"channel" yaml:"channel"`
	Address string `json:"address" yaml:"address"`
}

type NotificationRequest struct {
	Type       NotificationType  `json:"type"`
	Priority   Priority          `json:"priority"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	Recipients []Recipient       `json:"recipients"`
	Repository *RepositoryInfo   `json:"repository,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
	TemplateID string            `json:"template_id,omitempty"`
	// CorrelationID ties deliveries to the approval request that caused them.
	CorrelationID string `json:"correlation_id,omitempty"`
}

type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliverySent     DeliveryStatus = "sent"
	DeliveryRetrying DeliveryStatus = "retrying"
	// DeliveryFailed marks a chain abandoned before delivery, e.g. because the
	// approval request it was about already resolved.
	DeliveryFailed DeliveryStatus = "failed"
	// DeliveryFailedPermanent marks a chain that exhausted its attempts.
	DeliveryFailedPermanent DeliveryStatus = "failed_permanent"
)

// Final reports whether the chain will not be attempted again.
func (s DeliveryStatus) Final() bool {
	return s == DeliverySent || s == DeliveryFailed || s == DeliveryFailedPermanent
}

// DeliveryAttempt is the single retry chain for one (notification, recipient).
type DeliveryAttempt struct {
	ID             string           `gorm:"primaryKey;size:64" json:"id"`
	NotificationID string           `gorm:"size:64;index" json:"notification_id"`
	CorrelationID  string           `gorm:"size:64;index" json:"correlation_id,omitempty"`
	Type           NotificationType `gorm:"size:50" json:"type"`
	Channel        string           `gorm:"size:50;index" json:"channel"`
	Address        string           `gorm:"size:500" json:"address"`
	Subject        string           `gorm:"size:500" json:"subject"`
	Body           string           `gorm:"type:text" json:"body"`
	AttemptNumber  int              `json:"attempt_number"`
	Status         DeliveryStatus   `gorm:"size:20;index" json:"status"`
	NextRetryAt    *time.Time       `gorm:"index" json:"next_retry_at,omitempty"`
	LastError      string           `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt      time.Time        `gorm:"autoCreateTime:false" json:"created_at"`
	UpdatedAt      time.Time        `gorm:"autoUpdateTime:false" json:"updated_at"`
	DeliveredAt    *time.Time       `json:"delivered_at,omitempty"`
}

func (DeliveryAttempt) TableName() string { return "delivery_attempts" }

type NotificationTemplate struct {
	ID      string `json:"id" yaml:"id"`
	Subject string `json:"subject" yaml:"subject"`
	Body    string `json:"body" yaml:"body"`
}
