package notification

import "github.com/huangang/repoflow/internal/models"

// Filter decides whether a recipient should receive a notification.
type Filter func(req *models.NotificationRequest, r models.Recipient) bool

// MuteTypes drops every notification of the listed types.
func MuteTypes(types ...string) Filter {
	muted := make(map[models.NotificationType]bool, len(types))
	for _, t := range types {
		muted[models.NotificationType(t)] = true
	}
	return func(req *models.NotificationRequest, _ models.Recipient) bool {
		return !muted[req.Type]
	}
}

// MuteRecipients drops deliveries to the listed "channel:address" keys.
func MuteRecipients(keys ...string) Filter {
	muted := make(map[string]bool, len(keys))
	for _, k := range keys {
		muted[k] = true
	}
	return func(_ *models.NotificationRequest, r models.Recipient) bool {
		return !muted[r.Channel+":"+r.Address]
	}
}
