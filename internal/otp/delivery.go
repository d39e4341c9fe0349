package otp

import (
	"context"

	"github.com/congo-pay/transferd/internal/notification"
)

// NotifierDeliverer routes codes through the notification sink as OTP_ISSUED.
type NotifierDeliverer struct {
	notifier notification.Notifier
}

// NewNotifierDeliverer adapts a Notifier to the Deliverer contract.
func NewNotifierDeliverer(n notification.Notifier) *NotifierDeliverer {
	return &NotifierDeliverer{notifier: n}
}

// Deliver publishes the code to its owner.
func (d *NotifierDeliverer) Deliver(ctx context.Context, identity, opType, code string) error {
	return d.notifier.Publish(ctx, notification.Event{
		Name:        notification.EventOTPIssued,
		Destination: identity,
		Payload:     map[string]string{"operation": opType, "code": code},
	})
}
