package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cognianchor/cognianchor/pkg/bus"
	"github.com/cognianchor/cognianchor/pkg/tools"
)

var (
	ErrNoCaregiverChat = errors.New("no caregiver chat configured")
	ErrAlertDropped    = errors.New("alert could not be queued")
)

// CaregiverNotifier forwards emergency alerts to the caregiver's chat
// through the outbound bus.
type CaregiverNotifier struct {
	bus     *bus.MessageBus
	channel string
	chatID  string
	loc     *time.Location
}

func NewCaregiverNotifier(mb *bus.MessageBus, channel, chatID string, loc *time.Location) *CaregiverNotifier {
	if loc == nil {
		loc = time.Local
	}
	return &CaregiverNotifier{bus: mb, channel: channel, chatID: strings.TrimSpace(chatID), loc: loc}
}

func (n *CaregiverNotifier) NotifyCaregiver(ctx context.Context, alert tools.EmergencyAlert) error {
	if n.chatID == "" {
		return ErrNoCaregiverChat
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !n.bus.PublishOutbound(bus.OutboundMessage{
		Channel: n.channel,
		ChatID:  n.chatID,
		Content: FormatAlert(alert, n.loc),
		Kind:    bus.KindAlert,
	}) {
		return ErrAlertDropped
	}
	return nil
}

// FormatAlert renders an alert for a caregiver.
func FormatAlert(alert tools.EmergencyAlert, loc *time.Location) string {
	var sb strings.Builder
	sb.WriteString("🚨 **Emergency alert**\n")
	fmt.Fprintf(&sb, "Pair: %s\n", alert.PairID)
	if alert.PatientID != "" {
		fmt.Fprintf(&sb, "Patient: %s\n", alert.PatientID)
	}
	reason := strings.TrimSpace(alert.Reason)
	if reason == "" {
		reason = "(no reason given)"
	}
	fmt.Fprintf(&sb, "Reason: %s\n", reason)
	if !alert.Timestamp.IsZero() {
		fmt.Fprintf(&sb, "Time: %s\n", alert.Timestamp.In(loc).Format("02 Jan 2006 03:04 PM MST"))
	}
	if alert.ID != "" {
		fmt.Fprintf(&sb, "Alert id: %s", alert.ID)
	}
	return strings.TrimRight(sb.String(), "\n")
}
