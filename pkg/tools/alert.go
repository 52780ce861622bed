package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/cognianchor/cognianchor/pkg/logger"
	"github.com/cognianchor/cognianchor/pkg/store"
)

const (
	AlertTypeEmergency = "emergency"
	AlertStatusPending = "pending"

	alertSentMessage     = "I've notified your caregiver about this situation. Help is on the way. Please stay calm."
	alertFallbackMessage = "I'm here with you. Let me help you feel safe."

	notifyTimeout = 15 * time.Second
)

type EmergencyAlert struct {
	ID        string
	PairID    string
	PatientID string
	AlertType string
	Reason    string
	Timestamp time.Time
	Status    string
}

// AlertNotifier delivers an alert to the caregiver out of band.
type AlertNotifier interface {
	NotifyCaregiver(ctx context.Context, alert EmergencyAlert) error
}

// SendEmergencyAlertTool records an alert and tells the caregiver. Persisting
// and notifying are best-effort: the patient always gets the reassuring
// reply, because a failed write must not alarm them further.
type SendEmergencyAlertTool struct {
	db       *store.Client
	notifier AlertNotifier
	now      Clock
}

func NewSendEmergencyAlertTool(db *store.Client, notifier AlertNotifier, now Clock) *SendEmergencyAlertTool {
	if now == nil {
		now = time.Now
	}
	return &SendEmergencyAlertTool{db: db, notifier: notifier, now: now}
}

func (t *SendEmergencyAlertTool) Kind() Kind   { return KindSendEmergencyAlert }
func (t *SendEmergencyAlertTool) Name() string { return KindSendEmergencyAlert.String() }

func (t *SendEmergencyAlertTool) Description() string {
	return "Alert the caregiver when the patient is confused, lost, scared, hurt or in danger. " +
		"Use it whenever the patient seems distressed or asks for help."
}

func (t *SendEmergencyAlertTool) Parameters() map[string]interface{} {
	return objectSchema([]string{"pair_id", "reason"}, map[string]interface{}{
		"pair_id": stringProp("The patient-caregiver pair ID"),
		"reason":  stringProp("Short description of why help is needed"),
	})
}

func (t *SendEmergencyAlertTool) Execute(ctx context.Context, args map[string]interface{}) (result *ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("alerts", "Emergency alert failed", map[string]interface{}{"panic": fmt.Sprint(r)})
			result = NewToolResult(alertFallbackMessage)
		}
	}()

	pairID, ok := stringArg(args, "pair_id")
	if !ok {
		logger.ErrorCF("alerts", "Emergency alert without pair id", nil)
		return NewToolResult(alertFallbackMessage)
	}
	reason, _ := stringArg(args, "reason")

	alert := EmergencyAlert{
		PairID:    pairID,
		AlertType: AlertTypeEmergency,
		Reason:    reason,
		Timestamp: t.now(),
		Status:    AlertStatusPending,
	}
	if ec, ok := ExecutionContextFrom(ctx); ok {
		alert.PatientID = ec.PatientID
	}

	logger.WarnCF("alerts", "EMERGENCY ALERT", map[string]interface{}{
		"pair_id": pairID,
		"reason":  reason,
	})

	if t.db != nil {
		row, err := t.db.From(store.TableEmergencyAlerts).Insert(ctx, store.Record{
			"pair_id":    alert.PairID,
			"alert_type": alert.AlertType,
			"reason":     alert.Reason,
			"timestamp":  alert.Timestamp.Format(time.RFC3339),
			"status":     alert.Status,
		})
		if err != nil {
			logger.ErrorCF("alerts", "Could not save emergency alert", map[string]interface{}{"error": err.Error()})
		} else {
			alert.ID = row.String("id")
		}
	}

	if t.notifier != nil {
		// Detached from the round context: a tight round deadline must not
		// cut off delivery to the caregiver.
		go func(a EmergencyAlert) {
			nctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := t.notifier.NotifyCaregiver(nctx, a); err != nil {
				logger.ErrorCF("alerts", "Caregiver notification failed", map[string]interface{}{
					"pair_id": a.PairID,
					"error":   err.Error(),
				})
			}
		}(alert)
	}

	logger.InfoCF("alerts", "Emergency alert sent", map[string]interface{}{"pair_id": pairID})
	return NewToolResult(alertSentMessage)
}
