package tools

import (
	"time"

	"github.com/cognianchor/cognianchor/pkg/store"
)

// NewDefaultRegistry registers the four assistant tools and validates the
// result, so a missing handler is a startup error.
func NewDefaultRegistry(db *store.Client, notifier AlertNotifier, now Clock, loc *time.Location) (*ToolRegistry, error) {
	r := NewToolRegistry()
	for _, tool := range []Tool{
		NewCreateReminderTool(db, now, loc),
		NewListRemindersTool(db, now, loc),
		NewDeleteReminderTool(db),
		NewSendEmergencyAlertTool(db, notifier, now),
	} {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
