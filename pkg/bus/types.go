package bus

import "context"

// Kinds of outbound traffic. Replies go back to the chat a message came
// from; reminders and alerts are pushed without an inbound trigger.
const (
	KindReply    = "reply"
	KindReminder = "reminder"
	KindAlert    = "alert"
)

type InboundMessage struct {
	Channel   string            `json:"channel"`
	SenderID  string            `json:"sender_id"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	Audio     []AudioClip       `json:"-"`
	PatientID string            `json:"patient_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AudioClip is a voice recording attached to an inbound message.
type AudioClip struct {
	Name string
	Data []byte
}

type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
	Kind    string `json:"kind,omitempty"`
}

// OutboundHandler delivers one outbound message on the chat channel it was
// registered for.
type OutboundHandler func(ctx context.Context, msg OutboundMessage) error
