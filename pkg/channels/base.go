package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/cognianchor/cognianchor/pkg/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// Internal channels answer synchronously and never go through the
// outbound dispatcher.
const (
	ChannelCLI  = "cli"
	ChannelHTTP = "http"
)

func IsInternalChannel(name string) bool {
	return name == ChannelCLI || name == ChannelHTTP
}

type BaseChannel struct {
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, bus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       bus,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

// splitSender separates a compound sender id, "123456|username", into its
// numeric id and user name. Plain ids come back with an empty name.
func splitSender(senderID string) (id, user string) {
	if i := strings.IndexByte(senderID, '|'); i > 0 {
		return senderID[:i], senderID[i+1:]
	}
	return senderID, ""
}

// IsAllowed accepts everyone when the allow list is empty. Either part of a
// compound sender id can match an entry; entries may carry a leading "@".
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	id, user := splitSender(senderID)
	for _, entry := range c.allowList {
		switch strings.TrimSpace(strings.TrimPrefix(entry, "@")) {
		case "":
		case senderID, id, user:
			return true
		}
	}
	return false
}

// HandleMessage publishes a patient message. The numeric sender id doubles
// as the patient id.
func (c *BaseChannel) HandleMessage(senderID, chatID, content string, audio []bus.AudioClip, metadata map[string]string) bool {
	if !c.IsAllowed(senderID) {
		return false
	}
	patientID, _ := splitSender(senderID)
	return c.bus.PublishInbound(bus.InboundMessage{
		Channel:   c.name,
		SenderID:  senderID,
		ChatID:    chatID,
		Content:   content,
		Audio:     audio,
		PatientID: patientID,
		Metadata:  metadata,
	})
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}
