package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cognianchor/cognianchor/pkg/bus"
	"github.com/cognianchor/cognianchor/pkg/config"
	"github.com/cognianchor/cognianchor/pkg/logger"
)

// Manager owns the patient-facing chat channels. While started, each
// channel is registered on the bus as the handler for its outbound
// traffic and a single delivery loop drains the outbound queue.
type Manager struct {
	bus *bus.MessageBus

	mu       sync.RWMutex
	channels map[string]Channel
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewManager(cfg *config.Config, mb *bus.MessageBus) (*Manager, error) {
	configured, err := configuredChannels(cfg, mb)
	if err != nil {
		return nil, err
	}
	m := &Manager{bus: mb, channels: make(map[string]Channel)}
	for _, ch := range configured {
		m.Add(ch)
	}
	logger.InfoCF("channels", "Channel manager ready", map[string]interface{}{
		"channels": m.Names(),
	})
	return m, nil
}

func configuredChannels(cfg *config.Config, mb *bus.MessageBus) ([]Channel, error) {
	discord := cfg.Channels.Discord
	if !discord.Enabled {
		logger.InfoC("channels", "Discord channel disabled")
		return nil, nil
	}
	if strings.TrimSpace(discord.Token) == "" {
		return nil, fmt.Errorf("channels.discord.token is required when discord is enabled")
	}
	ch, err := NewDiscordChannel(discord, mb)
	if err != nil {
		return nil, fmt.Errorf("initialize Discord channel: %w", err)
	}
	return []Channel{ch}, nil
}

// Add makes ch available under its own name. Channels added after
// StartAll are picked up on the next start.
func (m *Manager) Add(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

func (m *Manager) Channel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names lists the configured channels in a stable order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Running reports, per channel, whether it is connected.
func (m *Manager) Running() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.IsRunning()
	}
	return out
}

func (m *Manager) ordered() []Channel {
	names := m.Names()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Channel, 0, len(names))
	for _, name := range names {
		out = append(out, m.channels[name])
	}
	return out
}

// StartAll connects every channel. If any fails, the ones already
// connected are stopped again and nothing is registered on the bus.
func (m *Manager) StartAll(ctx context.Context) error {
	channels := m.ordered()
	if len(channels) == 0 {
		logger.WarnC("channels", "No channels enabled, outbound messages will be dropped")
	}

	started := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		if err := ch.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start channel", map[string]interface{}{
				"channel": ch.Name(),
				"error":   err.Error(),
			})
			for i := len(started) - 1; i >= 0; i-- {
				if stopErr := started[i].Stop(ctx); stopErr != nil {
					err = errors.Join(err, fmt.Errorf("stop %s: %w", started[i].Name(), stopErr))
				}
			}
			return fmt.Errorf("start channel %s: %w", ch.Name(), err)
		}
		started = append(started, ch)
	}

	for _, ch := range started {
		m.bus.RegisterHandler(ch.Name(), ch.Send)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.cancel, m.done = cancel, done
	m.mu.Unlock()

	go m.deliver(loopCtx, done)

	logger.InfoCF("channels", "Channels started", map[string]interface{}{"count": len(started)})
	return nil
}

// StopAll ends delivery, removes the bus handlers and disconnects every
// channel. Stop errors are joined.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	var errs error
	for _, ch := range m.ordered() {
		m.bus.UnregisterHandler(ch.Name())
		if err := ch.Stop(ctx); err != nil {
			logger.ErrorCF("channels", "Error stopping channel", map[string]interface{}{
				"channel": ch.Name(),
				"error":   err.Error(),
			})
			errs = errors.Join(errs, fmt.Errorf("stop %s: %w", ch.Name(), err))
		}
	}
	logger.InfoC("channels", "Channels stopped")
	return errs
}

func (m *Manager) deliver(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		// cli and http replies are returned to the caller directly.
		if IsInternalChannel(msg.Channel) {
			continue
		}
		if err := m.bus.Deliver(ctx, msg); err != nil {
			logger.ErrorCF("channels", "Outbound delivery failed", map[string]interface{}{
				"channel": msg.Channel,
				"kind":    msg.Kind,
				"error":   err.Error(),
			})
		}
	}
}
