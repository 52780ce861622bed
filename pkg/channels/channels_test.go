package channels

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognianchor/cognianchor/pkg/bus"
	"github.com/cognianchor/cognianchor/pkg/config"
	"github.com/cognianchor/cognianchor/pkg/tools"
)

func TestBaseChannel_IsAllowed(t *testing.T) {
	open := NewBaseChannel("discord", nil, nil)
	assert.True(t, open.IsAllowed("anyone"))

	restricted := NewBaseChannel("discord", nil, []string{"123", "@alice"})
	assert.True(t, restricted.IsAllowed("123"))
	assert.True(t, restricted.IsAllowed("123|bob"))
	assert.True(t, restricted.IsAllowed("999|alice"))
	assert.False(t, restricted.IsAllowed("999|bob"))
}

func TestBaseChannel_HandleMessageUsesSenderAsPatient(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	ch := NewBaseChannel("discord", mb, nil)

	require.True(t, ch.HandleMessage("42|grandpa", "chat-1", "hello", nil, nil))
	msg, ok := mb.ConsumeInbound(context.Background())
	require.True(t, ok)
	assert.Equal(t, "42", msg.PatientID)
	assert.Equal(t, "discord", msg.Channel)
	assert.Equal(t, "chat-1", msg.ChatID)
}

func TestIsInternalChannel(t *testing.T) {
	assert.True(t, IsInternalChannel(ChannelCLI))
	assert.True(t, IsInternalChannel(ChannelHTTP))
	assert.False(t, IsInternalChannel("discord"))
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitMessage("short", 100))

	long := strings.Repeat("word ", 50)
	chunks := splitMessage(long, 40)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 40)
	}
	assert.Equal(t, strings.Fields(long), strings.Fields(strings.Join(chunks, " ")))
}

func TestSplitMessage_KeepsRunesWhole(t *testing.T) {
	long := "x" + strings.Repeat("é", 60) + strings.Repeat("🙂", 20)
	chunks := splitMessage(long, 41)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c), "chunk %q is not valid UTF-8", c)
		assert.LessOrEqual(t, len(c), 41)
	}
	assert.Equal(t, long, strings.Join(chunks, ""))
}

func TestSplitMessage_PrefersNewline(t *testing.T) {
	content := strings.Repeat("a", 30) + "\n" + strings.Repeat("b", 30)
	assert.Equal(t, []string{strings.Repeat("a", 30), strings.Repeat("b", 30)}, splitMessage(content, 40))
}

func (t *typingIndicator) active(chatID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.chats[chatID]
	return ok
}

func TestTypingIndicator_HoldsUntilLastRelease(t *testing.T) {
	var mu sync.Mutex
	sent := map[string]int{}
	typing := newTypingIndicator(time.Hour, func(chatID string) {
		mu.Lock()
		sent[chatID]++
		mu.Unlock()
	})

	typing.hold("dm-1")
	typing.hold("dm-1")
	typing.hold("")
	assert.True(t, typing.active("dm-1"))
	assert.False(t, typing.active(""))

	typing.release("dm-1")
	assert.True(t, typing.active("dm-1"), "one reply still pending")
	typing.release("dm-1")
	assert.False(t, typing.active("dm-1"))
	typing.release("dm-1")

	typing.hold("dm-2")
	typing.releaseAll()
	assert.False(t, typing.active("dm-2"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"dm-1": 1, "dm-2": 1}, sent)
}

func newTestDiscord(t *testing.T, mb *bus.MessageBus, cfg config.DiscordConfig) *DiscordChannel {
	t.Helper()
	cfg.Token = "test-token"
	ch, err := NewDiscordChannel(cfg, mb)
	require.NoError(t, err)
	return ch
}

func TestNewDiscordChannel_RequiresToken(t *testing.T) {
	_, err := NewDiscordChannel(config.DiscordConfig{}, bus.NewMessageBus())
	assert.Error(t, err)
}

func TestDiscordProcessMessage_DownloadsVoiceNotes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/voice.ogg":
			_, _ = w.Write([]byte("OggS-voice"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	mb := bus.NewMessageBus()
	defer mb.Close()
	ch := newTestDiscord(t, mb, config.DiscordConfig{})

	published := ch.processMessage(context.Background(), &discordgo.Message{
		ID:        "m1",
		ChannelID: "dm-1",
		Author:    &discordgo.User{ID: "42", Username: "grandpa"},
		Attachments: []*discordgo.MessageAttachment{
			{Filename: "voice.ogg", URL: srv.URL + "/voice.ogg", ContentType: "audio/ogg", Size: 10},
			{Filename: "photo.png", URL: srv.URL + "/photo.png", ContentType: "image/png", Size: 10},
			{Filename: "missing.mp3", URL: srv.URL + "/missing.mp3", Size: 10},
		},
	})
	require.True(t, published)

	msg, ok := mb.ConsumeInbound(context.Background())
	require.True(t, ok)
	assert.Equal(t, "42", msg.PatientID)
	require.Len(t, msg.Audio, 1)
	assert.Equal(t, "voice.ogg", msg.Audio[0].Name)
	assert.Equal(t, []byte("OggS-voice"), msg.Audio[0].Data)
	assert.Equal(t, "true", msg.Metadata["is_dm"])
}

func TestDiscordProcessMessage_Filters(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	ch := newTestDiscord(t, mb, config.DiscordConfig{
		AllowFrom:          config.FlexibleStringSlice{"42"},
		CaregiverChannelID: "care-1",
	})

	assert.False(t, ch.processMessage(context.Background(), &discordgo.Message{
		ChannelID: "dm-1", Content: "hi", Author: &discordgo.User{ID: "7"},
	}), "sender outside allow list")
	assert.False(t, ch.processMessage(context.Background(), &discordgo.Message{
		ChannelID: "care-1", Content: "hi", Author: &discordgo.User{ID: "42"},
	}), "caregiver channel is output only")
	assert.False(t, ch.processMessage(context.Background(), &discordgo.Message{
		ChannelID: "dm-1", Content: "hi", Author: &discordgo.User{ID: "42", Bot: true},
	}), "bots are ignored")
	assert.False(t, ch.processMessage(context.Background(), &discordgo.Message{
		ChannelID: "dm-1", Content: "   ", Author: &discordgo.User{ID: "42"},
	}), "empty message")
	assert.True(t, ch.processMessage(context.Background(), &discordgo.Message{
		ChannelID: "dm-1", Content: "hello", Author: &discordgo.User{ID: "42"},
	}))
}

func TestDiscordSend_RequiresRunning(t *testing.T) {
	ch := newTestDiscord(t, bus.NewMessageBus(), config.DiscordConfig{})
	err := ch.Send(context.Background(), bus.OutboundMessage{ChatID: "x", Content: "hi"})
	assert.Error(t, err)
}

func TestCaregiverNotifier(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()

	alert := tools.EmergencyAlert{
		ID:        "alert-1",
		PairID:    "pair-1",
		PatientID: "42",
		Reason:    "fell in the kitchen",
		Timestamp: time.Date(2030, time.June, 15, 20, 5, 0, 0, time.UTC),
	}

	none := NewCaregiverNotifier(mb, "discord", "", time.UTC)
	assert.ErrorIs(t, none.NotifyCaregiver(context.Background(), alert), ErrNoCaregiverChat)

	n := NewCaregiverNotifier(mb, "discord", "care-1", time.UTC)
	require.NoError(t, n.NotifyCaregiver(context.Background(), alert))

	out, ok := mb.SubscribeOutbound(context.Background())
	require.True(t, ok)
	assert.Equal(t, "discord", out.Channel)
	assert.Equal(t, "care-1", out.ChatID)
	assert.Equal(t, bus.KindAlert, out.Kind)
	assert.Contains(t, out.Content, "Reason: fell in the kitchen")
	assert.Contains(t, out.Content, "Time: 15 Jun 2030 08:05 PM UTC")
	assert.Contains(t, out.Content, "Alert id: alert-1")
}

// recordingChannel is an in-memory Channel.
type recordingChannel struct {
	*BaseChannel
	mu   sync.Mutex
	sent []bus.OutboundMessage
	fail error
}

func newRecordingChannel(name string) *recordingChannel {
	return &recordingChannel{BaseChannel: NewBaseChannel(name, nil, nil)}
}

func (r *recordingChannel) Start(ctx context.Context) error {
	if r.fail != nil {
		return r.fail
	}
	r.setRunning(true)
	return nil
}

func (r *recordingChannel) Stop(ctx context.Context) error {
	r.setRunning(false)
	return nil
}

func (r *recordingChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingChannel) messages() []bus.OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.OutboundMessage(nil), r.sent...)
}

func TestManager_DeliversThroughBusHandlers(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()

	m, err := NewManager(config.DefaultConfig(), mb)
	require.NoError(t, err)
	assert.Empty(t, m.Names(), "discord is disabled by default")

	rec := newRecordingChannel("discord")
	m.Add(rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.StartAll(ctx))

	_, registered := mb.Handler("discord")
	assert.True(t, registered, "started channels handle their outbound traffic")

	mb.PublishOutbound(bus.OutboundMessage{Channel: ChannelCLI, ChatID: "direct", Content: "skip me"})
	mb.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "x", Content: "nobody home"})
	mb.PublishOutbound(bus.OutboundMessage{Channel: "discord", ChatID: "dm-1", Content: "Time for your pills", Kind: bus.KindReminder})

	require.Eventually(t, func() bool { return len(rec.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := rec.messages()[0]
	assert.Equal(t, "Time for your pills", got.Content)
	assert.Equal(t, bus.KindReminder, got.Kind)
	assert.Equal(t, map[string]bool{"discord": true}, m.Running())

	require.Eventually(t, func() bool {
		stats := mb.Stats()
		return stats.Delivered == 1 && stats.Undeliverable == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.StopAll(context.Background()))
	_, registered = mb.Handler("discord")
	assert.False(t, registered)
	assert.False(t, rec.IsRunning())
}

func TestManager_StartFailureStopsStarted(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()
	m, err := NewManager(config.DefaultConfig(), mb)
	require.NoError(t, err)

	good := newRecordingChannel("a-good")
	bad := newRecordingChannel("b-bad")
	bad.fail = errors.New("gateway refused")
	m.Add(good)
	m.Add(bad)

	err = m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway refused")
	assert.False(t, good.IsRunning())
	_, registered := mb.Handler("a-good")
	assert.False(t, registered)
}

func TestNewManager_EnabledDiscordNeedsToken(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Channels.Discord.Enabled = true
	_, err := NewManager(cfg, bus.NewMessageBus())
	assert.Error(t, err)
}
