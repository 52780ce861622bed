package channels

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/cognianchor/cognianchor/pkg/bus"
	"github.com/cognianchor/cognianchor/pkg/config"
	"github.com/cognianchor/cognianchor/pkg/logger"
	"github.com/cognianchor/cognianchor/pkg/utils"
)

const (
	sendTimeout     = 10 * time.Second
	downloadTimeout = 30 * time.Second
	typingInterval  = 8 * time.Second
	maxAudioBytes   = 25 << 20
	// Discord rejects messages over 2000 characters.
	messageLimit = 1900
)

// DiscordChannel is the patient's chat. Patients write or send voice notes
// in a DM or guild channel; the caregiver channel, when configured, is
// reserved for alerts and never read.
type DiscordChannel struct {
	*BaseChannel
	session *discordgo.Session
	config  config.DiscordConfig
	fetcher *http.Client
	typing  *typingIndicator
}

func NewDiscordChannel(cfg config.DiscordConfig, mb *bus.MessageBus) (*DiscordChannel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	session, err := discordgo.New("Bot " + strings.TrimSpace(cfg.Token))
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	c := &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", mb, cfg.AllowFrom),
		session:     session,
		config:      cfg,
		fetcher:     &http.Client{Timeout: downloadTimeout},
	}
	c.typing = newTypingIndicator(typingInterval, c.showTyping)
	return c, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	c.session.AddHandler(c.onMessageCreate)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	c.setRunning(true)

	fields := map[string]any{"caregiver_channel": c.config.CaregiverChannelID}
	if me, err := c.session.User("@me"); err == nil {
		fields["bot"] = me.Username
	}
	logger.InfoCF("discord", "Discord connected", fields)
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	c.typing.releaseAll()
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	logger.InfoC("discord", "Discord disconnected")
	return nil
}

// Send posts msg to its chat, split to fit Discord's size limit. A reply
// also ends the typing indicator its inbound message started.
func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord channel not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("discord message has no chat id")
	}
	if msg.Kind == bus.KindReply {
		defer c.typing.release(msg.ChatID)
	}

	for _, chunk := range splitMessage(strings.TrimSpace(msg.Content), messageLimit) {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err := c.session.ChannelMessageSend(msg.ChatID, chunk, discordgo.WithContext(sendCtx))
		cancel()
		if err != nil {
			return fmt.Errorf("send discord %s: %w", msg.Kind, err)
		}
	}
	return nil
}

func (c *DiscordChannel) showTyping(chatID string) {
	if !c.IsRunning() {
		return
	}
	if err := c.session.ChannelTyping(chatID); err != nil {
		logger.DebugCF("discord", "Typing indicator failed", map[string]any{"error": err.Error()})
	}
}

// splitMessage cuts content into chunks of at most limit bytes. A cut goes
// at the last newline in the final 200 bytes of the window, else the last
// space or tab in the final 100, else at a rune start.
func splitMessage(content string, limit int) []string {
	var chunks []string
	for len(content) > limit {
		cut := breakPoint(content, limit)
		chunks = append(chunks, content[:cut])
		content = strings.TrimSpace(content[cut:])
	}
	if content != "" {
		chunks = append(chunks, content)
	}
	return chunks
}

func breakPoint(content string, limit int) int {
	window := content[:limit]
	if i := lastIn(window, 200, "\n"); i > 0 {
		return i
	}
	if i := lastIn(window, 100, " \t"); i > 0 {
		return i
	}
	return runeBoundary(content, limit)
}

// lastIn returns the index of the last byte from chars within the final
// span bytes of s, or -1.
func lastIn(s string, span int, chars string) int {
	from := max(len(s)-span, 0)
	if i := strings.LastIndexAny(s[from:], chars); i >= 0 {
		return from + i
	}
	return -1
}

// runeBoundary backs i up to the start of the rune it falls in.
func runeBoundary(s string, i int) int {
	for j := i; j > 0; j-- {
		if utf8.RuneStart(s[j]) {
			return j
		}
	}
	return i
}

func isAudioAttachment(a *discordgo.MessageAttachment) bool {
	if a == nil {
		return false
	}
	return strings.HasPrefix(strings.ToLower(a.ContentType), "audio/") || utils.IsAudioFile(a.Filename)
}

// downloadAudio fetches the voice attachments of a message. Other
// attachments are ignored; a failed download is logged and skipped.
func (c *DiscordChannel) downloadAudio(ctx context.Context, attachments []*discordgo.MessageAttachment) []bus.AudioClip {
	var clips []bus.AudioClip
	for _, a := range attachments {
		if !isAudioAttachment(a) {
			continue
		}
		if a.Size > maxAudioBytes {
			logger.WarnCF("discord", "Audio attachment too large", map[string]any{
				"filename": a.Filename,
				"size":     a.Size,
			})
			continue
		}
		data, err := c.fetch(ctx, a.URL)
		if err != nil {
			logger.ErrorCF("discord", "Failed to download audio attachment", map[string]any{
				"filename": a.Filename,
				"error":    err.Error(),
			})
			continue
		}
		clips = append(clips, bus.AudioClip{Name: a.Filename, Data: data})
	}
	return clips
}

func (c *DiscordChannel) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.fetcher.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxAudioBytes {
		return nil, fmt.Errorf("attachment exceeds %d bytes", maxAudioBytes)
	}
	return data, nil
}

func (c *DiscordChannel) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil {
		return
	}
	if s != nil && s.State != nil && s.State.User != nil && m.Author != nil && m.Author.ID == s.State.User.ID {
		return
	}
	c.processMessage(context.Background(), m.Message)
}

// processMessage turns one Discord message into an inbound bus message and
// reports whether it was published.
func (c *DiscordChannel) processMessage(ctx context.Context, m *discordgo.Message) bool {
	if m.Author == nil || m.Author.Bot {
		return false
	}
	// Checked before any download.
	if !c.IsAllowed(m.Author.ID) {
		logger.DebugCF("discord", "Sender not in allow list", map[string]any{"user_id": m.Author.ID})
		return false
	}
	if c.config.CaregiverChannelID != "" && m.ChannelID == c.config.CaregiverChannelID {
		return false
	}

	content := strings.TrimSpace(m.Content)
	audio := c.downloadAudio(ctx, m.Attachments)
	if content == "" && len(audio) == 0 {
		return false
	}

	logger.DebugCF("discord", "Patient message", map[string]any{
		"sender_id": m.Author.ID,
		"audio":     len(audio),
		"preview":   utils.Truncate(content, 50),
	})

	c.typing.hold(m.ChannelID)
	published := c.HandleMessage(m.Author.ID, m.ChannelID, content, audio, map[string]string{
		"message_id": m.ID,
		"username":   m.Author.Username,
		"guild_id":   m.GuildID,
		"is_dm":      fmt.Sprintf("%t", m.GuildID == ""),
	})
	if !published {
		c.typing.release(m.ChannelID)
	}
	return published
}
