package bot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Session defines the Discord session interface used by Bot
type Session interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	// GetUserID returns the bot's user ID
	GetUserID() string
}

// discordSessionAdapter wraps *discordgo.Session to implement Session
type discordSessionAdapter struct {
	*discordgo.Session
}

func (s *discordSessionAdapter) GetUserID() string {
	return s.State.User.ID
}

// NewSession wraps a *discordgo.Session to implement the Session interface
func NewSession(session *discordgo.Session) Session {
	return &discordSessionAdapter{Session: session}
}

// Sender delivers outbound messages to a user's DM channel. Each call is
// one delivery attempt; any error is a per-call failure for the caller to
// count or swallow.
type Sender interface {
	SendText(ctx context.Context, userID int64, text string) error
	SendPhoto(ctx context.Context, userID int64, url, caption string) error
	SendVideo(ctx context.Context, userID int64, url, caption string) error
	SendLocation(ctx context.Context, userID int64, lat, lon float64) error
	SendDocument(ctx context.Context, userID int64, url, fileName, caption string) error
}

// discordSender implements Sender over user DM channels, caching the
// channel id per user.
type discordSender struct {
	session Session
	client  *http.Client

	mu       sync.Mutex
	channels map[int64]string
}

// NewSender creates a Sender that delivers via Discord DMs
func NewSender(session Session) Sender {
	return &discordSender{
		session:  session,
		client:   &http.Client{Timeout: 1 * time.Minute},
		channels: make(map[int64]string),
	}
}

func (d *discordSender) dmChannel(userID int64) (string, error) {
	d.mu.Lock()
	if ch, ok := d.channels[userID]; ok {
		d.mu.Unlock()
		return ch, nil
	}
	d.mu.Unlock()

	ch, err := d.session.UserChannelCreate(strconv.FormatInt(userID, 10))
	if err != nil {
		return "", fmt.Errorf("opening DM channel for %d: %w", userID, err)
	}

	d.mu.Lock()
	d.channels[userID] = ch.ID
	d.mu.Unlock()
	return ch.ID, nil
}

func (d *discordSender) send(userID int64, data *discordgo.MessageSend) error {
	ch, err := d.dmChannel(userID)
	if err != nil {
		return err
	}
	_, err = d.session.ChannelMessageSendComplex(ch, data)
	return err
}

func (d *discordSender) SendText(ctx context.Context, userID int64, text string) error {
	return d.send(userID, &discordgo.MessageSend{Content: text})
}

func (d *discordSender) SendPhoto(ctx context.Context, userID int64, url, caption string) error {
	return d.send(userID, &discordgo.MessageSend{
		Content: caption,
		Embeds: []*discordgo.MessageEmbed{
			{Image: &discordgo.MessageEmbedImage{URL: url}},
		},
	})
}

func (d *discordSender) SendVideo(ctx context.Context, userID int64, url, caption string) error {
	content := url
	if caption != "" {
		content = caption + "\n" + url
	}
	return d.send(userID, &discordgo.MessageSend{Content: content})
}

func (d *discordSender) SendLocation(ctx context.Context, userID int64, lat, lon float64) error {
	return d.send(userID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{
			{
				Title:       "📍 Location",
				Description: fmt.Sprintf("%.6f, %.6f", lat, lon),
				URL:         fmt.Sprintf("https://www.google.com/maps?q=%f,%f", lat, lon),
			},
		},
	})
}

func (d *discordSender) SendDocument(ctx context.Context, userID int64, url, fileName, caption string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching document %s: %w", fileName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching document %s: unexpected status %s", fileName, resp.Status)
	}

	return d.send(userID, &discordgo.MessageSend{
		Content: caption,
		Files: []*discordgo.File{
			{Name: fileName, Reader: io.Reader(resp.Body)},
		},
	})
}

// messageResponder answers a message-shaped event with a direct reply.
type messageResponder struct {
	session   Session
	channelID string
	messageID string
}

func (r *messageResponder) Notice(text string) error {
	_, err := r.session.ChannelMessageSendComplex(r.channelID, &discordgo.MessageSend{
		Content:   text,
		Reference: &discordgo.MessageReference{MessageID: r.messageID, ChannelID: r.channelID},
	})
	return err
}

// interactionResponder answers an interaction-shaped event with an
// ephemeral alert only the actor sees.
type interactionResponder struct {
	session     Session
	interaction *discordgo.Interaction
}

func (r *interactionResponder) Notice(text string) error {
	return r.session.InteractionRespond(r.interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: text,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}
